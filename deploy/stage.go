package deploy

import (
	"fmt"
	"log/slog"
	"time"
)

// Stage is a step of a deployment. Deployments move forward through the
// stages in order and end in either StageDone or StageFailed.
type Stage string

const (
	StageStart       Stage = "start"
	StageValidateEnv Stage = "validate_env"
	StageFetchPubkey Stage = "fetch_pubkey"
	StageEncrypt     Stage = "encrypt"
	StageCreateVM    Stage = "create_vm"
	StageDone        Stage = "done"
	StageFailed      Stage = "failed"
)

// StageError is the failure of a deployment at Stage.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// run tracks the stage of one flow and logs its transitions.
type run struct {
	flow     string
	stage    Stage
	start    time.Time
	log      *slog.Logger
	observer func(from, to Stage)
}

func newRun(flow string, log *slog.Logger, observer func(from, to Stage)) *run {
	return &run{flow: flow, stage: StageStart, start: time.Now(), log: log, observer: observer}
}

func (r *run) enter(next Stage) {
	prev := r.stage
	r.stage = next
	r.log.Info("Deployment stage",
		slog.String("flow", r.flow),
		slog.String("from", string(prev)),
		slog.String("stage", string(next)),
		slog.Duration("elapsed", time.Since(r.start)))
	if r.observer != nil {
		r.observer(prev, next)
	}
}

// fail moves the run to StageFailed and returns err attributed to the stage it failed in.
func (r *run) fail(err error) error {
	failed := r.stage
	r.log.Error("Deployment failed",
		slog.String("flow", r.flow),
		slog.String("stage", string(failed)),
		"err", err)
	r.enter(StageFailed)
	return &StageError{Stage: failed, Err: err}
}
