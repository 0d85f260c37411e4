package deploy

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ruteri/cvm-deployer/config"
	"github.com/ruteri/cvm-deployer/cryptoutils"
	"github.com/ruteri/cvm-deployer/cvmapi"
	"github.com/ruteri/cvm-deployer/interfaces"
	"github.com/ruteri/cvm-deployer/kms"
)

// Deployer drives CVM deployments against a CVM API. It holds no state
// between calls; key material fetched for one deployment is never reused.
type Deployer struct {
	API interfaces.CVMAPI

	// Rand is the source of ephemeral keys and nonces. Nil means crypto/rand.
	Rand io.Reader

	Log *slog.Logger

	// OnTransition, when set, is called on every stage transition.
	OnTransition func(from, to Stage)
}

func NewDeployer(api interfaces.CVMAPI, log *slog.Logger) *Deployer {
	return &Deployer{API: api, Rand: rand.Reader, Log: log}
}

// Request is a single deployment.
type Request struct {
	Config interfaces.VMConfig
	Env    interfaces.EnvVars

	// Required lists variables that must be present and non-empty in Env.
	Required []string
}

// Deploy validates the environment, fetches the encryption key for the VM
// configuration, encrypts the environment to it and creates the VM. Any
// failure aborts the deployment and is returned as *StageError.
func (d *Deployer) Deploy(ctx context.Context, req Request) (*interfaces.CVM, error) {
	r := d.newRun("deploy")

	r.enter(StageValidateEnv)
	if err := config.CheckRequired(req.Env.Lookup, req.Required); err != nil {
		return nil, r.fail(err)
	}

	r.enter(StageFetchPubkey)
	pubkey, err := d.API.GetPubkey(ctx, req.Config)
	if err != nil {
		return nil, r.fail(err)
	}
	d.logger().Debug("Fetched env encryption key",
		slog.String("pubkey", pubkey.AppEnvEncryptPubkey),
		slog.String("salt", pubkey.AppIDSalt))

	r.enter(StageEncrypt)
	encryptedEnv, err := d.encryptor().EncryptEnvVars(req.Env, pubkey.AppEnvEncryptPubkey)
	if err != nil {
		return nil, r.fail(err)
	}

	if err := ctx.Err(); err != nil {
		return nil, r.fail(err)
	}

	r.enter(StageCreateVM)
	cvm, err := d.API.CreateVM(ctx, interfaces.CreateVMRequest{
		VMConfig:            req.Config,
		EncryptedEnv:        encryptedEnv,
		AppEnvEncryptPubkey: pubkey.AppEnvEncryptPubkey,
		AppIDSalt:           pubkey.AppIDSalt,
	})
	if err != nil {
		return nil, r.fail(err)
	}

	r.enter(StageDone)
	d.logger().Info("Deployed CVM",
		slog.String("name", cvm.Name),
		slog.String("app_id", cvm.AppID),
		slog.String("status", cvm.Status))
	return cvm, nil
}

// UpdateCompose applies mutate to the compose manifest of a running CVM and
// submits it. A non-empty env replaces the CVM environment, encrypted to the
// key the CVM reports.
func (d *Deployer) UpdateCompose(ctx context.Context, cvmID string, mutate func(*interfaces.ComposeManifest) error, env interfaces.EnvVars) (json.RawMessage, error) {
	state, err := d.API.GetCompose(ctx, cvmID)
	if err != nil {
		return nil, fmt.Errorf("could not fetch compose of %s: %w", cvmID, err)
	}

	manifest := state.ComposeFile
	if mutate != nil {
		if err := mutate(&manifest); err != nil {
			return nil, err
		}
	}

	req := interfaces.UpdateComposeRequest{ComposeManifest: manifest}
	if len(env) > 0 {
		req.EncryptedEnv, err = d.encryptor().EncryptEnvVars(env, state.EnvPubkey)
		if err != nil {
			return nil, err
		}
	}

	resp, err := d.API.UpdateCompose(ctx, cvmID, req)
	if err != nil {
		return nil, fmt.Errorf("could not update compose of %s: %w", cvmID, err)
	}
	d.logger().Info("Updated compose", slog.String("cvm", cvmID), slog.Bool("env", len(env) > 0))
	return resp, nil
}

// Replicate starts a replica of a CVM, optionally on another teepod. A
// non-empty env is encrypted to the key of the source CVM.
func (d *Deployer) Replicate(ctx context.Context, vmUUID string, teepodID *int, env interfaces.EnvVars) (*interfaces.CVM, error) {
	id, err := cvmapi.NormalizeVMUUID(vmUUID)
	if err != nil {
		return nil, err
	}

	req := interfaces.ReplicaRequest{TeepodID: teepodID}
	if len(env) > 0 {
		state, err := d.API.GetCompose(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("could not fetch compose of %s: %w", id, err)
		}
		req.EncryptedEnv, err = d.encryptor().EncryptEnvVars(env, state.EnvPubkey)
		if err != nil {
			return nil, err
		}
	}

	cvm, err := d.API.CreateReplica(ctx, id, req)
	if err != nil {
		return nil, fmt.Errorf("could not replicate %s: %w", id, err)
	}
	d.logger().Info("Created replica", slog.String("source", id), slog.String("name", cvm.Name))
	return cvm, nil
}

// MaxProvisionNameLength is the longest CVM name, in characters, accepted at provisioning.
const MaxProvisionNameLength = 20

// Provisioned is the outcome of the first phase of a KMS-backed deployment.
type Provisioned struct {
	Result *interfaces.ProvisionResult
	KMS    *interfaces.KMSInfo
}

// Provision reserves a CVM against an onchain KMS. The app must then be
// registered on the KMS contract before the deployment is committed.
func (d *Deployer) Provision(ctx context.Context, req interfaces.ProvisionRequest) (*Provisioned, error) {
	if req.KMSID == "" {
		return nil, errors.New("kms id is required")
	}
	if utf8.RuneCountInString(req.Name) > MaxProvisionNameLength {
		req.Name = string([]rune(req.Name)[:MaxProvisionNameLength])
	}

	kms, err := d.API.GetKMSInfo(ctx, req.KMSID)
	if err != nil {
		return nil, fmt.Errorf("could not fetch kms %s: %w", req.KMSID, err)
	}

	result, err := d.API.ProvisionCVM(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("could not provision cvm: %w", err)
	}

	d.logger().Info("Provisioned CVM",
		slog.String("app_id", result.AppID),
		slog.String("device_id", result.DeviceID),
		slog.String("compose_hash", result.ComposeHash),
		slog.String("kms_contract", kms.KMSContractAddress))
	return &Provisioned{Result: result, KMS: kms}, nil
}

// CommitParams completes a provisioned deployment.
type CommitParams struct {
	KMSID           string
	AppID           string
	ComposeHash     string
	ContractAddress string
	Env             interfaces.EnvVars

	// KMSSigner, when set, is the address the env pubkey signature must
	// recover to. Commit refuses to encrypt to an unsigned or foreign key.
	KMSSigner string
}

// Commit encrypts env to the KMS key of the app and commits the provisioned CVM.
func (d *Deployer) Commit(ctx context.Context, params CommitParams) (*interfaces.CommitResult, error) {
	appID, err := interfaces.NewAppIDFromHex(params.AppID)
	if err != nil {
		return nil, fmt.Errorf("invalid app id: %w", err)
	}
	if _, err := ParseHash32(params.ComposeHash); err != nil {
		return nil, fmt.Errorf("invalid compose hash: %w", err)
	}
	if _, err := ParseAddress(params.ContractAddress); err != nil {
		return nil, fmt.Errorf("invalid contract address: %w", err)
	}

	expectedSigner, err := parseSigner(params.KMSSigner)
	if err != nil {
		return nil, err
	}

	encryptedEnv, err := d.encryptToApp(ctx, params.KMSID, appID, params.Env, expectedSigner)
	if err != nil {
		return nil, err
	}

	result, err := d.API.CommitProvision(ctx, interfaces.CommitRequest{
		AppID:           appID.String(),
		EncryptedEnv:    encryptedEnv,
		ComposeHash:     params.ComposeHash,
		EnvKeys:         params.Env.Keys(),
		ContractAddress: params.ContractAddress,
	})
	if err != nil {
		return nil, fmt.Errorf("could not commit provision of app %s: %w", appID, err)
	}

	d.logger().Info("Committed CVM", slog.String("app_id", appID.String()), slog.String("vm_uuid", result.VMUUID))
	return result, nil
}

// ComposeUpdate changes the compose file of a running KMS-backed CVM.
type ComposeUpdate struct {
	CVMID             string
	DockerComposeFile string

	// AllowedEnvs replaces the allowed env list of the app. Nil keeps the current list.
	AllowedEnvs []string
}

// ProvisionedUpdate is the outcome of the first phase of a compose update.
// ComposeHash must be added to the app contract before the update is committed.
type ProvisionedUpdate struct {
	CVM         *interfaces.CVMInfo
	ComposeHash string
}

// ProvisionComposeUpdate submits the new compose manifest of a CVM and
// returns the compose hash the app contract has to allow.
func (d *Deployer) ProvisionComposeUpdate(ctx context.Context, upd ComposeUpdate) (*ProvisionedUpdate, error) {
	if upd.DockerComposeFile == "" {
		return nil, errors.New("docker compose file is empty")
	}

	info, err := d.API.GetCVMInfo(ctx, upd.CVMID)
	if err != nil {
		return nil, fmt.Errorf("could not fetch cvm %s: %w", upd.CVMID, err)
	}

	manifest, err := d.API.GetComposeFile(ctx, upd.CVMID)
	if err != nil {
		return nil, fmt.Errorf("could not fetch compose of %s: %w", upd.CVMID, err)
	}
	manifest.DockerComposeFile = upd.DockerComposeFile
	if upd.AllowedEnvs != nil {
		manifest.AllowedEnvs = upd.AllowedEnvs
	}

	provision, err := d.API.ProvisionComposeUpdate(ctx, upd.CVMID, *manifest)
	if err != nil {
		return nil, fmt.Errorf("could not provision compose update of %s: %w", upd.CVMID, err)
	}
	if _, err := ParseHash32(provision.ComposeHash); err != nil {
		return nil, fmt.Errorf("invalid compose hash in response: %w", err)
	}

	d.logger().Info("Provisioned compose update",
		slog.String("cvm", upd.CVMID),
		slog.String("app_id", info.AppID),
		slog.String("compose_hash", provision.ComposeHash),
		slog.String("contract", info.ContractAddress))
	return &ProvisionedUpdate{CVM: info, ComposeHash: provision.ComposeHash}, nil
}

// ComposeUpdateCommit completes a provisioned compose update.
type ComposeUpdateCommit struct {
	CVMID       string
	ComposeHash string

	// KMSID defaults to the KMS the CVM reports.
	KMSID string
	Env   interfaces.EnvVars

	// KMSSigner is checked the same way as in CommitParams.
	KMSSigner string
}

// CommitComposeUpdate encrypts env to the KMS key of the CVM's app and applies
// the provisioned compose update. The compose hash must already be allowed by
// the app contract.
func (d *Deployer) CommitComposeUpdate(ctx context.Context, params ComposeUpdateCommit) (json.RawMessage, error) {
	if _, err := ParseHash32(params.ComposeHash); err != nil {
		return nil, fmt.Errorf("invalid compose hash: %w", err)
	}
	expectedSigner, err := parseSigner(params.KMSSigner)
	if err != nil {
		return nil, err
	}

	info, err := d.API.GetCVMInfo(ctx, params.CVMID)
	if err != nil {
		return nil, fmt.Errorf("could not fetch cvm %s: %w", params.CVMID, err)
	}
	appID, err := interfaces.NewAppIDFromHex(info.AppID)
	if err != nil {
		return nil, fmt.Errorf("invalid app id of cvm %s: %w", params.CVMID, err)
	}

	kmsID := params.KMSID
	if kmsID == "" {
		kmsID = info.KMSID
	}
	if kmsID == "" {
		return nil, errors.New("kms id is required")
	}

	encryptedEnv, err := d.encryptToApp(ctx, kmsID, appID, params.Env, expectedSigner)
	if err != nil {
		return nil, err
	}

	resp, err := d.API.CommitComposeUpdate(ctx, params.CVMID, interfaces.ComposeUpdateCommitRequest{
		ComposeHash:  params.ComposeHash,
		EncryptedEnv: encryptedEnv,
		EnvKeys:      params.Env.Keys(),
	})
	if err != nil {
		return nil, fmt.Errorf("could not commit compose update of %s: %w", params.CVMID, err)
	}

	d.logger().Info("Committed compose update", slog.String("cvm", params.CVMID), slog.String("compose_hash", params.ComposeHash))
	return resp, nil
}

// encryptToApp fetches the KMS env key of appID, checks its signer and encrypts env to it.
func (d *Deployer) encryptToApp(ctx context.Context, kmsID string, appID interfaces.AppID, env interfaces.EnvVars, expectedSigner *common.Address) (string, error) {
	pubkey, err := d.API.GetAppEnvPubkey(ctx, kmsID, appID)
	if err != nil {
		return "", fmt.Errorf("could not fetch env key of app %s: %w", appID, err)
	}
	if err := d.checkEnvPubkeySigner(appID, pubkey, expectedSigner); err != nil {
		return "", err
	}
	return d.encryptor().EncryptEnvVars(env, pubkey.PublicKey)
}

func parseSigner(s string) (*common.Address, error) {
	if s == "" {
		return nil, nil
	}
	signer, err := ParseAddress(s)
	if err != nil {
		return nil, fmt.Errorf("invalid kms signer: %w", err)
	}
	return &signer, nil
}

// ErrUntrustedPubkey is returned when an env pubkey is not signed by the expected KMS signer.
var ErrUntrustedPubkey = errors.New("env pubkey not signed by the expected kms signer")

func (d *Deployer) checkEnvPubkeySigner(appID interfaces.AppID, pubkey *interfaces.AppEnvPubkey, expected *common.Address) error {
	if pubkey.Signature == "" {
		if expected != nil {
			return fmt.Errorf("%w: pubkey is unsigned", ErrUntrustedPubkey)
		}
		return nil
	}

	signer, err := kms.RecoverEnvPubkeySigner(appID, *pubkey)
	if err != nil {
		if expected != nil {
			return fmt.Errorf("%w: %v", ErrUntrustedPubkey, err)
		}
		d.logger().Warn("Could not recover env pubkey signer", "err", err)
		return nil
	}
	if expected != nil && signer != *expected {
		return fmt.Errorf("%w: signed by %s", ErrUntrustedPubkey, signer.Hex())
	}
	d.logger().Debug("Env pubkey signed", slog.String("signer", signer.Hex()))
	return nil
}

func (d *Deployer) newRun(flow string) *run {
	return newRun(flow, d.logger(), d.OnTransition)
}

func (d *Deployer) encryptor() *cryptoutils.EnvEncryptor {
	return cryptoutils.NewEnvEncryptor(d.Rand)
}

func (d *Deployer) logger() *slog.Logger {
	if d.Log == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return d.Log
}
