package devcloud

import (
	"io"
	"log/slog"
	"time"

	"github.com/ruteri/cvm-deployer/interfaces"
)

// Config contains all configuration parameters of the development server.
type Config struct {
	// ListenAddr is the address and port the HTTP server will listen on.
	ListenAddr string

	// APIKey is the only key accepted in the x-api-key header.
	APIKey string

	// Teepods are the nodes reported as available and accepted as teepod_id.
	Teepods []interfaces.Teepod

	// KMS are the key management services accepted in provision requests.
	KMS []interfaces.KMSInfo

	// KMSSeed is the master key app env keys are derived from for KMS
	// deployments, at least 32 bytes. Nil draws a random seed from Rand.
	KMSSeed []byte

	// Rand is the source of key material and identifiers. Nil means crypto/rand.
	Rand io.Reader

	EnablePprof bool
	Log         *slog.Logger

	DrainDuration            time.Duration
	GracefulShutdownDuration time.Duration
	ReadTimeout              time.Duration
	WriteTimeout             time.Duration
}

// DefaultTeepods mirrors the node offered to the default eliza deployment.
func DefaultTeepods() []interfaces.Teepod {
	return []interfaces.Teepod{
		{
			TeepodID:         2,
			Name:             "prod2",
			RegionIdentifier: "us-west",
			Images: []interfaces.TeepodImage{
				{Name: "dstack-dev-0.3.4"},
				{Name: "dstack-0.3.4"},
			},
		},
		{
			TeepodID:         7,
			Name:             "prod7",
			RegionIdentifier: "eu-central",
			Images: []interfaces.TeepodImage{
				{Name: "dstack-0.5.1"},
				{Name: "dstack-dev-0.5.1"},
			},
		},
	}
}

func DefaultKMS() []interfaces.KMSInfo {
	return []interfaces.KMSInfo{
		{
			ID:                 "testnet-kms-1",
			URL:                "http://localhost:8000",
			ChainID:            84532,
			KMSContractAddress: "0x59E4a36B01a87fD9D1A4C12377253FE9a7b018Ba",
		},
	}
}
