package interfaces

import (
	"context"
	"encoding/json"
)

// CVMAPI is the cloud API used to provision and manage CVMs.
// Implementations must not cache key material across calls.
type CVMAPI interface {
	// GetPubkey returns the key the environment of vmConfig must be encrypted to.
	GetPubkey(ctx context.Context, vmConfig VMConfig) (*EnvEncryptPubkey, error)

	// CreateVM creates a CVM from its configuration and encrypted environment.
	CreateVM(ctx context.Context, req CreateVMRequest) (*CVM, error)

	AvailableTeepods(ctx context.Context) (*AvailableTeepods, error)
	GetCompose(ctx context.Context, cvmID string) (*ComposeState, error)
	UpdateCompose(ctx context.Context, cvmID string, req UpdateComposeRequest) (json.RawMessage, error)
	CreateReplica(ctx context.Context, vmUUID string, req ReplicaRequest) (*CVM, error)
	ListAppCVMs(ctx context.Context, appID string) ([]AppCVM, error)

	// Two-phase deployment against an onchain KMS.
	GetKMSInfo(ctx context.Context, kmsID string) (*KMSInfo, error)
	ProvisionCVM(ctx context.Context, req ProvisionRequest) (*ProvisionResult, error)
	GetAppEnvPubkey(ctx context.Context, kmsID string, appID AppID) (*AppEnvPubkey, error)
	CommitProvision(ctx context.Context, req CommitRequest) (*CommitResult, error)

	// Compose updates of KMS-backed apps. The compose hash returned by
	// ProvisionComposeUpdate is added onchain before CommitComposeUpdate.
	GetCVMInfo(ctx context.Context, cvmID string) (*CVMInfo, error)
	GetComposeFile(ctx context.Context, cvmID string) (*ComposeManifest, error)
	ProvisionComposeUpdate(ctx context.Context, cvmID string, appCompose ComposeManifest) (*ComposeUpdateProvision, error)
	CommitComposeUpdate(ctx context.Context, cvmID string, req ComposeUpdateCommitRequest) (json.RawMessage, error)
}

// PayloadSource is a readable location holding a deployment payload.
type PayloadSource interface {
	// Fetch returns the full contents of the location.
	Fetch(ctx context.Context) ([]byte, error)

	// LocationURI identifies the location, with credentials redacted.
	LocationURI() string
}
