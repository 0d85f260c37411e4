package cvmapi

import (
	"context"
	"encoding/json"

	"github.com/ruteri/cvm-deployer/interfaces"
	"github.com/stretchr/testify/mock"
)

// MockCVMAPI implements interfaces.CVMAPI for testing.
type MockCVMAPI struct {
	mock.Mock
}

var _ interfaces.CVMAPI = (*MockCVMAPI)(nil)

func (m *MockCVMAPI) GetPubkey(ctx context.Context, vmConfig interfaces.VMConfig) (*interfaces.EnvEncryptPubkey, error) {
	args := m.Called(ctx, vmConfig)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.EnvEncryptPubkey), args.Error(1)
}

func (m *MockCVMAPI) CreateVM(ctx context.Context, req interfaces.CreateVMRequest) (*interfaces.CVM, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.CVM), args.Error(1)
}

func (m *MockCVMAPI) AvailableTeepods(ctx context.Context) (*interfaces.AvailableTeepods, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.AvailableTeepods), args.Error(1)
}

func (m *MockCVMAPI) GetCompose(ctx context.Context, cvmID string) (*interfaces.ComposeState, error) {
	args := m.Called(ctx, cvmID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.ComposeState), args.Error(1)
}

func (m *MockCVMAPI) UpdateCompose(ctx context.Context, cvmID string, req interfaces.UpdateComposeRequest) (json.RawMessage, error) {
	args := m.Called(ctx, cvmID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(json.RawMessage), args.Error(1)
}

func (m *MockCVMAPI) CreateReplica(ctx context.Context, vmUUID string, req interfaces.ReplicaRequest) (*interfaces.CVM, error) {
	args := m.Called(ctx, vmUUID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.CVM), args.Error(1)
}

func (m *MockCVMAPI) ListAppCVMs(ctx context.Context, appID string) ([]interfaces.AppCVM, error) {
	args := m.Called(ctx, appID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]interfaces.AppCVM), args.Error(1)
}

func (m *MockCVMAPI) GetKMSInfo(ctx context.Context, kmsID string) (*interfaces.KMSInfo, error) {
	args := m.Called(ctx, kmsID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.KMSInfo), args.Error(1)
}

func (m *MockCVMAPI) ProvisionCVM(ctx context.Context, req interfaces.ProvisionRequest) (*interfaces.ProvisionResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.ProvisionResult), args.Error(1)
}

func (m *MockCVMAPI) GetAppEnvPubkey(ctx context.Context, kmsID string, appID interfaces.AppID) (*interfaces.AppEnvPubkey, error) {
	args := m.Called(ctx, kmsID, appID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.AppEnvPubkey), args.Error(1)
}

func (m *MockCVMAPI) CommitProvision(ctx context.Context, req interfaces.CommitRequest) (*interfaces.CommitResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.CommitResult), args.Error(1)
}

func (m *MockCVMAPI) GetCVMInfo(ctx context.Context, cvmID string) (*interfaces.CVMInfo, error) {
	args := m.Called(ctx, cvmID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.CVMInfo), args.Error(1)
}

func (m *MockCVMAPI) GetComposeFile(ctx context.Context, cvmID string) (*interfaces.ComposeManifest, error) {
	args := m.Called(ctx, cvmID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.ComposeManifest), args.Error(1)
}

func (m *MockCVMAPI) ProvisionComposeUpdate(ctx context.Context, cvmID string, appCompose interfaces.ComposeManifest) (*interfaces.ComposeUpdateProvision, error) {
	args := m.Called(ctx, cvmID, appCompose)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.ComposeUpdateProvision), args.Error(1)
}

func (m *MockCVMAPI) CommitComposeUpdate(ctx context.Context, cvmID string, req interfaces.ComposeUpdateCommitRequest) (json.RawMessage, error) {
	args := m.Called(ctx, cvmID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(json.RawMessage), args.Error(1)
}
