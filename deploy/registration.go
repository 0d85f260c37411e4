package deploy

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const kmsAuthABI = `[{
	"type": "function",
	"name": "deployAndRegisterApp",
	"stateMutability": "nonpayable",
	"inputs": [
		{"name": "initialOwner", "type": "address"},
		{"name": "disableUpgrades", "type": "bool"},
		{"name": "allowAnyDevice", "type": "bool"},
		{"name": "initialDeviceId", "type": "bytes32"},
		{"name": "composeHash", "type": "bytes32"}
	],
	"outputs": [
		{"name": "appId", "type": "address"},
		{"name": "proxyAddress", "type": "address"}
	]
}]`

const appAuthABI = `[{
	"type": "function",
	"name": "addComposeHash",
	"stateMutability": "nonpayable",
	"inputs": [
		{"name": "composeHash", "type": "bytes32"}
	],
	"outputs": []
}]`

const (
	registerMethod       = "deployAndRegisterApp"
	addComposeHashMethod = "addComposeHash"
)

var (
	kmsAuth = mustParseABI(kmsAuthABI)
	appAuth = mustParseABI(appAuthABI)
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

// ParseAddress parses a 0x-prefixed or bare hex ethereum address.
func ParseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("not a hex address: %q", s)
	}
	return common.HexToAddress(s), nil
}

// ParseHash32 parses a 0x-prefixed or bare 32-byte hex value.
func ParseHash32(s string) ([32]byte, error) {
	var out [32]byte
	clean := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if len(clean) != 64 {
		return out, fmt.Errorf("expected 64 hex characters, got %d", len(clean))
	}
	b, err := hex.DecodeString(clean)
	if err != nil {
		return out, fmt.Errorf("invalid hex: %w", err)
	}
	copy(out[:], b)
	return out, nil
}

// AppRegistration is the registration of a provisioned app on the KMS auth contract.
type AppRegistration struct {
	Owner           common.Address
	DisableUpgrades bool
	AllowAnyDevice  bool
	DeviceID        [32]byte
	ComposeHash     [32]byte
}

// NewAppRegistration registers the device and compose hash of a provision
// result under owner. Upgrades stay enabled and only the provisioned device is allowed.
func NewAppRegistration(owner common.Address, deviceID, composeHash string) (*AppRegistration, error) {
	device, err := ParseHash32(deviceID)
	if err != nil {
		return nil, fmt.Errorf("invalid device id: %w", err)
	}
	compose, err := ParseHash32(composeHash)
	if err != nil {
		return nil, fmt.Errorf("invalid compose hash: %w", err)
	}
	return &AppRegistration{
		Owner:       owner,
		DeviceID:    device,
		ComposeHash: compose,
	}, nil
}

// Calldata returns the ABI encoded deployAndRegisterApp call.
func (r *AppRegistration) Calldata() ([]byte, error) {
	return kmsAuth.Pack(registerMethod, r.Owner, r.DisableUpgrades, r.AllowAnyDevice, r.DeviceID, r.ComposeHash)
}

// ComposeHashCalldata returns the ABI encoded addComposeHash call allowing
// composeHash on an app contract.
func ComposeHashCalldata(composeHash [32]byte) ([]byte, error) {
	return appAuth.Pack(addComposeHashMethod, composeHash)
}

// ErrRegistrationReverted is returned when the registration transaction is mined but failed.
var ErrRegistrationReverted = errors.New("registration transaction reverted")

// AppRegistrar submits app registrations to the KMS auth contract.
type AppRegistrar struct {
	contract *bind.BoundContract
	client   bind.ContractBackend
	backend  bind.DeployBackend
	auth     *bind.TransactOpts

	// PollInterval is how often receipts are polled while waiting.
	PollInterval time.Duration
}

func NewAppRegistrar(kmsContract common.Address, client bind.ContractBackend, backend bind.DeployBackend, auth *bind.TransactOpts) *AppRegistrar {
	return &AppRegistrar{
		contract:     bind.NewBoundContract(kmsContract, kmsAuth, client, client, client),
		client:       client,
		backend:      backend,
		auth:         auth,
		PollInterval: time.Second,
	}
}

// Submit sends the registration transaction without waiting for it to be mined.
func (r *AppRegistrar) Submit(ctx context.Context, reg *AppRegistration) (*types.Transaction, error) {
	opts := *r.auth
	opts.Context = ctx
	return r.contract.Transact(&opts, registerMethod, reg.Owner, reg.DisableUpgrades, reg.AllowAnyDevice, reg.DeviceID, reg.ComposeHash)
}

// AddComposeHash allows composeHash on the app contract at appContract,
// authorizing a compose update of an already registered app.
func (r *AppRegistrar) AddComposeHash(ctx context.Context, appContract common.Address, composeHash [32]byte) (*types.Transaction, error) {
	opts := *r.auth
	opts.Context = ctx
	app := bind.NewBoundContract(appContract, appAuth, r.client, r.client, r.client)
	return app.Transact(&opts, addComposeHashMethod, composeHash)
}

// WaitMined polls for the receipt of txHash until it is mined or ctx is done.
func (r *AppRegistrar) WaitMined(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(r.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := r.backend.TransactionReceipt(ctx, txHash)
		if err == nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return receipt, fmt.Errorf("%w: %s", ErrRegistrationReverted, txHash)
			}
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("could not fetch receipt: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
