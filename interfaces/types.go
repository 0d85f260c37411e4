package interfaces

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// AppID is the 20-byte identifier the KMS assigns to an application.
type AppID [20]byte

func NewAppIDFromBytes(id []byte) (AppID, error) {
	if len(id) != 20 {
		return AppID{}, errors.New("invalid app id length: must be 20 bytes")
	}

	var res AppID
	copy(res[:], id)
	return res, nil
}

func NewAppIDFromHex(id string) (AppID, error) {
	// Remove 0x prefix if present
	clean := strings.TrimPrefix(id, "0x")
	if len(clean) != 40 {
		return AppID{}, errors.New("invalid app id length: hex string must be 40 characters")
	}

	idBytes, err := hex.DecodeString(clean)
	if err != nil {
		return AppID{}, fmt.Errorf("invalid hex format: %w", err)
	}

	return NewAppIDFromBytes(idBytes)
}

// String returns the hex string representation of the app id, without 0x prefix.
func (id AppID) String() string {
	return hex.EncodeToString(id[:])
}

// Bytes returns the raw 20-byte id.
func (id AppID) Bytes() []byte {
	return id[:]
}

// EnvVar is a single environment variable handed to the CVM in encrypted form.
type EnvVar struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// EnvVars is an ordered set of environment variables. Order is preserved
// through serialization.
type EnvVars []EnvVar

// Lookup returns the value of the first variable named key.
func (e EnvVars) Lookup(key string) (string, bool) {
	for _, v := range e {
		if v.Key == key {
			return v.Value, true
		}
	}
	return "", false
}

// Keys returns the variable names in order.
func (e EnvVars) Keys() []string {
	keys := make([]string, 0, len(e))
	for _, v := range e {
		keys = append(keys, v.Key)
	}
	return keys
}

// DockerConfig holds private registry credentials for the compose images.
// Registry is sent as null when unset.
type DockerConfig struct {
	Username string  `json:"username"`
	Password string  `json:"password"`
	Registry *string `json:"registry"`
}

// AdvancedFeatures are the optional platform features of a CVM.
type AdvancedFeatures struct {
	TProxy        bool         `json:"tproxy"`
	KMS           bool         `json:"kms"`
	PublicSysInfo bool         `json:"public_sys_info"`
	PublicLogs    bool         `json:"public_logs"`
	DockerConfig  DockerConfig `json:"docker_config"`
	Listed        bool         `json:"listed"`
}

// ComposeManifest describes the application running inside the CVM.
// Fields the deployer does not model are kept in Extra so that a manifest
// fetched from the server round-trips unchanged on update.
type ComposeManifest struct {
	Name              string
	Features          []string
	DockerComposeFile string
	PreLaunchScript   string

	// AllowedEnvs names the variables a KMS-backed app accepts. Sent only when non-nil.
	AllowedEnvs []string

	Extra map[string]json.RawMessage
}

func (m ComposeManifest) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+4)
	for k, v := range m.Extra {
		out[k] = v
	}
	out["name"] = m.Name
	out["docker_compose_file"] = m.DockerComposeFile
	if len(m.Features) > 0 {
		out["features"] = m.Features
	}
	if m.PreLaunchScript != "" {
		out["pre_launch_script"] = m.PreLaunchScript
	}
	if m.AllowedEnvs != nil {
		out["allowed_envs"] = m.AllowedEnvs
	}
	return json.Marshal(out)
}

func (m *ComposeManifest) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	known := []struct {
		key string
		dst any
	}{
		{"name", &m.Name},
		{"features", &m.Features},
		{"docker_compose_file", &m.DockerComposeFile},
		{"pre_launch_script", &m.PreLaunchScript},
		{"allowed_envs", &m.AllowedEnvs},
	}
	for _, field := range known {
		value, ok := raw[field.key]
		if !ok {
			continue
		}
		delete(raw, field.key)
		if string(value) == "null" {
			continue
		}
		if err := json.Unmarshal(value, field.dst); err != nil {
			return fmt.Errorf("invalid compose manifest field %s: %w", field.key, err)
		}
	}

	m.Extra = nil
	if len(raw) > 0 {
		m.Extra = raw
	}
	return nil
}

// VMConfig is the CVM configuration submitted for both the pubkey request
// and the creation request.
type VMConfig struct {
	Name             string            `json:"name"`
	ComposeManifest  ComposeManifest   `json:"compose_manifest"`
	VCPU             int               `json:"vcpu"`
	Memory           int               `json:"memory"`
	DiskSize         int               `json:"disk_size"`
	TeepodID         int               `json:"teepod_id"`
	Image            string            `json:"image"`
	AdvancedFeatures *AdvancedFeatures `json:"advanced_features,omitempty"`
}

// EnvEncryptPubkey is the key material returned for a VM configuration.
// It is valid for a single deployment attempt.
type EnvEncryptPubkey struct {
	AppEnvEncryptPubkey string `json:"app_env_encrypt_pubkey"`
	AppIDSalt           string `json:"app_id_salt"`
}

// CreateVMRequest is VMConfig extended with the encrypted environment and
// the key material it was encrypted to.
type CreateVMRequest struct {
	VMConfig
	EncryptedEnv        string `json:"encrypted_env"`
	AppEnvEncryptPubkey string `json:"app_env_encrypt_pubkey"`
	AppIDSalt           string `json:"app_id_salt"`
}

// CVM is the subset of the server VM record the deployer reports on.
// Raw carries the response body exactly as received.
type CVM struct {
	Name     string `json:"name"`
	Status   string `json:"status"`
	AppID    string `json:"app_id"`
	AppURL   string `json:"app_url"`
	VMUUID   string `json:"vm_uuid"`
	TeepodID int    `json:"teepod_id"`

	Raw json.RawMessage `json:"-"`
}

type TeepodImage struct {
	Name string `json:"name"`
}

// Teepod is a host able to run CVMs.
type Teepod struct {
	TeepodID         int           `json:"teepod_id"`
	Name             string        `json:"name"`
	RegionIdentifier string        `json:"region_identifier,omitempty"`
	Images           []TeepodImage `json:"images"`
}

type AvailableTeepods struct {
	Nodes []Teepod `json:"nodes"`
}

// ComposeState is the current manifest of a running CVM together with the
// public key new environment variables must be encrypted to.
type ComposeState struct {
	ComposeFile ComposeManifest `json:"compose_file"`
	EnvPubkey   string          `json:"env_pubkey"`
}

type UpdateComposeRequest struct {
	ComposeManifest ComposeManifest `json:"compose_manifest"`
	EncryptedEnv    string          `json:"encrypted_env,omitempty"`
}

type ReplicaRequest struct {
	TeepodID     *int   `json:"teepod_id,omitempty"`
	EncryptedEnv string `json:"encrypted_env,omitempty"`
}

// AppCVM is one replica of an application as listed by the apps endpoint.
type AppCVM struct {
	Name   string `json:"name"`
	Hosted struct {
		ID string `json:"id"`
	} `json:"hosted"`
	Node struct {
		Name             string `json:"name"`
		RegionIdentifier string `json:"region_identifier"`
	} `json:"node"`
}

type ProvisionComposeFile struct {
	DockerComposeFile string `json:"docker_compose_file"`
	PreLaunchScript   string `json:"pre_launch_script,omitempty"`
}

// ProvisionRequest registers a CVM configuration with an onchain KMS before
// the application is deployed.
type ProvisionRequest struct {
	Name        string               `json:"name"`
	Image       string               `json:"image"`
	VCPU        int                  `json:"vcpu"`
	Memory      int                  `json:"memory"`
	DiskSize    int                  `json:"disk_size"`
	ComposeFile ProvisionComposeFile `json:"compose_file"`
	NodeID      int                  `json:"node_id"`
	KMSID       string               `json:"kms_id"`
}

type ProvisionResult struct {
	AppID       string `json:"app_id"`
	Fmspec      string `json:"fmspec"`
	DeviceID    string `json:"device_id"`
	OSImageHash string `json:"os_image_hash"`
	ComposeHash string `json:"compose_hash"`
}

type KMSInfo struct {
	ID                 string `json:"id"`
	URL                string `json:"url,omitempty"`
	ChainID            int    `json:"chain_id,omitempty"`
	KMSContractAddress string `json:"kms_contract_address"`
}

type AppEnvPubkey struct {
	PublicKey string `json:"public_key"`
	Signature string `json:"signature,omitempty"`
}

type CommitRequest struct {
	AppID           string   `json:"app_id"`
	EncryptedEnv    string   `json:"encrypted_env"`
	ComposeHash     string   `json:"compose_hash"`
	EnvKeys         []string `json:"env_keys"`
	ContractAddress string   `json:"contract_address"`
}

type CommitResult struct {
	VMUUID string `json:"vm_uuid"`
	AppID  string `json:"app_id"`

	Raw json.RawMessage `json:"-"`
}

// CVMInfo is the server record of a single CVM.
type CVMInfo struct {
	ID              int    `json:"id"`
	Name            string `json:"name"`
	Status          string `json:"status"`
	AppID           string `json:"app_id"`
	VMUUID          string `json:"vm_uuid"`
	TeepodID        int    `json:"teepod_id"`
	KMSID           string `json:"kms_id,omitempty"`
	ContractAddress string `json:"contract_address,omitempty"`

	Raw json.RawMessage `json:"-"`
}

type ComposeUpdateProvisionRequest struct {
	AppCompose ComposeManifest `json:"app_compose"`
}

// ComposeUpdateProvision identifies a provisioned compose update. The
// compose hash must be added to the app contract before the update is committed.
type ComposeUpdateProvision struct {
	ComposeHash string `json:"compose_hash"`
	AppID       string `json:"app_id,omitempty"`
}

type ComposeUpdateCommitRequest struct {
	ComposeHash  string   `json:"compose_hash"`
	EncryptedEnv string   `json:"encrypted_env"`
	EnvKeys      []string `json:"env_keys"`
}
