package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/ruteri/cvm-deployer/interfaces"
	"gopkg.in/yaml.v3"
)

// Profile describes one deployable CVM: its compute shape, where its compose
// manifest lives and how its encrypted environment is assembled.
type Profile struct {
	Name     string `yaml:"name"`
	VCPU     int    `yaml:"vcpu"`
	Memory   int    `yaml:"memory"`
	DiskSize int    `yaml:"disk_size"`
	TeepodID int    `yaml:"teepod_id"`
	Image    string `yaml:"image"`

	Compose          ComposeSpec           `yaml:"compose"`
	AdvancedFeatures *AdvancedFeaturesSpec `yaml:"advanced_features,omitempty"`
	Env              []EnvSpec             `yaml:"env"`
}

type ComposeSpec struct {
	Name     string   `yaml:"name"`
	Features []string `yaml:"features,omitempty"`

	// File is a payload location of the docker compose file. Empty selects
	// the built-in manifest.
	File            string `yaml:"file,omitempty"`
	PreLaunchScript string `yaml:"pre_launch_script,omitempty"`
}

type AdvancedFeaturesSpec struct {
	TProxy        bool `yaml:"tproxy"`
	KMS           bool `yaml:"kms"`
	PublicSysInfo bool `yaml:"public_sys_info"`
	PublicLogs    bool `yaml:"public_logs"`
	Listed        bool `yaml:"listed"`

	DockerUsername string  `yaml:"docker_username,omitempty"`
	DockerPassword string  `yaml:"docker_password,omitempty"`
	DockerRegistry *string `yaml:"docker_registry,omitempty"`
}

// EnvSpec maps one encrypted variable to its source. Exactly one of FromEnv,
// FromFile and Value must be set.
type EnvSpec struct {
	Key      string  `yaml:"key"`
	FromEnv  string  `yaml:"from_env,omitempty"`
	FromFile string  `yaml:"from_file,omitempty"`
	Value    *string `yaml:"value,omitempty"`
	Required bool    `yaml:"required,omitempty"`
}

// DefaultCharacterFile is the character definition embedded into the default deployment.
const DefaultCharacterFile = "c3po.character.json"

// DefaultProfile is the eliza agent deployment.
func DefaultProfile() *Profile {
	return &Profile{
		Name:     "my-eliza",
		VCPU:     2,
		Memory:   8192,
		DiskSize: 40,
		TeepodID: 2,
		Image:    "dstack-dev-0.3.4",
		Compose: ComposeSpec{
			Name:     "my-eliza",
			Features: []string{"kms", "tproxy-net"},
		},
		AdvancedFeatures: &AdvancedFeaturesSpec{
			TProxy:        true,
			KMS:           true,
			PublicSysInfo: true,
			PublicLogs:    true,
			Listed:        false,
		},
		Env: []EnvSpec{
			{Key: EnvRedpillAPIKey, FromEnv: EnvRedpillAPIKey, Required: true},
			{Key: EnvTelegramBotToken, FromEnv: EnvTelegramBotToken, Required: true},
			{Key: "CHARACTER_DATA", FromFile: DefaultCharacterFile},
		},
	}
}

// LoadProfile reads and validates a YAML profile. Unknown fields are rejected.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read profile: %w", err)
	}
	return ParseProfile(data)
}

func ParseProfile(data []byte) (*Profile, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var p Profile
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("could not parse profile: %w", err)
	}
	if p.Compose.Name == "" {
		p.Compose.Name = p.Name
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Profile) Validate() error {
	var errs []error
	if p.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if p.Image == "" {
		errs = append(errs, errors.New("image is required"))
	}
	if p.VCPU <= 0 {
		errs = append(errs, fmt.Errorf("vcpu must be positive, got %d", p.VCPU))
	}
	if p.Memory <= 0 {
		errs = append(errs, fmt.Errorf("memory must be positive, got %d", p.Memory))
	}
	if p.DiskSize <= 0 {
		errs = append(errs, fmt.Errorf("disk_size must be positive, got %d", p.DiskSize))
	}

	seen := make(map[string]bool, len(p.Env))
	for i, e := range p.Env {
		if e.Key == "" {
			errs = append(errs, fmt.Errorf("env[%d]: key is required", i))
			continue
		}
		if seen[e.Key] {
			errs = append(errs, fmt.Errorf("env[%d]: duplicate key %s", i, e.Key))
		}
		seen[e.Key] = true

		sources := 0
		if e.FromEnv != "" {
			sources++
		}
		if e.FromFile != "" {
			sources++
		}
		if e.Value != nil {
			sources++
		}
		if sources != 1 {
			errs = append(errs, fmt.Errorf("env[%d] %s: exactly one of from_env, from_file, value must be set", i, e.Key))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid profile: %w", errors.Join(errs...))
	}
	return nil
}

// RequiredEnv returns the keys of the variables marked required.
func (p *Profile) RequiredEnv() []string {
	var keys []string
	for _, e := range p.Env {
		if e.Required {
			keys = append(keys, e.Key)
		}
	}
	return keys
}

// VMConfig assembles the CVM configuration around the given compose file contents.
func (p *Profile) VMConfig(dockerComposeFile string) interfaces.VMConfig {
	cfg := interfaces.VMConfig{
		Name: p.Name,
		ComposeManifest: interfaces.ComposeManifest{
			Name:              p.Compose.Name,
			Features:          p.Compose.Features,
			DockerComposeFile: dockerComposeFile,
			PreLaunchScript:   p.Compose.PreLaunchScript,
		},
		VCPU:     p.VCPU,
		Memory:   p.Memory,
		DiskSize: p.DiskSize,
		TeepodID: p.TeepodID,
		Image:    p.Image,
	}

	if af := p.AdvancedFeatures; af != nil {
		cfg.AdvancedFeatures = &interfaces.AdvancedFeatures{
			TProxy:        af.TProxy,
			KMS:           af.KMS,
			PublicSysInfo: af.PublicSysInfo,
			PublicLogs:    af.PublicLogs,
			Listed:        af.Listed,
			DockerConfig: interfaces.DockerConfig{
				Username: af.DockerUsername,
				Password: af.DockerPassword,
				Registry: af.DockerRegistry,
			},
		}
	}
	return cfg
}

// PayloadLoader returns the base64 encoding of the payload at location.
type PayloadLoader func(ctx context.Context, location string) (string, error)

// ResolveEnv builds the ordered env set of the profile. Variables sourced from
// the environment resolve to an empty value when unset; presence of required
// variables is checked by the deployment itself.
func (p *Profile) ResolveEnv(ctx context.Context, lookup func(string) (string, bool), loadPayload PayloadLoader) (interfaces.EnvVars, error) {
	envs := make(interfaces.EnvVars, 0, len(p.Env))
	for _, e := range p.Env {
		var value string
		switch {
		case e.Value != nil:
			value = *e.Value
		case e.FromEnv != "":
			value, _ = lookup(e.FromEnv)
		case e.FromFile != "":
			encoded, err := loadPayload(ctx, e.FromFile)
			if err != nil {
				return nil, fmt.Errorf("could not load %s: %w", e.Key, err)
			}
			value = encoded
		}
		envs = append(envs, interfaces.EnvVar{Key: e.Key, Value: value})
	}
	return envs, nil
}
