package config

import (
	"context"
	"errors"
	"testing"

	"github.com/ruteri/cvm-deployer/interfaces"
	"github.com/stretchr/testify/require"
)

const testProfile = `
name: agent
vcpu: 4
memory: 4096
disk_size: 20
teepod_id: 3
image: dstack-0.3.5
compose:
  features: [kms]
  file: ./docker-compose.yaml
advanced_features:
  tproxy: true
  kms: true
env:
  - key: API_TOKEN
    from_env: MY_TOKEN
    required: true
  - key: MODE
    value: production
  - key: BLOB
    from_file: ./blob.bin
`

func TestParseProfile(t *testing.T) {
	p, err := ParseProfile([]byte(testProfile))
	require.NoError(t, err)

	require.Equal(t, "agent", p.Name)
	require.Equal(t, "agent", p.Compose.Name, "compose name defaults to the profile name")
	require.Equal(t, []string{"API_TOKEN"}, p.RequiredEnv())

	cfg := p.VMConfig("services: {}\n")
	require.Equal(t, 4, cfg.VCPU)
	require.Equal(t, 3, cfg.TeepodID)
	require.Equal(t, "services: {}\n", cfg.ComposeManifest.DockerComposeFile)
	require.NotNil(t, cfg.AdvancedFeatures)
	require.True(t, cfg.AdvancedFeatures.TProxy)
	require.Nil(t, cfg.AdvancedFeatures.DockerConfig.Registry)
}

func TestParseProfileRejects(t *testing.T) {
	_, err := ParseProfile([]byte("name: x\nimage: i\nvcpu: 1\nmemory: 1\ndisk_size: 1\nbogus: true\n"))
	require.Error(t, err)

	_, err = ParseProfile([]byte("name: x\nimage: i\nvcpu: 0\nmemory: 1\ndisk_size: 1\n"))
	require.ErrorContains(t, err, "vcpu must be positive")

	_, err = ParseProfile([]byte(`
name: x
image: i
vcpu: 1
memory: 1
disk_size: 1
env:
  - key: A
    from_env: A
    value: both
  - key: A
    from_env: A
`))
	require.ErrorContains(t, err, "exactly one of")
	require.ErrorContains(t, err, "duplicate key A")
}

func TestDefaultProfile(t *testing.T) {
	p := DefaultProfile()
	require.NoError(t, p.Validate())
	require.Equal(t, DefaultRequiredEnv, p.RequiredEnv())

	cfg := p.VMConfig("compose")
	require.Equal(t, "my-eliza", cfg.Name)
	require.Equal(t, 8192, cfg.Memory)
	require.Equal(t, "dstack-dev-0.3.4", cfg.Image)
	require.Equal(t, []string{"kms", "tproxy-net"}, cfg.ComposeManifest.Features)
	require.False(t, cfg.AdvancedFeatures.Listed)
	require.True(t, cfg.AdvancedFeatures.PublicLogs)
}

func TestResolveEnv(t *testing.T) {
	p, err := ParseProfile([]byte(testProfile))
	require.NoError(t, err)

	lookup := func(k string) (string, bool) {
		if k == "MY_TOKEN" {
			return "tok", true
		}
		return "", false
	}
	var loaded []string
	loader := func(_ context.Context, location string) (string, error) {
		loaded = append(loaded, location)
		return "YmxvYg==", nil
	}

	envs, err := p.ResolveEnv(context.Background(), lookup, loader)
	require.NoError(t, err)
	require.Equal(t, interfaces.EnvVars{
		{Key: "API_TOKEN", Value: "tok"},
		{Key: "MODE", Value: "production"},
		{Key: "BLOB", Value: "YmxvYg=="},
	}, envs)
	require.Equal(t, []string{"./blob.bin"}, loaded)

	failing := func(context.Context, string) (string, error) { return "", errors.New("gone") }
	_, err = p.ResolveEnv(context.Background(), lookup, failing)
	require.ErrorContains(t, err, "could not load BLOB")
}
