package interfaces

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppIDFromHex(t *testing.T) {
	id, err := NewAppIDFromHex("0x31032d970dacb0f34357b8830876e30c880a7442")
	require.NoError(t, err)
	assert.Equal(t, "31032d970dacb0f34357b8830876e30c880a7442", id.String())

	_, err = NewAppIDFromHex("31032d97")
	require.Error(t, err)

	_, err = NewAppIDFromHex("zz032d970dacb0f34357b8830876e30c880a7442")
	require.Error(t, err)
}

func TestEnvVarsLookup(t *testing.T) {
	env := EnvVars{{Key: "A", Value: "1"}, {Key: "B", Value: ""}}

	v, ok := env.Lookup("A")
	assert.True(t, ok)
	assert.Equal(t, "1", v)

	_, ok = env.Lookup("C")
	assert.False(t, ok)
	assert.Equal(t, []string{"A", "B"}, env.Keys())
}

func TestComposeManifestKeepsUnknownFields(t *testing.T) {
	in := `{"name":"app","docker_compose_file":"services: {}","manifest_version":2,"kms_enabled":true,"pre_launch_script":null}`

	var m ComposeManifest
	require.NoError(t, json.Unmarshal([]byte(in), &m))
	assert.Equal(t, "app", m.Name)
	assert.Equal(t, "services: {}", m.DockerComposeFile)
	assert.Empty(t, m.PreLaunchScript)
	assert.Contains(t, m.Extra, "manifest_version")

	m.PreLaunchScript = "#!/bin/bash\nenv"
	out, err := json.Marshal(m)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"app","docker_compose_file":"services: {}","manifest_version":2,"kms_enabled":true,"pre_launch_script":"#!/bin/bash\nenv"}`, string(out))
}

func TestComposeManifestAllowedEnvs(t *testing.T) {
	var m ComposeManifest
	require.NoError(t, json.Unmarshal([]byte(`{"name":"app","docker_compose_file":"x","allowed_envs":["A","B"]}`), &m))
	assert.Equal(t, []string{"A", "B"}, m.AllowedEnvs)
	assert.NotContains(t, m.Extra, "allowed_envs")

	out, err := json.Marshal(ComposeManifest{Name: "app", DockerComposeFile: "x", AllowedEnvs: []string{}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"app","docker_compose_file":"x","allowed_envs":[]}`, string(out))

	out, err = json.Marshal(ComposeManifest{Name: "app", DockerComposeFile: "x"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"app","docker_compose_file":"x"}`, string(out))
}

func TestCreateVMRequestIsFlat(t *testing.T) {
	req := CreateVMRequest{
		VMConfig: VMConfig{
			Name:            "my-eliza",
			ComposeManifest: ComposeManifest{Name: "my-eliza", Features: []string{"kms"}, DockerComposeFile: "x"},
			VCPU:            2,
			Memory:          8192,
			DiskSize:        40,
			TeepodID:        2,
			Image:           "dstack-dev-0.3.4",
		},
		EncryptedEnv:        "00",
		AppEnvEncryptPubkey: "ab",
		AppIDSalt:           "salt",
	}

	out, err := json.Marshal(req)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, "my-eliza", decoded["name"])
	assert.Equal(t, "00", decoded["encrypted_env"])
	assert.Equal(t, "salt", decoded["app_id_salt"])
	assert.NotContains(t, decoded, "advanced_features")
	assert.NotContains(t, decoded, "VMConfig")
}

func TestDockerConfigRegistryNull(t *testing.T) {
	out, err := json.Marshal(DockerConfig{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"username":"","password":"","registry":null}`, string(out))
}
