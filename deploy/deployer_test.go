package deploy

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/cvm-deployer/common"
	"github.com/ruteri/cvm-deployer/config"
	"github.com/ruteri/cvm-deployer/cryptoutils"
	"github.com/ruteri/cvm-deployer/cvmapi"
	"github.com/ruteri/cvm-deployer/interfaces"
	"github.com/ruteri/cvm-deployer/kms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func testEnv() interfaces.EnvVars {
	return interfaces.EnvVars{
		{Key: config.EnvRedpillAPIKey, Value: "rp-key"},
		{Key: config.EnvTelegramBotToken, Value: "tg-token"},
		{Key: "CHARACTER_DATA", Value: "eyJuYW1lIjoiYzNwbyJ9"},
	}
}

func testRequest() Request {
	return Request{
		Config:   config.DefaultProfile().VMConfig("services:\n  a:\n    image: b\n"),
		Env:      testEnv(),
		Required: config.DefaultRequiredEnv,
	}
}

func newTestKey(t *testing.T) (priv []byte, pubHex string) {
	t.Helper()
	priv, pub, err := cryptoutils.GenerateX25519KeyPair(nil)
	require.NoError(t, err)
	return priv, hex.EncodeToString(pub)
}

func TestDeploy(t *testing.T) {
	priv, pubHex := newTestKey(t)
	req := testRequest()

	api := &cvmapi.MockCVMAPI{}
	api.On("GetPubkey", mock.Anything, req.Config).
		Return(&interfaces.EnvEncryptPubkey{AppEnvEncryptPubkey: pubHex, AppIDSalt: "salt"}, nil).Once()

	var sent interfaces.CreateVMRequest
	api.On("CreateVM", mock.Anything, mock.MatchedBy(func(r interfaces.CreateVMRequest) bool {
		sent = r
		return r.AppEnvEncryptPubkey == pubHex && r.AppIDSalt == "salt"
	})).Return(&interfaces.CVM{Name: "my-eliza", Status: "creating"}, nil).Once()

	var transitions []Stage
	d := NewDeployer(api, common.DiscardLogger())
	d.OnTransition = func(_, to Stage) { transitions = append(transitions, to) }

	cvm, err := d.Deploy(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "creating", cvm.Status)
	require.Equal(t, []Stage{StageValidateEnv, StageFetchPubkey, StageEncrypt, StageCreateVM, StageDone}, transitions)

	require.Equal(t, req.Config, sent.VMConfig)
	decrypted, err := cryptoutils.DecryptEnvVars(priv, sent.EncryptedEnv)
	require.NoError(t, err)
	require.Equal(t, req.Env, decrypted)

	api.AssertExpectations(t)
}

func TestDeployMissingEnv(t *testing.T) {
	tests := []struct {
		name    string
		env     interfaces.EnvVars
		missing []string
	}{
		{
			name:    "missing telegram token",
			env:     interfaces.EnvVars{{Key: config.EnvRedpillAPIKey, Value: "rp"}},
			missing: []string{config.EnvTelegramBotToken},
		},
		{
			name:    "empty redpill key",
			env:     interfaces.EnvVars{{Key: config.EnvRedpillAPIKey, Value: ""}, {Key: config.EnvTelegramBotToken, Value: "tg"}},
			missing: []string{config.EnvRedpillAPIKey},
		},
		{
			name:    "missing both",
			env:     nil,
			missing: []string{config.EnvRedpillAPIKey, config.EnvTelegramBotToken},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &cvmapi.MockCVMAPI{}
			req := testRequest()
			req.Env = tt.env

			var transitions []Stage
			d := NewDeployer(api, common.DiscardLogger())
			d.OnTransition = func(_, to Stage) { transitions = append(transitions, to) }

			_, err := d.Deploy(context.Background(), req)

			var stageErr *StageError
			require.ErrorAs(t, err, &stageErr)
			require.Equal(t, StageValidateEnv, stageErr.Stage)

			var cfgErr *config.ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			require.Equal(t, tt.missing, cfgErr.Missing)
			for _, name := range tt.missing {
				require.Contains(t, err.Error(), name)
			}

			require.Equal(t, []Stage{StageValidateEnv, StageFailed}, transitions)
			api.AssertNotCalled(t, "GetPubkey", mock.Anything, mock.Anything)
		})
	}
}

func TestDeployInvalidPubkey(t *testing.T) {
	api := &cvmapi.MockCVMAPI{}
	api.On("GetPubkey", mock.Anything, mock.Anything).
		Return(&interfaces.EnvEncryptPubkey{AppEnvEncryptPubkey: "abcd", AppIDSalt: "salt"}, nil)

	_, err := NewDeployer(api, common.DiscardLogger()).Deploy(context.Background(), testRequest())

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	require.Equal(t, StageEncrypt, stageErr.Stage)
	require.ErrorIs(t, err, cryptoutils.ErrInvalidKey)
	api.AssertNotCalled(t, "CreateVM", mock.Anything, mock.Anything)
}

func TestDeployCreateFails(t *testing.T) {
	_, pubHex := newTestKey(t)
	createErr := errors.New("connection reset")

	api := &cvmapi.MockCVMAPI{}
	api.On("GetPubkey", mock.Anything, mock.Anything).
		Return(&interfaces.EnvEncryptPubkey{AppEnvEncryptPubkey: pubHex}, nil).Once()
	api.On("CreateVM", mock.Anything, mock.Anything).Return(nil, createErr).Once()

	_, err := NewDeployer(api, common.DiscardLogger()).Deploy(context.Background(), testRequest())

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	require.Equal(t, StageCreateVM, stageErr.Stage)
	require.ErrorIs(t, err, createErr)
	api.AssertExpectations(t)
}

func TestDeployCanceled(t *testing.T) {
	_, pubHex := newTestKey(t)
	ctx, cancel := context.WithCancel(context.Background())

	api := &cvmapi.MockCVMAPI{}
	api.On("GetPubkey", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(&interfaces.EnvEncryptPubkey{AppEnvEncryptPubkey: pubHex}, nil)

	_, err := NewDeployer(api, common.DiscardLogger()).Deploy(ctx, testRequest())
	require.ErrorIs(t, err, context.Canceled)
	api.AssertNotCalled(t, "CreateVM", mock.Anything, mock.Anything)
}

func TestDeployEndToEnd(t *testing.T) {
	priv, pubHex := newTestKey(t)
	const successBody = `{"id":42,"name":"my-eliza","status":"creating","app_id":"f00d","app_url":"https://cloud.example/dashboard/cvms/app_f00d","teepod_id":2}`

	var capturedEnv string
	r := chi.NewRouter()
	r.Post("/cvms/pubkey/from_cvm_configuration", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"app_env_encrypt_pubkey":"` + pubHex + `","app_id_salt":"fixed-salt"}`))
	})
	r.Post("/cvms/from_cvm_configuration", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		capturedEnv, _ = body["encrypted_env"].(string)
		assert.Equal(t, "fixed-salt", body["app_id_salt"])
		_, _ = w.Write([]byte(successBody))
	})
	server := httptest.NewServer(r)
	defer server.Close()

	client := cvmapi.NewClient(server.URL, "key", common.DiscardLogger())
	req := testRequest()

	cvm, err := NewDeployer(client, common.DiscardLogger()).Deploy(context.Background(), req)
	require.NoError(t, err)
	require.JSONEq(t, successBody, string(cvm.Raw))
	require.Equal(t, "f00d", cvm.AppID)

	plaintext, err := cryptoutils.MarshalEnvPayload(req.Env)
	require.NoError(t, err)
	require.Len(t, capturedEnv, 2*(32+12+len(plaintext)+16))

	decrypted, err := cryptoutils.DecryptEnvVars(priv, capturedEnv)
	require.NoError(t, err)
	require.Equal(t, req.Env, decrypted)
}

func TestDeployEndToEndValidationError(t *testing.T) {
	const errorBody = `{"detail":[{"loc":["body","teepod_id"],"msg":"teepod not found","type":"value_error"}]}`

	var createCalls atomic.Int32
	r := chi.NewRouter()
	r.Post("/cvms/pubkey/from_cvm_configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(errorBody))
	})
	r.Post("/cvms/from_cvm_configuration", func(w http.ResponseWriter, r *http.Request) {
		createCalls.Inc()
	})
	server := httptest.NewServer(r)
	defer server.Close()

	client := cvmapi.NewClient(server.URL, "key", common.DiscardLogger())

	_, err := NewDeployer(client, common.DiscardLogger()).Deploy(context.Background(), testRequest())

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	require.Equal(t, StageFetchPubkey, stageErr.Stage)

	var apiErr *cvmapi.APIError
	require.ErrorAs(t, err, &apiErr)
	require.True(t, apiErr.IsValidation())
	require.JSONEq(t, errorBody, string(apiErr.Body))
	require.Contains(t, apiErr.PrettyBody(), `"msg": "teepod not found"`)

	require.Equal(t, int32(0), createCalls.Load())
}

func TestUpdateCompose(t *testing.T) {
	priv, pubHex := newTestKey(t)

	api := &cvmapi.MockCVMAPI{}
	api.On("GetCompose", mock.Anything, "app_1").Return(&interfaces.ComposeState{
		ComposeFile: interfaces.ComposeManifest{Name: "n", DockerComposeFile: "services: {}"},
		EnvPubkey:   pubHex,
	}, nil)

	var sent interfaces.UpdateComposeRequest
	api.On("UpdateCompose", mock.Anything, "app_1", mock.MatchedBy(func(r interfaces.UpdateComposeRequest) bool {
		sent = r
		return true
	})).Return(json.RawMessage(`{"ok":true}`), nil)

	env := interfaces.EnvVars{{Key: "FOO", Value: "bar"}}
	resp, err := NewDeployer(api, common.DiscardLogger()).UpdateCompose(context.Background(), "app_1", func(m *interfaces.ComposeManifest) error {
		m.PreLaunchScript = "#!/bin/sh\necho ready"
		return nil
	}, env)
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(resp))

	require.Equal(t, "#!/bin/sh\necho ready", sent.ComposeManifest.PreLaunchScript)
	require.Equal(t, "services: {}", sent.ComposeManifest.DockerComposeFile)

	decrypted, err := cryptoutils.DecryptEnvVars(priv, sent.EncryptedEnv)
	require.NoError(t, err)
	require.Equal(t, env, decrypted)
}

func TestReplicate(t *testing.T) {
	_, pubHex := newTestKey(t)
	const id = "0b0e7c4e8a2c4f1b9a4e3f6d2e1c5b7a"

	api := &cvmapi.MockCVMAPI{}
	api.On("CreateReplica", mock.Anything, id, mock.MatchedBy(func(r interfaces.ReplicaRequest) bool {
		return r.TeepodID == nil && r.EncryptedEnv == ""
	})).Return(&interfaces.CVM{Name: "r1"}, nil).Once()

	d := NewDeployer(api, common.DiscardLogger())
	cvm, err := d.Replicate(context.Background(), "0b0e7c4e-8a2c-4f1b-9a4e-3f6d2e1c5b7a", nil, nil)
	require.NoError(t, err)
	require.Equal(t, "r1", cvm.Name)
	api.AssertNotCalled(t, "GetCompose", mock.Anything, mock.Anything)

	teepod := 5
	api.On("GetCompose", mock.Anything, id).Return(&interfaces.ComposeState{EnvPubkey: pubHex}, nil).Once()
	api.On("CreateReplica", mock.Anything, id, mock.MatchedBy(func(r interfaces.ReplicaRequest) bool {
		return r.TeepodID != nil && *r.TeepodID == 5 && r.EncryptedEnv != ""
	})).Return(&interfaces.CVM{Name: "r2"}, nil).Once()

	cvm, err = d.Replicate(context.Background(), id, &teepod, interfaces.EnvVars{{Key: "FOO", Value: "1"}})
	require.NoError(t, err)
	require.Equal(t, "r2", cvm.Name)

	_, err = d.Replicate(context.Background(), "bogus", nil, nil)
	require.Error(t, err)

	api.AssertExpectations(t)
}

func TestProvision(t *testing.T) {
	api := &cvmapi.MockCVMAPI{}
	api.On("GetKMSInfo", mock.Anything, "testnet-kms-1").
		Return(&interfaces.KMSInfo{ID: "testnet-kms-1", KMSContractAddress: "0x1111111111111111111111111111111111111111"}, nil)
	api.On("ProvisionCVM", mock.Anything, mock.MatchedBy(func(r interfaces.ProvisionRequest) bool {
		return r.Name == "a-very-long-cvm-name" && r.KMSID == "testnet-kms-1"
	})).Return(&interfaces.ProvisionResult{AppID: "aa", ComposeHash: "cc"}, nil)

	d := NewDeployer(api, common.DiscardLogger())

	provisioned, err := d.Provision(context.Background(), interfaces.ProvisionRequest{
		Name:  "a-very-long-cvm-name-that-is-truncated",
		KMSID: "testnet-kms-1",
	})
	require.NoError(t, err)
	require.Equal(t, "cc", provisioned.Result.ComposeHash)
	require.Equal(t, "0x1111111111111111111111111111111111111111", provisioned.KMS.KMSContractAddress)

	_, err = d.Provision(context.Background(), interfaces.ProvisionRequest{Name: "x"})
	require.Error(t, err)

	api.AssertExpectations(t)
}

func TestProvisionTruncatesMultiByteName(t *testing.T) {
	const name = "ロボットアプリケーションのデプロイメントテスト"
	var sent interfaces.ProvisionRequest

	api := &cvmapi.MockCVMAPI{}
	api.On("GetKMSInfo", mock.Anything, "testnet-kms-1").Return(&interfaces.KMSInfo{ID: "testnet-kms-1"}, nil)
	api.On("ProvisionCVM", mock.Anything, mock.MatchedBy(func(r interfaces.ProvisionRequest) bool {
		sent = r
		return true
	})).Return(&interfaces.ProvisionResult{AppID: "aa", ComposeHash: "cc"}, nil)

	_, err := NewDeployer(api, common.DiscardLogger()).Provision(context.Background(), interfaces.ProvisionRequest{
		Name:  name,
		KMSID: "testnet-kms-1",
	})
	require.NoError(t, err)
	require.True(t, utf8.ValidString(sent.Name))
	require.Equal(t, MaxProvisionNameLength, utf8.RuneCountInString(sent.Name))
	require.True(t, strings.HasPrefix(name, sent.Name))

	_, err = NewDeployer(api, common.DiscardLogger()).Provision(context.Background(), interfaces.ProvisionRequest{
		Name:  "ロボット",
		KMSID: "testnet-kms-1",
	})
	require.NoError(t, err)
	require.Equal(t, "ロボット", sent.Name)
}

func TestCommit(t *testing.T) {
	priv, pubHex := newTestKey(t)
	const appIDHex = "00112233445566778899aabbccddeeff00112233"
	appID, err := interfaces.NewAppIDFromHex(appIDHex)
	require.NoError(t, err)

	params := CommitParams{
		KMSID:           "testnet-kms-1",
		AppID:           "0x" + appIDHex,
		ComposeHash:     "0x" + strings.Repeat("ab", 32),
		ContractAddress: "0x2222222222222222222222222222222222222222",
		Env:             interfaces.EnvVars{{Key: "A", Value: "1"}, {Key: "B", Value: "2"}},
	}

	api := &cvmapi.MockCVMAPI{}
	api.On("GetAppEnvPubkey", mock.Anything, "testnet-kms-1", appID).
		Return(&interfaces.AppEnvPubkey{PublicKey: pubHex}, nil).Once()

	var sent interfaces.CommitRequest
	api.On("CommitProvision", mock.Anything, mock.MatchedBy(func(r interfaces.CommitRequest) bool {
		sent = r
		return true
	})).Return(&interfaces.CommitResult{VMUUID: "u1", AppID: appIDHex}, nil).Once()

	d := NewDeployer(api, common.DiscardLogger())

	result, err := d.Commit(context.Background(), params)
	require.NoError(t, err)
	require.Equal(t, "u1", result.VMUUID)

	require.Equal(t, appIDHex, sent.AppID)
	require.Equal(t, []string{"A", "B"}, sent.EnvKeys)
	require.Equal(t, params.ComposeHash, sent.ComposeHash)
	decrypted, err := cryptoutils.DecryptEnvVars(priv, sent.EncryptedEnv)
	require.NoError(t, err)
	require.Equal(t, params.Env, decrypted)

	bad := params
	bad.ContractAddress = "0x1234"
	_, err = d.Commit(context.Background(), bad)
	require.ErrorContains(t, err, "invalid contract address")

	bad = params
	bad.ComposeHash = "abcd"
	_, err = d.Commit(context.Background(), bad)
	require.ErrorContains(t, err, "invalid compose hash")

	bad = params
	bad.AppID = "xyz"
	_, err = d.Commit(context.Background(), bad)
	require.ErrorContains(t, err, "invalid app id")

	api.AssertExpectations(t)
}

func TestCommitChecksKMSSigner(t *testing.T) {
	keyring, err := kms.NewSimpleKMS([]byte(strings.Repeat("k", 32)))
	require.NoError(t, err)

	const appIDHex = "00112233445566778899aabbccddeeff00112233"
	appID, err := interfaces.NewAppIDFromHex(appIDHex)
	require.NoError(t, err)
	signed, err := keyring.AppEnvPubkey(appID)
	require.NoError(t, err)

	params := CommitParams{
		KMSID:           "testnet-kms-1",
		AppID:           appIDHex,
		ComposeHash:     strings.Repeat("cd", 32),
		ContractAddress: "0x2222222222222222222222222222222222222222",
		Env:             interfaces.EnvVars{{Key: "A", Value: "1"}},
		KMSSigner:       keyring.SignerAddress().Hex(),
	}

	t.Run("trusted", func(t *testing.T) {
		api := &cvmapi.MockCVMAPI{}
		api.On("GetAppEnvPubkey", mock.Anything, "testnet-kms-1", appID).Return(signed, nil).Once()
		api.On("CommitProvision", mock.Anything, mock.Anything).Return(&interfaces.CommitResult{VMUUID: "u1"}, nil).Once()

		_, err := NewDeployer(api, common.DiscardLogger()).Commit(context.Background(), params)
		require.NoError(t, err)
		api.AssertExpectations(t)
	})

	t.Run("unsigned", func(t *testing.T) {
		api := &cvmapi.MockCVMAPI{}
		api.On("GetAppEnvPubkey", mock.Anything, "testnet-kms-1", appID).
			Return(&interfaces.AppEnvPubkey{PublicKey: signed.PublicKey}, nil).Once()

		_, err := NewDeployer(api, common.DiscardLogger()).Commit(context.Background(), params)
		require.ErrorIs(t, err, ErrUntrustedPubkey)
		api.AssertNotCalled(t, "CommitProvision", mock.Anything, mock.Anything)
	})

	t.Run("foreign signer", func(t *testing.T) {
		foreign := params
		foreign.KMSSigner = "0x3333333333333333333333333333333333333333"

		api := &cvmapi.MockCVMAPI{}
		api.On("GetAppEnvPubkey", mock.Anything, "testnet-kms-1", appID).Return(signed, nil).Once()

		_, err := NewDeployer(api, common.DiscardLogger()).Commit(context.Background(), foreign)
		require.ErrorIs(t, err, ErrUntrustedPubkey)
		api.AssertNotCalled(t, "CommitProvision", mock.Anything, mock.Anything)
	})
}

func TestComposeUpdate(t *testing.T) {
	keyring, err := kms.NewSimpleKMS([]byte(strings.Repeat("u", 32)))
	require.NoError(t, err)

	const appIDHex = "00112233445566778899aabbccddeeff00112233"
	appID, err := interfaces.NewAppIDFromHex(appIDHex)
	require.NoError(t, err)
	signed, err := keyring.AppEnvPubkey(appID)
	require.NoError(t, err)
	priv, _, err := keyring.AppEnvKey(appID)
	require.NoError(t, err)

	composeHash := strings.Repeat("ef", 32)
	info := &interfaces.CVMInfo{
		ID:              5,
		AppID:           appIDHex,
		KMSID:           "testnet-kms-1",
		ContractAddress: "0x2222222222222222222222222222222222222222",
	}

	api := &cvmapi.MockCVMAPI{}
	api.On("GetCVMInfo", mock.Anything, "app_"+appIDHex).Return(info, nil)
	api.On("GetComposeFile", mock.Anything, "app_"+appIDHex).
		Return(&interfaces.ComposeManifest{Name: "n", DockerComposeFile: "old"}, nil).Once()

	var provisioned interfaces.ComposeManifest
	api.On("ProvisionComposeUpdate", mock.Anything, "app_"+appIDHex, mock.MatchedBy(func(m interfaces.ComposeManifest) bool {
		provisioned = m
		return true
	})).Return(&interfaces.ComposeUpdateProvision{ComposeHash: composeHash}, nil).Once()

	var committed interfaces.ComposeUpdateCommitRequest
	api.On("GetAppEnvPubkey", mock.Anything, "testnet-kms-1", appID).Return(signed, nil).Once()
	api.On("CommitComposeUpdate", mock.Anything, "app_"+appIDHex, mock.MatchedBy(func(r interfaces.ComposeUpdateCommitRequest) bool {
		committed = r
		return true
	})).Return(json.RawMessage(`{"status":"updating"}`), nil).Once()

	d := NewDeployer(api, common.DiscardLogger())

	upd, err := d.ProvisionComposeUpdate(context.Background(), ComposeUpdate{
		CVMID:             "app_" + appIDHex,
		DockerComposeFile: "new",
		AllowedEnvs:       []string{"A"},
	})
	require.NoError(t, err)
	require.Equal(t, composeHash, upd.ComposeHash)
	require.Equal(t, info.ContractAddress, upd.CVM.ContractAddress)
	require.Equal(t, "new", provisioned.DockerComposeFile)
	require.Equal(t, "n", provisioned.Name)
	require.Equal(t, []string{"A"}, provisioned.AllowedEnvs)

	env := interfaces.EnvVars{{Key: "A", Value: "1"}}
	resp, err := d.CommitComposeUpdate(context.Background(), ComposeUpdateCommit{
		CVMID:       "app_" + appIDHex,
		ComposeHash: composeHash,
		Env:         env,
		KMSSigner:   keyring.SignerAddress().Hex(),
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"status":"updating"}`, string(resp))
	require.Equal(t, composeHash, committed.ComposeHash)
	require.Equal(t, []string{"A"}, committed.EnvKeys)

	decrypted, err := cryptoutils.DecryptEnvVars(priv, committed.EncryptedEnv)
	require.NoError(t, err)
	require.Equal(t, env, decrypted)

	api.AssertExpectations(t)
}

func TestComposeUpdateErrors(t *testing.T) {
	const appIDHex = "00112233445566778899aabbccddeeff00112233"

	t.Run("bad hash from server", func(t *testing.T) {
		api := &cvmapi.MockCVMAPI{}
		api.On("GetCVMInfo", mock.Anything, "5").Return(&interfaces.CVMInfo{ID: 5, AppID: appIDHex}, nil)
		api.On("GetComposeFile", mock.Anything, "5").Return(&interfaces.ComposeManifest{Name: "n"}, nil)
		api.On("ProvisionComposeUpdate", mock.Anything, "5", mock.Anything).
			Return(&interfaces.ComposeUpdateProvision{ComposeHash: "nope"}, nil)

		_, err := NewDeployer(api, common.DiscardLogger()).ProvisionComposeUpdate(context.Background(), ComposeUpdate{CVMID: "5", DockerComposeFile: "x"})
		require.ErrorContains(t, err, "invalid compose hash")
	})

	t.Run("empty compose", func(t *testing.T) {
		_, err := NewDeployer(&cvmapi.MockCVMAPI{}, common.DiscardLogger()).ProvisionComposeUpdate(context.Background(), ComposeUpdate{CVMID: "5"})
		require.Error(t, err)
	})

	t.Run("no kms id", func(t *testing.T) {
		api := &cvmapi.MockCVMAPI{}
		api.On("GetCVMInfo", mock.Anything, "5").Return(&interfaces.CVMInfo{ID: 5, AppID: appIDHex}, nil)

		_, err := NewDeployer(api, common.DiscardLogger()).CommitComposeUpdate(context.Background(), ComposeUpdateCommit{
			CVMID:       "5",
			ComposeHash: strings.Repeat("ef", 32),
		})
		require.ErrorContains(t, err, "kms id is required")
		api.AssertNotCalled(t, "CommitComposeUpdate", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("untrusted pubkey", func(t *testing.T) {
		_, pubHex := newTestKey(t)
		appID, err := interfaces.NewAppIDFromHex(appIDHex)
		require.NoError(t, err)

		api := &cvmapi.MockCVMAPI{}
		api.On("GetCVMInfo", mock.Anything, "5").Return(&interfaces.CVMInfo{ID: 5, AppID: appIDHex}, nil)
		api.On("GetAppEnvPubkey", mock.Anything, "testnet-kms-1", appID).Return(&interfaces.AppEnvPubkey{PublicKey: pubHex}, nil)

		_, err = NewDeployer(api, common.DiscardLogger()).CommitComposeUpdate(context.Background(), ComposeUpdateCommit{
			CVMID:       "5",
			ComposeHash: strings.Repeat("ef", 32),
			KMSID:       "testnet-kms-1",
			KMSSigner:   "0x3333333333333333333333333333333333333333",
		})
		require.ErrorIs(t, err, ErrUntrustedPubkey)
		api.AssertNotCalled(t, "CommitComposeUpdate", mock.Anything, mock.Anything, mock.Anything)
	})
}
