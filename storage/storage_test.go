package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/ruteri/cvm-deployer/common"
	"github.com/ruteri/cvm-deployer/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockPayloadSource struct {
	mock.Mock
	location string
}

func (m *MockPayloadSource) Fetch(ctx context.Context) ([]byte, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockPayloadSource) LocationURI() string {
	return m.location
}

func writeTempFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestLoadBase64File(t *testing.T) {
	data := []byte(`{"name":"c3po","bio":["protocol droid"]}`)
	path := writeTempFile(t, "character.json", data)

	factory := NewSourceFactory(common.DiscardLogger())

	for _, location := range []string{path, "file://" + path} {
		encoded, err := factory.LoadBase64(context.Background(), location)
		require.NoError(t, err, location)
		require.Equal(t, base64.StdEncoding.EncodeToString(data), encoded)

		again, err := factory.LoadBase64(context.Background(), location)
		require.NoError(t, err)
		require.Equal(t, encoded, again)
	}
}

func TestLoadBase64EmptyFile(t *testing.T) {
	path := writeTempFile(t, "empty", nil)

	encoded, err := NewSourceFactory(common.DiscardLogger()).LoadBase64(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, "", encoded)
}

func TestLoadBase64MissingFile(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.json")

	_, err := NewSourceFactory(common.DiscardLogger()).LoadBase64(context.Background(), missing)

	var ioErr *IOError
	require.ErrorAs(t, err, &ioErr)
	require.Equal(t, missing, ioErr.Location)
	require.ErrorIs(t, err, ErrPayloadNotFound)
}

func TestLoadRaw(t *testing.T) {
	compose := []byte("services:\n  app:\n    image: busybox\n")
	path := writeTempFile(t, "docker-compose.yml", compose)
	factory := NewSourceFactory(common.DiscardLogger())

	data, err := factory.Load(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, compose, data)

	missing := filepath.Join(t.TempDir(), "missing.yml")
	_, err = factory.Load(context.Background(), missing+LocationSeparator+path)
	require.NoError(t, err)

	_, err = factory.Load(context.Background(), missing)
	var ioErr *IOError
	require.ErrorAs(t, err, &ioErr)
	require.ErrorIs(t, err, ErrPayloadNotFound)
}

func TestSourceForErrors(t *testing.T) {
	factory := NewSourceFactory(common.DiscardLogger())

	tests := []struct {
		location string
		target   error
	}{
		{"", ErrInvalidLocation},
		{"ftp://host/file", ErrUnsupportedScheme},
		{"s3://bucket-only", ErrInvalidLocation},
		{"ipfs://127.0.0.1:5001/", ErrInvalidLocation},
		{"vault://vault:8200/only-mount", ErrInvalidLocation},
		{"github://owner/repo", ErrInvalidLocation},
		{"ipfs://127.0.0.1:5001/Qm?timeout=soon", ErrInvalidLocation},
	}

	for _, tt := range tests {
		t.Run(tt.location, func(t *testing.T) {
			_, err := factory.SourceFor(tt.location)
			var ioErr *IOError
			require.ErrorAs(t, err, &ioErr)
			require.ErrorIs(t, err, tt.target)
		})
	}
}

func TestSourceForSchemes(t *testing.T) {
	factory := NewSourceFactory(common.DiscardLogger())

	src, err := factory.SourceFor("s3://bucket/agents/character.json?region=eu-west-1")
	require.NoError(t, err)
	require.IsType(t, &S3Source{}, src)
	require.Equal(t, "s3://bucket/agents/character.json?region=eu-west-1", src.LocationURI())

	src, err = factory.SourceFor("ipfs://127.0.0.1:5001/QmHash")
	require.NoError(t, err)
	require.IsType(t, &IPFSSource{}, src)
	require.Equal(t, "ipfs://127.0.0.1:5001/QmHash", src.LocationURI())

	src, err = factory.SourceFor("vault://vault.local:8200/secret/agents/eliza?field=character")
	require.NoError(t, err)
	require.IsType(t, &VaultSource{}, src)
	require.Equal(t, "vault://vault.local:8200/secret/agents/eliza?field=character", src.LocationURI())

	src, err = factory.SourceFor("github://owner/repo/dir/file.json?ref=v1")
	require.NoError(t, err)
	require.IsType(t, &GitHubSource{}, src)
	require.Equal(t, "github://owner/repo/dir/file.json?ref=v1", src.LocationURI())

	src, err = factory.SourceFor("https://example.com/c.json")
	require.NoError(t, err)
	require.IsType(t, &HTTPSource{}, src)
}

func TestHTTPSource(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/character.json":
			_, _ = w.Write([]byte("hello"))
		case "/broken":
			http.Error(w, "boom", http.StatusInternalServerError)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	factory := NewSourceFactory(common.DiscardLogger()).WithHTTPClient(server.Client())

	encoded, err := factory.LoadBase64(context.Background(), server.URL+"/character.json")
	require.NoError(t, err)
	require.Equal(t, "aGVsbG8=", encoded)

	_, err = factory.LoadBase64(context.Background(), server.URL+"/missing")
	require.ErrorIs(t, err, ErrPayloadNotFound)

	_, err = factory.LoadBase64(context.Background(), server.URL+"/broken")
	var ioErr *IOError
	require.ErrorAs(t, err, &ioErr)
	require.Contains(t, err.Error(), "returned error 500")
}

func TestGitHubSource(t *testing.T) {
	var gotAuth, gotRef string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/owner/repo/contents/characters/c3po.json" {
			http.NotFound(w, r)
			return
		}
		gotAuth = r.Header.Get("Authorization")
		gotRef = r.URL.Query().Get("ref")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"type":     "file",
			"encoding": "base64",
			"sha":      "abc",
			"content":  "eyJuYW1lIjoi\nYzNwbyJ9\n",
		})
	}))
	defer server.Close()

	factory := NewSourceFactory(common.DiscardLogger()).WithHTTPClient(server.Client())
	factory.GitHubAPIURL = server.URL
	factory.GitHubToken = "ghp_test"

	src, err := factory.SourceFor("github://owner/repo/characters/c3po.json?ref=main")
	require.NoError(t, err)

	data, err := src.Fetch(context.Background())
	require.NoError(t, err)
	require.Equal(t, `{"name":"c3po"}`, string(data))
	require.Equal(t, "Bearer ghp_test", gotAuth)
	require.Equal(t, "main", gotRef)

	_, err = factory.LoadBase64(context.Background(), "github://owner/repo/missing.json")
	require.ErrorIs(t, err, ErrPayloadNotFound)
}

func TestFallbackSource(t *testing.T) {
	testErr := errors.New("unavailable")

	tests := []struct {
		name          string
		setupMocks    func() []interfaces.PayloadSource
		expectedData  []byte
		expectedError bool
	}{
		{
			name: "first source successful",
			setupMocks: func() []interfaces.PayloadSource {
				first := &MockPayloadSource{location: "a"}
				first.On("Fetch", mock.Anything).Return([]byte("data"), nil)
				second := &MockPayloadSource{location: "b"}
				return []interfaces.PayloadSource{first, second}
			},
			expectedData: []byte("data"),
		},
		{
			name: "falls back to second source",
			setupMocks: func() []interfaces.PayloadSource {
				first := &MockPayloadSource{location: "a"}
				first.On("Fetch", mock.Anything).Return(nil, testErr)
				second := &MockPayloadSource{location: "b"}
				second.On("Fetch", mock.Anything).Return([]byte("data"), nil)
				return []interfaces.PayloadSource{first, second}
			},
			expectedData: []byte("data"),
		},
		{
			name: "all sources fail",
			setupMocks: func() []interfaces.PayloadSource {
				first := &MockPayloadSource{location: "a"}
				first.On("Fetch", mock.Anything).Return(nil, testErr)
				second := &MockPayloadSource{location: "b"}
				second.On("Fetch", mock.Anything).Return(nil, ErrPayloadNotFound)
				return []interfaces.PayloadSource{first, second}
			},
			expectedError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sources := tt.setupMocks()
			fallback := NewFallbackSource(sources, common.DiscardLogger())

			data, err := fallback.Fetch(context.Background())
			if tt.expectedError {
				assert.Error(t, err)
				assert.ErrorIs(t, err, testErr)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, tt.expectedData, data)
			}

			for _, src := range sources {
				src.(*MockPayloadSource).AssertExpectations(t)
			}
		})
	}
}

func TestFallbackLocation(t *testing.T) {
	data := []byte("local copy")
	path := writeTempFile(t, "character.json", data)
	missing := filepath.Join(t.TempDir(), "missing.json")

	factory := NewSourceFactory(common.DiscardLogger())

	src, err := factory.SourceFor(missing + " | " + path)
	require.NoError(t, err)
	require.Equal(t, missing+"|"+path, src.LocationURI())

	encoded, err := LoadBase64(context.Background(), src)
	require.NoError(t, err)
	require.Equal(t, base64.StdEncoding.EncodeToString(data), encoded)
}
