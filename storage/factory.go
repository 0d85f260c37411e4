package storage

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ruteri/cvm-deployer/interfaces"
)

// LocationSeparator separates fallback locations within a single location string.
const LocationSeparator = "|"

const defaultGitHubAPIURL = "https://api.github.com"

// SourceFactory resolves location strings into payload sources.
type SourceFactory struct {
	log        *slog.Logger
	httpClient *http.Client

	// GitHubAPIURL overrides the GitHub REST endpoint.
	GitHubAPIURL string
	// GitHubToken authenticates GitHub requests when set.
	GitHubToken string
	// VaultToken overrides the token vault clients pick up from VAULT_TOKEN.
	VaultToken string
}

func NewSourceFactory(log *slog.Logger) *SourceFactory {
	return &SourceFactory{
		log:          log,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		GitHubAPIURL: defaultGitHubAPIURL,
	}
}

// WithHTTPClient replaces the client used by http and github sources.
func (sf *SourceFactory) WithHTTPClient(c *http.Client) *SourceFactory {
	sf.httpClient = c
	return sf
}

// SourceFor creates a payload source from a location.
//
// Supported locations:
//   - path or file:///path - local file
//   - s3://bucket/key?region=us-east-1&endpoint=host - S3 or compatible object
//   - ipfs://host:port/<cid> - object fetched through an IPFS node API
//   - vault://host:port/mount/path?field=content&insecure=true - KV v2 secret field
//   - github://owner/repo/path/to/file?ref=main - file from a GitHub repository
//   - http(s)://... - plain GET
//
// Several locations joined by LocationSeparator are tried in order.
func (sf *SourceFactory) SourceFor(location string) (interfaces.PayloadSource, error) {
	if strings.Contains(location, LocationSeparator) {
		var sources []interfaces.PayloadSource
		for _, part := range strings.Split(location, LocationSeparator) {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			src, err := sf.SourceFor(part)
			if err != nil {
				return nil, err
			}
			sources = append(sources, src)
		}
		if len(sources) == 0 {
			return nil, ioError(location, ErrInvalidLocation)
		}
		return NewFallbackSource(sources, sf.log), nil
	}

	if location == "" {
		return nil, ioError(location, fmt.Errorf("%w: empty location", ErrInvalidLocation))
	}
	if !strings.Contains(location, "://") {
		return NewFileSource(location, sf.log), nil
	}

	u, err := url.Parse(location)
	if err != nil {
		return nil, ioError(location, fmt.Errorf("%w: %v", ErrInvalidLocation, err))
	}

	var src interfaces.PayloadSource
	switch strings.ToLower(u.Scheme) {
	case "file":
		src, err = sf.createFileSource(u)
	case "s3":
		src, err = sf.createS3Source(u)
	case "ipfs":
		src, err = sf.createIPFSSource(u)
	case "vault":
		src, err = sf.createVaultSource(u)
	case "github":
		src, err = sf.createGitHubSource(u)
	case "http", "https":
		src = NewHTTPSource(location, sf.httpClient, sf.log)
	default:
		err = fmt.Errorf("%w: %s", ErrUnsupportedScheme, u.Scheme)
	}
	if err != nil {
		return nil, ioError(location, err)
	}
	return src, nil
}

// Load resolves location and returns its payload as is.
func (sf *SourceFactory) Load(ctx context.Context, location string) ([]byte, error) {
	src, err := sf.SourceFor(location)
	if err != nil {
		return nil, err
	}
	data, err := src.Fetch(ctx)
	if err != nil {
		return nil, ioError(src.LocationURI(), err)
	}
	return data, nil
}

// LoadBase64 resolves location and returns its payload base64 encoded.
func (sf *SourceFactory) LoadBase64(ctx context.Context, location string) (string, error) {
	src, err := sf.SourceFor(location)
	if err != nil {
		return "", err
	}
	return LoadBase64(ctx, src)
}

// file:///absolute/path or file://./relative/path
func (sf *SourceFactory) createFileSource(u *url.URL) (interfaces.PayloadSource, error) {
	path := u.Path
	if u.Host != "" {
		path = u.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in file URI", ErrInvalidLocation)
	}
	return NewFileSource(path, sf.log), nil
}

// s3://[ACCESS_KEY:SECRET_KEY@]bucket/key?region=us-west-2&endpoint=custom.s3.com
func (sf *SourceFactory) createS3Source(u *url.URL) (interfaces.PayloadSource, error) {
	sf.log.Debug("Creating S3 source", slog.String("bucket", u.Host), slog.String("key", u.Path))

	key := strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return nil, fmt.Errorf("%w: expected s3://bucket/key", ErrInvalidLocation)
	}

	query := u.Query()
	region := query.Get("region")
	if region == "" {
		region = "us-east-1"
	}

	var accessKey, secretKey string
	if u.User != nil {
		accessKey = u.User.Username()
		secretKey, _ = u.User.Password()
	}

	return NewS3Source(u.Host, key, region, query.Get("endpoint"), accessKey, secretKey, sf.log)
}

// ipfs://host:port/<cid>[/path]
func (sf *SourceFactory) createIPFSSource(u *url.URL) (interfaces.PayloadSource, error) {
	sf.log.Debug("Creating IPFS source", slog.String("uri", u.String()))

	port := u.Port()
	if port == "" {
		port = "5001"
	}
	cidPath := strings.TrimPrefix(u.Path, "/")
	cidPath = strings.TrimPrefix(cidPath, "ipfs/")
	if u.Hostname() == "" || cidPath == "" {
		return nil, fmt.Errorf("%w: expected ipfs://host:port/<cid>", ErrInvalidLocation)
	}

	timeout := 30 * time.Second
	if t := u.Query().Get("timeout"); t != "" {
		parsed, err := time.ParseDuration(t)
		if err != nil {
			return nil, fmt.Errorf("%w: timeout: %v", ErrInvalidLocation, err)
		}
		timeout = parsed
	}

	return NewIPFSSource(u.Hostname(), port, cidPath, timeout, sf.log), nil
}

// vault://host:port/mount/path/to/secret?field=content&insecure=true
func (sf *SourceFactory) createVaultSource(u *url.URL) (interfaces.PayloadSource, error) {
	sf.log.Debug("Creating Vault source", slog.String("host", u.Host), slog.String("path", u.Path))

	mount, secretPath, ok := strings.Cut(strings.Trim(u.Path, "/"), "/")
	if u.Host == "" || !ok || mount == "" || secretPath == "" {
		return nil, fmt.Errorf("%w: expected vault://host:port/mount/path", ErrInvalidLocation)
	}

	query := u.Query()
	scheme := "https"
	if query.Get("insecure") == "true" {
		scheme = "http"
	}
	field := query.Get("field")
	if field == "" {
		field = "content"
	}

	return NewVaultSource(scheme+"://"+u.Host, mount, secretPath, field, sf.VaultToken, sf.log)
}

// github://owner/repo/path/to/file?ref=main
func (sf *SourceFactory) createGitHubSource(u *url.URL) (interfaces.PayloadSource, error) {
	sf.log.Debug("Creating GitHub source", slog.String("uri", u.String()))

	repo, filePath, ok := strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")
	if u.Host == "" || !ok || repo == "" || filePath == "" {
		return nil, fmt.Errorf("%w: expected github://owner/repo/path", ErrInvalidLocation)
	}

	return NewGitHubSource(sf.GitHubAPIURL, u.Host, repo, filePath, u.Query().Get("ref"), sf.GitHubToken, sf.httpClient, sf.log), nil
}
