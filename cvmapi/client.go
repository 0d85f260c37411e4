package cvmapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/ruteri/cvm-deployer/interfaces"
)

const (
	APIKeyHeader   = "x-api-key"
	DefaultTimeout = 60 * time.Second
)

// RetryPolicy configures retries of idempotent calls. MaxTries of 0 or 1
// disables retries.
type RetryPolicy struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Client implements interfaces.CVMAPI over the cloud REST API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Log        *slog.Logger
	Retry      RetryPolicy
}

var _ interfaces.CVMAPI = (*Client)(nil)

func NewClient(baseURL, apiKey string, log *slog.Logger) *Client {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: DefaultTimeout},
		Log:        log,
		Retry: RetryPolicy{
			MaxTries:        1,
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     5 * time.Second,
		},
	}
}

func (c *Client) GetPubkey(ctx context.Context, vmConfig interfaces.VMConfig) (*interfaces.EnvEncryptPubkey, error) {
	var pubkey interfaces.EnvEncryptPubkey
	if _, err := c.call(ctx, http.MethodPost, "/cvms/pubkey/from_cvm_configuration", vmConfig, &pubkey, true); err != nil {
		return nil, err
	}
	return &pubkey, nil
}

func (c *Client) CreateVM(ctx context.Context, req interfaces.CreateVMRequest) (*interfaces.CVM, error) {
	return c.cvmCall(ctx, http.MethodPost, "/cvms/from_cvm_configuration", req)
}

func (c *Client) AvailableTeepods(ctx context.Context) (*interfaces.AvailableTeepods, error) {
	var teepods interfaces.AvailableTeepods
	if _, err := c.call(ctx, http.MethodGet, "/teepods/available", nil, &teepods, true); err != nil {
		return nil, err
	}
	return &teepods, nil
}

func (c *Client) GetCompose(ctx context.Context, cvmID string) (*interfaces.ComposeState, error) {
	var state interfaces.ComposeState
	if _, err := c.call(ctx, http.MethodGet, "/cvms/"+url.PathEscape(cvmID)+"/compose", nil, &state, true); err != nil {
		return nil, err
	}
	return &state, nil
}

func (c *Client) UpdateCompose(ctx context.Context, cvmID string, req interfaces.UpdateComposeRequest) (json.RawMessage, error) {
	body, err := c.call(ctx, http.MethodPut, "/cvms/"+url.PathEscape(cvmID)+"/compose", req, nil, false)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

// CreateReplica replicates the CVM identified by vmUUID, given with or without hyphens.
func (c *Client) CreateReplica(ctx context.Context, vmUUID string, req interfaces.ReplicaRequest) (*interfaces.CVM, error) {
	id, err := NormalizeVMUUID(vmUUID)
	if err != nil {
		return nil, err
	}
	return c.cvmCall(ctx, http.MethodPost, "/cvms/"+id+"/replicas", req)
}

func (c *Client) ListAppCVMs(ctx context.Context, appID string) ([]interfaces.AppCVM, error) {
	var cvms []interfaces.AppCVM
	if _, err := c.call(ctx, http.MethodGet, "/apps/"+url.PathEscape(appID)+"/cvms", nil, &cvms, true); err != nil {
		return nil, err
	}
	return cvms, nil
}

func (c *Client) GetKMSInfo(ctx context.Context, kmsID string) (*interfaces.KMSInfo, error) {
	var info interfaces.KMSInfo
	if _, err := c.call(ctx, http.MethodGet, "/kms/"+url.PathEscape(kmsID), nil, &info, true); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) ProvisionCVM(ctx context.Context, req interfaces.ProvisionRequest) (*interfaces.ProvisionResult, error) {
	var result interfaces.ProvisionResult
	if _, err := c.call(ctx, http.MethodPost, "/cvms/provision", req, &result, false); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) GetAppEnvPubkey(ctx context.Context, kmsID string, appID interfaces.AppID) (*interfaces.AppEnvPubkey, error) {
	var pubkey interfaces.AppEnvPubkey
	path := fmt.Sprintf("/kms/%s/pubkey/%s", url.PathEscape(kmsID), appID.String())
	if _, err := c.call(ctx, http.MethodGet, path, nil, &pubkey, true); err != nil {
		return nil, err
	}
	return &pubkey, nil
}

func (c *Client) CommitProvision(ctx context.Context, req interfaces.CommitRequest) (*interfaces.CommitResult, error) {
	var result interfaces.CommitResult
	body, err := c.call(ctx, http.MethodPost, "/cvms", req, &result, false)
	if err != nil {
		return nil, err
	}
	result.Raw = json.RawMessage(body)
	return &result, nil
}

func (c *Client) GetCVMInfo(ctx context.Context, cvmID string) (*interfaces.CVMInfo, error) {
	var info interfaces.CVMInfo
	body, err := c.call(ctx, http.MethodGet, "/cvms/"+url.PathEscape(cvmID), nil, &info, true)
	if err != nil {
		return nil, err
	}
	info.Raw = json.RawMessage(body)
	return &info, nil
}

func (c *Client) GetComposeFile(ctx context.Context, cvmID string) (*interfaces.ComposeManifest, error) {
	var manifest interfaces.ComposeManifest
	if _, err := c.call(ctx, http.MethodGet, "/cvms/"+url.PathEscape(cvmID)+"/compose_file", nil, &manifest, true); err != nil {
		return nil, err
	}
	return &manifest, nil
}

func (c *Client) ProvisionComposeUpdate(ctx context.Context, cvmID string, appCompose interfaces.ComposeManifest) (*interfaces.ComposeUpdateProvision, error) {
	var provision interfaces.ComposeUpdateProvision
	req := interfaces.ComposeUpdateProvisionRequest{AppCompose: appCompose}
	if _, err := c.call(ctx, http.MethodPost, "/cvms/"+url.PathEscape(cvmID)+"/compose_file/provision", req, &provision, false); err != nil {
		return nil, err
	}
	return &provision, nil
}

func (c *Client) CommitComposeUpdate(ctx context.Context, cvmID string, req interfaces.ComposeUpdateCommitRequest) (json.RawMessage, error) {
	body, err := c.call(ctx, http.MethodPatch, "/cvms/"+url.PathEscape(cvmID)+"/compose_file", req, nil, false)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

func (c *Client) cvmCall(ctx context.Context, method, path string, reqBody any) (*interfaces.CVM, error) {
	var cvm interfaces.CVM
	body, err := c.call(ctx, method, path, reqBody, &cvm, false)
	if err != nil {
		return nil, err
	}
	cvm.Raw = json.RawMessage(body)
	return &cvm, nil
}

// NormalizeVMUUID validates a CVM uuid and strips its hyphens.
func NormalizeVMUUID(vmUUID string) (string, error) {
	id, err := uuid.Parse(vmUUID)
	if err != nil {
		return "", fmt.Errorf("invalid vm uuid %q: %w", vmUUID, err)
	}
	return strings.ReplaceAll(id.String(), "-", ""), nil
}

// call performs one API request and decodes a successful response into out.
// Only idempotent calls may pass retry.
func (c *Client) call(ctx context.Context, method, path string, reqBody any, out any, retry bool) ([]byte, error) {
	var payload []byte
	if reqBody != nil {
		var err error
		payload, err = json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("could not marshal %s request: %w", path, err)
		}
	}

	var body []byte
	var err error
	if retry && c.Retry.MaxTries > 1 {
		body, err = c.retry(ctx, method, path, payload)
	} else {
		body, err = c.send(ctx, method, path, payload)
	}
	if err != nil {
		return nil, err
	}

	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return nil, fmt.Errorf("could not parse %s response: %w", path, err)
		}
	}
	return body, nil
}

func (c *Client) retry(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	tries := 0
	operation := func() ([]byte, error) {
		tries++
		body, err := c.send(ctx, method, path, payload)
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.IsClientError() {
			return nil, backoff.Permanent(err)
		}
		if err != nil {
			c.Log.Warn("CVM API request failed",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("try", tries),
				"err", err)
		}
		return body, err
	}

	exponentialBackoff := backoff.NewExponentialBackOff()
	if c.Retry.InitialInterval > 0 {
		exponentialBackoff.InitialInterval = c.Retry.InitialInterval
	}
	if c.Retry.MaxInterval > 0 {
		exponentialBackoff.MaxInterval = c.Retry.MaxInterval
	}

	return backoff.Retry(
		ctx,
		operation,
		backoff.WithBackOff(exponentialBackoff),
		backoff.WithMaxTries(c.Retry.MaxTries),
	)
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	start := time.Now()

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("could not create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(APIKeyHeader, c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("could not request %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("could not read %s response: %w", path, err)
	}

	c.Log.Debug("CVM API request",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       body,
		}
	}
	return body, nil
}
