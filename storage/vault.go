package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
)

// VaultSource reads one field of a KV v2 secret from HashiCorp Vault. The
// token comes from VAULT_TOKEN unless set explicitly.
type VaultSource struct {
	client      *api.Client
	mountPath   string
	secretPath  string
	field       string
	log         *slog.Logger
	locationURI string
}

func NewVaultSource(address, mountPath, secretPath, field, token string, log *slog.Logger) (*VaultSource, error) {
	config := api.DefaultConfig()
	config.Address = address
	config.HttpClient = &http.Client{Timeout: 30 * time.Second}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}

	mountPath = strings.Trim(mountPath, "/")
	secretPath = strings.Trim(secretPath, "/")

	return &VaultSource{
		client:      client,
		mountPath:   mountPath,
		secretPath:  secretPath,
		field:       field,
		log:         log,
		locationURI: fmt.Sprintf("vault://%s/%s/%s?field=%s", strings.TrimPrefix(strings.TrimPrefix(address, "https://"), "http://"), mountPath, secretPath, field),
	}, nil
}

func (s *VaultSource) Fetch(ctx context.Context) ([]byte, error) {
	start := time.Now()

	secret, err := s.client.KVv2(s.mountPath).Get(ctx, s.secretPath)
	if errors.Is(err, api.ErrSecretNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", ErrPayloadNotFound, s.mountPath, s.secretPath)
	}
	if err != nil {
		s.log.Error("Failed to read from Vault",
			slog.String("mount", s.mountPath),
			slog.String("path", s.secretPath),
			"err", err)
		return nil, fmt.Errorf("failed to read from Vault: %w", err)
	}

	value, ok := secret.Data[s.field]
	if !ok {
		return nil, fmt.Errorf("%w: field %s not found in Vault secret", ErrPayloadNotFound, s.field)
	}
	content, ok := value.(string)
	if !ok {
		return nil, fmt.Errorf("invalid content format in Vault field %s", s.field)
	}

	s.log.Debug("Fetched payload from Vault",
		slog.String("path", s.secretPath),
		slog.Duration("duration", time.Since(start)))

	return []byte(content), nil
}

func (s *VaultSource) LocationURI() string {
	return s.locationURI
}
