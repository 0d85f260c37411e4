package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// HTTPSource reads a payload with a plain GET request.
type HTTPSource struct {
	url    string
	client *http.Client
	log    *slog.Logger
}

func NewHTTPSource(url string, client *http.Client, log *slog.Logger) *HTTPSource {
	return &HTTPSource{url: url, client: client, log: log}
}

func (s *HTTPSource) Fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrPayloadNotFound
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s returned error %d: %s", s.url, resp.StatusCode, body)
	}

	s.log.Debug("Fetched payload over http",
		slog.String("url", s.url),
		slog.Int("size", len(body)))

	return body, nil
}

func (s *HTTPSource) LocationURI() string {
	return s.url
}
