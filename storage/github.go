package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// GitHubSource reads a file from a GitHub repository via the contents API.
type GitHubSource struct {
	apiURL   string
	owner    string
	repo     string
	filePath string
	ref      string
	token    string
	client   *http.Client
	log      *slog.Logger
}

// githubContent is the file object returned by GitHub's contents API.
type githubContent struct {
	Type     string `json:"type"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
	SHA      string `json:"sha"`
	Size     int    `json:"size"`
}

func NewGitHubSource(apiURL, owner, repo, filePath, ref, token string, client *http.Client, log *slog.Logger) *GitHubSource {
	return &GitHubSource{
		apiURL:   strings.TrimSuffix(apiURL, "/"),
		owner:    owner,
		repo:     repo,
		filePath: filePath,
		ref:      ref,
		token:    token,
		client:   client,
		log:      log,
	}
}

func (s *GitHubSource) Fetch(ctx context.Context) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/repos/%s/%s/contents/%s", s.apiURL, s.owner, s.repo, s.filePath)
	if s.ref != "" {
		endpoint += "?ref=" + url.QueryEscape(s.ref)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrPayloadNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("GitHub API error: %s, %s", resp.Status, string(body))
	}

	var content githubContent
	if err := json.NewDecoder(resp.Body).Decode(&content); err != nil {
		return nil, fmt.Errorf("failed to decode content: %w", err)
	}
	if content.Type != "" && content.Type != "file" {
		return nil, fmt.Errorf("%s is a %s, not a file", s.filePath, content.Type)
	}
	if content.Encoding != "base64" {
		return nil, fmt.Errorf("unexpected content encoding: %s", content.Encoding)
	}

	data, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(content.Content, "\n", ""))
	if err != nil {
		return nil, fmt.Errorf("failed to decode file content: %w", err)
	}

	s.log.Debug("Fetched payload from GitHub",
		slog.String("repo", s.owner+"/"+s.repo),
		slog.String("path", s.filePath),
		slog.String("sha", content.SHA),
		slog.Int("size", len(data)))

	return data, nil
}

func (s *GitHubSource) LocationURI() string {
	uri := fmt.Sprintf("github://%s/%s/%s", s.owner, s.repo, s.filePath)
	if s.ref != "" {
		uri += "?ref=" + s.ref
	}
	return uri
}
