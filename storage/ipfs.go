package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	shell "github.com/ipfs/go-ipfs-api"
)

// IPFSSource reads a payload through the API of an IPFS node.
type IPFSSource struct {
	shell   *shell.Shell
	host    string
	port    string
	cidPath string
	timeout time.Duration
	log     *slog.Logger
}

func NewIPFSSource(host, port, cidPath string, timeout time.Duration, log *slog.Logger) *IPFSSource {
	sh := shell.NewShell(fmt.Sprintf("%s:%s", host, port))
	sh.SetTimeout(timeout)

	return &IPFSSource{
		shell:   sh,
		host:    host,
		port:    port,
		cidPath: cidPath,
		timeout: timeout,
		log:     log,
	}
}

func (s *IPFSSource) Fetch(ctx context.Context) ([]byte, error) {
	start := time.Now()
	ipfsPath := "/ipfs/" + s.cidPath

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.shell.Request("cat", ipfsPath).Send(ctx)
	if err != nil {
		s.log.Warn("IPFS node unavailable",
			slog.String("host", s.host),
			slog.String("port", s.port),
			"err", err)
		return nil, fmt.Errorf("failed to reach IPFS node: %w", err)
	}
	defer resp.Close()

	if resp.Error != nil {
		if strings.Contains(resp.Error.Message, "no link named") || strings.Contains(resp.Error.Message, "not found") {
			return nil, fmt.Errorf("%w: %s", ErrPayloadNotFound, resp.Error.Message)
		}
		return nil, fmt.Errorf("failed to fetch data from IPFS: %w", resp.Error)
	}

	data, err := io.ReadAll(resp.Output)
	if err != nil {
		return nil, fmt.Errorf("failed to read data from IPFS: %w", err)
	}

	s.log.Debug("Fetched payload from IPFS",
		slog.String("path", ipfsPath),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))

	return data, nil
}

func (s *IPFSSource) LocationURI() string {
	return fmt.Sprintf("ipfs://%s:%s/%s", s.host, s.port, s.cidPath)
}
