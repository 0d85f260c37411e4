package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
)

// FileSource reads a payload from the local file system.
type FileSource struct {
	path string
	log  *slog.Logger
}

func NewFileSource(path string, log *slog.Logger) *FileSource {
	return &FileSource{path: path, log: log}
}

// Fetch returns ErrPayloadNotFound if the file doesn't exist.
func (s *FileSource) Fetch(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrPayloadNotFound, s.path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	s.log.Debug("Fetched payload from file",
		slog.String("path", s.path),
		slog.Int("size", len(data)))

	return data, nil
}

func (s *FileSource) LocationURI() string {
	return s.path
}
