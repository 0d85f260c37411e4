package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ruteri/cvm-deployer/interfaces"
)

// FallbackSource reads from the first of several sources that succeeds.
type FallbackSource struct {
	sources []interfaces.PayloadSource
	log     *slog.Logger
}

func NewFallbackSource(sources []interfaces.PayloadSource, logger *slog.Logger) *FallbackSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackSource{
		sources: sources,
		log:     logger,
	}
}

func (f *FallbackSource) Fetch(ctx context.Context) ([]byte, error) {
	start := time.Now()
	var errs []error

	for _, src := range f.sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		data, err := src.Fetch(ctx)
		if err == nil {
			f.log.Debug("Fetched payload",
				slog.String("location", src.LocationURI()),
				slog.Duration("duration", time.Since(start)))
			return data, nil
		}

		errs = append(errs, fmt.Errorf("%s: %w", src.LocationURI(), err))
		f.log.Debug("Failed to fetch payload from source",
			slog.String("location", src.LocationURI()),
			"err", err)
	}

	if len(errs) == 0 {
		return nil, ErrPayloadNotFound
	}
	return nil, fmt.Errorf("all sources failed: %w", errors.Join(errs...))
}

func (f *FallbackSource) LocationURI() string {
	locations := make([]string, 0, len(f.sources))
	for _, src := range f.sources {
		locations = append(locations, src.LocationURI())
	}
	return strings.Join(locations, LocationSeparator)
}
