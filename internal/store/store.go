// Package store selects the star-schema store backend from a database URL.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/couchcryptid/weather-star-etl/internal/adapter/postgres"
	"github.com/couchcryptid/weather-star-etl/internal/adapter/sqlite"
	"github.com/couchcryptid/weather-star-etl/internal/domain"
	"github.com/couchcryptid/weather-star-etl/internal/pipeline"
)

// Store is the full read/write surface of a star-schema backend.
type Store interface {
	pipeline.Store

	EnsureSchema(ctx context.Context) error
	Cities(ctx context.Context) ([]domain.City, error)
	Measurements(ctx context.Context, limit int) ([]domain.Measurement, error)
	CitySummaries(ctx context.Context) ([]domain.CitySummary, error)
	DanglingFacts(ctx context.Context) (int, error)
	Close()
}

var (
	_ Store = (*postgres.Store)(nil)
	_ Store = (*sqlite.Store)(nil)

	_ pipeline.RunLocker = (*postgres.Store)(nil)
	_ pipeline.RunLocker = (*sqlite.Store)(nil)
)

// Open connects to the backend named by databaseURL and ensures the schema
// exists. postgres:// and postgresql:// URLs use PostgreSQL; sqlite:// and
// file: URLs use SQLite.
func Open(ctx context.Context, databaseURL string, logger *slog.Logger) (Store, error) {
	s, err := open(ctx, databaseURL, false, logger)
	if err != nil {
		return nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// OpenReadOnly connects for inspection only. The schema is not created, a
// missing SQLite file is an error, and the backend refuses writes.
func OpenReadOnly(ctx context.Context, databaseURL string, logger *slog.Logger) (Store, error) {
	return open(ctx, databaseURL, true, logger)
}

func open(ctx context.Context, databaseURL string, readOnly bool, logger *slog.Logger) (Store, error) {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		connect := postgres.New
		if readOnly {
			connect = postgres.NewReadOnly
		}
		s, err := connect(ctx, databaseURL, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case strings.HasPrefix(databaseURL, "sqlite://"), strings.HasPrefix(databaseURL, "file:"):
		openSQLite := sqlite.Open
		if readOnly {
			openSQLite = sqlite.OpenReadOnly
		}
		s, err := openSQLite(strings.TrimPrefix(databaseURL, "sqlite://"), logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported database URL scheme: %q", redact(databaseURL))
	}
}

// redact drops everything after the scheme so credentials never reach logs.
func redact(databaseURL string) string {
	if i := strings.Index(databaseURL, "://"); i >= 0 {
		return databaseURL[:i+3] + "..."
	}
	if len(databaseURL) > 8 {
		return databaseURL[:8] + "..."
	}
	return databaseURL
}
