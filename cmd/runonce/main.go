// Command runonce performs a single fetch-transform-load run using the same
// environment configuration as the service, prints the run result as JSON,
// and exits non-zero if the run failed. It is safe to run next to the
// service: the store's run lock rejects the run while another process is
// loading.
//
// Usage:
//
//	go run ./cmd/runonce
//	SOURCE=file SOURCE_FILE=data/mock/raw_readings.json DATABASE_URL=sqlite://weather.db go run ./cmd/runonce
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	kafkaadapter "github.com/couchcryptid/weather-star-etl/internal/adapter/kafka"
	"github.com/couchcryptid/weather-star-etl/internal/config"
	"github.com/couchcryptid/weather-star-etl/internal/observability"
	"github.com/couchcryptid/weather-star-etl/internal/pipeline"
	"github.com/couchcryptid/weather-star-etl/internal/source"
	"github.com/couchcryptid/weather-star-etl/internal/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return 1
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		return 1
	}
	defer db.Close()

	src, err := source.New(cfg, logger, metrics)
	if err != nil {
		logger.Error("failed to create source", "error", err)
		return 1
	}

	var opts []pipeline.Option
	if cfg.KafkaEnabled {
		publisher := kafkaadapter.NewPublisher(cfg, logger)
		defer publisher.Close()
		opts = append(opts, pipeline.WithPublisher(publisher))
	}

	loader := pipeline.NewLoadCoordinator(db, cfg.LoadTimeout, logger, metrics)
	p := pipeline.New(src, loader, logger, metrics, opts...)

	res, runErr := p.RunOnce(ctx)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		logger.Error("failed to encode result", "error", err)
	}

	switch {
	case errors.Is(runErr, pipeline.ErrRunInProgress):
		logger.Warn("run rejected, another run holds the store", "error", runErr)
		return 1
	case runErr != nil:
		logger.Error("run failed", "status", res.Status, "error", runErr)
		return 1
	}
	return 0
}
