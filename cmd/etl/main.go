package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	httpadapter "github.com/couchcryptid/weather-star-etl/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/weather-star-etl/internal/adapter/kafka"
	"github.com/couchcryptid/weather-star-etl/internal/config"
	"github.com/couchcryptid/weather-star-etl/internal/observability"
	"github.com/couchcryptid/weather-star-etl/internal/pipeline"
	"github.com/couchcryptid/weather-star-etl/internal/source"
	"github.com/couchcryptid/weather-star-etl/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	src, err := source.New(cfg, logger, metrics)
	if err != nil {
		logger.Error("failed to create source", "error", err)
		os.Exit(1)
	}

	opts := []pipeline.Option{pipeline.WithSchedule(cfg.RunInterval, cfg.RunOnStart)}

	// Fact fan-out is feature-flagged via KAFKA_ENABLED.
	var publisher *kafkaadapter.Publisher
	if cfg.KafkaEnabled {
		publisher = kafkaadapter.NewPublisher(cfg, logger)
		opts = append(opts, pipeline.WithPublisher(publisher))
		logger.Info("kafka publishing enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaSinkTopic)
	} else {
		logger.Info("kafka publishing disabled")
	}

	loader := pipeline.NewLoadCoordinator(db, cfg.LoadTimeout, logger, metrics)
	p := pipeline.New(src, loader, logger, metrics, opts...)

	// POST /runs answers only after the load commits.
	writeTimeout := httpadapter.RunWriteTimeout(source.FetchBudget(src), cfg.LoadTimeout)
	srv := httpadapter.NewServer(cfg.HTTPAddr, p, logger, httpadapter.WithWriteTimeout(writeTimeout))

	// Start HTTP server.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	// Start the scheduler.
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := p.Run(ctx); err != nil {
			logger.Error("pipeline error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	// Wait for an in-flight run to unwind before the pool is closed.
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn("scheduler did not stop before shutdown timeout")
	}

	if publisher != nil {
		if err := publisher.Close(); err != nil {
			logger.Error("kafka publisher close error", "error", err)
		}
	}

	logger.Info("shutdown complete")
}
