// Command report prints the cities dimension, the first weather measurements
// and a per-city aggregate in a psql-like layout. It reads DATABASE_URL (or
// the POSTGRES_* variables) the same way the service does and never writes
// rows.
//
// Usage:
//
//	go run ./cmd/report -limit 10
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
	"github.com/joho/godotenv"

	"github.com/couchcryptid/weather-star-etl/internal/config"
	"github.com/couchcryptid/weather-star-etl/internal/report"
	"github.com/couchcryptid/weather-star-etl/internal/store"
)

func main() {
	limit := flag.Int("limit", 10, "number of measurement rows to print")
	dbURL := flag.String("database-url", "", "store URL (defaults to DATABASE_URL)")
	flag.Parse()

	_ = godotenv.Load(".env")
	if *dbURL == "" {
		*dbURL = config.DatabaseURL()
	}
	if *dbURL == "" {
		fmt.Fprintln(os.Stderr, "report: DATABASE_URL, POSTGRES_HOST or -database-url is required")
		os.Exit(2)
	}

	if err := run(*dbURL, sharedcfg.EnvOrDefault("POSTGRES_USER", "postgres"), *limit); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(dbURL, owner string, limit int) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := store.OpenReadOnly(ctx, dbURL, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	return report.Write(ctx, os.Stdout, db, owner, limit)
}
