// Package source builds the configured raw-reading source.
package source

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/weather-star-etl/internal/adapter/jsonfile"
	"github.com/couchcryptid/weather-star-etl/internal/adapter/openweather"
	"github.com/couchcryptid/weather-star-etl/internal/config"
	"github.com/couchcryptid/weather-star-etl/internal/observability"
	"github.com/couchcryptid/weather-star-etl/internal/pipeline"
)

// New returns the source selected by cfg.Source.
func New(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) (pipeline.Source, error) {
	switch cfg.Source {
	case config.SourceOpenWeather:
		c, err := openweather.NewClient(cfg.OpenWeatherAPIKey, cfg.OpenWeatherURL, cfg.OpenWeatherTimeout, cfg.Cities, logger, metrics)
		if err != nil {
			return nil, err
		}
		return c, nil
	case config.SourceFile:
		return jsonfile.NewSource(cfg.SourceFile), nil
	default:
		return nil, fmt.Errorf("unknown source %q", cfg.Source)
	}
}

// FetchBudget reports how long one Fetch of src may take at most, or zero
// when the source does not bound it.
func FetchBudget(src pipeline.Source) time.Duration {
	if b, ok := src.(interface{ MaxFetchDuration() time.Duration }); ok {
		return b.MaxFetchDuration()
	}
	return 0
}
