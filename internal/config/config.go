package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
	"github.com/joho/godotenv"

	"github.com/couchcryptid/weather-star-etl/internal/domain"
)

// Source names accepted in SOURCE.
const (
	SourceOpenWeather = "openweather"
	SourceFile        = "file"
)

const defaultCities = "London,GB;Paris,FR;Berlin,DE;Madrid,ES;Rome,IT"

// CityQuery names a location to request from the weather API.
type CityQuery = domain.CityKey

// Config holds all service settings, populated from environment variables.
type Config struct {
	DatabaseURL string

	Source     string
	SourceFile string
	Cities     []CityQuery

	OpenWeatherAPIKey  string
	OpenWeatherURL     string
	OpenWeatherTimeout time.Duration

	RunInterval time.Duration
	RunOnStart  bool
	LoadTimeout time.Duration

	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	// Optional fan-out of loaded measurements.
	KafkaEnabled   bool
	KafkaBrokers   []string
	KafkaSinkTopic string
}

// Load reads configuration from environment variables, applying defaults where
// unset. A .env file in the working directory is loaded first when present;
// variables already set in the environment win.
func Load() (*Config, error) {
	_ = godotenv.Load(".env")

	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	runInterval, err := parsePositiveDuration("RUN_INTERVAL", "24h")
	if err != nil {
		return nil, err
	}
	loadTimeout, err := parsePositiveDuration("LOAD_TIMEOUT", "60s")
	if err != nil {
		return nil, err
	}
	owTimeout, err := parsePositiveDuration("OPENWEATHER_TIMEOUT", "10s")
	if err != nil {
		return nil, err
	}

	cities, err := ParseCities(sharedcfg.EnvOrDefault("CITIES", defaultCities))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DatabaseURL: DatabaseURL(),

		Source:     strings.ToLower(sharedcfg.EnvOrDefault("SOURCE", SourceOpenWeather)),
		SourceFile: sharedcfg.EnvOrDefault("SOURCE_FILE", "data/mock/raw_readings.json"),
		Cities:     cities,

		OpenWeatherAPIKey:  os.Getenv("OPENWEATHER_API_KEY"),
		OpenWeatherURL:     sharedcfg.EnvOrDefault("OPENWEATHER_URL", "https://api.openweathermap.org/data/2.5/weather"),
		OpenWeatherTimeout: owTimeout,

		RunInterval: runInterval,
		RunOnStart:  parseBool("RUN_ON_START", true),
		LoadTimeout: loadTimeout,

		HTTPAddr:        sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,

		KafkaEnabled:   parseBool("KAFKA_ENABLED", false),
		KafkaBrokers:   sharedcfg.ParseBrokers(sharedcfg.EnvOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaSinkTopic: sharedcfg.EnvOrDefault("KAFKA_SINK_TOPIC", "weather-measurements"),
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL (or POSTGRES_HOST and friends) is required")
	}
	switch cfg.Source {
	case SourceOpenWeather:
		if cfg.OpenWeatherAPIKey == "" {
			return nil, errors.New("OPENWEATHER_API_KEY is required when SOURCE=openweather")
		}
		if len(cfg.Cities) == 0 {
			return nil, errors.New("CITIES must name at least one city")
		}
	case SourceFile:
		if cfg.SourceFile == "" {
			return nil, errors.New("SOURCE_FILE is required when SOURCE=file")
		}
	default:
		return nil, fmt.Errorf("invalid SOURCE %q (allowed: openweather, file)", cfg.Source)
	}
	if cfg.KafkaEnabled {
		if len(cfg.KafkaBrokers) == 0 {
			return nil, errors.New("KAFKA_BROKERS is required when KAFKA_ENABLED=true")
		}
		if cfg.KafkaSinkTopic == "" {
			return nil, errors.New("KAFKA_SINK_TOPIC is required when KAFKA_ENABLED=true")
		}
	}

	return cfg, nil
}

// ParseCities parses "Name,CC;Name,CC" into city queries. Empty entries are
// skipped.
func ParseCities(s string) ([]CityQuery, error) {
	var out []CityQuery
	for _, entry := range strings.Split(s, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, country, ok := strings.Cut(entry, ",")
		name, country = strings.TrimSpace(name), strings.TrimSpace(country)
		if !ok || name == "" || country == "" {
			return nil, fmt.Errorf("invalid CITIES entry %q (want Name,CC)", entry)
		}
		out = append(out, CityQuery{Name: name, Country: country})
	}
	return out, nil
}

// DatabaseURL prefers DATABASE_URL and otherwise assembles a Postgres URL from
// the POSTGRES_* variables used by the docker-compose setup.
func DatabaseURL() string {
	if v := strings.TrimSpace(os.Getenv("DATABASE_URL")); v != "" {
		return v
	}
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		return ""
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(os.Getenv("POSTGRES_USER"), os.Getenv("POSTGRES_PASSWORD")),
		Host:   net.JoinHostPort(host, sharedcfg.EnvOrDefault("POSTGRES_PORT", "5432")),
		Path:   "/" + os.Getenv("POSTGRES_DB"),
	}
	return u.String()
}

func parsePositiveDuration(key, def string) (time.Duration, error) {
	d, err := time.ParseDuration(sharedcfg.EnvOrDefault(key, def))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return d, nil
}

func parseBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v == "1" || strings.EqualFold(v, "true")
}
