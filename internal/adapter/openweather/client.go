// Package openweather fetches current conditions for a list of cities from
// the OpenWeatherMap current-weather API.
package openweather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/couchcryptid/weather-star-etl/internal/domain"
	"github.com/couchcryptid/weather-star-etl/internal/observability"
)

// DefaultURL is the OpenWeatherMap current-weather endpoint.
const DefaultURL = "https://api.openweathermap.org/data/2.5/weather"

var (
	ErrInvalidAPIKey    = errors.New("invalid API key")
	ErrLocationNotFound = errors.New("location not found")
	ErrRateLimited      = errors.New("rate limited")
	ErrUpstreamFailure  = errors.New("upstream failure")
)

// Client implements pipeline.Source against the OpenWeatherMap API.
type Client struct {
	apiKey     string
	baseURL    string
	cities     []domain.CityKey
	httpClient *http.Client
	metrics    *observability.Metrics
	logger     *slog.Logger

	maxRetries     uint64
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithRetry overrides the retry budget and backoff bounds.
func WithRetry(maxRetries uint64, initial, maxDelay time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.initialBackoff = initial
		c.maxBackoff = maxDelay
	}
}

// NewClient creates a client that requests every city in cities on each Fetch.
func NewClient(apiKey, baseURL string, timeout time.Duration, cities []domain.CityKey, logger *slog.Logger, metrics *observability.Metrics, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: API key is required", ErrInvalidAPIKey)
	}
	if baseURL == "" {
		baseURL = DefaultURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}

	c := &Client{
		apiKey:         apiKey,
		baseURL:        baseURL,
		cities:         cities,
		httpClient:     &http.Client{Timeout: timeout},
		metrics:        metrics,
		logger:         logger,
		maxRetries:     3,
		initialBackoff: 250 * time.Millisecond,
		maxBackoff:     5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Name identifies the source in logs and errors.
func (c *Client) Name() string { return "openweather" }

// MaxFetchDuration is the worst-case wall time of one Fetch: every attempt
// of every city hitting the request timeout with the backoff at its cap.
func (c *Client) MaxFetchDuration() time.Duration {
	attempts := time.Duration(c.maxRetries + 1)
	perCity := attempts*c.httpClient.Timeout + time.Duration(c.maxRetries)*c.maxBackoff
	return time.Duration(len(c.cities)) * perCity
}

// Fetch requests current conditions for every configured city. Unknown
// cities are skipped. An invalid API key aborts the fetch. Otherwise an
// error is returned only when no city produced a reading.
func (c *Client) Fetch(ctx context.Context) ([]domain.RawReading, error) {
	readings := make([]domain.RawReading, 0, len(c.cities))
	var errs []error

	for _, city := range c.cities {
		r, err := c.fetchCity(ctx, city)
		switch {
		case err == nil:
			readings = append(readings, r)
		case errors.Is(err, ErrInvalidAPIKey):
			return nil, err
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, ErrLocationNotFound):
			c.logger.Warn("city not found, skipping", "city", city.String())
			errs = append(errs, fmt.Errorf("%s: %w", city, err))
		default:
			c.logger.Error("city fetch failed", "city", city.String(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", city, err))
		}
	}

	if len(readings) == 0 && len(errs) > 0 {
		return nil, fmt.Errorf("all %d cities failed: %w", len(errs), errors.Join(errs...))
	}
	return readings, nil
}

func (c *Client) fetchCity(ctx context.Context, city domain.CityKey) (domain.RawReading, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialBackoff
	b.MaxInterval = c.maxBackoff
	b.MaxElapsedTime = 0

	var reading domain.RawReading
	op := func() error {
		r, err := c.callAPI(ctx, city)
		if err != nil {
			if !isRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		reading = r
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.metrics.SourceRetries.Inc()
		c.logger.Debug("retrying weather request", "city", city.String(), "wait", wait, "error", err)
	}

	err := backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(b, c.maxRetries), ctx), notify)
	return reading, err
}

func (c *Client) callAPI(ctx context.Context, city domain.CityKey) (domain.RawReading, error) {
	start := time.Now()

	req, err := c.buildRequest(ctx, city)
	if err != nil {
		return domain.RawReading{}, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe("error", start)
		return domain.RawReading{}, fmt.Errorf("weather request: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		c.observe(statusLabel(err), start)
		return domain.RawReading{}, err
	}

	var body response
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		c.observe("error", start)
		return domain.RawReading{}, fmt.Errorf("decode response: %w", err)
	}
	c.observe("ok", start)
	return body.toRawReading(city), nil
}

func (c *Client) buildRequest(ctx context.Context, city domain.CityKey) (*http.Request, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}
	params := url.Values{
		"q":     {city.Name + "," + city.Country},
		"appid": {c.apiKey},
		"units": {"metric"},
	}
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) observe(status string, start time.Time) {
	c.metrics.SourceRequests.WithLabelValues(status).Inc()
	c.metrics.SourceRequestDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
}

func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrInvalidAPIKey
	case resp.StatusCode == http.StatusNotFound:
		return ErrLocationNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body)
	}
	return nil
}

// isRetryable reports whether a failed call may succeed if repeated:
// rate limiting, 5xx and transport errors such as timeouts.
func isRetryable(err error) bool {
	switch {
	case errors.Is(err, ErrRateLimited), errors.Is(err, ErrUpstreamFailure):
		return true
	case errors.Is(err, ErrInvalidAPIKey), errors.Is(err, ErrLocationNotFound):
		return false
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

func statusLabel(err error) string {
	switch {
	case errors.Is(err, ErrInvalidAPIKey):
		return "unauthorized"
	case errors.Is(err, ErrLocationNotFound):
		return "not_found"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrUpstreamFailure):
		return "upstream_error"
	default:
		return "error"
	}
}
