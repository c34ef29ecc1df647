package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/weather-star-etl/internal/domain"
	"github.com/couchcryptid/weather-star-etl/internal/observability"
)

var (
	// ErrRunInProgress is returned when a run is requested while another one
	// holds the pipeline.
	ErrRunInProgress = errors.New("a run is already in progress")

	// ErrNoUsableRecords is returned when the source produced nothing that
	// survived normalization. The store is not touched.
	ErrNoUsableRecords = errors.New("no usable records fetched")
)

// Run statuses reported in RunResult and the runs_total metric.
const (
	StatusLoaded         = "loaded"
	StatusNoData         = "no_data"
	StatusFetchError     = "fetch_error"
	StatusTransformError = "transform_error"
	StatusLoadError      = "load_error"
)

// Source supplies raw readings for one run.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]domain.RawReading, error)
}

// Publisher fans loaded measurements out to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, runID string, cities []domain.City, facts []domain.Measurement) error
}

// RunResult summarizes one run.
type RunResult struct {
	RunID      string                        `json:"run_id"`
	Status     string                        `json:"status"`
	StartedAt  time.Time                     `json:"started_at"`
	Duration   time.Duration                 `json:"duration_ns"`
	Fetched    int                           `json:"fetched"`
	Normalized int                           `json:"normalized"`
	Rejected   []domain.MalformedRecordError `json:"rejected,omitempty"`
	Cities     int                           `json:"cities"`
	Facts      int                           `json:"facts"`
	Published  bool                          `json:"published"`
}

// Pipeline runs fetch, transform and load. At most one run is active at a
// time; the dimension replace of one run must never interleave with the fact
// append of another. A mutex serializes runs within the process and, when the
// store implements RunLocker, a store lock serializes them across processes.
type Pipeline struct {
	source    Source
	loader    *LoadCoordinator
	publisher Publisher
	logger    *slog.Logger
	metrics   *observability.Metrics
	clock     clockwork.Clock

	interval   time.Duration
	runOnStart bool

	mu    sync.Mutex
	ready atomic.Bool
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock sets the time source used for scheduling and run timestamps.
func WithClock(c clockwork.Clock) Option {
	return func(p *Pipeline) { p.clock = c }
}

// WithPublisher enables publishing of loaded measurements.
func WithPublisher(pub Publisher) Option {
	return func(p *Pipeline) { p.publisher = pub }
}

// WithSchedule sets the scheduler period and whether Run starts with an
// immediate run.
func WithSchedule(interval time.Duration, runOnStart bool) Option {
	return func(p *Pipeline) {
		p.interval = interval
		p.runOnStart = runOnStart
	}
}

// New creates a Pipeline with the given stages and observability.
func New(source Source, loader *LoadCoordinator, logger *slog.Logger, metrics *observability.Metrics, opts ...Option) *Pipeline {
	p := &Pipeline{
		source:     source,
		loader:     loader,
		logger:     logger,
		metrics:    metrics,
		clock:      clockwork.NewRealClock(),
		interval:   24 * time.Hour,
		runOnStart: true,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// CheckReadiness returns nil once a run has loaded data, or an error
// describing why the service is not yet ready.
func (p *Pipeline) CheckReadiness(_ context.Context) error {
	if !p.ready.Load() {
		return errors.New("pipeline has not loaded any batch yet")
	}
	return nil
}

// Run executes runs on the configured schedule until the context is cancelled.
// Failed runs are logged and the loop waits for the next tick.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("scheduler started", "interval", p.interval, "run_on_start", p.runOnStart)
	p.metrics.PipelineRunning.Set(1)
	defer p.metrics.PipelineRunning.Set(0)

	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	if p.runOnStart {
		p.scheduledRun(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("scheduler stopping", "reason", ctx.Err())
			return nil
		case <-ticker.Chan():
			p.scheduledRun(ctx)
		}
	}
}

func (p *Pipeline) scheduledRun(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	_, err := p.RunOnce(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrRunInProgress):
		p.logger.Warn("scheduled run skipped, previous run still active")
	case errors.Is(err, ErrNoUsableRecords):
		// Already logged by RunOnce.
	default:
		p.logger.Error("scheduled run failed", "error", err)
	}
}

// RunOnce performs a single fetch-transform-load run. It returns an error
// matching ErrRunInProgress without doing anything if another run is active
// in this process or, through the store lock, in another one.
func (p *Pipeline) RunOnce(ctx context.Context) (RunResult, error) {
	if !p.mu.TryLock() {
		p.metrics.RunsRejected.Inc()
		return RunResult{}, ErrRunInProgress
	}
	defer p.mu.Unlock()

	res := RunResult{
		RunID:     uuid.NewString(),
		StartedAt: p.clock.Now(),
	}
	logger := p.logger.With("run_id", res.RunID)

	release, err := p.loader.lockRun(ctx, res.RunID)
	if err != nil {
		if errors.Is(err, ErrRunInProgress) {
			p.metrics.RunsRejected.Inc()
			logger.Warn("run rejected", "reason", err)
			return RunResult{}, err
		}
		res.Status = StatusLoadError
		p.metrics.RunsTotal.WithLabelValues(res.Status).Inc()
		logger.Error("run lock failed", "error", err)
		return res, err
	}
	defer release()
	logger.Info("run started", "source", p.source.Name())

	err = p.run(ctx, &res, logger)

	res.Duration = p.clock.Since(res.StartedAt)
	p.metrics.RunsTotal.WithLabelValues(res.Status).Inc()
	p.metrics.RunDuration.Observe(res.Duration.Seconds())

	if err != nil {
		return res, err
	}
	p.ready.Store(true)
	logger.Info("run completed",
		"fetched", res.Fetched,
		"rejected", len(res.Rejected),
		"cities", res.Cities,
		"facts", res.Facts,
		"duration", res.Duration,
	)
	return res, nil
}

func (p *Pipeline) run(ctx context.Context, res *RunResult, logger *slog.Logger) error {
	raws, err := p.source.Fetch(ctx)
	if err != nil {
		res.Status = StatusFetchError
		logger.Error("fetch failed", "error", err)
		return &domain.FetchError{Source: p.source.Name(), Err: err}
	}
	res.Fetched = len(raws)
	p.metrics.RecordsFetched.Add(float64(len(raws)))

	batch, err := domain.TransformBatch(raws)
	if err != nil {
		res.Status = StatusTransformError
		logger.Error("transform failed", "error", err)
		return err
	}
	res.Normalized = len(batch.Readings)
	res.Rejected = batch.Rejected
	p.metrics.RecordsNormalized.Add(float64(len(batch.Readings)))
	p.metrics.RecordsMalformed.Add(float64(len(batch.Rejected)))

	for _, rec := range batch.Rejected {
		logger.Warn("malformed record dropped",
			"index", rec.Index,
			"city_name", rec.CityName,
			"country", rec.Country,
			"timestamp", rec.Timestamp,
			"reason", rec.Reason,
		)
	}

	if len(batch.Readings) == 0 {
		res.Status = StatusNoData
		logger.Warn("no usable records, store left untouched",
			"fetched", res.Fetched,
			"rejected", len(batch.Rejected),
		)
		return ErrNoUsableRecords
	}

	if err := p.loader.Load(ctx, batch.Cities, batch.Facts); err != nil {
		res.Status = StatusLoadError
		logger.Error("load failed", "error", err)
		return err
	}
	res.Status = StatusLoaded
	res.Cities = len(batch.Cities)
	res.Facts = len(batch.Facts)

	if p.publisher != nil {
		if err := p.publisher.Publish(ctx, res.RunID, batch.Cities, batch.Facts); err != nil {
			p.metrics.PublishErrors.Inc()
			logger.Warn("publish failed, store is already committed", "error", err)
		} else {
			res.Published = true
			p.metrics.MessagesPublished.Add(float64(len(batch.Facts)))
		}
	}
	return nil
}
