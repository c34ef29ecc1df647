package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/weather-star-etl/internal/domain"
	"github.com/couchcryptid/weather-star-etl/internal/observability"
)

// Load operation names, used in LoadError.Op and metric labels.
const (
	OpRunLock          = "run_lock"
	OpReplaceDimension = "replace_dimension"
	OpAppendFacts      = "append_facts"
)

// Store is the relational store the star schema is written to.
type Store interface {
	// ReplaceDimension atomically swaps the full contents of the cities
	// table. On error the previous rows must be left in place.
	ReplaceDimension(ctx context.Context, cities []domain.City) error
	// AppendFacts inserts measurement rows without checking for existing ones.
	AppendFacts(ctx context.Context, facts []domain.Measurement) error
}

// RunLocker is implemented by stores that can serialize runs across every
// process sharing the database.
type RunLocker interface {
	// TryLockRun takes the store-wide run lock for owner without waiting. It
	// reports false when another holder has it. The returned func releases
	// the lock.
	TryLockRun(ctx context.Context, owner string) (release func(), ok bool, err error)
}

// LoadCoordinator writes a transformed batch to the store: dimension first,
// facts second.
type LoadCoordinator struct {
	store   Store
	timeout time.Duration
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewLoadCoordinator creates a LoadCoordinator. A zero timeout disables the
// load deadline.
func NewLoadCoordinator(store Store, timeout time.Duration, logger *slog.Logger, metrics *observability.Metrics) *LoadCoordinator {
	return &LoadCoordinator{
		store:   store,
		timeout: timeout,
		logger:  logger,
		metrics: metrics,
	}
}

// Load replaces the dimension and, only once that has committed, appends the
// facts. Errors are *domain.LoadError. A failed replace leaves the previous
// dimension intact and no facts are written.
func (c *LoadCoordinator) Load(ctx context.Context, cities []domain.City, facts []domain.Measurement) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	if err := c.timed(OpReplaceDimension, func() error {
		return c.store.ReplaceDimension(ctx, cities)
	}); err != nil {
		return err
	}
	c.metrics.CitiesLoaded.Set(float64(len(cities)))
	c.logger.Debug("dimension replaced", "cities", len(cities))

	if len(facts) == 0 {
		return nil
	}

	if err := c.timed(OpAppendFacts, func() error {
		return c.store.AppendFacts(ctx, facts)
	}); err != nil {
		return err
	}
	c.metrics.FactsAppended.Add(float64(len(facts)))
	c.logger.Debug("facts appended", "facts", len(facts))
	return nil
}

// lockRun takes the store's run lock when the store has one. It returns
// ErrRunInProgress when another process holds it.
func (c *LoadCoordinator) lockRun(ctx context.Context, owner string) (func(), error) {
	locker, ok := c.store.(RunLocker)
	if !ok {
		return func() {}, nil
	}
	release, locked, err := locker.TryLockRun(ctx, owner)
	if err != nil {
		c.metrics.LoadErrors.WithLabelValues(OpRunLock).Inc()
		return nil, &domain.LoadError{Op: OpRunLock, Err: err}
	}
	if !locked {
		return nil, fmt.Errorf("store run lock held elsewhere: %w", ErrRunInProgress)
	}
	return release, nil
}

func (c *LoadCoordinator) timed(op string, fn func() error) error {
	start := time.Now()
	err := fn()
	c.metrics.LoadDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		c.metrics.LoadErrors.WithLabelValues(op).Inc()
		return &domain.LoadError{Op: op, Err: err}
	}
	return nil
}
