package pipeline_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/weather-star-etl/internal/domain"
	"github.com/couchcryptid/weather-star-etl/internal/observability"
	"github.com/couchcryptid/weather-star-etl/internal/pipeline"
)

// --- mocks ---

type mockSource struct {
	readings []domain.RawReading
	err      error
	calls    atomic.Int64
	fetched  chan struct{} // receives after each fetch when non-nil
	block    chan struct{} // fetch waits on it when non-nil
}

func (m *mockSource) Name() string { return "mock" }

func (m *mockSource) Fetch(ctx context.Context) ([]domain.RawReading, error) {
	m.calls.Add(1)
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.fetched != nil {
		m.fetched <- struct{}{}
	}
	return m.readings, m.err
}

type mockStore struct {
	mu         sync.Mutex
	ops        []string
	cities     []domain.City
	facts      []domain.Measurement
	replaceErr error
	appendErr  error
	waitCtx    bool // block until the context is done
}

func (m *mockStore) ReplaceDimension(ctx context.Context, cities []domain.City) error {
	if m.waitCtx {
		<-ctx.Done()
		return ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, pipeline.OpReplaceDimension)
	if m.replaceErr != nil {
		return m.replaceErr
	}
	m.cities = append([]domain.City(nil), cities...)
	return nil
}

func (m *mockStore) AppendFacts(_ context.Context, facts []domain.Measurement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, pipeline.OpAppendFacts)
	if m.appendErr != nil {
		return m.appendErr
	}
	m.facts = append(m.facts, facts...)
	return nil
}

func (m *mockStore) snapshot() ([]string, []domain.City, []domain.Measurement) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.ops...), m.cities, m.facts
}

// lockingStore is a mockStore whose run lock can be held by someone else.
type lockingStore struct {
	mockStore
	heldElsewhere bool
	lockErr       error
	owners        []string
	released      int
}

func (m *lockingStore) TryLockRun(_ context.Context, owner string) (func(), bool, error) {
	if m.lockErr != nil {
		return nil, false, m.lockErr
	}
	if m.heldElsewhere {
		return nil, false, nil
	}
	m.owners = append(m.owners, owner)
	return func() { m.released++ }, true, nil
}

type mockPublisher struct {
	runID string
	facts int
	err   error
}

func (m *mockPublisher) Publish(_ context.Context, runID string, _ []domain.City, facts []domain.Measurement) error {
	m.runID = runID
	m.facts = len(facts)
	return m.err
}

// --- helpers ---

func f64(v float64) *float64 { return &v }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func scenarioReadings() []domain.RawReading {
	return []domain.RawReading{
		{
			CityName: "Paris", Country: "FR", Latitude: f64(48.85), Longitude: f64(2.35),
			Timestamp: "2024-01-01T10:00:00Z", Temperature: f64(10.34), Humidity: f64(80), Pressure: f64(1012), WindSpeed: f64(5.0),
		},
		{
			CityName: "Berlin", Country: "DE", Latitude: f64(52.52), Longitude: f64(13.40),
			Timestamp: "2024-01-01T11:00:00Z", Temperature: f64(9.0), Humidity: f64(70), Pressure: f64(1010), WindSpeed: f64(3.0),
		},
	}
}

func newTestPipeline(src pipeline.Source, store pipeline.Store, opts ...pipeline.Option) *pipeline.Pipeline {
	metrics := observability.NewMetricsForTesting()
	loader := pipeline.NewLoadCoordinator(store, time.Second, discardLogger(), metrics)
	return pipeline.New(src, loader, discardLogger(), metrics, opts...)
}

// --- tests ---

func TestRunOnce_HappyPath(t *testing.T) {
	src := &mockSource{readings: scenarioReadings()}
	store := &mockStore{}
	p := newTestPipeline(src, store)

	require.Error(t, p.CheckReadiness(context.Background()))

	res, err := p.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, pipeline.StatusLoaded, res.Status)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, 2, res.Fetched)
	assert.Equal(t, 2, res.Normalized)
	assert.Equal(t, 2, res.Cities)
	assert.Equal(t, 2, res.Facts)
	assert.Empty(t, res.Rejected)
	assert.False(t, res.Published)

	ops, cities, facts := store.snapshot()
	assert.Equal(t, []string{pipeline.OpReplaceDimension, pipeline.OpAppendFacts}, ops)
	assert.Equal(t, []domain.City{
		{ID: 1, Name: "Berlin", Country: "DE", Latitude: 52.52, Longitude: 13.40},
		{ID: 2, Name: "Paris", Country: "FR", Latitude: 48.85, Longitude: 2.35},
	}, cities)
	assert.Equal(t, []domain.Measurement{
		{Date: "2024-01-01", Time: "10:00:00", CityID: 2, Temperature: 10.3, Humidity: 80, Pressure: 1012, WindSpeed: 18.0},
		{Date: "2024-01-01", Time: "11:00:00", CityID: 1, Temperature: 9.0, Humidity: 70, Pressure: 1010, WindSpeed: 10.8},
	}, facts)

	assert.NoError(t, p.CheckReadiness(context.Background()))
}

func TestRunOnce_MalformedRecordsDropped(t *testing.T) {
	readings := scenarioReadings()
	readings = append(readings, domain.RawReading{CityName: "Oslo", Country: "NO", Timestamp: "garbage"})

	store := &mockStore{}
	p := newTestPipeline(&mockSource{readings: readings}, store)

	res, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Fetched)
	assert.Equal(t, 2, res.Normalized)
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, 2, res.Rejected[0].Index)
	assert.Equal(t, "Oslo", res.Rejected[0].CityName)

	_, cities, _ := store.snapshot()
	assert.Len(t, cities, 2)
}

func TestRunOnce_FetchError(t *testing.T) {
	store := &mockStore{}
	p := newTestPipeline(&mockSource{err: errors.New("api down")}, store)

	res, err := p.RunOnce(context.Background())
	require.Error(t, err)

	var fetchErr *domain.FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, "mock", fetchErr.Source)
	assert.Equal(t, pipeline.StatusFetchError, res.Status)

	ops, _, _ := store.snapshot()
	assert.Empty(t, ops)
	assert.Error(t, p.CheckReadiness(context.Background()))
}

func TestRunOnce_NoUsableRecords(t *testing.T) {
	tests := []struct {
		name     string
		readings []domain.RawReading
	}{
		{"empty source", nil},
		{"all malformed", []domain.RawReading{{CityName: "Paris"}, {Country: "DE"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &mockStore{}
			p := newTestPipeline(&mockSource{readings: tt.readings}, store)

			res, err := p.RunOnce(context.Background())
			require.ErrorIs(t, err, pipeline.ErrNoUsableRecords)
			assert.Equal(t, pipeline.StatusNoData, res.Status)
			assert.Len(t, res.Rejected, len(tt.readings))

			ops, _, _ := store.snapshot()
			assert.Empty(t, ops, "store must not be touched")
		})
	}
}

func TestRunOnce_ReplaceFailureSkipsAppend(t *testing.T) {
	store := &mockStore{replaceErr: errors.New("deadlock detected")}
	p := newTestPipeline(&mockSource{readings: scenarioReadings()}, store)

	res, err := p.RunOnce(context.Background())
	require.Error(t, err)

	var loadErr *domain.LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, pipeline.OpReplaceDimension, loadErr.Op)
	assert.Equal(t, pipeline.StatusLoadError, res.Status)

	ops, _, facts := store.snapshot()
	assert.Equal(t, []string{pipeline.OpReplaceDimension}, ops)
	assert.Empty(t, facts)
}

func TestRunOnce_AppendFailure(t *testing.T) {
	store := &mockStore{appendErr: errors.New("disk full")}
	p := newTestPipeline(&mockSource{readings: scenarioReadings()}, store)

	_, err := p.RunOnce(context.Background())

	var loadErr *domain.LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, pipeline.OpAppendFacts, loadErr.Op)
	assert.Contains(t, err.Error(), "disk full")
}

func TestRunOnce_LoadTimeout(t *testing.T) {
	store := &mockStore{waitCtx: true}
	metrics := observability.NewMetricsForTesting()
	loader := pipeline.NewLoadCoordinator(store, 20*time.Millisecond, discardLogger(), metrics)
	p := pipeline.New(&mockSource{readings: scenarioReadings()}, loader, discardLogger(), metrics)

	_, err := p.RunOnce(context.Background())

	var loadErr *domain.LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, pipeline.OpReplaceDimension, loadErr.Op)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunOnce_RejectsOverlappingRun(t *testing.T) {
	src := &mockSource{readings: scenarioReadings(), block: make(chan struct{})}
	store := &mockStore{}
	p := newTestPipeline(src, store)

	done := make(chan error, 1)
	go func() {
		_, err := p.RunOnce(context.Background())
		done <- err
	}()

	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)

	_, err := p.RunOnce(context.Background())
	require.ErrorIs(t, err, pipeline.ErrRunInProgress)

	close(src.block)
	require.NoError(t, <-done)

	// The pipeline is free again once the first run finishes.
	_, err = p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), src.calls.Load())
}

func TestRunOnce_Publishes(t *testing.T) {
	pub := &mockPublisher{}
	p := newTestPipeline(&mockSource{readings: scenarioReadings()}, &mockStore{}, pipeline.WithPublisher(pub))

	res, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Published)
	assert.Equal(t, res.RunID, pub.runID)
	assert.Equal(t, 2, pub.facts)
}

func TestRunOnce_PublishFailureDoesNotFailRun(t *testing.T) {
	pub := &mockPublisher{err: errors.New("broker unavailable")}
	p := newTestPipeline(&mockSource{readings: scenarioReadings()}, &mockStore{}, pipeline.WithPublisher(pub))

	res, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusLoaded, res.Status)
	assert.False(t, res.Published)
}

func TestRunOnce_UsesClock(t *testing.T) {
	start := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	fake := clockwork.NewFakeClockAt(start)
	p := newTestPipeline(&mockSource{readings: scenarioReadings()}, &mockStore{}, pipeline.WithClock(fake))

	res, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, start, res.StartedAt)
	assert.Equal(t, time.Duration(0), res.Duration)
}

func TestRun_Schedule(t *testing.T) {
	fake := clockwork.NewFakeClock()
	src := &mockSource{readings: scenarioReadings(), fetched: make(chan struct{}, 4)}
	store := &mockStore{}
	p := newTestPipeline(src, store, pipeline.WithClock(fake), pipeline.WithSchedule(time.Hour, true))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()

	// Immediate run on start.
	<-src.fetched
	require.NoError(t, fake.BlockUntilContext(ctx, 1))

	fake.Advance(time.Hour)
	<-src.fetched

	cancel()
	require.NoError(t, <-errCh)

	_, _, facts := store.snapshot()
	assert.Len(t, facts, 4, "facts from both runs accumulate")
}

func TestRun_NoRunOnStart(t *testing.T) {
	fake := clockwork.NewFakeClock()
	src := &mockSource{readings: scenarioReadings(), fetched: make(chan struct{}, 1)}
	p := newTestPipeline(src, &mockStore{}, pipeline.WithClock(fake), pipeline.WithSchedule(time.Minute, false))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()

	require.NoError(t, fake.BlockUntilContext(ctx, 1))
	assert.Equal(t, int64(0), src.calls.Load())

	fake.Advance(time.Minute)
	<-src.fetched

	cancel()
	require.NoError(t, <-errCh)
	assert.Equal(t, int64(1), src.calls.Load())
}

func TestRun_ContextCancellation(t *testing.T) {
	src := &mockSource{readings: scenarioReadings()}
	p := newTestPipeline(src, &mockStore{}, pipeline.WithClock(clockwork.NewFakeClock()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, p.Run(ctx))
	assert.Equal(t, int64(0), src.calls.Load())
}

func TestLoad_EmptySetsOnlyReplaceDimension(t *testing.T) {
	store := &mockStore{cities: []domain.City{{ID: 1, Name: "Paris", Country: "FR"}}}
	loader := pipeline.NewLoadCoordinator(store, time.Second, discardLogger(), observability.NewMetricsForTesting())

	require.NoError(t, loader.Load(context.Background(), nil, nil))

	ops, cities, facts := store.snapshot()
	assert.Equal(t, []string{pipeline.OpReplaceDimension}, ops, "facts are never appended for an empty batch")
	assert.Empty(t, cities)
	assert.Empty(t, facts)
}

func TestRunOnce_StoreLockHeldElsewhere(t *testing.T) {
	src := &mockSource{readings: scenarioReadings()}
	store := &lockingStore{heldElsewhere: true}
	p := newTestPipeline(src, store)

	_, err := p.RunOnce(context.Background())
	require.ErrorIs(t, err, pipeline.ErrRunInProgress)

	assert.Zero(t, src.calls.Load(), "fetch must not start without the lock")
	ops, _, _ := store.snapshot()
	assert.Empty(t, ops)
	require.Error(t, p.CheckReadiness(context.Background()))
}

func TestRunOnce_StoreLockReleasedAfterRun(t *testing.T) {
	store := &lockingStore{}
	p := newTestPipeline(&mockSource{readings: scenarioReadings()}, store)

	res, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{res.RunID}, store.owners)
	assert.Equal(t, 1, store.released)

	// Failed runs release too.
	store.replaceErr = errors.New("disk full")
	_, err = p.RunOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, 2, store.released)
}

func TestRunOnce_StoreLockError(t *testing.T) {
	src := &mockSource{readings: scenarioReadings()}
	store := &lockingStore{lockErr: errors.New("connection refused")}
	p := newTestPipeline(src, store)

	res, err := p.RunOnce(context.Background())
	var loadErr *domain.LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, pipeline.OpRunLock, loadErr.Op)
	assert.Equal(t, pipeline.StatusLoadError, res.Status)
	assert.Zero(t, src.calls.Load())
}
