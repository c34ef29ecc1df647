// Package postgres stores the star schema in PostgreSQL using a pgx pool.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/couchcryptid/weather-star-etl/internal/adapter/sqlscript"
	"github.com/couchcryptid/weather-star-etl/internal/domain"
)

//go:embed sql/schema.sql
var schemaSQL string

var cityColumns = []string{"city_id", "city_name", "country", "latitude", "longitude"}

// runLockKey identifies the session-level advisory lock that serializes runs
// across every process sharing the database.
const runLockKey int64 = 0x7765617468657201

const (
	insertMeasurementSQL = `INSERT INTO weather_measurements (date, time, city_id, temperature, humidity, pressure, wind_speed)
VALUES ($1,$2,$3,$4,$5,$6,$7)`

	selectCitiesSQL = `SELECT city_id, city_name, country, latitude, longitude FROM cities ORDER BY city_id`

	selectMeasurementsSQL = `SELECT date, time, city_id, temperature, humidity, pressure, wind_speed
FROM weather_measurements ORDER BY date, time, city_id LIMIT $1`

	selectCitySummariesSQL = `SELECT c.city_name, AVG(w.temperature), AVG(w.humidity), COUNT(*)
FROM weather_measurements w
JOIN cities c ON w.city_id = c.city_id
GROUP BY c.city_name
ORDER BY c.city_name`

	countDanglingFactsSQL = `SELECT COUNT(*) FROM weather_measurements w
LEFT JOIN cities c ON c.city_id = w.city_id
WHERE c.city_id IS NULL`
)

// Store implements the star-schema store on PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New connects to databaseURL and verifies the connection.
func New(ctx context.Context, databaseURL string, logger *slog.Logger) (*Store, error) {
	return connect(ctx, databaseURL, false, logger)
}

// NewReadOnly connects with every session defaulting to read-only
// transactions, so writes and DDL are refused by the server.
func NewReadOnly(ctx context.Context, databaseURL string, logger *slog.Logger) (*Store, error) {
	return connect(ctx, databaseURL, true, logger)
}

func connect(ctx context.Context, databaseURL string, readOnly bool, logger *slog.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres config: %w", err)
	}
	if readOnly {
		cfg.ConnConfig.RuntimeParams["default_transaction_read_only"] = "on"
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return &Store{pool: pool, logger: logger}, nil
}

// Close closes all pool connections.
func (s *Store) Close() {
	s.pool.Close()
}

// EnsureSchema creates the cities and weather_measurements tables if missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range sqlscript.Statements(schemaSQL) {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// ReplaceDimension swaps the contents of cities inside one transaction.
// Concurrent readers see either the old or the new rows, never a mix.
func (s *Store) ReplaceDimension(ctx context.Context, cities []domain.City) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			s.rollback(ctx, tx)
		}
	}()

	if _, err = tx.Exec(ctx, `DELETE FROM cities`); err != nil {
		return fmt.Errorf("clear cities: %w", err)
	}

	rows := make([][]any, len(cities))
	for i, c := range cities {
		rows[i] = []any{int32(c.ID), c.Name, c.Country, c.Latitude, c.Longitude}
	}
	n, err := tx.CopyFrom(ctx, pgx.Identifier{"cities"}, cityColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("copy cities: %w", err)
	}
	if int(n) != len(cities) {
		err = fmt.Errorf("copy cities: wrote %d of %d rows", n, len(cities))
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// AppendFacts inserts measurement rows. The batch is queued on one
// transaction and committed as a whole.
func (s *Store) AppendFacts(ctx context.Context, facts []domain.Measurement) (err error) {
	if len(facts) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, m := range facts {
		date, tod, err := encodeDateTime(m)
		if err != nil {
			return err
		}
		batch.Queue(insertMeasurementSQL, date, tod, int32(m.CityID), m.Temperature, m.Humidity, m.Pressure, m.WindSpeed)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			s.rollback(ctx, tx)
		}
	}()

	res := tx.SendBatch(ctx, batch)
	for range facts {
		if _, err = res.Exec(); err != nil {
			_ = res.Close()
			return fmt.Errorf("insert measurement: %w", err)
		}
	}
	if err = res.Close(); err != nil {
		return fmt.Errorf("close batch: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Cities returns the dimension ordered by city_id.
func (s *Store) Cities(ctx context.Context) ([]domain.City, error) {
	rows, err := s.pool.Query(ctx, selectCitiesSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.City
	for rows.Next() {
		var c domain.City
		if err := rows.Scan(&c.ID, &c.Name, &c.Country, &c.Latitude, &c.Longitude); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Measurements returns up to limit facts ordered by date and time.
func (s *Store) Measurements(ctx context.Context, limit int) ([]domain.Measurement, error) {
	rows, err := s.pool.Query(ctx, selectMeasurementsSQL, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Measurement
	for rows.Next() {
		var (
			m    domain.Measurement
			date time.Time
			tod  pgtype.Time
		)
		if err := rows.Scan(&date, &tod, &m.CityID, &m.Temperature, &m.Humidity, &m.Pressure, &m.WindSpeed); err != nil {
			return nil, err
		}
		m.Date = date.Format(domain.DateLayout)
		m.Time = formatTimeOfDay(tod)
		out = append(out, m)
	}
	return out, rows.Err()
}

// CitySummaries aggregates stored facts per city name.
func (s *Store) CitySummaries(ctx context.Context) ([]domain.CitySummary, error) {
	rows, err := s.pool.Query(ctx, selectCitySummariesSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.CitySummary
	for rows.Next() {
		var cs domain.CitySummary
		if err := rows.Scan(&cs.CityName, &cs.AvgTemperature, &cs.AvgHumidity, &cs.MeasurementCount); err != nil {
			return nil, err
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}

// DanglingFacts counts facts whose city_id has no row in cities.
func (s *Store) DanglingFacts(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, countDanglingFactsSQL).Scan(&n)
	return n, err
}

// TryLockRun takes the run advisory lock on a dedicated pool connection.
// It reports false without waiting when another session holds it. The lock
// lives as long as that session, so a crashed holder releases it too.
func (s *Store) TryLockRun(ctx context.Context, _ string) (func(), bool, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var locked bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, runLockKey).Scan(&locked); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("acquire run lock: %w", err)
	}
	if !locked {
		conn.Release()
		return nil, false, nil
	}

	release := func() {
		rctx := context.WithoutCancel(ctx)
		if _, err := conn.Exec(rctx, `SELECT pg_advisory_unlock($1)`, runLockKey); err != nil {
			// Closing the session drops the lock with it.
			s.logger.Error("release run lock", "error", err)
			_ = conn.Conn().Close(rctx)
		}
		conn.Release()
	}
	return release, true, nil
}

// rollback runs on a context detached from cancellation: a cancelled load
// must still release its transaction.
func (s *Store) rollback(ctx context.Context, tx pgx.Tx) {
	if err := tx.Rollback(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		s.logger.Error("rollback", "error", err)
	}
}

func encodeDateTime(m domain.Measurement) (time.Time, pgtype.Time, error) {
	date, err := time.Parse(domain.DateLayout, m.Date)
	if err != nil {
		return time.Time{}, pgtype.Time{}, fmt.Errorf("measurement date %q: %w", m.Date, err)
	}
	clock, err := time.Parse(domain.TimeLayout, m.Time)
	if err != nil {
		return time.Time{}, pgtype.Time{}, fmt.Errorf("measurement time %q: %w", m.Time, err)
	}
	sinceMidnight := clock.Sub(time.Date(clock.Year(), clock.Month(), clock.Day(), 0, 0, 0, 0, time.UTC))
	return date, pgtype.Time{Microseconds: sinceMidnight.Microseconds(), Valid: true}, nil
}

func formatTimeOfDay(t pgtype.Time) string {
	return time.Date(0, 1, 1, 0, 0, 0, 0, time.UTC).
		Add(time.Duration(t.Microseconds) * time.Microsecond).
		Format(domain.TimeLayout)
}
