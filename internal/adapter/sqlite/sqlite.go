// Package sqlite stores the star schema in a SQLite database file. It is used
// for local runs and tests; production runs use the postgres adapter.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/couchcryptid/weather-star-etl/internal/adapter/sqlscript"
	"github.com/couchcryptid/weather-star-etl/internal/domain"
)

//go:embed sql/schema.sql
var schemaSQL string

const (
	insertCitySQL = `INSERT INTO cities (city_id, city_name, country, latitude, longitude) VALUES (?, ?, ?, ?, ?)`

	insertMeasurementSQL = `INSERT INTO weather_measurements (date, time, city_id, temperature, humidity, pressure, wind_speed)
VALUES (?, ?, ?, ?, ?, ?, ?)`

	selectCitiesSQL = `SELECT city_id, city_name, country, latitude, longitude FROM cities ORDER BY city_id`

	// DATE and TIME columns are cast so the driver hands back the stored text
	// instead of attempting a time.Time conversion.
	selectMeasurementsSQL = `SELECT CAST(date AS TEXT), CAST(time AS TEXT), city_id, temperature, humidity, pressure, wind_speed
FROM weather_measurements ORDER BY date, time, city_id LIMIT ?`

	selectCitySummariesSQL = `SELECT c.city_name, AVG(w.temperature), AVG(w.humidity), COUNT(*)
FROM weather_measurements w
JOIN cities c ON w.city_id = c.city_id
GROUP BY c.city_name
ORDER BY c.city_name`

	countDanglingFactsSQL = `SELECT COUNT(*) FROM weather_measurements w
LEFT JOIN cities c ON c.city_id = w.city_id
WHERE c.city_id IS NULL`

	// The lock row is taken over only once its lease has expired, so a
	// holder that crashed without releasing blocks runs for one lease at most.
	acquireRunLockSQL = `INSERT INTO run_lock (id, owner, expires_at) VALUES (1, ?, ?)
ON CONFLICT (id) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
WHERE run_lock.expires_at <= ?`

	releaseRunLockSQL = `DELETE FROM run_lock WHERE id = 1 AND owner = ?`
)

// RunLockLease bounds how long a run lock row is honored without release.
const RunLockLease = 30 * time.Minute

// Store implements the star-schema store on SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open opens (creating if needed) the database at path and verifies the
// connection. path may be a plain file path or a "file:" URI.
func Open(path string, logger *slog.Logger) (*Store, error) {
	return open(path, false, logger)
}

// OpenReadOnly opens an existing database without write access. Nothing is
// created on disk; a missing file is an error.
func OpenReadOnly(path string, logger *slog.Logger) (*Store, error) {
	return open(path, true, logger)
}

func open(path string, readOnly bool, logger *slog.Logger) (*Store, error) {
	dsn, err := buildDSN(path, readOnly)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	// A single writer avoids SQLITE_BUSY between pooled connections.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite ping: %w", err)
	}
	return &Store{db: db, logger: logger, now: time.Now}, nil
}

// Close releases the database handle.
func (s *Store) Close() {
	if err := s.db.Close(); err != nil {
		s.logger.Error("close sqlite", "error", err)
	}
}

// EnsureSchema creates the cities, weather_measurements and run_lock tables
// if missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range sqlscript.Statements(schemaSQL) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// ReplaceDimension swaps the contents of cities inside one transaction.
// Readers keep seeing the old rows until the commit.
func (s *Store) ReplaceDimension(ctx context.Context, cities []domain.City) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			rollback(tx, s.logger)
		}
	}()

	if err = replaceCities(ctx, tx, cities); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func replaceCities(ctx context.Context, tx *sql.Tx, cities []domain.City) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM cities`); err != nil {
		return fmt.Errorf("clear cities: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, insertCitySQL)
	if err != nil {
		return fmt.Errorf("prepare city insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range cities {
		if _, err := stmt.ExecContext(ctx, c.ID, c.Name, c.Country, c.Latitude, c.Longitude); err != nil {
			return fmt.Errorf("insert city %d: %w", c.ID, err)
		}
	}
	return nil
}

// AppendFacts inserts measurement rows. The batch is written in one
// transaction.
func (s *Store) AppendFacts(ctx context.Context, facts []domain.Measurement) (err error) {
	if len(facts) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			rollback(tx, s.logger)
		}
	}()

	stmt, err := tx.PrepareContext(ctx, insertMeasurementSQL)
	if err != nil {
		return fmt.Errorf("prepare measurement insert: %w", err)
	}
	defer stmt.Close()

	for _, m := range facts {
		if _, err = stmt.ExecContext(ctx, m.Date, m.Time, m.CityID, m.Temperature, m.Humidity, m.Pressure, m.WindSpeed); err != nil {
			return fmt.Errorf("insert measurement: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Cities returns the dimension ordered by city_id.
func (s *Store) Cities(ctx context.Context) ([]domain.City, error) {
	rows, err := s.db.QueryContext(ctx, selectCitiesSQL)
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
	rows, err := s.db.QueryContext(ctx, selectMeasurementsSQL, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Measurement
	for rows.Next() {
		var m domain.Measurement
		if err := rows.Scan(&m.Date, &m.Time, &m.CityID, &m.Temperature, &m.Humidity, &m.Pressure, &m.WindSpeed); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CitySummaries aggregates stored facts per city name.
func (s *Store) CitySummaries(ctx context.Context) ([]domain.CitySummary, error) {
	rows, err := s.db.QueryContext(ctx, selectCitySummariesSQL)
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
	err := s.db.QueryRowContext(ctx, countDanglingFactsSQL).Scan(&n)
	return n, err
}

// TryLockRun takes the database-wide run lock for owner. It reports false
// without waiting when another live holder, possibly in another process,
// has it.
func (s *Store) TryLockRun(ctx context.Context, owner string) (func(), bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, acquireRunLockSQL, owner, now.Add(RunLockLease).Unix(), now.Unix())
	if err != nil {
		return nil, false, fmt.Errorf("acquire run lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("acquire run lock: %w", err)
	}
	if n == 0 {
		return nil, false, nil
	}

	release := func() {
		if _, err := s.db.ExecContext(context.WithoutCancel(ctx), releaseRunLockSQL, owner); err != nil {
			s.logger.Error("release run lock", "owner", owner, "error", err)
		}
	}
	return release, true, nil
}

func rollback(tx *sql.Tx, logger *slog.Logger) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		logger.Error("rollback", "error", err)
	}
}

func buildDSN(path string, readOnly bool) (string, error) {
	if path == "" {
		return "", errors.New("sqlite path is empty")
	}

	params := []string{"_pragma=busy_timeout(5000)"}
	if readOnly {
		params = append(params, "mode=ro")
	} else {
		params = append(params, "_pragma=journal_mode(WAL)", "_txlock=immediate")
	}

	if strings.HasPrefix(path, "file:") {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		return path + sep + strings.Join(params, "&"), nil
	}

	if readOnly {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("sqlite database: %w", err)
		}
	} else if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	return fmt.Sprintf("file:%s?%s", path, strings.Join(params, "&")), nil
}
