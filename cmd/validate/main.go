// Command validate audits the integrity of a loaded star schema and, when
// given a raw readings fixture, checks that it normalizes cleanly. It verifies
// the cities dimension shape, fact references to the dimension, and the value
// rules the transform guarantees for stored facts.
//
// Usage:
//
//	go run ./cmd/validate \
//	  -database-url sqlite://weather.db \
//	  -fixture data/mock/raw_readings.json \
//	  -sample 1000
package main

import (
	"cmp"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/couchcryptid/weather-star-etl/internal/adapter/jsonfile"
	"github.com/couchcryptid/weather-star-etl/internal/config"
	"github.com/couchcryptid/weather-star-etl/internal/domain"
	"github.com/couchcryptid/weather-star-etl/internal/store"
)

// phase tracks pass/fail for a validation phase.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

func main() {
	dbURL := flag.String("database-url", "", "store URL (defaults to DATABASE_URL)")
	fixture := flag.String("fixture", "", "optional raw readings JSON fixture to check")
	sample := flag.Int("sample", 1000, "number of stored measurements to check")
	flag.Parse()

	_ = godotenv.Load(".env")
	if *dbURL == "" {
		*dbURL = config.DatabaseURL()
	}
	if *dbURL == "" {
		flag.Usage()
		os.Exit(1)
	}

	if code := run(*dbURL, *fixture, *sample); code != 0 {
		os.Exit(code)
	}
}

func run(dbURL, fixturePath string, sample int) int {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	fmt.Println("=== Weather Star Schema Integrity Validation ===")
	fmt.Println()

	db, err := store.OpenReadOnly(ctx, dbURL, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: open store: %v\n", err)
		return 1
	}
	defer db.Close()

	cities, err := db.Cities(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load cities: %v\n", err)
		return 1
	}
	facts, err := db.Measurements(ctx, sample)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load measurements: %v\n", err)
		return 1
	}
	dangling, err := db.DanglingFacts(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: count dangling facts: %v\n", err)
		return 1
	}

	phases := []*phase{
		validateDimension(cities),
		validateReferences(dangling),
		validateFacts(facts),
	}

	if fixturePath != "" {
		raws, err := jsonfile.NewSource(fixturePath).Fetch(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: load fixture: %v\n", err)
			return 1
		}
		phases = append(phases, validateFixture(raws))
	}

	// ── Report results ──
	allPassed := true
	for _, p := range phases {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(p.errors))
			allPassed = false
		}
		fmt.Printf("  %-42s %s\n", p.name, status)
	}

	fmt.Println()
	fmt.Printf("Rows: %d cities, %d measurements sampled, %d dangling facts\n", len(cities), len(facts), dangling)

	for _, p := range phases {
		if p.passed() {
			continue
		}
		fmt.Printf("\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			fmt.Printf("  [%d] %s\n", i+1, e)
		}
	}

	if allPassed {
		fmt.Println("\nAll validations passed.")
		return 0
	}
	fmt.Println("\nValidation FAILED.")
	return 1
}

// ── Phase 1: Dimension shape ──

// validateDimension checks that city ids are dense from 1 in (name, country)
// order and that natural keys and coordinates are valid.
func validateDimension(cities []domain.City) *phase {
	p := &phase{name: "Phase 1: Cities dimension shape"}
	seen := make(map[domain.CityKey]int, len(cities))

	for i, c := range cities {
		if c.ID != i+1 {
			p.errorf("city %s: city_id=%d, want %d", c.Key(), c.ID, i+1)
		}
		if prev, ok := seen[c.Key()]; ok {
			p.errorf("city %s: duplicate natural key (city_id %d and %d)", c.Key(), prev, c.ID)
		}
		seen[c.Key()] = c.ID

		if i > 0 && compareKeys(cities[i-1].Key(), c.Key()) >= 0 {
			p.errorf("city_id %d (%s) not ordered after %s", c.ID, c.Key(), cities[i-1].Key())
		}
		if c.Latitude < -90 || c.Latitude > 90 || c.Longitude < -180 || c.Longitude > 180 {
			p.errorf("city %s: coordinates out of range (%v, %v)", c.Key(), c.Latitude, c.Longitude)
		}
	}
	return p
}

func compareKeys(a, b domain.CityKey) int {
	return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.Country, b.Country))
}

// ── Phase 2: Referential integrity ──

func validateReferences(dangling int) *phase {
	p := &phase{name: "Phase 2: Fact references to cities"}
	if dangling > 0 {
		p.errorf("%d measurements reference a city_id missing from cities", dangling)
	}
	return p
}

// ── Phase 3: Fact values ──

// validateFacts checks stored rows against the transform's output rules.
func validateFacts(facts []domain.Measurement) *phase {
	p := &phase{name: "Phase 3: Measurement values"}
	for i, m := range facts {
		if _, err := time.Parse(domain.DateLayout, m.Date); err != nil {
			p.errorf("row %d: date %q not YYYY-MM-DD", i, m.Date)
		}
		if _, err := time.Parse(domain.TimeLayout, m.Time); err != nil {
			p.errorf("row %d: time %q not HH:MM:SS[.ffffff]", i, m.Time)
		}
		if m.CityID < 1 {
			p.errorf("row %d: city_id %d not positive", i, m.CityID)
		}
		if !isTenth(m.Temperature) {
			p.errorf("row %d: temperature %v not rounded to one decimal", i, m.Temperature)
		}
		if !isTenth(m.WindSpeed) {
			p.errorf("row %d: wind_speed %v not rounded to one decimal", i, m.WindSpeed)
		}
	}
	return p
}

func isTenth(v float64) bool {
	return math.Abs(v*10-math.Round(v*10)) < 1e-6
}

// ── Phase 4: Fixture ──

// validateFixture runs the transform over a raw fixture and reports every
// record it would drop.
func validateFixture(raws []domain.RawReading) *phase {
	p := &phase{name: "Phase 4: Fixture normalization"}
	batch, err := domain.TransformBatch(raws)
	if err != nil {
		p.errorf("transform: %v", err)
		return p
	}
	for _, rec := range batch.Rejected {
		p.errorf("%v", rec)
	}
	if len(batch.Facts) != len(batch.Readings) {
		p.errorf("%d facts projected from %d readings", len(batch.Facts), len(batch.Readings))
	}
	return p
}
