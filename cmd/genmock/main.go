// Command genmock generates a deterministic raw readings fixture for
// SOURCE=file runs and tests, and optionally the star schema the pipeline
// derives from it. It uses the actual ETL domain package so the expected
// output matches real pipeline behavior.
//
// Usage:
//
//	go run ./cmd/genmock \
//	  -raw-out data/mock/raw_readings.json \
//	  -star-out data/mock/star_schema.json \
//	  -hours 24 -malformed 3
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"os"
	"time"

	"github.com/couchcryptid/weather-star-etl/internal/adapter/jsonfile"
	"github.com/couchcryptid/weather-star-etl/internal/domain"
)

var baseTime = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

type cityDef struct {
	name     string
	country  string
	lat, lon float64
	baseTemp float64 // °C at midnight
}

var cityDefs = []cityDef{
	{name: "London", country: "GB", lat: 51.5074, lon: -0.1278, baseTemp: 6},
	{name: "Paris", country: "FR", lat: 48.8566, lon: 2.3522, baseTemp: 5},
	{name: "Berlin", country: "DE", lat: 52.52, lon: 13.405, baseTemp: 1},
	{name: "Madrid", country: "ES", lat: 40.4168, lon: -3.7038, baseTemp: 7},
	{name: "Rome", country: "IT", lat: 41.9028, lon: 12.4964, baseTemp: 9},
}

// starSchema is the expected pipeline output for the generated fixture.
type starSchema struct {
	Cities       []domain.City                 `json:"cities"`
	Measurements []domain.Measurement          `json:"weather_measurements"`
	Rejected     []domain.MalformedRecordError `json:"rejected"`
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	rawOut := flag.String("raw-out", "", "output path for the raw readings JSON fixture")
	starOut := flag.String("star-out", "", "optional output path for the expected star schema JSON")
	hours := flag.Int("hours", 24, "hourly readings per city")
	malformed := flag.Int("malformed", 0, "number of malformed records to mix in")
	seed := flag.Uint64("seed", 42, "random seed")
	flag.Parse()

	if *rawOut == "" {
		flag.Usage()
		return fmt.Errorf("missing required flag: -raw-out")
	}

	raws := generate(*hours, *malformed, *seed)
	if err := jsonfile.Write(*rawOut, raws); err != nil {
		return err
	}
	fmt.Printf("wrote %d raw readings to %s\n", len(raws), *rawOut)

	if *starOut == "" {
		return nil
	}

	batch, err := domain.TransformBatch(raws)
	if err != nil {
		return fmt.Errorf("transform fixture: %w", err)
	}
	data, err := json.MarshalIndent(starSchema{
		Cities:       batch.Cities,
		Measurements: batch.Facts,
		Rejected:     batch.Rejected,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal star schema: %w", err)
	}
	if err := os.WriteFile(*starOut, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", *starOut, err)
	}
	fmt.Printf("wrote %d cities, %d measurements, %d rejected to %s\n",
		len(batch.Cities), len(batch.Facts), len(batch.Rejected), *starOut)
	return nil
}

// generate produces hours readings per city with a diurnal temperature curve,
// then mixes in malformed records at deterministic positions.
func generate(hours, malformed int, seed uint64) []domain.RawReading {
	rng := rand.New(rand.NewPCG(seed, seed))
	out := make([]domain.RawReading, 0, hours*len(cityDefs)+malformed)

	for h := range hours {
		ts := baseTime.Add(time.Duration(h) * time.Hour)
		for _, c := range cityDefs {
			diurnal := 4 * math.Sin(float64(h-9)*math.Pi/12)
			out = append(out, domain.RawReading{
				CityName:    c.name,
				Country:     c.country,
				Latitude:    ptr(c.lat),
				Longitude:   ptr(c.lon),
				Timestamp:   ts.Format(time.RFC3339),
				Temperature: ptr(round2(c.baseTemp + diurnal + rng.NormFloat64())),
				Humidity:    ptr(float64(55 + rng.IntN(40))),
				Pressure:    ptr(float64(995 + rng.IntN(35))),
				WindSpeed:   ptr(round2(rng.Float64() * 12)),
			})
		}
	}

	for i := range malformed {
		// Numeric fields are always missing.
		bad := domain.RawReading{CityName: "Broken", Country: "XX", Timestamp: baseTime.Format(time.RFC3339)}
		switch i % 3 {
		case 0:
			bad.Timestamp = "not-a-timestamp"
		case 1:
			bad.CityName = ""
		}
		pos := rng.IntN(len(out) + 1)
		out = append(out[:pos], append([]domain.RawReading{bad}, out[pos:]...)...)
	}
	return out
}

func ptr(v float64) *float64 { return &v }

func round2(v float64) float64 { return math.Round(v*100) / 100 }
