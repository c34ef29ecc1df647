package domain

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

const (
	// DateLayout and TimeLayout format the split halves of a timestamp.
	DateLayout = "2006-01-02"
	TimeLayout = "15:04:05.999999"

	// msToKmh converts metres per second to kilometres per hour.
	msToKmh = 3.6

	// halfTolerance absorbs binary representation error when deciding whether
	// a scaled value sits exactly on a .5 boundary (10.35*10 = 103.49999999999999).
	halfTolerance = 1e-9
)

// timestampLayouts are tried in order. Zone-less layouts keep the wall clock
// as written.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

var errMissing = errors.New("missing")

// Normalize validates and converts a batch of raw readings. Readings that
// fail validation are left out of the result and reported as
// MalformedRecordErrors; they never abort the batch. The output keeps the
// input order.
func Normalize(raws []RawReading) ([]NormalizedReading, []MalformedRecordError) {
	out := make([]NormalizedReading, 0, len(raws))
	var rejected []MalformedRecordError

	for i, raw := range raws {
		n, err := NormalizeReading(raw)
		if err != nil {
			rejected = append(rejected, MalformedRecordError{
				Index:     i,
				CityName:  raw.CityName,
				Country:   raw.Country,
				Timestamp: raw.Timestamp,
				Reason:    err.Error(),
			})
			continue
		}
		out = append(out, n)
	}

	return out, rejected
}

// NormalizeReading converts a single raw reading. It depends on nothing but
// its argument.
func NormalizeReading(raw RawReading) (NormalizedReading, error) {
	// Names pass through as written; only blank ones count as missing.
	if strings.TrimSpace(raw.CityName) == "" {
		return NormalizedReading{}, fmt.Errorf("city_name: %w", errMissing)
	}
	if strings.TrimSpace(raw.Country) == "" {
		return NormalizedReading{}, fmt.Errorf("country: %w", errMissing)
	}

	ts, err := parseTimestamp(raw.Timestamp)
	if err != nil {
		return NormalizedReading{}, err
	}

	lat, err := requireFloat("latitude", raw.Latitude)
	if err != nil {
		return NormalizedReading{}, err
	}
	lon, err := requireFloat("longitude", raw.Longitude)
	if err != nil {
		return NormalizedReading{}, err
	}

	temp, err := requireFloat("temperature", raw.Temperature)
	if err != nil {
		return NormalizedReading{}, err
	}
	humidity, err := requireFloat("humidity", raw.Humidity)
	if err != nil {
		return NormalizedReading{}, err
	}
	pressure, err := requireFloat("pressure", raw.Pressure)
	if err != nil {
		return NormalizedReading{}, err
	}
	wind, err := requireFloat("wind_speed", raw.WindSpeed)
	if err != nil {
		return NormalizedReading{}, err
	}

	return NormalizedReading{
		Date:        ts.Format(DateLayout),
		Time:        ts.Format(TimeLayout),
		CityName:    raw.CityName,
		Country:     raw.Country,
		Latitude:    lat,
		Longitude:   lon,
		Temperature: RoundTenth(temp),
		Humidity:    humidity,
		Pressure:    pressure,
		WindSpeed:   WindSpeedKmh(wind),
	}, nil
}

// WindSpeedKmh converts m/s to km/h rounded to one decimal.
func WindSpeedKmh(ms float64) float64 {
	return RoundTenth(ms * msToKmh)
}

// RoundTenth rounds to one decimal place, half away from zero. Values whose
// decimal form ends in 5 round outward even when their binary form falls
// just short of the boundary.
func RoundTenth(v float64) float64 {
	scaled := v * 10
	whole := math.Trunc(scaled)
	if math.Abs(math.Abs(scaled-whole)-0.5) < halfTolerance {
		return (whole + math.Copysign(1, scaled)) / 10
	}
	return math.Round(scaled) / 10
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("timestamp: %w", errMissing)
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("timestamp %q is not ISO-8601", s)
}

func requireFloat(field string, v *float64) (float64, error) {
	if v == nil {
		return 0, fmt.Errorf("%s: %w", field, errMissing)
	}
	if math.IsNaN(*v) || math.IsInf(*v, 0) {
		return 0, fmt.Errorf("%s: not a finite number", field)
	}
	return *v, nil
}
