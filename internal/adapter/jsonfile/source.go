// Package jsonfile reads raw readings from a JSON array on disk. It backs
// SOURCE=file for offline runs and tests.
package jsonfile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/couchcryptid/weather-star-etl/internal/domain"
)

// Source implements pipeline.Source over a JSON file.
type Source struct {
	path string
}

// NewSource returns a Source reading path on every Fetch.
func NewSource(path string) *Source {
	return &Source{path: path}
}

// Name identifies the source in logs and errors.
func (s *Source) Name() string { return "file" }

// Fetch decodes the file as a JSON array of raw readings. The file is re-read
// on every call so edits are picked up by the next scheduled run.
func (s *Source) Fetch(ctx context.Context) ([]domain.RawReading, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", s.path, err)
	}
	defer f.Close()

	var readings []domain.RawReading
	if err := json.NewDecoder(f).Decode(&readings); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.path, err)
	}
	return readings, nil
}

// Write encodes readings to path as an indented JSON array.
func Write(path string, readings []domain.RawReading) error {
	data, err := json.MarshalIndent(readings, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal readings: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
