package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/weather-star-etl/internal/adapter/sqlscript"
	"github.com/couchcryptid/weather-star-etl/internal/domain"
)

func TestEncodeDateTime(t *testing.T) {
	tests := []struct {
		name   string
		time   string
		micros int64
	}{
		{"midnight", "00:00:00", 0},
		{"whole seconds", "10:00:00", 10 * 3600 * 1e6},
		{"fractional", "23:59:59.25", (23*3600+59*60+59)*1e6 + 250000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			date, tod, err := encodeDateTime(domain.Measurement{Date: "2024-02-29", Time: tt.time})
			require.NoError(t, err)
			assert.Equal(t, "2024-02-29", date.Format(domain.DateLayout))
			assert.True(t, tod.Valid)
			assert.Equal(t, tt.micros, tod.Microseconds)
			assert.Equal(t, tt.time, formatTimeOfDay(tod))
		})
	}
}

func TestEncodeDateTimeRejectsGarbage(t *testing.T) {
	_, _, err := encodeDateTime(domain.Measurement{Date: "2024-13-01", Time: "10:00:00"})
	require.Error(t, err)

	_, _, err = encodeDateTime(domain.Measurement{Date: "2024-01-01", Time: "25:00"})
	require.Error(t, err)
}

func TestSchemaStatements(t *testing.T) {
	stmts := sqlscript.Statements(schemaSQL)
	require.Len(t, stmts, 4)
	assert.Contains(t, stmts[0], "CREATE TABLE IF NOT EXISTS cities")
	assert.Contains(t, stmts[1], "CREATE TABLE IF NOT EXISTS weather_measurements")
	assert.NotContains(t, stmts[1], "REFERENCES")
}
