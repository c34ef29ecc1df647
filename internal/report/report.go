// Package report prints the contents of the star schema in a psql-like
// layout for operators.
package report

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/couchcryptid/weather-star-etl/internal/domain"
)

// Reader is the read side of the store.
type Reader interface {
	Cities(ctx context.Context) ([]domain.City, error)
	Measurements(ctx context.Context, limit int) ([]domain.Measurement, error)
	CitySummaries(ctx context.Context) ([]domain.CitySummary, error)
}

// Write prints the relation list, the cities dimension, the first limit
// measurements and the per-city aggregate.
func Write(ctx context.Context, w io.Writer, r Reader, owner string, limit int) error {
	fmt.Fprintln(w, `weather_db=> \dt`)
	writeTable(w, []string{"Schema", "Name", "Type", "Owner"}, [][]string{
		{"public", "cities", "table", owner},
		{"public", "weather_measurements", "table", owner},
	})

	cities, err := r.Cities(ctx)
	if err != nil {
		return fmt.Errorf("query cities: %w", err)
	}
	fmt.Fprintln(w, "weather_db=> SELECT * FROM cities;")
	writeTable(w, []string{"city_id", "city_name", "country", "latitude", "longitude"}, cityRows(cities))

	facts, err := r.Measurements(ctx, limit)
	if err != nil {
		return fmt.Errorf("query measurements: %w", err)
	}
	fmt.Fprintf(w, "weather_db=> SELECT * FROM weather_measurements ORDER BY date, time LIMIT %d;\n", limit)
	writeTable(w, []string{"date", "time", "city_id", "temperature", "humidity", "pressure", "wind_speed"}, measurementRows(facts))

	summaries, err := r.CitySummaries(ctx)
	if err != nil {
		return fmt.Errorf("query summaries: %w", err)
	}
	fmt.Fprintln(w, "weather_db=> SELECT city_name, AVG(temperature), AVG(humidity), COUNT(*) ... GROUP BY city_name;")
	writeTable(w, []string{"city_name", "avg_temp", "avg_humidity", "measurement_count"}, summaryRows(summaries))
	return nil
}

func cityRows(cities []domain.City) [][]string {
	rows := make([][]string, len(cities))
	for i, c := range cities {
		rows[i] = []string{strconv.Itoa(c.ID), c.Name, c.Country, formatFloat(c.Latitude), formatFloat(c.Longitude)}
	}
	return rows
}

func measurementRows(facts []domain.Measurement) [][]string {
	rows := make([][]string, len(facts))
	for i, m := range facts {
		rows[i] = []string{
			m.Date, m.Time, strconv.Itoa(m.CityID),
			formatFloat(m.Temperature), formatFloat(m.Humidity), formatFloat(m.Pressure), formatFloat(m.WindSpeed),
		}
	}
	return rows
}

func summaryRows(summaries []domain.CitySummary) [][]string {
	rows := make([][]string, len(summaries))
	for i, s := range summaries {
		rows[i] = []string{s.CityName, formatFloat(s.AvgTemperature), formatFloat(s.AvgHumidity), strconv.Itoa(s.MeasurementCount)}
	}
	return rows
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// writeTable renders rows the way psql's aligned format does: centred
// headers, a dashed separator, and a row count footer.
func writeTable(w io.Writer, header []string, rows [][]string) {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = utf8.RuneCountInString(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], utf8.RuneCountInString(cell))
		}
	}

	cells := make([]string, len(header))
	for i, h := range header {
		cells[i] = center(h, widths[i])
	}
	fmt.Fprintln(w, " "+strings.Join(cells, " | ")+" ")

	for i := range header {
		cells[i] = strings.Repeat("-", widths[i]+2)
	}
	fmt.Fprintln(w, strings.Join(cells, "+"))

	for _, row := range rows {
		for i, cell := range row {
			cells[i] = pad(cell, widths[i])
		}
		fmt.Fprintln(w, " "+strings.Join(cells, " | ")+" ")
	}

	if len(rows) == 1 {
		fmt.Fprint(w, "(1 row)\n\n")
	} else {
		fmt.Fprintf(w, "(%d rows)\n\n", len(rows))
	}
}

func pad(s string, width int) string {
	return s + strings.Repeat(" ", width-utf8.RuneCountInString(s))
}

func center(s string, width int) string {
	gap := width - utf8.RuneCountInString(s)
	left := gap / 2
	return strings.Repeat(" ", left) + s + strings.Repeat(" ", gap-left)
}
