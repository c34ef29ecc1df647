package openweather

import (
	"time"

	"github.com/couchcryptid/weather-star-etl/internal/domain"
)

// OpenWeatherMap current-weather response, units=metric.

type response struct {
	Name  string `json:"name"`
	Dt    int64  `json:"dt"` // unix seconds, UTC
	Coord struct {
		Lat *float64 `json:"lat"`
		Lon *float64 `json:"lon"`
	} `json:"coord"`
	Sys struct {
		Country string `json:"country"`
	} `json:"sys"`
	Main struct {
		Temp     *float64 `json:"temp"`     // °C
		Humidity *float64 `json:"humidity"` // %
		Pressure *float64 `json:"pressure"` // hPa
	} `json:"main"`
	Wind struct {
		Speed *float64 `json:"speed"` // m/s
	} `json:"wind"`
}

// toRawReading maps the response onto a RawReading. Missing fields stay nil
// and are rejected later by normalization. The queried name and country fill
// in when the response omits them.
func (r response) toRawReading(query domain.CityKey) domain.RawReading {
	name := r.Name
	if name == "" {
		name = query.Name
	}
	country := r.Sys.Country
	if country == "" {
		country = query.Country
	}

	var ts string
	if r.Dt > 0 {
		ts = time.Unix(r.Dt, 0).UTC().Format(time.RFC3339)
	}

	return domain.RawReading{
		CityName:    name,
		Country:     country,
		Latitude:    r.Coord.Lat,
		Longitude:   r.Coord.Lon,
		Timestamp:   ts,
		Temperature: r.Main.Temp,
		Humidity:    r.Main.Humidity,
		Pressure:    r.Main.Pressure,
		WindSpeed:   r.Wind.Speed,
	}
}
