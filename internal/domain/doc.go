// Package domain models weather readings and the two-table star schema they
// are loaded into.
//
// # Data Source
//
// Raw readings come from a weather API (OpenWeatherMap current weather, one
// observation per configured city) or from a JSON fixture file. Each reading
// is a flat record: city, country, coordinates, an ISO-8601 timestamp and the
// observed temperature, humidity, pressure and wind speed.
//
// # Units and Rounding
//
//	Temperature: degrees Celsius, rounded to one decimal.
//	Wind speed:  arrives in m/s, stored in km/h (m/s × 3.6), rounded to one decimal.
//	Humidity:    percent, passed through.
//	Pressure:    hPa, passed through.
//
// Rounding is half away from zero on the decimal value as written, so
// 10.35 → 10.4 and -10.35 → -10.4. See [RoundTenth].
//
// # Time format
//
// Timestamps are split into a calendar date ("2006-01-02") and a time of day
// ("15:04:05", with fractional seconds when present). The split happens in
// the timestamp's own offset; "2024-01-01T23:30:00-05:00" stays on
// 2024-01-01. Zone-less timestamps are taken as written.
//
// # Star Schema
//
//	cities               dimension, one row per distinct (city_name, country)
//	weather_measurements fact, one row per normalized reading
//
// City ids are a dense rank 1..N over the byte-wise sorted
// (city_name, country) keys of a single batch. Coordinates come from the
// first reading of a city in the batch; later conflicting coordinates are
// dropped. Because the dimension is rebuilt every run, a city's id is only
// stable for as long as the set of cities in the batch does not change.
package domain
