package domain

// RawReading is one observation as delivered by a source. Numeric fields are
// pointers so a missing value can be told apart from a reported zero.
type RawReading struct {
	CityName    string   `json:"city_name"`
	Country     string   `json:"country"`
	Latitude    *float64 `json:"latitude"`
	Longitude   *float64 `json:"longitude"`
	Timestamp   string   `json:"datetime"`
	Temperature *float64 `json:"temperature"` // °C
	Humidity    *float64 `json:"humidity"`    // %
	Pressure    *float64 `json:"pressure"`    // hPa
	WindSpeed   *float64 `json:"wind_speed"`  // m/s
}

// NormalizedReading is a validated RawReading with the timestamp split and
// units converted.
type NormalizedReading struct {
	Date        string  `json:"date"`
	Time        string  `json:"time"`
	CityName    string  `json:"city_name"`
	Country     string  `json:"country"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
	Pressure    float64 `json:"pressure"`
	WindSpeed   float64 `json:"wind_speed"` // km/h
}

// Key returns the natural key of the reading's location.
func (r NormalizedReading) Key() CityKey {
	return CityKey{Name: r.CityName, Country: r.Country}
}

// CityKey is the natural key identifying a location within a batch.
type CityKey struct {
	Name    string
	Country string
}

func (k CityKey) String() string {
	return k.Name + "|" + k.Country
}

// City is a row of the cities dimension.
type City struct {
	ID        int     `json:"city_id"`
	Name      string  `json:"city_name"`
	Country   string  `json:"country"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Key returns the natural key of the city.
func (c City) Key() CityKey {
	return CityKey{Name: c.Name, Country: c.Country}
}

// Measurement is a row of the weather_measurements fact table.
type Measurement struct {
	Date        string  `json:"date"`
	Time        string  `json:"time"`
	CityID      int     `json:"city_id"`
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
	Pressure    float64 `json:"pressure"`
	WindSpeed   float64 `json:"wind_speed"`
}

// CitySummary aggregates the measurements stored for one city name.
type CitySummary struct {
	CityName         string  `json:"city_name"`
	AvgTemperature   float64 `json:"avg_temp"`
	AvgHumidity      float64 `json:"avg_humidity"`
	MeasurementCount int     `json:"measurement_count"`
}
