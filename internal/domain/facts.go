package domain

// ProjectFacts turns each normalized reading into a measurement row that
// references its city by surrogate id. cities must be the dimension built
// from the same readings; a reading whose city is absent yields a
// *JoinIntegrityError and no facts at all.
func ProjectFacts(readings []NormalizedReading, cities []City) ([]Measurement, error) {
	ids := make(map[CityKey]int, len(cities))
	for _, c := range cities {
		ids[c.Key()] = c.ID
	}

	facts := make([]Measurement, 0, len(readings))
	for _, r := range readings {
		id, ok := ids[r.Key()]
		if !ok {
			return nil, &JoinIntegrityError{Key: r.Key()}
		}
		facts = append(facts, Measurement{
			Date:        r.Date,
			Time:        r.Time,
			CityID:      id,
			Temperature: r.Temperature,
			Humidity:    r.Humidity,
			Pressure:    r.Pressure,
			WindSpeed:   r.WindSpeed,
		})
	}
	return facts, nil
}

// Batch is the transformed output of one run.
type Batch struct {
	Readings []NormalizedReading
	Rejected []MalformedRecordError
	Cities   []City
	Facts    []Measurement
}

// TransformBatch runs the normalizer, the dimension builder and the fact
// projector over one fetched batch. Builder and projector are always fed the
// same normalized readings.
func TransformBatch(raws []RawReading) (Batch, error) {
	readings, rejected := Normalize(raws)
	cities := BuildCityDimension(readings)
	facts, err := ProjectFacts(readings, cities)
	if err != nil {
		return Batch{}, err
	}
	return Batch{
		Readings: readings,
		Rejected: rejected,
		Cities:   cities,
		Facts:    facts,
	}, nil
}
