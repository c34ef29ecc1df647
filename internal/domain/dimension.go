package domain

import (
	"cmp"
	"slices"
)

// BuildCityDimension collapses the locations referenced by a normalized batch
// into city rows with dense surrogate ids.
//
// The first reading seen for a CityKey supplies the coordinates; later
// readings with different coordinates are ignored. The distinct keys are then
// stable-sorted by (city_name, country) using byte-wise string comparison and
// numbered from 1 in that order, so the same batch always yields the same
// rows.
func BuildCityDimension(readings []NormalizedReading) []City {
	seen := make(map[CityKey]struct{}, len(readings))
	cities := make([]City, 0, len(readings))

	for _, r := range readings {
		key := r.Key()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		cities = append(cities, City{
			Name:      r.CityName,
			Country:   r.Country,
			Latitude:  r.Latitude,
			Longitude: r.Longitude,
		})
	}

	slices.SortStableFunc(cities, compareCities)

	for i := range cities {
		cities[i].ID = i + 1
	}
	return cities
}

func compareCities(a, b City) int {
	if c := cmp.Compare(a.Name, b.Name); c != 0 {
		return c
	}
	return cmp.Compare(a.Country, b.Country)
}
