package domain

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func normalized(t *testing.T, raws ...RawReading) []NormalizedReading {
	t.Helper()
	out, rejected := Normalize(raws)
	require.Empty(t, rejected)
	return out
}

// randomBatch builds a batch drawing cities from a small pool so duplicates
// are common.
func randomBatch(rng *rand.Rand, n int) []NormalizedReading {
	names := []string{"Paris", "Berlin", "berlin", "Zürich", "Ålesund", "Austin", "Springfield", "Z"}
	countries := []string{"FR", "DE", "US", "CH", "NO"}

	out := make([]NormalizedReading, n)
	for i := range out {
		out[i] = NormalizedReading{
			Date:        "2024-01-01",
			Time:        fmt.Sprintf("%02d:00:00", i%24),
			CityName:    names[rng.IntN(len(names))],
			Country:     countries[rng.IntN(len(countries))],
			Latitude:    rng.Float64()*180 - 90,
			Longitude:   rng.Float64()*360 - 180,
			Temperature: RoundTenth(rng.Float64()*60 - 20),
			Humidity:    float64(rng.IntN(101)),
			Pressure:    float64(950 + rng.IntN(100)),
			WindSpeed:   WindSpeedKmh(rng.Float64() * 30),
		}
	}
	return out
}

func TestBuildCityDimension_Scenario(t *testing.T) {
	cities := BuildCityDimension(normalized(t, paris(), berlin()))

	want := []City{
		{ID: 1, Name: "Berlin", Country: "DE", Latitude: 52.52, Longitude: 13.40},
		{ID: 2, Name: "Paris", Country: "FR", Latitude: 48.85, Longitude: 2.35},
	}
	if diff := cmp.Diff(want, cities); diff != "" {
		t.Errorf("cities mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildCityDimension_Empty(t *testing.T) {
	assert.Empty(t, BuildCityDimension(nil))
	assert.Empty(t, BuildCityDimension([]NormalizedReading{}))
}

func TestBuildCityDimension_DuplicateCity(t *testing.T) {
	later := paris()
	later.Timestamp = "2024-01-01T13:00:00Z"

	cities := BuildCityDimension(normalized(t, paris(), later))

	require.Len(t, cities, 1)
	assert.Equal(t, City{ID: 1, Name: "Paris", Country: "FR", Latitude: 48.85, Longitude: 2.35}, cities[0])
}

func TestBuildCityDimension_FirstOccurrenceWins(t *testing.T) {
	moved := paris()
	moved.Latitude = f64(40.0)
	moved.Longitude = f64(-3.0)

	cities := BuildCityDimension(normalized(t, berlin(), paris(), moved))
	require.Len(t, cities, 2)
	assert.Equal(t, 48.85, cities[1].Latitude)
	assert.Equal(t, 2.35, cities[1].Longitude)

	// Reversing the input flips which coordinates win but not the ids.
	cities = BuildCityDimension(normalized(t, moved, paris(), berlin()))
	require.Len(t, cities, 2)
	assert.Equal(t, 2, cities[1].ID)
	assert.Equal(t, 40.0, cities[1].Latitude)
	assert.Equal(t, -3.0, cities[1].Longitude)
}

func TestBuildCityDimension_SameNameDifferentCountry(t *testing.T) {
	a := paris()
	b := paris()
	b.Country = "US"
	b.Latitude = f64(33.66)
	b.Longitude = f64(-95.55)

	cities := BuildCityDimension(normalized(t, b, a))
	require.Len(t, cities, 2)
	assert.Equal(t, CityKey{Name: "Paris", Country: "FR"}, cities[0].Key())
	assert.Equal(t, CityKey{Name: "Paris", Country: "US"}, cities[1].Key())
}

func TestBuildCityDimension_ByteOrder(t *testing.T) {
	mk := func(name string) NormalizedReading {
		return NormalizedReading{CityName: name, Country: "XX"}
	}
	cities := BuildCityDimension([]NormalizedReading{mk("berlin"), mk("Zürich"), mk("Berlin"), mk("Ålesund")})

	names := make([]string, len(cities))
	for i, c := range cities {
		names[i] = c.Name
	}
	// Upper-case ASCII sorts before lower-case, and multi-byte UTF-8 after both.
	assert.Equal(t, []string{"Berlin", "Zürich", "berlin", "Ålesund"}, names)
}

func TestBuildCityDimension_Properties(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 7))

	for round := 0; round < 50; round++ {
		batch := randomBatch(rng, rng.IntN(40))
		cities := BuildCityDimension(batch)

		distinct := make(map[CityKey]bool)
		for _, r := range batch {
			distinct[r.Key()] = true
		}
		require.Len(t, cities, len(distinct), "one row per distinct key")

		for i, c := range cities {
			assert.Equal(t, i+1, c.ID, "ids are the permutation 1..N in output order")
		}
		assert.True(t, sort.SliceIsSorted(cities, func(i, j int) bool {
			return compareCities(cities[i], cities[j]) < 0
		}), "sorted by (city_name, country)")

		again := BuildCityDimension(batch)
		assert.Empty(t, cmp.Diff(cities, again), "builder is deterministic")
	}
}
