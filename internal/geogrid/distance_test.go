package geogrid

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHaversineKm(t *testing.T) {
	paris := Coordinate{Lat: 48.8566, Lng: 2.3522}
	assert.InDelta(t, 343.5, HaversineKm(london, paris), 3)
	assert.InDelta(t, 0, HaversineKm(london, london), 1e-9)
	assert.InDelta(t, HaversineKm(london, paris), HaversineKm(paris, london), 1e-9)
}

func TestDegreeConversions(t *testing.T) {
	assert.InDelta(t, 1.0, KmToLatDegrees(111.32), 1e-12)
	assert.InDelta(t, 111.32, LatDegreesToKm(1), 1e-12)
	assert.InDelta(t, 1.0, KmToLngDegrees(111.32, 0), 1e-12)
	// Longitude degrees stretch at higher latitudes.
	assert.InDelta(t, 2.0, KmToLngDegrees(111.32, 60), 1e-9)
}

func TestCompass(t *testing.T) {
	center := Coordinate{Lat: 0, Lng: 0}
	assert.Equal(t, "N", Compass(center, Coordinate{Lat: 1, Lng: 0}))
	assert.Equal(t, "E", Compass(center, Coordinate{Lat: 0, Lng: 1}))
	assert.Equal(t, "S", Compass(center, Coordinate{Lat: -1, Lng: 0}))
	assert.Equal(t, "W", Compass(center, Coordinate{Lat: 0, Lng: -1}))
	assert.Equal(t, "SW", Compass(center, Coordinate{Lat: -1, Lng: -1}))
	assert.Equal(t, "C", Compass(center, center))
}
