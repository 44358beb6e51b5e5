package geogrid

import (
	"math"
)

const (
	// KmPerDegree is the length of one degree of latitude in kilometers.
	KmPerDegree = 111.32
	// EarthRadiusKm is the mean Earth radius used for great-circle distances.
	EarthRadiusKm = 6371.0
)

// Coordinate is a WGS 84 latitude/longitude pair in degrees.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// HaversineKm returns the great-circle distance between a and b in kilometers.
func HaversineKm(a, b Coordinate) float64 {
	dLat := toRadians(b.Lat - a.Lat)
	dLng := toRadians(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRadians(a.Lat))*math.Cos(toRadians(b.Lat))*
			math.Sin(dLng/2)*math.Sin(dLng/2)
	return EarthRadiusKm * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// KmToLatDegrees converts a north-south distance to degrees of latitude.
func KmToLatDegrees(km float64) float64 {
	return km / KmPerDegree
}

// KmToLngDegrees converts an east-west distance at the given latitude to
// degrees of longitude. Returns +Inf at the poles.
func KmToLngDegrees(km, lat float64) float64 {
	return km / (KmPerDegree * math.Cos(toRadians(lat)))
}

// LatDegreesToKm converts degrees of latitude to kilometers.
func LatDegreesToKm(deg float64) float64 {
	return deg * KmPerDegree
}

// BearingDegrees returns the initial bearing from a to b, clockwise from
// north in [0, 360).
func BearingDegrees(a, b Coordinate) float64 {
	lat1, lat2 := toRadians(a.Lat), toRadians(b.Lat)
	dLng := toRadians(b.Lng - a.Lng)
	y := math.Sin(dLng) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLng)
	deg := math.Atan2(y, x) * 180 / math.Pi
	return math.Mod(deg+360, 360)
}

var compassPoints = [...]string{"N", "NE", "E", "SE", "S", "SW", "W", "NW"}

// Compass returns the 8-wind compass direction of b as seen from a, or "C"
// when the two coordinates are within a meter of each other.
func Compass(a, b Coordinate) string {
	if HaversineKm(a, b) < 0.001 {
		return "C"
	}
	idx := int(math.Round(BearingDegrees(a, b)/45)) % len(compassPoints)
	return compassPoints[idx]
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
