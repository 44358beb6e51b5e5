// Package geogrid generates the geographic sampling grids used by heat-map
// scans and provides the distance helpers around them.
package geogrid

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/rotisserie/eris"
)

// MaxGridSize bounds the number of points per side of a grid.
const MaxGridSize = 25

// ErrInvalidGrid is returned for grid parameters that cannot produce a grid.
var ErrInvalidGrid = eris.New("geogrid: invalid grid parameters")

// Layout selects how points are arranged within the grid square.
type Layout string

const (
	// LayoutSquare places points on a regular lattice.
	LayoutSquare Layout = "square"
	// LayoutHex shifts every odd row east by half a column.
	LayoutHex Layout = "hex"
)

// GridPoint is one sample location. X and Y are zero-based indices with
// (0,0) at the south-west corner of the grid.
type GridPoint struct {
	X         int     `json:"x"`
	Y         int     `json:"y"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Coordinate returns the point's location.
func (p GridPoint) Coordinate() Coordinate {
	return Coordinate{Lat: p.Latitude, Lng: p.Longitude}
}

// Validate checks that a grid can be generated for the parameters.
func Validate(center Coordinate, gridSize int, radiusKm float64) error {
	switch {
	case gridSize < 2:
		return eris.Wrapf(ErrInvalidGrid, "grid size %d must be at least 2", gridSize)
	case gridSize > MaxGridSize:
		return eris.Wrapf(ErrInvalidGrid, "grid size %d exceeds maximum %d", gridSize, MaxGridSize)
	case math.IsNaN(radiusKm) || math.IsInf(radiusKm, 0) || radiusKm <= 0:
		return eris.Wrapf(ErrInvalidGrid, "radius %v km must be positive", radiusKm)
	case math.IsNaN(center.Lat) || center.Lat < -90 || center.Lat > 90:
		return eris.Wrapf(ErrInvalidGrid, "latitude %v out of range", center.Lat)
	case math.IsNaN(center.Lng) || center.Lng < -180 || center.Lng > 180:
		return eris.Wrapf(ErrInvalidGrid, "longitude %v out of range", center.Lng)
	}
	if math.Cos(toRadians(center.Lat)) < 1e-6 {
		return eris.Wrapf(ErrInvalidGrid, "latitude %v too close to a pole", center.Lat)
	}
	return nil
}

// Generate returns gridSize² points covering a square of side 2·radiusKm
// centered on center, ordered row-major by y then x.
func Generate(center Coordinate, gridSize int, radiusKm float64, layout Layout) ([]GridPoint, error) {
	if err := Validate(center, gridSize, radiusKm); err != nil {
		return nil, err
	}

	latRadius := KmToLatDegrees(radiusKm)
	lngRadius := KmToLngDegrees(radiusKm, center.Lat)
	latStep := 2 * latRadius / float64(gridSize-1)
	lngStep := 2 * lngRadius / float64(gridSize-1)
	startLat := center.Lat - latRadius
	startLng := center.Lng - lngRadius

	points := make([]GridPoint, 0, gridSize*gridSize)
	for y := 0; y < gridSize; y++ {
		rowOffset := 0.0
		if layout == LayoutHex && y%2 == 1 {
			rowOffset = lngStep / 2
		}
		for x := 0; x < gridSize; x++ {
			points = append(points, GridPoint{
				X:         x,
				Y:         y,
				Latitude:  startLat + float64(y)*latStep,
				Longitude: startLng + float64(x)*lngStep + rowOffset,
			})
		}
	}
	return points, nil
}

func multiPoint(points []GridPoint) orb.MultiPoint {
	mp := make(orb.MultiPoint, len(points))
	for i, p := range points {
		mp[i] = orb.Point{p.Longitude, p.Latitude}
	}
	return mp
}

// Bounds returns the bounding box of the points.
func Bounds(points []GridPoint) orb.Bound {
	return multiPoint(points).Bound()
}

// Centroid returns the arithmetic center of the points.
func Centroid(points []GridPoint) Coordinate {
	if len(points) == 0 {
		return Coordinate{}
	}
	c, _ := planar.CentroidArea(multiPoint(points))
	return Coordinate{Lat: c.Lat(), Lng: c.Lon()}
}
