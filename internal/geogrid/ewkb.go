package geogrid

import (
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
)

// SRID is the spatial reference of all grid geometries (WGS 84).
const SRID = 4326

// EWKB encodes the point as little-endian EWKB with SRID 4326, suitable for
// a PostGIS geometry column.
func (p GridPoint) EWKB() ([]byte, error) {
	g := geom.NewPointFlat(geom.XY, []float64{p.Longitude, p.Latitude}).SetSRID(SRID)
	data, err := ewkb.Marshal(g, ewkb.NDR)
	if err != nil {
		return nil, eris.Wrap(err, "geogrid: encode EWKB")
	}
	return data, nil
}
