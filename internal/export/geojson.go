package export

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/rotisserie/eris"

	"github.com/sells-group/localrank/internal/heatmap"
)

// GeoJSON returns the scan grid as a FeatureCollection with one Point
// feature per grid cell. Unranked cells carry a null position.
func GeoJSON(s *heatmap.ScanSummary) ([]byte, error) {
	if s == nil {
		return nil, eris.New("export: nil scan")
	}
	fc := geojson.NewFeatureCollection()
	for _, p := range s.GridData {
		feat := geojson.NewFeature(orb.Point{p.Point.Longitude, p.Point.Latitude})
		feat.Properties["x"] = p.Point.X
		feat.Properties["y"] = p.Point.Y
		feat.Properties["status"] = string(p.Status)
		if p.Position != nil {
			feat.Properties["position"] = *p.Position
		} else {
			feat.Properties["position"] = nil
		}
		if p.BusinessCount != nil {
			feat.Properties["businessCount"] = *p.BusinessCount
		}
		fc.Append(feat)
	}
	fc.ExtraMembers = geojson.Properties{
		"scanId":          s.ID.String(),
		"projectId":       s.ProjectID,
		"keyword":         s.KeywordCombination,
		"averagePosition": s.AveragePosition,
	}
	data, err := fc.MarshalJSON()
	if err != nil {
		return nil, eris.Wrap(err, "export: marshal geojson")
	}
	return data, nil
}
