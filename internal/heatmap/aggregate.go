package heatmap

import (
	"fmt"
	"math"
	"sort"

	"github.com/sells-group/localrank/internal/geogrid"
)

// DefaultWeakLocations is how many weak locations a summary lists.
const DefaultWeakLocations = 5

// Aggregate condenses per-point results into a summary. It does not assign
// an ID or timestamp. Points missing from results count as not ranked, so
// RankedCount + NotRankedCount always equals GridSize².
func Aggregate(req ScanRequest, results []PointResult, weakK int) ScanSummary {
	layout := req.Layout
	if layout == "" {
		layout = geogrid.LayoutSquare
	}
	s := ScanSummary{
		AccountID:          req.AccountID,
		ProjectID:          req.ProjectID,
		KeywordCombination: req.KeywordCombination,
		GridSize:           req.GridSize,
		RadiusKm:           req.RadiusKm,
		CenterLat:          req.CenterLat,
		CenterLng:          req.CenterLng,
		Layout:             layout,
		GridData:           results,
		PointsRequested:    req.Points(),
	}

	sum := 0
	for _, r := range results {
		if r.Position != nil {
			s.RankedCount++
			sum += *r.Position
		}
	}
	s.NotRankedCount = req.Points() - s.RankedCount
	if s.RankedCount > 0 {
		s.AveragePosition = int(math.Round(float64(sum) / float64(s.RankedCount)))
	}
	s.WeakLocations = weakLocations(req.Center(), results, weakK)
	return s
}

// weakLocations picks the k worst points: unranked before ranked, then the
// highest position, ties broken by grid order.
func weakLocations(center geogrid.Coordinate, results []PointResult, k int) []WeakLocation {
	if k <= 0 || len(results) == 0 {
		return []WeakLocation{}
	}
	idx := make([]int, len(results))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		ra, rb := results[idx[a]], results[idx[b]]
		switch {
		case ra.Position == nil && rb.Position == nil:
			return false
		case ra.Position == nil:
			return true
		case rb.Position == nil:
			return false
		default:
			return *ra.Position > *rb.Position
		}
	})

	k = min(k, len(idx))
	out := make([]WeakLocation, k)
	for i := 0; i < k; i++ {
		r := results[idx[i]]
		out[i] = WeakLocation{
			Name:      pointName(center, r.Point),
			Position:  r.Position,
			Latitude:  r.Point.Latitude,
			Longitude: r.Point.Longitude,
		}
	}
	return out
}

// pointName labels a point with its grid index and where it lies from the
// center, e.g. "Point (0,0) SW 7.1km".
func pointName(center geogrid.Coordinate, p geogrid.GridPoint) string {
	at := p.Coordinate()
	return fmt.Sprintf("Point (%d,%d) %s %.1fkm", p.X, p.Y, geogrid.Compass(center, at), geogrid.HaversineKm(center, at))
}
