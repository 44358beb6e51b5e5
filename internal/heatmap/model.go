// Package heatmap runs geo-grid ranking scans: it samples a provider's local
// results at every point of a grid, locates the tracked business in each
// sample and condenses the grid into a summary.
package heatmap

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/localrank/internal/geogrid"
	"github.com/sells-group/localrank/internal/matcher"
)

// MaxDepth is the most listings inspected per grid point.
const MaxDepth = 20

// Status is the outcome of one grid point.
type Status string

const (
	// StatusMatched means the business was found among the listings.
	StatusMatched Status = "matched"
	// StatusUnmatched means the provider answered but the business was absent.
	StatusUnmatched Status = "unmatched"
	// StatusFailed means the provider could not be queried for the point.
	StatusFailed Status = "failed"
	// StatusSkipped means the point was never requested.
	StatusSkipped Status = "skipped"
)

// ScanRequest describes one heat-map scan.
type ScanRequest struct {
	AccountID          string         `json:"accountId,omitempty"`
	ProjectID          string         `json:"projectId"`
	KeywordCombination string         `json:"keywordCombination"`
	CenterLat          float64        `json:"centerLat"`
	CenterLng          float64        `json:"centerLng"`
	GridSize           int            `json:"gridSize"`
	RadiusKm           float64        `json:"radiusKm"`
	Layout             geogrid.Layout `json:"layout,omitempty"`
	Depth              int            `json:"depth,omitempty"`
}

// Center returns the scan's center coordinate.
func (r ScanRequest) Center() geogrid.Coordinate {
	return geogrid.Coordinate{Lat: r.CenterLat, Lng: r.CenterLng}
}

// Points is the number of grid points the request covers.
func (r ScanRequest) Points() int {
	return r.GridSize * r.GridSize
}

// Validate reports request problems as ErrConfiguration.
func (r ScanRequest) Validate() error {
	if strings.TrimSpace(r.ProjectID) == "" {
		return eris.Wrap(ErrConfiguration, "project id is required")
	}
	if strings.TrimSpace(r.KeywordCombination) == "" {
		return eris.Wrap(ErrConfiguration, "keyword combination is required")
	}
	switch r.Layout {
	case "", geogrid.LayoutSquare, geogrid.LayoutHex:
	default:
		return eris.Wrapf(ErrConfiguration, "unknown layout %q", r.Layout)
	}
	if r.Depth < 0 || r.Depth > MaxDepth {
		return eris.Wrapf(ErrConfiguration, "depth %d out of range (max %d)", r.Depth, MaxDepth)
	}
	if err := geogrid.Validate(r.Center(), r.GridSize, r.RadiusKm); err != nil {
		return eris.Wrap(ErrConfiguration, err.Error())
	}
	return nil
}

// PointResult is the outcome of checking one grid point.
type PointResult struct {
	Point         geogrid.GridPoint `json:"point"`
	Position      *int              `json:"position"`
	BusinessCount *int              `json:"businessCount"`
	Status        Status            `json:"status"`
	MatchedTitle  string            `json:"matchedTitle,omitempty"`
	MatchRule     matcher.Rule      `json:"matchRule,omitempty"`
	Error         string            `json:"error,omitempty"`
}

// Ranked reports whether the business was found at the point.
func (p PointResult) Ranked() bool {
	return p.Position != nil
}

// WeakLocation is a grid point where the business ranks worst.
type WeakLocation struct {
	Name      string  `json:"name"`
	Position  *int    `json:"position"`
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
}

// ScanSummary is the stored record of a scan.
type ScanSummary struct {
	ID                 uuid.UUID       `json:"id"`
	AccountID          string          `json:"accountId,omitempty"`
	ProjectID          string          `json:"projectId"`
	KeywordCombination string          `json:"keywordCombination"`
	GridSize           int             `json:"gridSize"`
	RadiusKm           float64         `json:"radiusKm"`
	CenterLat          float64         `json:"centerLat"`
	CenterLng          float64         `json:"centerLng"`
	Layout             geogrid.Layout  `json:"layout"`
	AveragePosition    int             `json:"averagePosition"`
	RankedCount        int             `json:"rankedCount"`
	NotRankedCount     int             `json:"notRankedCount"`
	WeakLocations      []WeakLocation  `json:"weakLocations"`
	GridData           []PointResult   `json:"gridData"`
	ScannedAt          time.Time       `json:"scannedAt"`
	Partial            bool            `json:"partial"`
	Truncated          bool            `json:"truncated"`
	PointsRequested    int             `json:"pointsRequested"`
	PointsChecked      int             `json:"pointsChecked"`
	ProviderCalls      int             `json:"providerCalls"`
	CostUSD            decimal.Decimal `json:"costUsd"`
}

// Project is the business a scan tracks.
type Project struct {
	ID           string `json:"id"`
	AccountID    string `json:"accountId"`
	BusinessName string `json:"businessName"`
	TargetDomain string `json:"targetDomain,omitempty"`
	Active       bool   `json:"active"`
}

// Target returns the matcher target for the project.
func (p Project) Target() matcher.Target {
	return matcher.Target{Name: p.BusinessName, Domain: p.TargetDomain}
}

// Result is the response returned to scan callers.
type Result struct {
	ScanID          uuid.UUID      `json:"scanId"`
	Positions       []*int         `json:"positions"`
	BusinessCounts  []*int         `json:"businessCounts"`
	AveragePosition int            `json:"averagePosition"`
	RankedCount     int            `json:"rankedCount"`
	NotRankedCount  int            `json:"notRankedCount"`
	WeakLocations   []WeakLocation `json:"weakLocations"`
	RemainingChecks int            `json:"remainingChecks"`
	Partial         bool           `json:"partial"`
	Truncated       bool           `json:"truncated"`
}

// NewResult builds the caller response for a summary.
func NewResult(s *ScanSummary, remaining int) *Result {
	r := &Result{
		ScanID:          s.ID,
		Positions:       make([]*int, len(s.GridData)),
		BusinessCounts:  make([]*int, len(s.GridData)),
		AveragePosition: s.AveragePosition,
		RankedCount:     s.RankedCount,
		NotRankedCount:  s.NotRankedCount,
		WeakLocations:   s.WeakLocations,
		RemainingChecks: remaining,
		Partial:         s.Partial,
		Truncated:       s.Truncated,
	}
	for i, p := range s.GridData {
		r.Positions[i] = p.Position
		r.BusinessCounts[i] = p.BusinessCount
	}
	return r
}
