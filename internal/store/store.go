// Package store persists projects, quota ledgers and heat-map scans in
// PostgreSQL or SQLite.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/localrank/internal/db"
	"github.com/sells-group/localrank/internal/geogrid"
	"github.com/sells-group/localrank/internal/heatmap"
	"github.com/sells-group/localrank/internal/quota"
)

// ErrScanNotFound is returned by GetScan for unknown ids.
var ErrScanNotFound = eris.New("store: scan not found")

// DefaultListLimit caps ListScans when no limit is given.
const DefaultListLimit = 50

// ScanFilter selects scan history rows.
type ScanFilter struct {
	ProjectID string `json:"project_id"`
	// Keyword restricts to one keyword combination when set.
	Keyword string `json:"keyword,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

// ScanRecord is one history row without the grid snapshot.
type ScanRecord struct {
	ID                 uuid.UUID       `json:"id"`
	ProjectID          string          `json:"projectId"`
	KeywordCombination string          `json:"keywordCombination"`
	GridSize           int             `json:"gridSize"`
	RadiusKm           float64         `json:"radiusKm"`
	AveragePosition    int             `json:"averagePosition"`
	RankedCount        int             `json:"rankedCount"`
	NotRankedCount     int             `json:"notRankedCount"`
	Partial            bool            `json:"partial"`
	Truncated          bool            `json:"truncated"`
	ProviderCalls      int             `json:"providerCalls"`
	CostUSD            decimal.Decimal `json:"costUsd"`
	ScannedAt          time.Time       `json:"scannedAt"`
}

// GridCell is the latest known result for one grid position of a project
// and keyword combination.
type GridCell struct {
	ProjectID          string         `json:"projectId"`
	KeywordCombination string         `json:"keywordCombination"`
	X                  int            `json:"x"`
	Y                  int            `json:"y"`
	Latitude           float64        `json:"latitude"`
	Longitude          float64        `json:"longitude"`
	Position           *int           `json:"position"`
	BusinessCount      *int           `json:"businessCount"`
	Status             heatmap.Status `json:"status"`
	MatchedTitle       string         `json:"matchedTitle,omitempty"`
	ScanID             uuid.UUID      `json:"scanId"`
	ScannedAt          time.Time      `json:"scannedAt"`
}

// ScanStats aggregates scan history over a window.
type ScanStats struct {
	Scans         int             `json:"scans"`
	Partial       int             `json:"partial"`
	Truncated     int             `json:"truncated"`
	PointsChecked int             `json:"points_checked"`
	ProviderCalls int             `json:"provider_calls"`
	CostUSD       decimal.Decimal `json:"cost_usd"`
}

// Store defines the persistence interface for the scan engine.
type Store interface {
	heatmap.Store
	quota.Store

	// Accounts and projects
	UpsertAccount(ctx context.Context, accountID, plan string) error
	UpsertProject(ctx context.Context, p heatmap.Project) error

	// Scan history
	GetScan(ctx context.Context, id uuid.UUID) (*heatmap.ScanSummary, error)
	ListScans(ctx context.Context, filter ScanFilter) ([]ScanRecord, error)
	GridCells(ctx context.Context, projectID, keyword string) ([]GridCell, error)
	ScanStats(ctx context.Context, since time.Time) (ScanStats, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Open returns the store for driver ("postgres" or "sqlite"). tune only
// applies to postgres.
func Open(ctx context.Context, driver, url string, tune db.PoolConfig) (Store, error) {
	switch driver {
	case "postgres", "":
		st, err := NewPostgres(ctx, url, tune)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "sqlite":
		st, err := NewSQLite(url)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, eris.Errorf("store: unknown driver %q", driver)
	}
}

func listLimit(n int) int {
	if n <= 0 || n > 500 {
		return DefaultListLimit
	}
	return n
}

// cellRow is the per-cell upsert payload shared by both backends.
type cellRow struct {
	x, y          int
	lat, lng      float64
	position      any
	businessCount any
	status        string
	matchedTitle  string
	ewkb          []byte
}

// cellRows builds the upsert payload. Skipped points were never queried, so
// they leave the cell's last observation in place.
func cellRows(s *heatmap.ScanSummary) ([]cellRow, error) {
	rows := make([]cellRow, 0, len(s.GridData))
	for _, r := range s.GridData {
		if r.Status == heatmap.StatusSkipped {
			continue
		}
		wkb, err := r.Point.EWKB()
		if err != nil {
			return nil, eris.Wrapf(err, "store: encode point (%d,%d)", r.Point.X, r.Point.Y)
		}
		rows = append(rows, cellRow{
			x:             r.Point.X,
			y:             r.Point.Y,
			lat:           r.Point.Latitude,
			lng:           r.Point.Longitude,
			position:      nullableInt(r.Position),
			businessCount: nullableInt(r.BusinessCount),
			status:        string(r.Status),
			matchedTitle:  r.MatchedTitle,
			ewkb:          wkb,
		})
	}
	return rows, nil
}

func nullableInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func intPtr(v *int64) *int {
	if v == nil {
		return nil
	}
	n := int(*v)
	return &n
}

func marshalSummary(s *heatmap.ScanSummary) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal summary")
	}
	return data, nil
}

func unmarshalSummary(data []byte) (*heatmap.ScanSummary, error) {
	var s heatmap.ScanSummary
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal summary")
	}
	return &s, nil
}

// layoutOrDefault keeps stored layouts non-empty.
func layoutOrDefault(l geogrid.Layout) string {
	if l == "" {
		return string(geogrid.LayoutSquare)
	}
	return string(l)
}
