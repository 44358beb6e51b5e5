// Package monitoring watches scan history and raises alerts when scans
// start failing or spending more than expected.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/localrank/internal/store"
)

// MetricsSnapshot holds a point-in-time view of scan health.
type MetricsSnapshot struct {
	Scans          int             `json:"scans"`
	PartialScans   int             `json:"partial_scans"`
	TruncatedScans int             `json:"truncated_scans"`
	PartialRate    float64         `json:"partial_rate"`
	PointsChecked  int             `json:"points_checked"`
	ProviderCalls  int             `json:"provider_calls"`
	// RetryRatio is provider calls per checked point; 1.0 means no retries.
	RetryRatio float64         `json:"retry_ratio"`
	CostUSD    decimal.Decimal `json:"cost_usd"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// StatsSource is the store query the collector needs.
type StatsSource interface {
	ScanStats(ctx context.Context, since time.Time) (store.ScanStats, error)
}

// Collector gathers metrics from the store.
type Collector struct {
	source StatsSource
	now    func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(source StatsSource) *Collector {
	return &Collector{source: source, now: time.Now}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	stats, err := c.source.ScanStats(ctx, cutoff)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: scan stats")
	}

	snap := &MetricsSnapshot{
		Scans:          stats.Scans,
		PartialScans:   stats.Partial,
		TruncatedScans: stats.Truncated,
		PointsChecked:  stats.PointsChecked,
		ProviderCalls:  stats.ProviderCalls,
		CostUSD:        stats.CostUSD,
		LookbackHours:  lookbackHours,
		CollectedAt:    now,
	}
	if stats.Scans > 0 {
		snap.PartialRate = float64(stats.Partial) / float64(stats.Scans)
	}
	if stats.PointsChecked > 0 {
		snap.RetryRatio = float64(stats.ProviderCalls) / float64(stats.PointsChecked)
	}
	return snap, nil
}
