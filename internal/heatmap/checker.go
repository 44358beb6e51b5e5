package heatmap

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/localrank/internal/geogrid"
	"github.com/sells-group/localrank/internal/matcher"
	"github.com/sells-group/localrank/internal/resilience"
)

// DefaultDelay is the pause between consecutive provider calls.
const DefaultDelay = 200 * time.Millisecond

// CheckerConfig tunes the provider loop.
type CheckerConfig struct {
	// Delay spaces provider calls; zero disables pacing.
	Delay   time.Duration
	Retry   resilience.Policy
	Breaker resilience.BreakerConfig
}

// CheckStats counts what a CheckGrid call did.
type CheckStats struct {
	// PointsChecked counts points with at least one provider call.
	PointsChecked int
	// ProviderCalls counts every call, retries included.
	ProviderCalls int
	Matched       int
	Failed        int
	Skipped       int
	// Partial is set when the context ended before every point was tried.
	Partial bool
}

// Checker walks grid points one at a time and asks the provider where the
// target ranks at each.
type Checker struct {
	provider Provider
	cfg      CheckerConfig
}

// NewChecker creates a Checker.
func NewChecker(p Provider, cfg CheckerConfig) *Checker {
	return &Checker{provider: p, cfg: cfg}
}

func effectiveDepth(depth int) int {
	if depth <= 0 || depth > MaxDepth {
		return MaxDepth
	}
	return depth
}

// CheckGrid checks points in order and returns one result per point.
// Provider failures are recorded on the point and never abort the loop.
// When ctx ends the remaining points are marked skipped and the stats
// report a partial scan.
func (c *Checker) CheckGrid(ctx context.Context, req ScanRequest, target matcher.Target, points []geogrid.GridPoint) ([]PointResult, CheckStats) {
	log := zap.L().With(
		zap.String("project_id", req.ProjectID),
		zap.String("keyword", req.KeywordCombination),
	)

	depth := effectiveDepth(req.Depth)
	limit := rate.Inf
	if c.cfg.Delay > 0 {
		limit = rate.Every(c.cfg.Delay)
	}
	limiter := rate.NewLimiter(limit, 1)
	breaker := resilience.NewCircuitBreaker(c.cfg.Breaker)
	policy := c.cfg.Retry
	if policy.OnRetry == nil {
		policy.OnRetry = resilience.RetryLogger("provider", "query")
	}

	results := make([]PointResult, len(points))
	var stats CheckStats

	for i, p := range points {
		results[i] = PointResult{Point: p}

		if ctx.Err() != nil {
			stats.Skipped += skipRemaining(results, points, i)
			stats.Partial = true
			break
		}

		if err := breaker.Allow(); err != nil {
			results[i].Status = StatusFailed
			results[i].Error = err.Error()
			stats.Failed++
			continue
		}

		if err := limiter.Wait(ctx); err != nil {
			stats.Skipped += skipRemaining(results, points, i)
			stats.Partial = true
			break
		}

		candidates, attempts, err := resilience.DoVal(ctx, policy, func(ctx context.Context) ([]matcher.Candidate, error) {
			return c.provider.Query(ctx, req.KeywordCombination, p.Coordinate(), depth)
		})
		stats.ProviderCalls += attempts
		stats.PointsChecked++

		if err != nil {
			breaker.Record(err)
			results[i].Status = StatusFailed
			results[i].Error = err.Error()
			stats.Failed++
			if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				log.Warn("grid point check failed",
					zap.Int("x", p.X),
					zap.Int("y", p.Y),
					zap.Int("attempts", attempts),
					zap.Error(err),
				)
			}
			continue
		}
		breaker.Record(nil)

		count := len(candidates)
		results[i].BusinessCount = &count
		m := matcher.Match(target, candidates)
		if m == nil {
			results[i].Status = StatusUnmatched
			continue
		}
		pos := m.Rank
		results[i].Position = &pos
		results[i].Status = StatusMatched
		results[i].MatchedTitle = m.Candidate.Title
		results[i].MatchRule = m.Rule
		stats.Matched++
	}

	if stats.Partial {
		log.Warn("scan deadline reached, remaining points skipped",
			zap.Int("checked", stats.PointsChecked),
			zap.Int("skipped", stats.Skipped),
		)
	}
	return results, stats
}

// skipRemaining marks points[from:] skipped and returns how many it marked.
func skipRemaining(results []PointResult, points []geogrid.GridPoint, from int) int {
	for j := from; j < len(points); j++ {
		results[j] = PointResult{Point: points[j], Status: StatusSkipped}
	}
	return len(points) - from
}
