package heatmap

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/localrank/internal/cost"
	"github.com/sells-group/localrank/internal/geogrid"
	"github.com/sells-group/localrank/internal/quota"
	"github.com/sells-group/localrank/internal/resilience"
)

// ProjectStore looks up tracked businesses.
type ProjectStore interface {
	// GetProject returns ErrProjectNotFound for unknown ids.
	GetProject(ctx context.Context, id string) (Project, error)
}

// ScanStore persists scan summaries.
type ScanStore interface {
	SaveScan(ctx context.Context, s *ScanSummary) error
}

// Store is everything the Scanner needs from persistence.
type Store interface {
	ProjectStore
	ScanStore
}

// Ledger reserves and settles metered checks.
type Ledger interface {
	Reserve(ctx context.Context, accountID string, meter quota.Meter, requested int) (quota.Reservation, error)
	Commit(ctx context.Context, res quota.Reservation, used int) (quota.State, error)
}

// ScannerConfig holds scan-level settings.
type ScannerConfig struct {
	// Depth is used when a request leaves it unset.
	Depth         int
	WeakLocations int
	// ScanTimeout bounds the provider loop; zero means no deadline.
	ScanTimeout time.Duration
	// PersistRetry governs the save at the end of Scan. Every store error
	// is retried.
	PersistRetry resilience.Policy
}

// DefaultPersistRetry is the save policy used when none is configured.
func DefaultPersistRetry() resilience.Policy {
	return resilience.Policy{
		MaxAttempts:    3,
		InitialBackoff: 250 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		Multiplier:     2,
		JitterFraction: 0.2,
	}
}

// Execution is a finished but not yet persisted scan.
type Execution struct {
	Summary         *ScanSummary `json:"summary"`
	RemainingChecks int          `json:"remainingChecks"`
}

// Scanner runs scans end to end: quota, grid, provider loop, aggregation,
// settlement and persistence.
type Scanner struct {
	provider Provider
	checker  *Checker
	ledger   Ledger
	store    Store
	costs    *cost.Calculator
	cfg      ScannerConfig

	now   func() time.Time
	newID func() uuid.UUID
}

// NewScanner wires a Scanner.
func NewScanner(provider Provider, checker *Checker, ledger Ledger, store Store, costs *cost.Calculator, cfg ScannerConfig) *Scanner {
	if cfg.WeakLocations <= 0 {
		cfg.WeakLocations = DefaultWeakLocations
	}
	if costs == nil {
		costs = cost.NewCalculator(cost.DefaultRates())
	}
	if cfg.PersistRetry.MaxAttempts <= 0 {
		cfg.PersistRetry = DefaultPersistRetry()
	}
	return &Scanner{
		provider: provider,
		checker:  checker,
		ledger:   ledger,
		store:    store,
		costs:    costs,
		cfg:      cfg,
		now:      time.Now,
		newID:    uuid.New,
	}
}

func (s *Scanner) prepare(ctx context.Context, req ScanRequest) (ScanRequest, Project, error) {
	if s.provider == nil || !s.provider.Configured() {
		return req, Project{}, ErrMissingCredentials
	}
	if req.Depth == 0 {
		req.Depth = effectiveDepth(s.cfg.Depth)
	}
	if req.Layout == "" {
		req.Layout = geogrid.LayoutSquare
	}
	if err := req.Validate(); err != nil {
		return req, Project{}, err
	}

	project, err := s.store.GetProject(ctx, req.ProjectID)
	if err != nil {
		return req, Project{}, eris.Wrapf(err, "heatmap: load project %s", req.ProjectID)
	}
	if !project.Active {
		return req, Project{}, eris.Wrapf(ErrProjectNotFound, "project %s is inactive", req.ProjectID)
	}
	switch {
	case req.AccountID == "":
		req.AccountID = project.AccountID
	case req.AccountID != project.AccountID:
		return req, Project{}, eris.Wrapf(ErrConfiguration, "project %s does not belong to account %s", req.ProjectID, req.AccountID)
	}
	return req, project, nil
}

// Execute runs the scan and settles quota but does not persist it.
func (s *Scanner) Execute(ctx context.Context, req ScanRequest) (*Execution, error) {
	req, project, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	log := zap.L().With(
		zap.String("project_id", req.ProjectID),
		zap.String("account_id", req.AccountID),
		zap.String("keyword", req.KeywordCombination),
		zap.Int("grid_size", req.GridSize),
	)

	points, err := geogrid.Generate(req.Center(), req.GridSize, req.RadiusKm, req.Layout)
	if err != nil {
		return nil, eris.Wrap(ErrConfiguration, err.Error())
	}

	res, err := s.ledger.Reserve(ctx, req.AccountID, quota.MeterHeatmap, len(points))
	if err != nil {
		return nil, eris.Wrap(err, "heatmap: reserve checks")
	}
	if res.Truncated {
		log.Info("scan truncated to remaining quota",
			zap.Int("requested", len(points)),
			zap.Int("allowed", res.Allowed),
		)
	}

	scanCtx := ctx
	if s.cfg.ScanTimeout > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, s.cfg.ScanTimeout)
		defer cancel()
	}

	started := s.now()
	results, stats := s.checker.CheckGrid(scanCtx, req, project.Target(), points[:res.Allowed])
	for _, p := range points[res.Allowed:] {
		results = append(results, PointResult{Point: p, Status: StatusSkipped})
	}

	summary := Aggregate(req, results, s.cfg.WeakLocations)
	summary.ID = s.newID()
	summary.ScannedAt = s.now().UTC()
	summary.Partial = stats.Partial
	summary.Truncated = res.Truncated
	summary.PointsChecked = stats.PointsChecked
	summary.ProviderCalls = stats.ProviderCalls
	summary.CostUSD = s.costs.GoogleRequests(stats.ProviderCalls)

	remaining := res.Remaining
	st, err := s.ledger.Commit(context.WithoutCancel(ctx), res, stats.PointsChecked)
	if err != nil {
		log.Error("quota settlement failed", zap.String("scan_id", summary.ID.String()), zap.Error(err))
	} else {
		remaining = st.Remaining()
	}

	log.Info("scan complete",
		zap.String("scan_id", summary.ID.String()),
		zap.Int("ranked", summary.RankedCount),
		zap.Int("not_ranked", summary.NotRankedCount),
		zap.Int("average_position", summary.AveragePosition),
		zap.Int("provider_calls", stats.ProviderCalls),
		zap.Int("failed", stats.Failed),
		zap.Bool("partial", summary.Partial),
		zap.Duration("elapsed", s.now().Sub(started)),
	)

	return &Execution{Summary: &summary, RemainingChecks: remaining}, nil
}

// Persist stores a summary in one attempt. Failures come back as
// *PersistenceError. Stores treat a repeated save of the same scan as a
// no-op, so callers may retry freely.
func (s *Scanner) Persist(ctx context.Context, summary *ScanSummary) error {
	return s.persist(ctx, summary, resilience.Policy{MaxAttempts: 1})
}

func (s *Scanner) persist(ctx context.Context, summary *ScanSummary, policy resilience.Policy) error {
	policy.ShouldRetry = func(error) bool { return true }
	if policy.OnRetry == nil {
		policy.OnRetry = resilience.RetryLogger("store", "save scan")
	}
	_, attempts, err := resilience.DoVal(ctx, policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.store.SaveScan(ctx, summary)
	})
	if err != nil {
		zap.L().Error("scan persistence failed",
			zap.String("scan_id", summary.ID.String()),
			zap.String("project_id", summary.ProjectID),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return &PersistenceError{Summary: summary, Err: err}
	}
	return nil
}

// Scan executes and persists one scan, retrying the save under PersistRetry.
func (s *Scanner) Scan(ctx context.Context, req ScanRequest) (*Result, error) {
	exec, err := s.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := s.persist(ctx, exec.Summary, s.cfg.PersistRetry); err != nil {
		return nil, err
	}
	return NewResult(exec.Summary, exec.RemainingChecks), nil
}

// BatchItem is the outcome of one request in ScanMany.
type BatchItem struct {
	Request ScanRequest
	Result  *Result
	Err     error
}

// ScanMany runs independent scans with at most concurrency in flight. One
// failing scan does not stop the others.
func (s *Scanner) ScanMany(ctx context.Context, reqs []ScanRequest, concurrency int) []BatchItem {
	if concurrency <= 0 {
		concurrency = 1
	}
	items := make([]BatchItem, len(reqs))
	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, req := range reqs {
		items[i].Request = req
		g.Go(func() error {
			items[i].Result, items[i].Err = s.Scan(ctx, req)
			return nil
		})
	}
	_ = g.Wait()
	return items
}

// PointCheck is the result of a single-location rank check.
type PointCheck struct {
	Result          PointResult `json:"result"`
	RemainingChecks int         `json:"remainingChecks"`
}

// CheckPoint checks where the project ranks at one coordinate, metered
// against the rank allowance. Nothing is persisted.
func (s *Scanner) CheckPoint(ctx context.Context, projectID, keyword string, at geogrid.Coordinate, depth int) (*PointCheck, error) {
	req, project, err := s.prepare(ctx, ScanRequest{
		ProjectID:          projectID,
		KeywordCombination: keyword,
		CenterLat:          at.Lat,
		CenterLng:          at.Lng,
		GridSize:           2,
		RadiusKm:           1,
		Depth:              depth,
	})
	if err != nil {
		return nil, err
	}

	res, err := s.ledger.Reserve(ctx, req.AccountID, quota.MeterRank, 1)
	if err != nil {
		return nil, eris.Wrap(err, "heatmap: reserve rank check")
	}

	point := geogrid.GridPoint{Latitude: at.Lat, Longitude: at.Lng}
	results, stats := s.checker.CheckGrid(ctx, req, project.Target(), []geogrid.GridPoint{point})

	remaining := res.Remaining
	st, err := s.ledger.Commit(context.WithoutCancel(ctx), res, stats.PointsChecked)
	if err != nil {
		zap.L().Error("quota settlement failed", zap.String("project_id", projectID), zap.Error(err))
	} else {
		remaining = st.Remaining()
	}
	return &PointCheck{Result: results[0], RemainingChecks: remaining}, nil
}
