package heatmap

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/localrank/internal/cost"
	"github.com/sells-group/localrank/internal/geogrid"
	"github.com/sells-group/localrank/internal/matcher"
	"github.com/sells-group/localrank/internal/quota"
	"github.com/sells-group/localrank/internal/resilience"
	"github.com/sells-group/localrank/pkg/google"
)

var fixedNow = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func newTestScanner(p *fakeProvider, l *fakeLedger, s *fakeStore) *Scanner {
	sc := NewScanner(p, fastChecker(p), l, s, cost.NewCalculator(cost.DefaultRates()), ScannerConfig{
		Depth:         20,
		WeakLocations: 3,
		PersistRetry:  resilience.Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
	})
	sc.now = func() time.Time { return fixedNow }
	sc.newID = func() uuid.UUID { return uuid.MustParse("7b0b8f64-3c1e-4b8a-9d55-0a1f2e3d4c5b") }
	return sc
}

func TestScan_EndToEndAllRankFirst(t *testing.T) {
	provider := newFakeProvider(always("Acme Plumbing", "Rival Pipes"))
	ledger := newFakeLedger(100, 10)
	store := newFakeStore(acme)
	sc := newTestScanner(provider, ledger, store)

	res, err := sc.Scan(context.Background(), londonRequest())
	require.NoError(t, err)

	assert.Equal(t, 1, res.AveragePosition)
	assert.Equal(t, 9, res.RankedCount)
	assert.Equal(t, 0, res.NotRankedCount)
	assert.Equal(t, 91, res.RemainingChecks)
	assert.False(t, res.Partial)
	assert.False(t, res.Truncated)
	require.Len(t, res.Positions, 9)
	for i := range res.Positions {
		assert.Equal(t, 1, *res.Positions[i])
		assert.Equal(t, 2, *res.BusinessCounts[i])
	}

	require.Len(t, store.saved, 1)
	saved := store.saved[0]
	assert.Equal(t, res.ScanID, saved.ID)
	assert.Equal(t, "acct-1", saved.AccountID)
	assert.Equal(t, fixedNow, saved.ScannedAt)
	assert.Equal(t, 9, saved.ProviderCalls)
	assert.Equal(t, "0.288", saved.CostUSD.String())
	assert.Len(t, saved.WeakLocations, 3)
	assert.Equal(t, 9, provider.Calls())
	assert.Equal(t, []int{9}, ledger.committed)
}

func TestScan_TruncatedToRemainingQuota(t *testing.T) {
	provider := newFakeProvider(always("Acme Plumbing"))
	ledger := newFakeLedger(4, 0)
	store := newFakeStore(acme)
	sc := newTestScanner(provider, ledger, store)

	res, err := sc.Scan(context.Background(), londonRequest())
	require.NoError(t, err)

	assert.True(t, res.Truncated)
	assert.Equal(t, 4, res.RankedCount)
	assert.Equal(t, 5, res.NotRankedCount)
	assert.Equal(t, 0, res.RemainingChecks)
	assert.Equal(t, 4, provider.Calls())

	grid := store.saved[0].GridData
	require.Len(t, grid, 9)
	for _, r := range grid[4:] {
		assert.Equal(t, StatusSkipped, r.Status)
	}
}

func TestScan_QuotaExhaustedMakesNoCalls(t *testing.T) {
	provider := newFakeProvider(always("Acme Plumbing"))
	sc := newTestScanner(provider, newFakeLedger(0, 0), newFakeStore(acme))

	_, err := sc.Scan(context.Background(), londonRequest())
	require.Error(t, err)
	assert.True(t, errors.Is(err, quota.ErrQuotaExhausted))
	assert.Equal(t, CategoryQuota, Category(err))
	assert.Equal(t, 0, provider.Calls())
}

func TestScan_NoAccess(t *testing.T) {
	provider := newFakeProvider(always("Acme Plumbing"))
	ledger := newFakeLedger(10, 10)
	ledger.noAccess = true
	sc := newTestScanner(provider, ledger, newFakeStore(acme))

	_, err := sc.Scan(context.Background(), londonRequest())
	assert.Equal(t, CategoryQuota, Category(err))
	assert.Equal(t, 0, provider.Calls())
}

func TestScan_MissingCredentials(t *testing.T) {
	provider := newFakeProvider(always("Acme Plumbing"))
	provider.configured = false
	sc := newTestScanner(provider, newFakeLedger(10, 10), newFakeStore(acme))

	_, err := sc.Scan(context.Background(), londonRequest())
	assert.True(t, errors.Is(err, ErrMissingCredentials))
	assert.Equal(t, CategoryCredentials, Category(err))
	assert.Equal(t, 0, provider.Calls())
}

func TestScan_InvalidRequests(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ScanRequest)
	}{
		{"grid too small", func(r *ScanRequest) { r.GridSize = 1 }},
		{"zero radius", func(r *ScanRequest) { r.RadiusKm = 0 }},
		{"bad latitude", func(r *ScanRequest) { r.CenterLat = 91 }},
		{"no keyword", func(r *ScanRequest) { r.KeywordCombination = " " }},
		{"no project", func(r *ScanRequest) { r.ProjectID = "" }},
		{"depth too deep", func(r *ScanRequest) { r.Depth = 21 }},
		{"unknown layout", func(r *ScanRequest) { r.Layout = "triangle" }},
		{"foreign account", func(r *ScanRequest) { r.AccountID = "acct-2" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := newFakeProvider(always("Acme Plumbing"))
			sc := newTestScanner(provider, newFakeLedger(10, 10), newFakeStore(acme))
			req := londonRequest()
			tt.mutate(&req)

			_, err := sc.Scan(context.Background(), req)
			require.Error(t, err)
			assert.Equal(t, CategoryConfiguration, Category(err))
			assert.Equal(t, 0, provider.Calls())
		})
	}
}

func TestScan_ProjectNotFound(t *testing.T) {
	inactive := acme
	inactive.ID = "proj-off"
	inactive.Active = false
	provider := newFakeProvider(always("Acme Plumbing"))
	sc := newTestScanner(provider, newFakeLedger(10, 10), newFakeStore(acme, inactive))

	req := londonRequest()
	req.ProjectID = "missing"
	_, err := sc.Scan(context.Background(), req)
	assert.Equal(t, CategoryNotFound, Category(err))

	req.ProjectID = "proj-off"
	_, err = sc.Scan(context.Background(), req)
	assert.Equal(t, CategoryNotFound, Category(err))
}

func TestScan_PersistenceFailureCarriesSummary(t *testing.T) {
	provider := newFakeProvider(always("Acme Plumbing"))
	store := newFakeStore(acme)
	store.saveErr = errors.New("disk full")
	sc := newTestScanner(provider, newFakeLedger(100, 0), store)

	_, err := sc.Scan(context.Background(), londonRequest())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPersistence))
	assert.Equal(t, CategoryPersistence, Category(err))

	var perr *PersistenceError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, 9, perr.Summary.RankedCount)

	assert.Equal(t, 3, store.saveCalls)

	store.saveErr = nil
	require.NoError(t, sc.Persist(context.Background(), perr.Summary))
	assert.Len(t, store.saved, 1)
	assert.Equal(t, 9, provider.Calls())
}

func TestScan_RetriesTransientSaveFailure(t *testing.T) {
	provider := newFakeProvider(always("Acme Plumbing"))
	ledger := newFakeLedger(100, 0)
	store := newFakeStore(acme)
	store.failSaves = 2
	sc := newTestScanner(provider, ledger, store)

	res, err := sc.Scan(context.Background(), londonRequest())
	require.NoError(t, err)
	assert.Equal(t, 9, res.RankedCount)
	assert.Equal(t, 3, store.saveCalls)
	assert.Len(t, store.saved, 1)
	assert.Equal(t, 9, provider.Calls())
	assert.Len(t, ledger.committed, 1)
}

func TestPersist_SingleAttempt(t *testing.T) {
	store := newFakeStore(acme)
	store.failSaves = 1
	sc := newTestScanner(newFakeProvider(always("Acme Plumbing")), newFakeLedger(100, 0), store)

	err := sc.Persist(context.Background(), &ScanSummary{ID: uuid.New(), ProjectID: "proj-1"})
	require.Error(t, err)
	assert.Equal(t, 1, store.saveCalls)
}

func TestExecute_ScanTimeoutYieldsPartial(t *testing.T) {
	provider := newFakeProvider(func(call int, _ geogrid.Coordinate) ([]matcher.Candidate, error) {
		if call == 3 {
			time.Sleep(50 * time.Millisecond)
		}
		return []matcher.Candidate{{Title: "Acme Plumbing"}}, nil
	})
	ledger := newFakeLedger(100, 0)
	sc := newTestScanner(provider, ledger, newFakeStore(acme))
	sc.cfg.ScanTimeout = 20 * time.Millisecond

	exec, err := sc.Execute(context.Background(), londonRequest())
	require.NoError(t, err)

	s := exec.Summary
	assert.True(t, s.Partial)
	assert.Equal(t, 3, s.PointsChecked)
	assert.Equal(t, 9, s.RankedCount+s.NotRankedCount)
	assert.Equal(t, 3, s.RankedCount)
	assert.Equal(t, []int{3}, ledger.committed)
	assert.Equal(t, 97, exec.RemainingChecks)
}

func TestScanMany_IndependentOutcomes(t *testing.T) {
	provider := newFakeProvider(always("Acme Plumbing"))
	store := newFakeStore(acme)
	sc := newTestScanner(provider, newFakeLedger(100, 0), store)

	good := londonRequest()
	other := londonRequest()
	other.KeywordCombination = "emergency plumber"
	bad := londonRequest()
	bad.GridSize = 0

	items := sc.ScanMany(context.Background(), []ScanRequest{good, bad, other}, 2)
	require.Len(t, items, 3)
	assert.NoError(t, items[0].Err)
	assert.Equal(t, 9, items[0].Result.RankedCount)
	assert.Equal(t, CategoryConfiguration, Category(items[1].Err))
	assert.Nil(t, items[1].Result)
	assert.NoError(t, items[2].Err)
	assert.Equal(t, "emergency plumber", items[2].Request.KeywordCombination)
	assert.Len(t, store.saved, 2)
}

func TestCheckPoint_UsesRankMeter(t *testing.T) {
	provider := newFakeProvider(always("Rival Pipes", "Acme Plumbing"))
	ledger := newFakeLedger(0, 5)
	sc := newTestScanner(provider, ledger, newFakeStore(acme))

	pc, err := sc.CheckPoint(context.Background(), acme.ID, "plumber", geogrid.Coordinate{Lat: 51.5, Lng: -0.12}, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusMatched, pc.Result.Status)
	assert.Equal(t, 2, *pc.Result.Position)
	assert.Equal(t, 4, pc.RemainingChecks)
	assert.Equal(t, 0, ledger.remaining[quota.MeterHeatmap])
}

func TestCategory(t *testing.T) {
	tests := []struct {
		err      error
		category string
		status   int
	}{
		{nil, "", http.StatusOK},
		{eris.Wrap(ErrConfiguration, "x"), CategoryConfiguration, http.StatusBadRequest},
		{eris.Wrap(geogrid.ErrInvalidGrid, "x"), CategoryConfiguration, http.StatusBadRequest},
		{google.ErrMissingAPIKey, CategoryCredentials, http.StatusInternalServerError},
		{eris.Wrap(ErrProjectNotFound, "x"), CategoryNotFound, http.StatusNotFound},
		{eris.Wrap(quota.ErrQuotaExhausted, "x"), CategoryQuota, http.StatusPaymentRequired},
		{&PersistenceError{Summary: &ScanSummary{}, Err: errors.New("x")}, CategoryPersistence, http.StatusServiceUnavailable},
		{&google.APIError{StatusCode: 500}, CategoryProvider, http.StatusServiceUnavailable},
		{errors.New("boom"), CategoryInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		got := Category(tt.err)
		assert.Equal(t, tt.category, got)
		assert.Equal(t, tt.status, HTTPStatus(got))
	}
}

func TestNewResult_PositionsFollowGridOrder(t *testing.T) {
	s := &ScanSummary{GridData: []PointResult{
		{Position: intp(3), BusinessCount: intp(20)},
		{Status: StatusSkipped},
	}}
	r := NewResult(s, 7)
	assert.Equal(t, 3, *r.Positions[0])
	assert.Nil(t, r.Positions[1])
	assert.Nil(t, r.BusinessCounts[1])
	assert.Equal(t, 7, r.RemainingChecks)
}
