package heatmap

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/localrank/internal/geogrid"
	"github.com/sells-group/localrank/internal/matcher"
	"github.com/sells-group/localrank/internal/quota"
	"github.com/sells-group/localrank/internal/resilience"
)

type fakeProvider struct {
	mu         sync.Mutex
	configured bool
	calls      int
	depths     []int
	coords     []geogrid.Coordinate
	respond    func(call int, at geogrid.Coordinate) ([]matcher.Candidate, error)
}

func newFakeProvider(respond func(call int, at geogrid.Coordinate) ([]matcher.Candidate, error)) *fakeProvider {
	return &fakeProvider{configured: true, respond: respond}
}

func (f *fakeProvider) Configured() bool { return f.configured }

func (f *fakeProvider) Query(_ context.Context, _ string, at geogrid.Coordinate, depth int) ([]matcher.Candidate, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.depths = append(f.depths, depth)
	f.coords = append(f.coords, at)
	f.mu.Unlock()
	return f.respond(call, at)
}

func (f *fakeProvider) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// always returns the same listing at every point.
func always(titles ...string) func(int, geogrid.Coordinate) ([]matcher.Candidate, error) {
	return func(int, geogrid.Coordinate) ([]matcher.Candidate, error) {
		out := make([]matcher.Candidate, len(titles))
		for i, t := range titles {
			out[i] = matcher.Candidate{Title: t}
		}
		return out, nil
	}
}

type fakeStore struct {
	mu       sync.Mutex
	projects map[string]Project
	saved    []*ScanSummary
	saveErr  error
	// failSaves makes the next n saves fail before saveErr is consulted.
	failSaves int
	saveCalls int
}

func newFakeStore(projects ...Project) *fakeStore {
	s := &fakeStore{projects: map[string]Project{}}
	for _, p := range projects {
		s.projects[p.ID] = p
	}
	return s
}

func (s *fakeStore) GetProject(_ context.Context, id string) (Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return Project{}, eris.Wrapf(ErrProjectNotFound, "id %s", id)
	}
	return p, nil
}

func (s *fakeStore) SaveScan(_ context.Context, sum *ScanSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveCalls++
	if s.failSaves > 0 {
		s.failSaves--
		return errors.New("connection reset")
	}
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saved = append(s.saved, sum)
	return nil
}

// fakeLedger grants from a single pool per meter.
type fakeLedger struct {
	mu        sync.Mutex
	remaining map[quota.Meter]int
	noAccess  bool
	committed []int
}

func newFakeLedger(heatmap, rank int) *fakeLedger {
	return &fakeLedger{remaining: map[quota.Meter]int{quota.MeterHeatmap: heatmap, quota.MeterRank: rank}}
}

func (l *fakeLedger) Reserve(_ context.Context, accountID string, meter quota.Meter, requested int) (quota.Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	res := quota.Reservation{AccountID: accountID, Meter: meter, Requested: requested}
	if l.noAccess {
		return res, quota.ErrNoAccess
	}
	left := l.remaining[meter]
	if left == 0 {
		return res, quota.ErrQuotaExhausted
	}
	res.Allowed = min(requested, left)
	res.Truncated = res.Allowed < requested
	l.remaining[meter] = left - res.Allowed
	res.Remaining = l.remaining[meter]
	return res, nil
}

func (l *fakeLedger) Commit(_ context.Context, res quota.Reservation, used int) (quota.State, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.remaining[res.Meter] += res.Allowed - used
	l.committed = append(l.committed, used)
	return quota.State{AccountID: res.AccountID, Meter: res.Meter, Allowed: l.remaining[res.Meter]}, nil
}

func fastChecker(p Provider) *Checker {
	return NewChecker(p, CheckerConfig{
		Retry:   resilience.Policy{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
		Breaker: resilience.BreakerConfig{FailureThreshold: 3, Cooldown: time.Hour},
	})
}

var acme = Project{
	ID:           "proj-1",
	AccountID:    "acct-1",
	BusinessName: "Acme Plumbing",
	TargetDomain: "acmeplumbing.co.uk",
	Active:       true,
}

func londonRequest() ScanRequest {
	return ScanRequest{
		ProjectID:          acme.ID,
		KeywordCombination: "plumber london",
		CenterLat:          51.5,
		CenterLng:          -0.12,
		GridSize:           3,
		RadiusKm:           5,
	}
}
