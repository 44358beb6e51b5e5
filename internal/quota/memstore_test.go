package quota

import (
	"context"
	"sync"
	"time"
)

type key struct {
	account string
	meter   Meter
}

// memStore is an in-memory Store with the same guarded update semantics as
// the SQL implementations.
type memStore struct {
	mu       sync.Mutex
	plans    map[string]string
	projects map[string]int
	rows     map[key]State
}

func newMemStore() *memStore {
	return &memStore{
		plans:    map[string]string{},
		projects: map[string]int{},
		rows:     map[key]State{},
	}
}

func (m *memStore) AccountPlan(_ context.Context, accountID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.plans[accountID], nil
}

func (m *memStore) CountActiveProjects(_ context.Context, accountID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.projects[accountID], nil
}

func (m *memStore) EnsureLedger(_ context.Context, accountID string, meter Meter, resetAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{accountID, meter}
	if _, ok := m.rows[k]; !ok {
		m.rows[k] = State{AccountID: accountID, Meter: meter, ResetAt: resetAt}
	}
	return nil
}

func (m *memStore) ResetIfDue(_ context.Context, accountID string, meter Meter, now, next time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{accountID, meter}
	st := m.rows[k]
	if !st.ResetAt.After(now) {
		st.Purchased = max(0, st.Purchased-max(0, st.Used-st.Allowed))
		st.Used = 0
		st.ResetAt = next
		m.rows[k] = st
	}
	return nil
}

func (m *memStore) GetLedger(_ context.Context, accountID string, meter Meter) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[key{accountID, meter}], nil
}

func (m *memStore) TryConsume(_ context.Context, accountID string, meter Meter, n, allowed int) (State, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{accountID, meter}
	st := m.rows[k]
	if st.Used+n > allowed+st.Purchased {
		return State{}, false, nil
	}
	st.Used += n
	st.Allowed = allowed
	m.rows[k] = st
	return st, true, nil
}

func (m *memStore) AdjustUsage(_ context.Context, accountID string, meter Meter, period time.Time, delta int) (State, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{accountID, meter}
	st := m.rows[k]
	if !st.ResetAt.Equal(period) {
		return State{}, false, nil
	}
	st.Used = max(0, st.Used+delta)
	m.rows[k] = st
	return st, true, nil
}

func (m *memStore) AddPurchased(_ context.Context, accountID string, meter Meter, n int) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{accountID, meter}
	st := m.rows[k]
	st.Purchased += n
	m.rows[k] = st
	return st, nil
}
