// Package quota meters provider lookups per account and day.
//
// Each (account, meter) pair is one row in the backing store. Every change to
// that row is a single conditional statement, so scans running in separate
// processes cannot jointly overspend: Reserve claims capacity up front with a
// guarded increment and Commit settles the difference once the scan knows how
// many checks it really made.
package quota

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Meter names an independently metered resource.
type Meter string

const (
	// MeterRank counts single-location rank checks.
	MeterRank Meter = "rank"
	// MeterHeatmap counts heat-map grid point checks.
	MeterHeatmap Meter = "heatmap"
)

var (
	// ErrNoAccess is returned when the account's plan does not include the meter.
	ErrNoAccess = eris.New("quota: plan does not include this feature")
	// ErrQuotaExhausted is returned when nothing remains for the current period.
	ErrQuotaExhausted = eris.New("quota: daily allowance exhausted")
	// ErrContention is returned when concurrent reservations kept winning the race.
	ErrContention = eris.New("quota: reservation contention")
)

const maxReserveAttempts = 5

// State is the ledger row for one account and meter.
type State struct {
	AccountID string    `json:"account_id"`
	Meter     Meter     `json:"meter"`
	Used      int       `json:"checks_used_today"`
	Allowed   int       `json:"checks_allowed"`
	Purchased int       `json:"checks_purchased"`
	ResetAt   time.Time `json:"reset_at"`
}

// Remaining is the capacity left in the current period, never negative.
func (s State) Remaining() int {
	return max(0, s.Allowed+s.Purchased-s.Used)
}

// Store persists ledger rows. Implementations must apply each method as one
// atomic statement.
type Store interface {
	// AccountPlan returns the account's plan name, "" when unset.
	AccountPlan(ctx context.Context, accountID string) (string, error)
	// CountActiveProjects returns how many active projects the account owns.
	CountActiveProjects(ctx context.Context, accountID string) (int, error)
	// EnsureLedger creates a zeroed row resetting at resetAt if none exists.
	EnsureLedger(ctx context.Context, accountID string, meter Meter, resetAt time.Time) error
	// ResetIfDue zeroes usage and moves the boundary to next when the
	// stored boundary is at or before now. Checks used beyond the plan
	// allowance are deducted from purchased checks.
	ResetIfDue(ctx context.Context, accountID string, meter Meter, now, next time.Time) error
	// GetLedger reads the row.
	GetLedger(ctx context.Context, accountID string, meter Meter) (State, error)
	// TryConsume adds n to usage and records allowed, only if usage stays
	// within allowed plus purchased. ok is false when the guard failed.
	TryConsume(ctx context.Context, accountID string, meter Meter, n, allowed int) (state State, ok bool, err error)
	// AdjustUsage adds delta (possibly negative) to usage, clamped at zero,
	// only while the row's boundary is still period. ok is false when the
	// row has since been reset.
	AdjustUsage(ctx context.Context, accountID string, meter Meter, period time.Time, delta int) (state State, ok bool, err error)
	// AddPurchased adds n purchased checks.
	AddPurchased(ctx context.Context, accountID string, meter Meter, n int) (State, error)
}

// Reservation is capacity claimed for one scan.
type Reservation struct {
	AccountID string `json:"account_id"`
	Meter     Meter  `json:"meter"`
	Requested int    `json:"requested"`
	Allowed   int    `json:"allowed"`
	// Remaining is what is left after this reservation.
	Remaining int  `json:"remaining"`
	Truncated bool `json:"truncated"`
	// Period is the reset boundary of the ledger period the capacity was
	// taken from.
	Period time.Time `json:"period"`
}

// Ledger applies plan limits and period resets on top of a Store.
type Ledger struct {
	store       Store
	plans       Catalog
	defaultPlan string
	now         func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithDefaultPlan sets the plan used for accounts without one.
func WithDefaultPlan(name string) Option {
	return func(l *Ledger) { l.defaultPlan = name }
}

// NewLedger creates a Ledger.
func NewLedger(store Store, plans Catalog, opts ...Option) *Ledger {
	l := &Ledger{
		store:       store,
		plans:       plans,
		defaultPlan: "free",
		now:         time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// NextReset returns the first UTC midnight strictly after t.
func NextReset(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, time.UTC)
}

// allowance resolves the account's daily limit for meter.
func (l *Ledger) allowance(ctx context.Context, accountID string, meter Meter) (int, error) {
	plan, err := l.store.AccountPlan(ctx, accountID)
	if err != nil {
		return 0, eris.Wrapf(err, "quota: plan for account %s", accountID)
	}
	if plan == "" {
		plan = l.defaultPlan
	}
	a := l.plans.Allowance(plan, meter)
	if a.NoAccess() {
		return 0, eris.Wrapf(ErrNoAccess, "plan %q has no %s checks", plan, meter)
	}
	projects, err := l.store.CountActiveProjects(ctx, accountID)
	if err != nil {
		return 0, eris.Wrapf(err, "quota: count projects for account %s", accountID)
	}
	return a.Daily(projects), nil
}

// current makes sure the row exists and belongs to the current period.
func (l *Ledger) current(ctx context.Context, accountID string, meter Meter) (State, error) {
	now := l.now().UTC()
	next := NextReset(now)
	if err := l.store.EnsureLedger(ctx, accountID, meter, next); err != nil {
		return State{}, eris.Wrap(err, "quota: ensure ledger")
	}
	if err := l.store.ResetIfDue(ctx, accountID, meter, now, next); err != nil {
		return State{}, eris.Wrap(err, "quota: reset ledger")
	}
	st, err := l.store.GetLedger(ctx, accountID, meter)
	if err != nil {
		return State{}, eris.Wrap(err, "quota: read ledger")
	}
	return st, nil
}

// Reserve claims up to requested checks. When less remains the reservation
// is truncated to what is left; when nothing remains it returns a zero
// reservation and ErrQuotaExhausted.
func (l *Ledger) Reserve(ctx context.Context, accountID string, meter Meter, requested int) (Reservation, error) {
	res := Reservation{AccountID: accountID, Meter: meter, Requested: requested}
	if requested <= 0 {
		return res, eris.Errorf("quota: requested checks must be positive, got %d", requested)
	}

	allowed, err := l.allowance(ctx, accountID, meter)
	if err != nil {
		return res, err
	}

	for attempt := 0; attempt < maxReserveAttempts; attempt++ {
		st, err := l.current(ctx, accountID, meter)
		if err != nil {
			return res, err
		}
		st.Allowed = allowed
		remaining := st.Remaining()
		if remaining == 0 {
			res.Remaining = 0
			return res, eris.Wrapf(ErrQuotaExhausted, "account %s used %d of %d %s checks", accountID, st.Used, allowed+st.Purchased, meter)
		}

		grant := min(requested, remaining)
		after, ok, err := l.store.TryConsume(ctx, accountID, meter, grant, allowed)
		if err != nil {
			return res, eris.Wrap(err, "quota: consume")
		}
		if !ok {
			zap.L().Debug("quota reservation raced, retrying",
				zap.String("account_id", accountID),
				zap.String("meter", string(meter)),
				zap.Int("attempt", attempt+1),
			)
			continue
		}

		res.Allowed = grant
		res.Remaining = after.Remaining()
		res.Truncated = grant < requested
		res.Period = after.ResetAt
		return res, nil
	}
	return res, ErrContention
}

// Commit settles a reservation with the number of checks actually made. The
// unused part of the reservation is released in one additive update. A
// reservation whose period has already been reset releases nothing, since
// the new period never carried it.
func (l *Ledger) Commit(ctx context.Context, res Reservation, used int) (State, error) {
	delta := used - res.Allowed
	if delta == 0 {
		st, err := l.store.GetLedger(ctx, res.AccountID, res.Meter)
		return st, eris.Wrap(err, "quota: read ledger")
	}
	st, ok, err := l.store.AdjustUsage(ctx, res.AccountID, res.Meter, res.Period, delta)
	if err != nil {
		return State{}, eris.Wrapf(err, "quota: commit %d checks for account %s", used, res.AccountID)
	}
	if ok {
		return st, nil
	}

	zap.L().Debug("quota period rolled over before commit, nothing released",
		zap.String("account_id", res.AccountID),
		zap.String("meter", string(res.Meter)),
		zap.Time("period", res.Period),
		zap.Int("unused", -delta),
	)
	st, err = l.store.GetLedger(ctx, res.AccountID, res.Meter)
	return st, eris.Wrap(err, "quota: read ledger")
}

// Status returns the account's current ledger with its computed allowance.
// Accounts whose plan excludes the meter report an allowance of zero.
func (l *Ledger) Status(ctx context.Context, accountID string, meter Meter) (State, error) {
	allowed, err := l.allowance(ctx, accountID, meter)
	if err != nil && !eris.Is(err, ErrNoAccess) {
		return State{}, err
	}
	st, err := l.current(ctx, accountID, meter)
	if err != nil {
		return State{}, err
	}
	st.Allowed = allowed
	return st, nil
}

// Purchase adds bought checks to the account's ledger.
func (l *Ledger) Purchase(ctx context.Context, accountID string, meter Meter, n int) (State, error) {
	if n <= 0 {
		return State{}, eris.Errorf("quota: purchased checks must be positive, got %d", n)
	}
	if _, err := l.current(ctx, accountID, meter); err != nil {
		return State{}, err
	}
	st, err := l.store.AddPurchased(ctx, accountID, meter, n)
	if err != nil {
		return State{}, eris.Wrap(err, "quota: add purchased")
	}
	return st, nil
}
