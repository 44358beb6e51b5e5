// Package resilience guards provider calls with retries and a circuit breaker.
package resilience

import (
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed lets calls through.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects calls until the cooldown elapses.
	CircuitOpen
	// CircuitHalfOpen lets a single trial call through.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a call is rejected because the circuit is open.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// BreakerConfig controls a CircuitBreaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// circuit. Default 5.
	FailureThreshold int
	// Cooldown is how long the circuit stays open. Default 30s.
	Cooldown time.Duration
	// OnStateChange observes transitions.
	OnStateChange func(from, to CircuitState)
}

// CircuitBreaker counts consecutive failures of one upstream. A heat-map scan
// owns one breaker, so a provider outage stops billing calls after a handful
// of failed points instead of burning the whole grid.
type CircuitBreaker struct {
	cfg      BreakerConfig
	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time
	now      func() time.Time
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now}
}

// Allow returns ErrCircuitOpen while the circuit is open. Once the cooldown
// has passed it moves to half-open and lets one trial call through.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != CircuitOpen {
		return nil
	}
	if cb.now().Sub(cb.openedAt) >= cb.cfg.Cooldown {
		cb.transition(CircuitHalfOpen)
		return nil
	}
	return ErrCircuitOpen
}

// Record feeds the outcome of an allowed call back into the breaker.
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.failures = 0
		if cb.state != CircuitClosed {
			cb.transition(CircuitClosed)
		}
		return
	}

	cb.failures++
	if cb.state == CircuitHalfOpen || cb.failures >= cb.cfg.FailureThreshold {
		cb.openedAt = cb.now()
		if cb.state != CircuitOpen {
			cb.transition(CircuitOpen)
		}
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	cb.state = to
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(from, to)
	}
}
