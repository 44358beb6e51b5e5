package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// Policy controls retries with exponential backoff and jitter.
type Policy struct {
	// MaxAttempts counts the first try. 1 disables retries.
	MaxAttempts int
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps any single delay.
	MaxBackoff time.Duration
	// Multiplier scales the delay after each attempt.
	Multiplier float64
	// JitterFraction randomizes each delay by ±fraction.
	JitterFraction float64
	// ShouldRetry overrides IsTransient when set.
	ShouldRetry func(err error) bool
	// OnRetry runs before each backoff sleep.
	OnRetry func(attempt int, err error)
}

// DefaultPolicy is tuned for per-point provider calls: one retry, short
// backoff, so a flaky point costs at most about a second.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    2,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2,
		JitterFraction: 0.2,
	}
}

// NewPolicy builds a Policy from config values; zero values keep defaults.
func NewPolicy(maxAttempts, initialBackoffMs, maxBackoffMs int) Policy {
	p := DefaultPolicy()
	if maxAttempts > 0 {
		p.MaxAttempts = maxAttempts
	}
	if initialBackoffMs > 0 {
		p.InitialBackoff = time.Duration(initialBackoffMs) * time.Millisecond
	}
	if maxBackoffMs > 0 {
		p.MaxBackoff = time.Duration(maxBackoffMs) * time.Millisecond
	}
	return p
}

// DoVal calls fn until it succeeds, returns a non-retryable error, the
// attempts run out or ctx is done. It also returns the number of attempts
// made, since every attempt is a billable provider call.
func DoVal[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, int, error) {
	p = withDefaults(p)
	shouldRetry := p.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = IsTransient
	}

	var zero T
	var lastErr error
	attempts := 0
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		attempts++
		val, err := fn(ctx)
		if err == nil {
			return val, attempts, nil
		}
		lastErr = err

		if ctx.Err() != nil || !shouldRetry(err) || attempt == p.MaxAttempts-1 {
			break
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt+1, err)
		}

		timer := time.NewTimer(p.backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, attempts, lastErr
		case <-timer.C:
		}
	}
	return zero, attempts, lastErr
}

func withDefaults(p Policy) Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = d.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = d.MaxBackoff
	}
	if p.Multiplier <= 0 {
		p.Multiplier = d.Multiplier
	}
	if p.JitterFraction < 0 {
		p.JitterFraction = 0
	}
	return p
}

func (p Policy) backoff(attempt int) time.Duration {
	delay := float64(p.InitialBackoff) * math.Pow(p.Multiplier, float64(attempt))
	delay = math.Min(delay, float64(p.MaxBackoff))
	if p.JitterFraction > 0 {
		delay += (rand.Float64()*2 - 1) * delay * p.JitterFraction
	}
	return time.Duration(math.Max(delay, 0))
}

// RetryLogger returns an OnRetry callback that logs each retry.
func RetryLogger(service, operation string) func(int, error) {
	return func(attempt int, err error) {
		zap.L().Warn("retrying operation",
			zap.String("service", service),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
}
