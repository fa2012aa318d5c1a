package engine

import (
	"math/rand/v2"
	"time"
)

// Policy bounds the retry behavior for transient step failures. Waits are
// never slept through: the coordinator persists a resume time and the
// execution is re-claimed once it is due.
type Policy struct {
	MaxAttempts int           // total attempts per step, including the first
	BaseDelay   time.Duration // delay before the first retry
	MaxDelay    time.Duration // cap on the computed delay
}

// DefaultPolicy returns the retry policy used when configuration does not
// override it.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   2 * time.Second,
		MaxDelay:    5 * time.Minute,
	}
}

// Exhausted reports whether the given attempt count leaves no retries.
func (p Policy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}

// NextDelay computes the wait before retry number attempt (1-based) using
// exponential growth with equal jitter: uniform in (ceiling/2, ceiling],
// where ceiling = min(base*2^(attempt-1), cap). Each pre-cap window lies
// entirely above the previous one, so consecutive delays keep increasing
// until the cap while retries that failed against the same dependency at
// the same moment still spread out.
func (p Policy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}

	ceiling := base
	for i := 1; i < attempt; i++ {
		ceiling *= 2
		if p.MaxDelay > 0 && ceiling >= p.MaxDelay {
			ceiling = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && ceiling > p.MaxDelay {
		ceiling = p.MaxDelay
	}

	half := ceiling / 2
	if half <= 0 {
		return ceiling
	}
	return half + time.Duration(rand.Int64N(int64(half))) + 1
}
