// Package backoff provides retry delay strategies for the retry controller
// and the lane consumers. All strategies are safe for concurrent use
// (they are stateless).
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before retry attempt n (1-indexed).
	// Attempt 1 is the first retry after the initial failure.
	Delay(attempt int) time.Duration
}

// ──────────────────────────────────────────────────
// Exponential
// ──────────────────────────────────────────────────

// Exponential multiplies the delay each attempt.
// Delay = min(Initial * Multiplier^(attempt-1), Max).
type Exponential struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
}

// NewExponential creates an exponential backoff strategy. A multiplier
// below 1 is treated as 2. A zero max disables the cap.
func NewExponential(initial time.Duration, multiplier float64, maxDelay time.Duration) *Exponential {
	if multiplier < 1 {
		multiplier = 2
	}
	return &Exponential{Initial: initial, Multiplier: multiplier, Max: maxDelay}
}

// Delay returns Initial * Multiplier^(attempt-1), capped at Max.
func (e *Exponential) Delay(attempt int) time.Duration {
	return capped(e.base(attempt), e.Max)
}

func (e *Exponential) base(attempt int) float64 {
	if attempt < 1 {
		attempt = 1
	}
	return float64(e.Initial) * math.Pow(e.Multiplier, float64(attempt-1))
}

func capped(d float64, maxDelay time.Duration) time.Duration {
	if maxDelay > 0 && d > float64(maxDelay) {
		return maxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// ──────────────────────────────────────────────────
// ExponentialWithJitter (full jitter)
// ──────────────────────────────────────────────────

// ExponentialWithJitter applies full jitter to a doubling base.
// Delay = random value in [0, min(Initial * 2^(attempt-1), Max)].
// Consumers use it when backing off from broker errors.
type ExponentialWithJitter struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponentialWithJitter creates an exponential backoff with full jitter.
func NewExponentialWithJitter(initial, maxDelay time.Duration) *ExponentialWithJitter {
	return &ExponentialWithJitter{Initial: initial, Max: maxDelay}
}

// Delay returns a random duration in [0, min(Initial * 2^(attempt-1), Max)].
func (e *ExponentialWithJitter) Delay(attempt int) time.Duration {
	ex := Exponential{Initial: e.Initial, Multiplier: 2}
	base := capped(ex.base(attempt), e.Max)
	return time.Duration(rand.Float64() * float64(base)) //nolint:gosec // jitter intentionally uses non-crypto rand
}

// ──────────────────────────────────────────────────
// Tiered
// ──────────────────────────────────────────────────

// Tiered hands the first Switch attempts to First and later attempts to
// Second, renumbered from 1.
type Tiered struct {
	First  Strategy
	Second Strategy
	Switch int
}

// Tier reports which tier (1 or 2) serves the attempt.
func (t *Tiered) Tier(attempt int) int {
	if attempt <= t.Switch {
		return 1
	}
	return 2
}

// Delay returns the delay from the tier serving the attempt.
func (t *Tiered) Delay(attempt int) time.Duration {
	if attempt <= t.Switch {
		return t.First.Delay(attempt)
	}
	return t.Second.Delay(attempt - t.Switch)
}

// ──────────────────────────────────────────────────
// Default
// ──────────────────────────────────────────────────

// DefaultStrategy returns the default two-tier escalation: three in-lane
// retries at 5s, 10s and 20s (capped at 60s), then retry-lane delays
// starting at 5m and doubling.
func DefaultStrategy() *Tiered {
	return &Tiered{
		First:  NewExponential(5*time.Second, 2, time.Minute),
		Second: NewExponential(5*time.Minute, 2, 0),
		Switch: 3,
	}
}
