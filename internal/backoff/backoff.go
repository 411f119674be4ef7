// Package backoff provides pluggable retry delay strategies for job execution.
// All strategies are safe for concurrent use (they are stateless).
package backoff

import (
	"math"
	"time"
)

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before retry attempt n (1-indexed).
	// Attempt 1 is the first retry after the initial failure.
	Delay(attempt int) time.Duration
}

// Constant always returns the same delay regardless of attempt number.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant backoff strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// Geometric multiplies the delay by Factor each attempt.
// Delay = min(Initial * Factor^(attempt-1), Max).
// Initial=60s, Factor=5 gives the payment retry schedule 60s/300s/900s.
type Geometric struct {
	Initial time.Duration
	Factor  int
	Max     time.Duration
}

// NewGeometric creates a geometric backoff strategy.
func NewGeometric(initial time.Duration, factor int) *Geometric {
	if factor < 2 {
		factor = 2
	}
	return &Geometric{Initial: initial, Factor: factor}
}

// Delay returns Initial * Factor^(attempt-1), capped at Max if set.
func (g *Geometric) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(g.Initial) * math.Pow(float64(g.Factor), float64(attempt-1)))
	if g.Max > 0 && d > g.Max {
		return g.Max
	}
	return d
}

// DefaultStrategy returns the backoff used for payment jobs:
// 60s, then 300s, then 900s.
func DefaultStrategy() Strategy {
	return NewGeometric(60*time.Second, 5)
}
