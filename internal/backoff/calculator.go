package backoff

import (
	"time"
)

// Calculator binds a Strategy to a fixed base delay, cap and multiplier so callers
// only supply the attempt number.
type Calculator struct {
	strategy   Strategy
	base       time.Duration
	max        time.Duration
	multiplier float64
}

// NewCalculator creates a calculator. A zero max means uncapped.
func NewCalculator(strategy Strategy, base, max time.Duration, multiplier float64) *Calculator {
	if strategy == nil {
		strategy = ExponentialStrategy{}
	}
	return &Calculator{
		strategy:   strategy,
		base:       base,
		max:        max,
		multiplier: multiplier,
	}
}

// Exponential returns a doubling calculator starting at base and capped at max.
func Exponential(base, max time.Duration) *Calculator {
	return NewCalculator(ExponentialStrategy{}, base, max, 2)
}

// Delay returns the wait before retry number attempt (1-based).
func (c *Calculator) Delay(attempt int) time.Duration {
	return c.strategy.Calculate(attempt, c.base, c.max, c.multiplier)
}
