package backoff

import (
	"math"
	"time"
)

// Strategy defines the interface for backoff calculation algorithms.
type Strategy interface {
	// Calculate returns the delay before retry number attempt (1-based). A zero max
	// leaves the delay uncapped.
	Calculate(attempt int, base, max time.Duration, multiplier float64) time.Duration
}

// ExponentialStrategy yields base·multiplier^(attempt-1), capped at max. There is no
// jitter: retry timings are asserted by callers and must be reproducible.
type ExponentialStrategy struct{}

// Calculate implements the Strategy interface.
func (ExponentialStrategy) Calculate(attempt int, base, max time.Duration, multiplier float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// Prevent overflow by limiting attempt
	if attempt > 31 {
		attempt = 31
	}
	if multiplier <= 0 {
		multiplier = 2
	}

	delay := float64(base) * pow(multiplier, attempt-1)
	if max > 0 && delay > float64(max) {
		return max
	}
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// pow calculates base^exponent using integer exponentiation.
func pow(base float64, exponent int) float64 {
	result := 1.0
	for i := 0; i < exponent; i++ {
		result *= base
	}
	return result
}
