package temporal

import (
	"math"
	"time"
)

// BackoffDelay calculates the delay before the next retry attempt.
// Uses exponential backoff: base * 2^(attempt-1), capped at maxDelay.
// Jitter is applied by the caller so workflow code stays deterministic.
func BackoffDelay(attempt int, base, maxDelay time.Duration) time.Duration {
	if attempt <= 0 {
		return 0
	}

	multiplier := math.Pow(2, float64(attempt-1))

	// math.Pow returns +Inf on overflow
	if math.IsInf(multiplier, 1) || multiplier > float64(maxDelay)/float64(base) {
		return maxDelay
	}

	delay := base * time.Duration(multiplier)
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// Jittered adds up to 10% of the delay, scaled by frac in [0, 1).
func Jittered(delay time.Duration, frac float64) time.Duration {
	return delay + time.Duration(frac*0.1*float64(delay))
}
