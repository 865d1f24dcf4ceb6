package queue

import (
	"math"
	"math/rand/v2"
	"time"
)

// Retry policy defaults. The delay for attempt n is
// base * factor^(n-1), jittered by ±20% and capped.
const (
	DefaultMaxAttempts   = 5
	defaultBackoffBase   = 2 * time.Second
	defaultBackoffFactor = 2.0
	defaultBackoffCap    = 2 * time.Minute
	backoffJitterFrac    = 0.2
)

// Backoff returns the retry delay for the given attempt number (1-based)
// under the default policy. Jitter spreads retries so a burst of failures
// does not thunder back in lockstep.
func Backoff(attempt int) time.Duration {
	return backoffWith(attempt, defaultBackoffBase, defaultBackoffFactor, defaultBackoffCap)
}

func backoffWith(attempt int, base time.Duration, factor float64, limit time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(base) * math.Pow(factor, float64(attempt-1))
	if delay > float64(limit) {
		delay = float64(limit)
	}

	// Uniform jitter in [1-frac, 1+frac].
	jitter := 1 - backoffJitterFrac + 2*backoffJitterFrac*rand.Float64()
	jittered := time.Duration(delay * jitter)
	if jittered > limit {
		jittered = limit
	}
	return jittered
}
