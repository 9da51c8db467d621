package objectstore

import (
	"math"
	"math/rand"
	"time"
)

const (
	maxAttempts = 5
	baseDelay   = time.Second
	maxDelay    = 30 * time.Second
	maxJitter   = 0.1
)

// backoffDelay returns the wait after a failed attempt (1-based):
// min(base·2^(n-1)·(1+jitter), maxDelay). The jitter factor keeps a burst of
// failing uploads from retrying in lockstep.
func backoffDelay(attempt int, jitter float64) time.Duration {
	d := time.Duration(float64(baseDelay) * math.Pow(2, float64(attempt-1)) * (1 + jitter))
	if d > maxDelay {
		return maxDelay
	}
	return d
}

// jitter draws from [0, maxJitter).
func jitter() float64 {
	return rand.Float64() * maxJitter
}
