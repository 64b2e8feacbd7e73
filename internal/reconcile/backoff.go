package reconcile

import "time"

// Defaults for the reconciliation policy (§4.2).
const (
	DefaultBaseBackoff       = 10 * time.Second
	DefaultMaxBackoff        = 10 * time.Minute
	DefaultMaxAttempts       = 5
	DefaultCheckInterval     = 10 * time.Second
	ImmediateTimeoutThreshold = 10 * time.Second
)

// Backoff computes the delay before reconciliation attempt n (1-indexed):
// min(max, base * 2^(n-1)).
func Backoff(base, max time.Duration, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := base << uint(n-1)
	if d <= 0 || d > max {
		return max
	}
	return d
}
