package dispatch

import "time"

// BackoffPolicy computes the re-queue delay before the given attempt is
// retried. Policies are pure functions so they can be swapped through
// configuration without touching queue control flow.
type BackoffPolicy func(attempt int) time.Duration

// ExponentialBackoff returns base * 2^(attempt-1), capped at max.
// Attempts below 1 are treated as 1.
func ExponentialBackoff(base, max time.Duration) BackoffPolicy {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		d := base
		for i := 1; i < attempt; i++ {
			d *= 2
			if d >= max {
				return max
			}
		}
		if d > max {
			return max
		}
		return d
	}
}
