package realtime

import "time"

// Backoff returns the delay before the given reconnect attempt (1-based):
// base * 2^(attempt-1), capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// retryBudget counts consecutive reconnect attempts. It never goes past
// limit, and Reset brings it back to zero after a successful connect.
type retryBudget struct {
	base    time.Duration
	max     time.Duration
	limit   int
	attempt int
}

// Next reserves one more attempt and returns its delay. ok is false once the
// budget is spent.
func (b *retryBudget) Next() (delay time.Duration, ok bool) {
	if b.attempt >= b.limit {
		return 0, false
	}
	b.attempt++
	return Backoff(b.attempt, b.base, b.max), true
}

func (b *retryBudget) Reset() {
	b.attempt = 0
}

func (b *retryBudget) Attempt() int {
	return b.attempt
}
