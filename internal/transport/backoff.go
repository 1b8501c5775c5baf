package transport

import "time"

// Backoff computes reconnect delays: min(Base * 2^attempt, Max).
type Backoff struct {
	Base time.Duration
	Max  time.Duration
	// MaxAttempts stops reconnecting after that many consecutive failures.
	// 0 retries forever.
	MaxAttempts int
}

// DefaultBackoff matches the widget: 1s doubling up to 30s, forever.
func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Max: 30 * time.Second}
}

// Delay returns the wait before reconnect number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := b.Base
	for i := 0; i < attempt; i++ {
		if d >= b.Max/2 {
			return b.Max
		}
		d *= 2
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

// Exhausted reports whether no further attempt should be made.
func (b Backoff) Exhausted(attempt int) bool {
	return b.MaxAttempts > 0 && attempt >= b.MaxAttempts
}
