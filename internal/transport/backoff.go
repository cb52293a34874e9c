package transport

import "time"

// Backoff is the reconnect policy: the n-th retry (starting at 0) waits
// min(Cap, Base * 2^n), and at most MaxAttempts retries are scheduled
// between successful opens.
type Backoff struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

// DefaultBackoff matches the backend's expectations: 1s, 2s, 4s, 8s, then
// 16s, eight attempts in total.
var DefaultBackoff = Backoff{
	Base:        time.Second,
	Cap:         16 * time.Second,
	MaxAttempts: 8,
}

// Delay returns the wait before retry number attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if b.Base <= 0 {
		return 0
	}
	d := b.Base
	for i := 0; i < attempt; i++ {
		if b.Cap > 0 && d >= b.Cap {
			break
		}
		// Stop doubling before overflowing.
		if d > time.Duration(1<<62) {
			break
		}
		d *= 2
	}
	if b.Cap > 0 && d > b.Cap {
		d = b.Cap
	}
	return d
}

func (b Backoff) withDefaults() Backoff {
	if b.Base <= 0 {
		b.Base = DefaultBackoff.Base
	}
	if b.Cap <= 0 {
		b.Cap = DefaultBackoff.Cap
	}
	if b.MaxAttempts < 0 {
		b.MaxAttempts = 0
	}
	return b
}
