// Package retry computes redelivery delays for failed tasks.
package retry

import "time"

const (
	DefaultBase       = 30 * time.Second
	DefaultCap        = 600 * time.Second
	DefaultMaxRetries = 3
)

// Policy bundles the backoff parameters with the retry ceiling.
type Policy struct {
	Base       time.Duration
	Cap        time.Duration
	MaxRetries int
}

func DefaultPolicy() Policy {
	return Policy{Base: DefaultBase, Cap: DefaultCap, MaxRetries: DefaultMaxRetries}
}

// Delay returns the wait before redelivering a task that has already been
// retried attempt times.
func (p Policy) Delay(attempt int) time.Duration {
	return Delay(attempt, p.Base, p.Cap)
}

// Delay returns min(base * 2^attempt, cap). Negative attempts count as zero.
// It never overflows: doubling stops as soon as the cap is reached.
func Delay(attempt int, base, cap time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if cap < base {
		return cap
	}

	d := base
	for i := 0; i < attempt; i++ {
		if d > cap/2 {
			return cap
		}
		d *= 2
	}
	if d > cap {
		return cap
	}
	return d
}
