package fetch

import "time"

// Backoff holds the retry policy for transient failures. Delays are
// deterministic (no jitter): the fetch loop is strictly sequential, so there
// is no herd to scatter, and exact delays keep backoff behavior testable.
type Backoff struct {
	// MaxAttempts is the total number of physical attempts per unit,
	// including the first.
	MaxAttempts int

	// Initial is the delay after the first failed attempt.
	Initial time.Duration

	// Max caps the delay between attempts.
	Max time.Duration

	// Multiplier grows the delay exponentially between attempts.
	Multiplier float64
}

// DefaultBackoff returns the default policy: three attempts, 1s then 2s.
func DefaultBackoff() Backoff {
	return Backoff{
		MaxAttempts: 3,
		Initial:     1 * time.Second,
		Max:         30 * time.Second,
		Multiplier:  2.0,
	}
}

// Delay returns the wait before attempt number attempt+1, given that
// attempt attempts (1-based) have failed.
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Initial
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * b.Multiplier)
		if d >= b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}
