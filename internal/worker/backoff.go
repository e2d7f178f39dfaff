package worker

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff is an exponential delay policy: Base * Multiplier^(attempt-1),
// capped at Max, with +/- Jitter fraction of randomness.
type Backoff struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
	Jitter     float64
}

func DefaultBackoff() Backoff {
	return Backoff{Base: 500 * time.Millisecond, Multiplier: 2, Max: 10 * time.Second, Jitter: 0.2}
}

// Delay returns the wait before retry number attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(b.Base) * math.Pow(mult, float64(attempt-1))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	return jitter(time.Duration(d), b.Jitter)
}

func jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	delta := int64(float64(d) * frac)
	if delta <= 0 {
		return d
	}
	// random in [-delta, +delta]
	n := rand.Int64N(2*delta+1) - delta
	return d + time.Duration(n)
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
