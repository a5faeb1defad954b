package tierrouter

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// Jitter perturbs a computed delay. It must be safe for concurrent use.
type Jitter func(d time.Duration) time.Duration

// BackoffPolicy computes the delay inserted between fallback attempts.
type BackoffPolicy struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	// MaxAttempts caps network attempts in one chain execution.
	MaxAttempts int
	// Jitter is optional; without it NextDelay is deterministic.
	Jitter Jitter
}

// DefaultBackoffPolicy returns 1s, x2, capped at 10s, 3 attempts, no jitter.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		InitialDelay: time.Second,
		Multiplier:   2,
		MaxDelay:     10 * time.Second,
		MaxAttempts:  3,
	}
}

func (p BackoffPolicy) withDefaults() BackoffPolicy {
	d := DefaultBackoffPolicy()
	if p.InitialDelay <= 0 {
		p.InitialDelay = d.InitialDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	return p
}

// NextDelay returns min(MaxDelay, InitialDelay * Multiplier^(attempt-1)).
// Attempts below 1 are treated as 1.
func (p BackoffPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.MaxDelay
	f := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if f < float64(p.MaxDelay) {
		d = time.Duration(f)
	}
	if p.Jitter != nil {
		d = p.Jitter(d)
		if d > p.MaxDelay {
			d = p.MaxDelay
		}
		if d < 0 {
			d = 0
		}
	}
	return d
}

// EqualJitter returns a Jitter that keeps half of the delay and randomizes
// the other half using r. Pass a seeded *rand.Rand for reproducible delays.
func EqualJitter(r *rand.Rand) Jitter {
	var mu sync.Mutex
	return func(d time.Duration) time.Duration {
		half := d / 2
		if half <= 0 {
			return d
		}
		mu.Lock()
		n := r.Int64N(int64(half) + 1)
		mu.Unlock()
		return half + time.Duration(n)
	}
}
