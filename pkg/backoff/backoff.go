// Package backoff computes retry delays for calls to the ledger and to
// honoring providers. The schedule is exponential with a cap, plus jitter
// bounded to half the delay and clamped so no delay exceeds the cap. Below
// the cap consecutive delays never shrink: the minimum for attempt n+1 (2d)
// always exceeds the maximum for attempt n (1.5d).
package backoff

import (
	"math/rand"
	"time"
)

type Schedule struct {
	Base time.Duration
	Cap  time.Duration
	// Rand returns a jitter fraction in [0,1). Defaults to math/rand.
	Rand func() float64
}

func New(base, cap time.Duration) Schedule {
	return Schedule{Base: base, Cap: cap}
}

// Delay is the deterministic delay before retry attempt n (1-based:
// attempt 1 is the first retry).
func (s Schedule) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := s.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= s.Cap {
			return s.Cap
		}
	}
	if d > s.Cap {
		return s.Cap
	}
	return d
}

// Jittered adds up to 50% of the deterministic delay, never exceeding Cap.
func (s Schedule) Jittered(attempt int) time.Duration {
	d := s.Delay(attempt)
	r := s.Rand
	if r == nil {
		r = rand.Float64
	}
	j := d + time.Duration(r()*float64(d)/2)
	if j > s.Cap {
		return s.Cap
	}
	return j
}
