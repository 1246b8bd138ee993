package pairing

import (
	"math/rand/v2"
	"time"
)

// RandomSource provides jitter values in [0.0, 1.0).
type RandomSource interface {
	Float64() float64
}

type defaultRandomSource struct{}

func (defaultRandomSource) Float64() float64 { return rand.Float64() }

// Backoff computes the delay before a retry attempt.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64 // fraction of the delay added at random, >= 0
	Random RandomSource
}

// Delay returns the wait before attempt (2 for the first retry):
// Base * 2^(attempt-2), capped at Max, then scaled by
// 1 + Jitter*random. Jitter only ever lengthens the delay, so each delay is
// at least the previous un-jittered one.
func (b Backoff) Delay(attempt int) time.Duration {
	n := attempt - 2
	if n < 0 {
		n = 0
	}
	delay := b.Base
	for i := 0; i < n && (b.Max <= 0 || delay < b.Max); i++ {
		delay *= 2
	}
	if b.Max > 0 && delay > b.Max {
		delay = b.Max
	}
	if b.Jitter > 0 {
		r := b.Random
		if r == nil {
			r = defaultRandomSource{}
		}
		delay += time.Duration(float64(delay) * b.Jitter * r.Float64())
	}
	return delay
}

// Min returns the delay for attempt without jitter.
func (b Backoff) Min(attempt int) time.Duration {
	b.Jitter = 0
	return b.Delay(attempt)
}
