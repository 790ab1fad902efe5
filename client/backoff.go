package client

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes the reconnect delay schedule: exponential growth from
// Base capped at Max, plus additive jitter of up to Jitter times the capped
// delay. Next reports false once MaxAttempts delays have been handed out;
// the caller stops reconnecting until Reset.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
	Jitter      float64

	attempt int
}

// Next returns the delay for the current attempt and advances the counter.
func (b *Backoff) Next() (time.Duration, bool) {
	if b.MaxAttempts > 0 && b.attempt >= b.MaxAttempts {
		return 0, false
	}
	d := float64(b.Base) * math.Pow(2, float64(b.attempt))
	if b.Max > 0 {
		d = math.Min(d, float64(b.Max))
	}
	d += d * b.Jitter * rand.Float64()
	b.attempt++
	return time.Duration(d), true
}

// Attempt returns how many delays have been handed out since the last reset.
func (b *Backoff) Attempt() int {
	return b.attempt
}

// Reset clears the attempt counter, called after a successful connect.
func (b *Backoff) Reset() {
	b.attempt = 0
}
