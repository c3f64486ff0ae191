// Package backoff provides the exponential backoff used between shard
// reconnect attempts.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

const factor = 2

// Backoff is a time.Duration counter starting at Min. Every call to Next
// doubles the current duration, capped at Max. A Backoff is owned by a single
// session goroutine and is not safe for concurrent use.
type Backoff struct {
	Min time.Duration
	Max time.Duration

	// Jitter randomizes each duration between Min and the computed value.
	// Reconnect storms across shards are the reason this defaults to on.
	Jitter bool

	attempt int
}

// New creates a jittered Backoff counting from min up to max.
func New(min, max time.Duration) *Backoff {
	return &Backoff{
		Min:    min,
		Max:    max,
		Jitter: true,
	}
}

// Next returns the next backoff duration and advances the attempt counter.
func (b *Backoff) Next() time.Duration {
	d := b.ForAttempt(b.attempt)
	b.attempt++
	return d
}

// Attempt returns the number of Next calls since the last Reset.
func (b *Backoff) Attempt() int {
	return b.attempt
}

// Reset rewinds the counter back to Min. Sessions call this once a connection
// has stayed up for the stability window.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// ForAttempt returns the duration for the given zero-based attempt without
// advancing the counter.
func (b *Backoff) ForAttempt(attempt int) time.Duration {
	if b.Min >= b.Max {
		return b.Max
	}

	d := float64(b.Min) * math.Pow(factor, float64(attempt))

	if b.Jitter {
		d = rand.Float64()*(d-float64(b.Min)) + float64(b.Min)
	}

	if d > float64(b.Max) {
		return b.Max
	}
	if d < float64(b.Min) {
		return b.Min
	}

	return time.Duration(d)
}
