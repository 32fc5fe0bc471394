package retry

import (
	"context"
	"time"
)

// Backoff produces exponentially increasing reconnect delays. The delay
// starts at Base, doubles on every consecutive failure, and is capped at
// Max. Reset returns it to Base after a successful connection.
//
// Backoff is not safe for concurrent use; each connection loop owns one.
type Backoff struct {
	Base time.Duration // Initial delay (default: 2s)
	Max  time.Duration // Delay cap (default: 60s)

	current time.Duration
}

// NewBackoff creates a backoff with the given base and cap. Non-positive
// values fall back to defaults.
func NewBackoff(base, max time.Duration) *Backoff {
	if base <= 0 {
		base = 2 * time.Second
	}
	if max <= 0 {
		max = 60 * time.Second
	}
	return &Backoff{Base: base, Max: max}
}

// Next returns the delay to wait before the next attempt and advances the
// internal state. The first call after a Reset (or on a fresh Backoff)
// returns Base.
func (b *Backoff) Next() time.Duration {
	if b.current <= 0 {
		b.current = b.Base
	}
	delay := b.current

	b.current *= 2
	if b.current > b.Max {
		b.current = b.Max
	}
	return delay
}

// Reset returns the backoff to its base delay. Call after any successful
// connection so a later failure starts the ladder over.
func (b *Backoff) Reset() {
	b.current = 0
}

// Sleep waits for the given delay or until the context is cancelled,
// whichever comes first. Returns the context error on cancellation.
func Sleep(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
