package tcpclient

import (
	"math/rand"
	"time"
)

// BackoffState implements exponential backoff with jitter: the delay grows
// by Factor on each call up to Max, with uniform jitter applied on top,
// and resets automatically once the attempt counter passes 30 to guard
// against unbounded growth in a long-lived client that keeps reconnecting
// for days.
type BackoffState struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	Jitter  float64

	attempt int
	current time.Duration

	rnd *rand.Rand
}

// NewBackoffState constructs a BackoffState with factor 1.5, max 30s, and
// jitter 0.2.
func NewBackoffState(initial time.Duration) *BackoffState {
	return &BackoffState{
		Initial: initial,
		Max:     30 * time.Second,
		Factor:  1.5,
		Jitter:  0.2,
		current: initial,
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Attempt returns the number of delays handed out since the last Reset.
func (b *BackoffState) Attempt() int { return b.attempt }

// NextDelay advances the backoff state and returns the delay to wait
// before the next reconnect attempt.
func (b *BackoffState) NextDelay() time.Duration {
	if b.attempt > 30 {
		b.Reset()
	}
	if b.attempt > 0 {
		next := time.Duration(float64(b.current) * b.Factor)
		if next > b.Max {
			next = b.Max
		}
		b.current = next
	}
	delay := b.jittered(b.current)
	b.attempt++
	return delay
}

func (b *BackoffState) jittered(d time.Duration) time.Duration {
	if b.Jitter <= 0 {
		return d
	}
	lo := 1 - b.Jitter
	hi := 1 + b.Jitter
	factor := lo + b.rnd.Float64()*(hi-lo)
	return time.Duration(float64(d) * factor)
}

// Reset returns the delay and attempt counter to their initial values.
func (b *BackoffState) Reset() (time.Duration, int) {
	b.current = b.Initial
	b.attempt = 0
	return b.current, b.attempt
}
