package mqttclient

import (
	"math/rand"
	"time"
)

// reconnectBackoff is deliberately simpler than tcpclient.BackoffState:
// it starts at 1s and doubles to a maximum of 60s, with uniform jitter in
// [0, 1000]ms added on top, and resets to 1s on a successful CONNACK.
type reconnectBackoff struct {
	current time.Duration
	rnd     *rand.Rand
}

func newReconnectBackoff() *reconnectBackoff {
	return &reconnectBackoff{
		current: time.Second,
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (b *reconnectBackoff) next() time.Duration {
	delay := b.current
	jitter := time.Duration(b.rnd.Intn(1001)) * time.Millisecond
	b.current *= 2
	if b.current > 60*time.Second {
		b.current = 60 * time.Second
	}
	return delay + jitter
}

func (b *reconnectBackoff) reset() {
	b.current = time.Second
}
