package tcpclient

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffGrowsAndClampsToMax(t *testing.T) {
	b := NewBackoffState(time.Second)
	b.Jitter = 0 // deterministic bounds check

	prev := b.NextDelay()
	assert.Equal(t, time.Second, prev)

	for i := 0; i < 20; i++ {
		d := b.NextDelay()
		assert.LessOrEqual(t, d, b.Max)
		assert.GreaterOrEqual(t, d, prev)
		prev = d
	}
	assert.Equal(t, b.Max, prev)
}

func TestBackoffJitterStaysInBand(t *testing.T) {
	b := NewBackoffState(time.Second)
	b.Jitter = 0.2
	b.Factor = 1

	for i := 0; i < 50; i++ {
		d := b.NextDelay()
		lo := time.Duration(float64(time.Second) * 0.8)
		hi := time.Duration(float64(time.Second) * 1.2)
		assert.GreaterOrEqual(t, d, lo)
		assert.LessOrEqual(t, d, hi)
	}
}

func TestBackoffResetsAfterThirtyAttempts(t *testing.T) {
	b := NewBackoffState(time.Second)
	b.Jitter = 0
	for i := 0; i < 31; i++ {
		b.NextDelay()
	}
	assert.Equal(t, 31, b.Attempt())
	d := b.NextDelay()
	assert.Equal(t, time.Second, d)
	assert.Equal(t, 1, b.Attempt())
}

func TestBackoffResetRestoresInitial(t *testing.T) {
	b := NewBackoffState(2 * time.Second)
	b.Jitter = 0
	b.NextDelay()
	b.NextDelay()
	d, attempt := b.Reset()
	assert.Equal(t, 2*time.Second, d)
	assert.Equal(t, 0, attempt)
}
