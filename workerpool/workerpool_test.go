package workerpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsAllJobs(t *testing.T) {
	p := New(2, nil)
	var n int64
	for i := 0; i < 20; i++ {
		ok := p.Submit(context.Background(), func() {
			atomic.AddInt64(&n, 1)
		})
		require.True(t, ok)
	}
	p.Close()
	assert.Equal(t, int64(20), atomic.LoadInt64(&n))
}

func TestPoolRejectsAfterClose(t *testing.T) {
	p := New(1, nil)
	p.Close()
	ok := p.Submit(context.Background(), func() {})
	assert.False(t, ok)
}

func TestPoolRecoversPanics(t *testing.T) {
	p := New(1, nil)
	done := make(chan struct{})
	p.Submit(context.Background(), func() {
		defer close(done)
		panic("boom")
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job did not run")
	}
	p.Close() // must not hang or re-panic
}

func TestPoolBoundsConcurrency(t *testing.T) {
	p := New(2, nil)
	var cur, max int64
	release := make(chan struct{})
	// Submit blocks while both slots are taken, so the jobs are released
	// from another goroutine once the first two have had time to start.
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()
	for i := 0; i < 5; i++ {
		p.Submit(context.Background(), func() {
			c := atomic.AddInt64(&cur, 1)
			for {
				m := atomic.LoadInt64(&max)
				if c <= m || atomic.CompareAndSwapInt64(&max, m, c) {
					break
				}
			}
			<-release
			atomic.AddInt64(&cur, -1)
		})
	}
	p.Close()
	assert.LessOrEqual(t, atomic.LoadInt64(&max), int64(2))
}
