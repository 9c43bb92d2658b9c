// Package workerpool provides the bounded handler-dispatch pool shared by
// sockethub, tcpclient and mqttclient: user callbacks (on_message,
// on_connect, ...) run here instead of on the I/O goroutine, so a slow or
// misbehaving handler cannot stall a read/write loop.
//
// Concurrency is capped with golang.org/x/sync/semaphore, and Close drains
// in-flight work with a sync.WaitGroup before returning.
package workerpool

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Pool dispatches fire-and-forget jobs with bounded concurrency.
type Pool struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup

	mu     sync.Mutex
	closed bool

	log *zap.Logger
}

// New returns a Pool allowing at most maxConcurrent jobs to run at once.
// A maxConcurrent of 0 or less means unbounded.
func New(maxConcurrent int64, log *zap.Logger) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	var sem *semaphore.Weighted
	if maxConcurrent > 0 {
		sem = semaphore.NewWeighted(maxConcurrent)
	}
	return &Pool{sem: sem, log: log}
}

// Submit runs fn on a pool goroutine. It blocks until a slot is free or ctx
// is done (when ctx is nil, context.Background() is used and Submit never
// blocks on cancellation, only on slot availability). Submit returns false
// (without running fn) if the pool has been closed or ctx expired first.
func (p *Pool) Submit(ctx context.Context, fn func()) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	p.wg.Add(1)
	p.mu.Unlock()

	if p.sem != nil {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			p.wg.Done()
			return false
		}
	}

	go func() {
		defer p.wg.Done()
		if p.sem != nil {
			defer p.sem.Release(1)
		}
		defer func() {
			if r := recover(); r != nil {
				p.log.Error("workerpool: handler panicked", zap.Any("panic", r))
			}
		}()
		fn()
	}()
	return true
}

// Close marks the pool closed (further Submit calls fail) and blocks until
// all already-submitted jobs finish.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}
