// Package signalbus implements a priority-dispatched, thread-safe signal
// handling subsystem: a process-wide registry of handlers per OS signal,
// a bounded async-signal-safe delivery queue, and a small worker pool that
// invokes handlers off the signal-delivery path.
//
// Go's runtime already performs the hard part of "async-signal-safe
// delivery" for us (os/signal hands signals to a channel from a runtime
// goroutine, never from the actual signal handler context), so the
// dispatcher below only has to preserve that property by doing the
// absolute minimum — record receipt, try to enqueue — before handing off
// to SafeManager's workers.
package signalbus

import (
	"os"
	"os/signal"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Callback is invoked when a registered signal is delivered.
type Callback func(sig os.Signal)

// Handler describes one registered callback.
type Handler struct {
	ID       int64
	Signal   os.Signal
	Callback Callback
	Priority int
	Name     string
	Timeout  time.Duration // 0 disables the per-handler timeout

	seq int64 // insertion order, for stable tie-breaking
}

// Bus is a registry of signal handlers plus the SafeManager that delivers
// to them. The zero value is not usable; construct with New.
//
// Default() provides a process-wide singleton for application code, while
// New() remains available (and is what this package's own tests use) so
// multiple isolated buses can coexist without interfering with each
// other's signal.Notify registrations.
type Bus struct {
	log *zap.Logger

	mu       sync.RWMutex
	handlers map[os.Signal][]*Handler
	byID     map[int64]*Handler
	watched  map[os.Signal]bool

	nextID int64
	seq    int64

	notifyCh chan os.Signal
	manager  *SafeManager

	statsMu sync.Mutex
	stats   map[os.Signal]*Stats

	closeOnce sync.Once
	done      chan struct{}

	promEnabled bool
}

// Option configures a Bus at construction.
type Option func(*Bus)

// WithLogger attaches a zap logger; defaults to a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(b *Bus) { b.log = log }
}

// WithQueueCapacity overrides the SafeManager's bounded deque capacity
// (default 1000).
func WithQueueCapacity(n int) Option {
	return func(b *Bus) { b.manager.queue = make(chan sigEvent, n) }
}

// WithWorkers overrides the SafeManager's worker-pool size (default 1).
func WithWorkers(n int) Option {
	return func(b *Bus) { b.manager.workers = n }
}

// New constructs an independent Bus. Call Close when done to stop the
// dispatcher and worker goroutines.
func New(opts ...Option) *Bus {
	b := &Bus{
		log:      zap.NewNop(),
		handlers: make(map[os.Signal][]*Handler),
		byID:     make(map[int64]*Handler),
		watched:  make(map[os.Signal]bool),
		notifyCh: make(chan os.Signal, 64),
		stats:    make(map[os.Signal]*Stats),
		done:     make(chan struct{}),
	}
	b.manager = &SafeManager{
		queue:   make(chan sigEvent, 1000),
		workers: 1,
		bus:     b,
	}
	for _, o := range opts {
		o(b)
	}
	b.manager.start()
	go b.dispatchLoop()
	return b
}

var (
	defaultBus     *Bus
	defaultBusOnce sync.Once
)

// Default returns the process-wide Bus singleton, constructing it on first
// use.
func Default() *Bus {
	defaultBusOnce.Do(func() { defaultBus = New() })
	return defaultBus
}

// sigEvent is what the dispatcher hands to SafeManager's workers.
type sigEvent struct {
	sig os.Signal
	at  time.Time
}

// dispatchLoop is the single async-signal-safe boundary: for each signal
// delivered by the Go runtime, it records receipt and tries to enqueue to
// the SafeManager without blocking. This goroutine never runs user code.
func (b *Bus) dispatchLoop() {
	for {
		select {
		case sig := <-b.notifyCh:
			b.recordReceived(sig)
			b.manager.enqueue(sigEvent{sig: sig, at: time.Now()})
		case <-b.done:
			return
		}
	}
}

func (b *Bus) recordReceived(sig os.Signal) {
	st := b.statsFor(sig)
	atomic.AddUint64(&st.Received, 1)
	st.setLastReceived(time.Now())
	if b.promEnabled {
		promMetrics.received.WithLabelValues(sig.String()).Inc()
	}
}

func (b *Bus) statsFor(sig os.Signal) *Stats {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	st, ok := b.stats[sig]
	if !ok {
		st = newStats()
		b.stats[sig] = st
	}
	return st
}

// Register adds a handler for sig with the given priority (higher runs
// first) and optional name; it returns an opaque, process-lifetime-unique
// handler ID. If name is empty, a short ID is generated so logs can still
// refer to the handler by something readable.
func (b *Bus) Register(sig os.Signal, cb Callback, priority int, name string) int64 {
	return b.register(sig, cb, priority, name, 0)
}

// RegisterWithTimeout is like Register but bounds each invocation of cb to
// timeout. A slow handler is not interrupted — it keeps running in its own
// goroutine — but a timeout is counted as a handler error and "processed"
// is not incremented for it.
func (b *Bus) RegisterWithTimeout(sig os.Signal, cb Callback, priority int, name string, timeout time.Duration) int64 {
	return b.register(sig, cb, priority, name, timeout)
}

// lastHandlerID is shared by every Bus so that handler IDs are unique
// across the process, not only within one Bus.
var lastHandlerID int64

func (b *Bus) register(sig os.Signal, cb Callback, priority int, name string, timeout time.Duration) int64 {
	if name == "" {
		name = "handler-" + uuid.NewString()[:8]
	}
	id := atomic.AddInt64(&lastHandlerID, 1)

	b.mu.Lock()
	b.seq++
	h := &Handler{ID: id, Signal: sig, Callback: cb, Priority: priority, Name: name, Timeout: timeout, seq: b.seq}
	b.handlers[sig] = append(b.handlers[sig], h)
	sortHandlers(b.handlers[sig])
	b.byID[id] = h
	needNotify := !b.watched[sig]
	if needNotify {
		b.watched[sig] = true
	}
	b.mu.Unlock()

	if needNotify {
		signal.Notify(b.notifyCh, sig)
	}
	return id
}

func sortHandlers(hs []*Handler) {
	sort.SliceStable(hs, func(i, j int) bool {
		if hs[i].Priority != hs[j].Priority {
			return hs[i].Priority > hs[j].Priority
		}
		return hs[i].seq < hs[j].seq
	})
}

// Unregister removes a single handler by ID, reporting "not found" as a
// plain false return rather than an error.
func (b *Bus) Unregister(handlerID int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.byID[handlerID]
	if !ok {
		return false
	}
	delete(b.byID, handlerID)
	list := b.handlers[h.Signal]
	for i, hh := range list {
		if hh.ID == handlerID {
			b.handlers[h.Signal] = append(list[:i], list[i+1:]...)
			break
		}
	}
	return true
}

// UnregisterByValue removes every handler registered for sig whose
// Callback pointer equals cb's. Go cannot compare func values for
// equality, so this compares by the handler's reflected pointer identity
// via reflect.ValueOf(cb).Pointer(); callers that registered an anonymous
// closure per call should keep the returned handler ID instead.
func (b *Bus) UnregisterByValue(sig os.Signal, cb Callback) int {
	target := funcPointer(cb)
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.handlers[sig]
	kept := list[:0:0]
	removed := 0
	for _, h := range list {
		if funcPointer(h.Callback) == target {
			delete(b.byID, h.ID)
			removed++
			continue
		}
		kept = append(kept, h)
	}
	b.handlers[sig] = kept
	return removed
}

// RegisterCrashSignals installs cb on the platform's standard crash
// signal set (see signals_unix.go / signals_windows.go) and returns the
// handler IDs assigned, one per signal.
func (b *Bus) RegisterCrashSignals(cb Callback, priority int, name string) []int64 {
	ids := make([]int64, 0, len(CrashSignals()))
	for _, sig := range CrashSignals() {
		ids = append(ids, b.Register(sig, cb, priority, name))
	}
	return ids
}

// Stats returns a snapshot of the statistics recorded for sig.
func (b *Bus) Stats(sig os.Signal) Stats {
	return b.statsFor(sig).snapshot()
}

// ResetStats zeroes the counters (not the timestamps) for sig.
func (b *Bus) ResetStats(sig os.Signal) {
	b.statsFor(sig).reset()
}

// ClearQueue discards all currently-queued signal events and returns how
// many were discarded.
func (b *Bus) ClearQueue() int {
	return b.manager.clear()
}

// Close stops the dispatcher and worker goroutines. It does not call
// signal.Stop; handlers registered on this Bus simply stop being invoked.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
		b.manager.stop()
	})
}

func (b *Bus) handlersFor(sig os.Signal) []*Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Handler, len(b.handlers[sig]))
	copy(out, b.handlers[sig])
	return out
}

// Raise synthetically delivers sig as if the OS had sent it, bypassing
// os/signal. It is intended for tests that want determinism without
// sending real process signals.
func (b *Bus) Raise(sig os.Signal) {
	b.recordReceived(sig)
	b.manager.enqueue(sigEvent{sig: sig, at: time.Now()})
}

func funcPointer(cb Callback) uintptr {
	return reflect.ValueOf(cb).Pointer()
}
