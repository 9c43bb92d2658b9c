package signalbus

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// SafeManager owns the bounded delivery queue and the worker goroutines
// that drain it, invoking each signal's handlers in priority order. It is
// deliberately separate from the dispatch goroutine in signalbus.go: the
// dispatcher's only job is "receive and enqueue", SafeManager's is "pop
// and run".
type SafeManager struct {
	bus     *Bus
	workers int
	queue   chan sigEvent

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

func (m *SafeManager) start() {
	m.stopCh = make(chan struct{})
	n := m.workers
	if n <= 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		m.wg.Add(1)
		go m.worker()
	}
}

func (m *SafeManager) worker() {
	defer m.wg.Done()
	for {
		select {
		case evt := <-m.queue:
			m.process(evt)
		case <-m.stopCh:
			return
		}
	}
}

// enqueue tries a non-blocking send; when the queue is full the event is
// dropped and counted, never blocking the caller (the dispatch goroutine).
func (m *SafeManager) enqueue(evt sigEvent) {
	select {
	case m.queue <- evt:
	default:
		m.bus.statsFor(evt.sig).addDropped(1)
		if m.bus.promEnabled {
			promMetrics.dropped.WithLabelValues(evt.sig.String()).Inc()
		}
		m.bus.log.Warn("signalbus: queue full, dropping signal event")
	}
}

func (m *SafeManager) clear() int {
	n := 0
	for {
		select {
		case <-m.queue:
			n++
		default:
			return n
		}
	}
}

func (m *SafeManager) stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
}

func (m *SafeManager) process(evt sigEvent) {
	handlers := m.bus.handlersFor(evt.sig)
	st := m.bus.statsFor(evt.sig)
	for _, h := range handlers {
		m.invoke(h, evt, st)
	}
}

func (m *SafeManager) invoke(h *Handler, evt sigEvent, st *Stats) {
	if h.Timeout <= 0 {
		m.runSync(h, evt, st)
		return
	}

	// The handler records into its own Stats, merged into st only if it
	// finishes in time, so a late finish is never counted as processed.
	own := newStats()
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.runSync(h, evt, own)
	}()

	select {
	case <-done:
		st.addProcessed(own.Processed)
		st.addHandlerErrors(own.HandlerErrors)
		if lp := own.LastProcessed(); !lp.IsZero() {
			st.setLastProcessed(lp)
		}
	case <-time.After(h.Timeout):
		st.addHandlerErrors(1)
		if m.bus.promEnabled {
			promMetrics.errors.WithLabelValues(evt.sig.String()).Inc()
		}
		m.bus.log.Warn("signalbus: handler timed out",
			zap.String("handler", h.Name), zap.Duration("timeout", h.Timeout))
	}
}

func (m *SafeManager) runSync(h *Handler, evt sigEvent, st *Stats) {
	defer func() {
		if r := recover(); r != nil {
			st.addHandlerErrors(1)
			if m.bus.promEnabled {
				promMetrics.errors.WithLabelValues(evt.sig.String()).Inc()
			}
			m.bus.log.Error("signalbus: handler panicked",
				zap.String("handler", h.Name), zap.Any("panic", r))
		}
	}()
	h.Callback(evt.sig)
	st.addProcessed(1)
	st.setLastProcessed(time.Now())
}
