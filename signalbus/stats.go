package signalbus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Stats holds the counters tracked per signal: how many were received off
// the OS, how many handler invocations completed, how many handler
// invocations errored (panic or timeout), and how many queued events were
// discarded because the bounded deque was full.
type Stats struct {
	Received      uint64
	Processed     uint64
	HandlerErrors uint64
	Dropped       uint64

	tsMu          sync.Mutex
	lastReceived  time.Time
	lastProcessed time.Time
}

func newStats() *Stats { return &Stats{} }

func (s *Stats) addProcessed(n uint64)     { atomic.AddUint64(&s.Processed, n) }
func (s *Stats) addHandlerErrors(n uint64) { atomic.AddUint64(&s.HandlerErrors, n) }
func (s *Stats) addDropped(n uint64)       { atomic.AddUint64(&s.Dropped, n) }

func (s *Stats) setLastReceived(t time.Time) {
	s.tsMu.Lock()
	s.lastReceived = t
	s.tsMu.Unlock()
}

func (s *Stats) setLastProcessed(t time.Time) {
	s.tsMu.Lock()
	s.lastProcessed = t
	s.tsMu.Unlock()
}

func (s *Stats) snapshot() Stats {
	s.tsMu.Lock()
	lr, lp := s.lastReceived, s.lastProcessed
	s.tsMu.Unlock()
	return Stats{
		Received:      atomic.LoadUint64(&s.Received),
		Processed:     atomic.LoadUint64(&s.Processed),
		HandlerErrors: atomic.LoadUint64(&s.HandlerErrors),
		Dropped:       atomic.LoadUint64(&s.Dropped),
		lastReceived:  lr,
		lastProcessed: lp,
	}
}

func (s *Stats) reset() {
	atomic.StoreUint64(&s.Received, 0)
	atomic.StoreUint64(&s.Processed, 0)
	atomic.StoreUint64(&s.HandlerErrors, 0)
	atomic.StoreUint64(&s.Dropped, 0)
}

// LastReceived returns the time the most recent instance of this signal
// was recorded, or the zero time if none has been.
func (s *Stats) LastReceived() time.Time {
	s.tsMu.Lock()
	defer s.tsMu.Unlock()
	return s.lastReceived
}

// LastProcessed returns the time the most recent handler invocation for
// this signal completed without timing out.
func (s *Stats) LastProcessed() time.Time {
	s.tsMu.Lock()
	defer s.tsMu.Unlock()
	return s.lastProcessed
}

// promMetrics are the process-wide Prometheus counters backing Stats;
// they're labeled by signal name so a single CounterVec covers every
// signal a Bus ever sees.
var promMetrics = struct {
	once     sync.Once
	received *prometheus.CounterVec
	errors   *prometheus.CounterVec
	dropped  *prometheus.CounterVec
}{}

func initPromMetrics() {
	promMetrics.once.Do(func() {
		promMetrics.received = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netkit",
			Subsystem: "signalbus",
			Name:      "received_total",
			Help:      "Signals received by signalbus, labeled by signal name.",
		}, []string{"signal"})
		promMetrics.errors = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netkit",
			Subsystem: "signalbus",
			Name:      "handler_errors_total",
			Help:      "Handler panics and timeouts, labeled by signal name.",
		}, []string{"signal"})
		promMetrics.dropped = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netkit",
			Subsystem: "signalbus",
			Name:      "dropped_total",
			Help:      "Signal events discarded because the bounded queue was full.",
		}, []string{"signal"})
		prometheus.MustRegister(promMetrics.received, promMetrics.errors, promMetrics.dropped)
	})
}

// RegisterPrometheus enables Prometheus counters (netkit_signalbus_*) for
// this Bus, mirroring stats in s.Stats via the process-default registry.
// Safe to call multiple times across Bus instances; the underlying
// CounterVecs are registered exactly once per process.
func (b *Bus) RegisterPrometheus() {
	initPromMetrics()
	b.promEnabled = true
}
