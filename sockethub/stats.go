package sockethub

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Stats is a point-in-time snapshot of the hub's counters.
type Stats struct {
	TotalConnections  uint64
	ActiveConnections uint64
	MessagesSent      uint64
	MessagesReceived  uint64
	BytesSent         uint64
	BytesReceived     uint64
}

type hubStats struct {
	totalConnections  uint64
	activeConnections uint64
	messagesSent      uint64
	messagesReceived  uint64
	bytesSent         uint64
	bytesReceived     uint64

	promEnabled bool
}

func (s *hubStats) snapshot() Stats {
	return Stats{
		TotalConnections:  atomic.LoadUint64(&s.totalConnections),
		ActiveConnections: atomic.LoadUint64(&s.activeConnections),
		MessagesSent:      atomic.LoadUint64(&s.messagesSent),
		MessagesReceived:  atomic.LoadUint64(&s.messagesReceived),
		BytesSent:         atomic.LoadUint64(&s.bytesSent),
		BytesReceived:     atomic.LoadUint64(&s.bytesReceived),
	}
}

func (s *hubStats) connected() {
	atomic.AddUint64(&s.totalConnections, 1)
	atomic.AddUint64(&s.activeConnections, 1)
	if s.promEnabled {
		hubProm.totalConnections.Inc()
		hubProm.activeConnections.Inc()
	}
}

func (s *hubStats) disconnected() {
	atomic.AddUint64(&s.activeConnections, ^uint64(0))
	if s.promEnabled {
		hubProm.activeConnections.Dec()
	}
}

func (s *hubStats) sent(n int) {
	atomic.AddUint64(&s.messagesSent, uint64(n))
	if s.promEnabled {
		hubProm.messagesSent.Add(float64(n))
	}
}

func (s *hubStats) sentBytes(n int) {
	atomic.AddUint64(&s.bytesSent, uint64(n))
	if s.promEnabled {
		hubProm.bytesSent.Add(float64(n))
	}
}

func (s *hubStats) received() {
	atomic.AddUint64(&s.messagesReceived, 1)
	if s.promEnabled {
		hubProm.messagesReceived.Inc()
	}
}

func (s *hubStats) receivedBytes(n int) {
	atomic.AddUint64(&s.bytesReceived, uint64(n))
	if s.promEnabled {
		hubProm.bytesReceived.Add(float64(n))
	}
}

var hubProm = struct {
	once              sync.Once
	totalConnections  prometheus.Counter
	activeConnections prometheus.Gauge
	messagesSent      prometheus.Counter
	messagesReceived  prometheus.Counter
	bytesSent         prometheus.Counter
	bytesReceived     prometheus.Counter
}{}

func initHubProm() {
	hubProm.once.Do(func() {
		hubProm.totalConnections = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netkit", Subsystem: "sockethub", Name: "connections_total",
			Help: "Total connections ever accepted.",
		})
		hubProm.activeConnections = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "netkit", Subsystem: "sockethub", Name: "active_connections",
			Help: "Currently connected clients.",
		})
		hubProm.messagesSent = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netkit", Subsystem: "sockethub", Name: "messages_sent_total",
			Help: "Messages sent to clients via broadcast or send_to.",
		})
		hubProm.messagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netkit", Subsystem: "sockethub", Name: "messages_received_total",
			Help: "Messages received from clients.",
		})
		hubProm.bytesSent = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netkit", Subsystem: "sockethub", Name: "bytes_sent_total",
			Help: "Bytes written to clients.",
		})
		hubProm.bytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netkit", Subsystem: "sockethub", Name: "bytes_received_total",
			Help: "Bytes read from clients.",
		})
		prometheus.MustRegister(
			hubProm.totalConnections, hubProm.activeConnections,
			hubProm.messagesSent, hubProm.messagesReceived,
			hubProm.bytesSent, hubProm.bytesReceived,
		)
	})
}
