package mqttclient

import "time"

// ConnectionState is the session lifecycle. Unlike tcpclient's trimmed
// 3-state machine, the MQTT client also exposes Reconnecting and Failed,
// since its reconnect loop and CONNACK-rejection path both need a
// distinct terminal state from a clean user-initiated disconnect.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Reconnecting
	Failed
)

func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	default:
		return "disconnected"
	}
}

// opKind distinguishes the three QoS>=1 outbound operation families a
// PendingOp tracks, so handle-ack knows how to decode the callback result.
type opKind int

const (
	opPublish opKind = iota
	opSubscribe
	opUnsubscribe
)

// PendingOp is an outbound QoS>=1 publish, or any subscribe/unsubscribe,
// awaiting its matching acknowledgement. It is removed on the matching
// ack; on disconnect every pending op's callback is invoked with an
// error.
type PendingOp struct {
	Kind          opKind
	PacketID      uint16
	Timestamp     time.Time
	RetryCount    int
	PublishQoS    QoS // opPublish only
	Filters       []string
	PublishDone   func(error)
	SubscribeDone func([]byte, error) // per-topic SUBACK return codes
	UnsubDone     func([]byte, error) // per-topic UNSUBACK reason codes (v5; nil for v3.1.1)
}

// packetIDAllocator is a monotonic u16 counter that never yields 0: on
// wraparound it is incremented again to skip the reserved zero value.
type packetIDAllocator struct {
	next uint16
}

func (a *packetIDAllocator) Next() uint16 {
	a.next++
	if a.next == 0 {
		a.next++
	}
	return a.next
}
