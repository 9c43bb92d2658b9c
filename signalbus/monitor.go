package signalbus

import (
	"os"

	"go.uber.org/zap"
)

// Monitor is a thin, supplemental convenience on top of Bus: it registers
// a single handler across a set of signals and logs each one as it
// arrives, without requiring the caller to write their own Callback. It
// exists for the common case of "just log every termination signal"
// instead of hand-rolling a Register call per signal, and also exposes an
// observable Go channel so application code can select on Events().
type Monitor struct {
	bus    *Bus
	ids    []int64
	events chan os.Signal
}

// NewMonitor registers a handler on bus for each of sigs and begins
// logging their arrival at the given priority; name identifies the
// handler in logs. Send on Events() is non-blocking: the channel buffers
// up to 16 signals, and a signal observed while that buffer is full is
// logged but not delivered on the channel.
func NewMonitor(bus *Bus, name string, priority int, sigs ...os.Signal) *Monitor {
	m := &Monitor{
		bus:    bus,
		events: make(chan os.Signal, 16),
	}
	for _, sig := range sigs {
		id := bus.Register(sig, m.handle, priority, name)
		m.ids = append(m.ids, id)
	}
	return m
}

func (m *Monitor) handle(sig os.Signal) {
	m.bus.log.Info("signalbus: signal observed", zap.String("signal", sig.String()))
	select {
	case m.events <- sig:
	default:
	}
}

// Events returns the channel signals are published to as they're
// handled.
func (m *Monitor) Events() <-chan os.Signal { return m.events }

// Stop unregisters every handler this Monitor installed.
func (m *Monitor) Stop() {
	for _, id := range m.ids {
		m.bus.Unregister(id)
	}
}
