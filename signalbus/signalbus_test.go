package signalbus

import (
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchOrderByPriority(t *testing.T) {
	bus := New(WithWorkers(1))
	defer bus.Close()

	var mu sync.Mutex
	var order []int
	record := func(p int) {
		mu.Lock()
		order = append(order, p)
		mu.Unlock()
	}

	sig := syscall.SIGUSR1

	// Highest priority handler panics; the rest must still run.
	bus.Register(sig, func(os.Signal) { record(10); panic("boom") }, 10, "high")
	bus.Register(sig, func(os.Signal) { record(5) }, 5, "mid")
	bus.Register(sig, func(os.Signal) { record(0) }, 0, "low")

	bus.Raise(sig)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{10, 5, 0}, order)

	st := bus.Stats(sig)
	assert.Equal(t, uint64(1), st.Received)
	assert.Equal(t, uint64(2), st.Processed)
	assert.Equal(t, uint64(1), st.HandlerErrors)
}

func TestHandlerTimeoutCountsAsError(t *testing.T) {
	bus := New(WithWorkers(1))
	defer bus.Close()

	sig := syscall.SIGUSR2
	bus.RegisterWithTimeout(sig, func(os.Signal) {
		time.Sleep(2 * time.Second)
	}, 0, "slow", 200*time.Millisecond)

	bus.Raise(sig)

	require.Eventually(t, func() bool {
		return bus.Stats(sig).HandlerErrors == 1
	}, 500*time.Millisecond, 20*time.Millisecond)

	st := bus.Stats(sig)
	assert.Equal(t, uint64(0), st.Processed)
}

func TestUnregisterStopsDelivery(t *testing.T) {
	bus := New(WithWorkers(1))
	defer bus.Close()

	sig := syscall.SIGUSR1
	var n int
	var mu sync.Mutex
	id := bus.Register(sig, func(os.Signal) {
		mu.Lock()
		n++
		mu.Unlock()
	}, 0, "counter")

	bus.Raise(sig)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return n == 1
	}, time.Second, 10*time.Millisecond)

	require.True(t, bus.Unregister(id))
	bus.Raise(sig)
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, n)
}

func TestClearQueueReportsDiscarded(t *testing.T) {
	bus := New(WithWorkers(1))
	defer bus.Close()

	sig := syscall.SIGUSR1
	block := make(chan struct{})
	bus.Register(sig, func(os.Signal) { <-block }, 0, "blocker")

	// First Raise occupies the lone worker; the rest queue up behind it.
	bus.Raise(sig)
	time.Sleep(50 * time.Millisecond)
	for i := 0; i < 5; i++ {
		bus.Raise(sig)
	}
	time.Sleep(50 * time.Millisecond)

	n := bus.ClearQueue()
	assert.Equal(t, 5, n)
	close(block)
}

func TestRegisterCrashSignalsCoversSet(t *testing.T) {
	bus := New()
	defer bus.Close()

	ids := bus.RegisterCrashSignals(func(os.Signal) {}, 0, "crash-logger")
	assert.Equal(t, len(CrashSignals()), len(ids))
}
