package sockethub

import (
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialLoopback(t *testing.T, port int) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), 2*time.Second)
	require.NoError(t, err)
	return conn
}

func startEphemeralHub(t *testing.T) (*Hub, int) {
	t.Helper()
	cfg := DefaultConfig()
	h := NewHub(cfg)
	// Bind to an ephemeral port by asking the OS: start a listener on
	// port 0 first to learn the port, then hand that port to the hub.
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := probe.Addr().(*net.TCPAddr).Port
	probe.Close()

	require.NoError(t, h.Start(port))
	t.Cleanup(h.Stop)
	return h, port
}

func TestBroadcastFansOutToAllClients(t *testing.T) {
	h, port := startEphemeralHub(t)

	var mu sync.Mutex
	connected := map[ClientID]bool{}
	h.SetHandlers(Handlers{
		OnConnect: func(id ClientID, _ string) {
			mu.Lock()
			connected[id] = true
			mu.Unlock()
		},
	})

	c1 := dialLoopback(t, port)
	defer c1.Close()
	c2 := dialLoopback(t, port)
	defer c2.Close()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(connected) == 2
	}, 2*time.Second, 10*time.Millisecond)

	h.Broadcast([]byte("hello all"))

	buf1 := make([]byte, 9)
	c1.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := c1.Read(buf1)
	require.NoError(t, err)
	assert.Equal(t, "hello all", string(buf1))

	buf2 := make([]byte, 9)
	c2.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = c2.Read(buf2)
	require.NoError(t, err)
	assert.Equal(t, "hello all", string(buf2))

	st := h.Stats()
	assert.Equal(t, uint64(2), st.TotalConnections)
	assert.Equal(t, uint64(2), st.ActiveConnections)
}

func TestDisconnectRemovesClientAndFiresHandler(t *testing.T) {
	h, port := startEphemeralHub(t)

	disconnected := make(chan string, 1)
	h.SetHandlers(Handlers{
		OnDisconnect: func(_ ClientID, reason string) {
			disconnected <- reason
		},
	})

	c1 := dialLoopback(t, port)
	require.Eventually(t, func() bool {
		return len(h.ListClients()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	c1.Close()

	select {
	case reason := <-disconnected:
		assert.Equal(t, "connection closed by peer", reason)
	case <-time.After(2 * time.Second):
		t.Fatal("on_disconnect was not called")
	}

	require.Eventually(t, func() bool {
		return len(h.ListClients()) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestGroupsSurviveLastMemberLeaving(t *testing.T) {
	h, port := startEphemeralHub(t)

	c1 := dialLoopback(t, port)
	defer c1.Close()

	require.Eventually(t, func() bool {
		return len(h.ListClients()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	id := h.ListClients()[0]
	h.CreateGroup("room1")
	require.True(t, h.AddToGroup(id, "room1"))
	assert.Equal(t, []ClientID{id}, h.ClientsInGroup("room1"))

	require.True(t, h.RemoveFromGroup(id, "room1"))
	assert.Empty(t, h.ClientsInGroup("room1"))
	assert.Contains(t, h.ListGroups(), "room1")
}

func TestStopDisconnectsAllClients(t *testing.T) {
	h, port := startEphemeralHub(t)

	c1 := dialLoopback(t, port)
	defer c1.Close()
	require.Eventually(t, func() bool {
		return len(h.ListClients()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	h.Stop()
	assert.Empty(t, h.ListClients())
}
