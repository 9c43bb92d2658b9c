package mqttclient

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyon-labs/netkit/buf"
)

// fakeBroker is a minimal single-connection MQTT broker stand-in used to
// exercise the client's QoS 0/1/2 flows against real wire bytes.
type fakeBroker struct {
	ln net.Listener
}

func startFakeBroker(t *testing.T) (*fakeBroker, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	fb := &fakeBroker{ln: ln}
	go fb.acceptLoop(t)
	return fb, ln.Addr().(*net.TCPAddr).Port
}

func (fb *fakeBroker) acceptLoop(t *testing.T) {
	for {
		conn, err := fb.ln.Accept()
		if err != nil {
			return
		}
		go fb.serve(t, conn)
	}
}

func (fb *fakeBroker) serve(t *testing.T, conn net.Conn) {
	defer conn.Close()
	scratch := make([]byte, 4096)
	var acc bytes.Buffer
	for {
		n, err := conn.Read(scratch)
		if n > 0 {
			acc.Write(scratch[:n])
			for {
				h, bodyOffset, total, ok := extractPacket(acc.Bytes())
				if !ok {
					break
				}
				raw := acc.Bytes()[:total]
				body := buf.FromBytes(append([]byte(nil), raw[bodyOffset:total]...))
				fb.handle(conn, h, body)
				acc.Next(total)
			}
		}
		if err != nil {
			return
		}
	}
}

func (fb *fakeBroker) handle(conn net.Conn, h header, body *buf.Buffer) {
	switch h.Type {
	case CONNECT:
		conn.Write(mustConnack(false, 0))
	case PUBLISH:
		pkt, err := decodePublish(h.Flags, body, V3_1_1)
		if err != nil {
			return
		}
		switch pkt.QoS {
		case QoS1:
			conn.Write(encodeAck(PUBACK, pkt.PacketID))
		case QoS2:
			conn.Write(encodeAck(PUBREC, pkt.PacketID))
		}
	case PUBREL:
		id, _ := decodeAckPacketID(body)
		conn.Write(encodeAck(PUBCOMP, id))
	case SUBSCRIBE:
		id, _ := body.ReadUint16()
		var codes []byte
		for body.RemainingLen() > 0 {
			_, _ = body.ReadString()
			opts, _ := body.ReadUint8()
			codes = append(codes, opts&0x03)
		}
		out := buf.New(8)
		_ = encodeHeader(out, SUBACK, SUBACK.defaultFlags(), 2+len(codes))
		out.AppendUint16(id)
		out.Append(codes)
		conn.Write(out.Bytes())
	case PINGREQ:
		conn.Write(encodePingresp())
	case DISCONNECT:
		return
	}
}

func mustConnack(sessionPresent bool, rc byte) []byte {
	out := buf.New(4)
	_ = encodeHeader(out, CONNACK, CONNACK.defaultFlags(), 2)
	if sessionPresent {
		out.AppendByte(0x01)
	} else {
		out.AppendByte(0x00)
	}
	out.AppendByte(rc)
	return out.Bytes()
}

func waitFor(t *testing.T, ch <-chan struct{}, msg string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal(msg)
	}
}

func TestConnectHandshake(t *testing.T) {
	_, port := startFakeBroker(t)

	c := New(Config{ClientID: "t", CleanSession: true})
	defer c.Close()

	connected := make(chan struct{}, 1)
	c.SetHandlers(Handlers{OnConnect: func(sessionPresent bool, err error) {
		if err == nil {
			connected <- struct{}{}
		}
	}})
	c.Connect("127.0.0.1", port)
	waitFor(t, connected, "on_connect not fired")
	assert.Equal(t, Connected, c.State())
}

func TestPublishQoS1(t *testing.T) {
	_, port := startFakeBroker(t)
	c := New(Config{ClientID: "t"})
	defer c.Close()

	connected := make(chan struct{}, 1)
	c.SetHandlers(Handlers{OnConnect: func(bool, error) { connected <- struct{}{} }})
	c.Connect("127.0.0.1", port)
	waitFor(t, connected, "CONNACK not observed")

	done := make(chan error, 1)
	require.NoError(t, c.Publish("x", []byte{0x01}, QoS1, false, func(err error) { done <- err }))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("PUBACK callback never fired")
	}
	assert.Empty(t, c.pending)
}

func TestPublishQoS2(t *testing.T) {
	_, port := startFakeBroker(t)
	c := New(Config{ClientID: "t"})
	defer c.Close()

	connected := make(chan struct{}, 1)
	c.SetHandlers(Handlers{OnConnect: func(bool, error) { connected <- struct{}{} }})
	c.Connect("127.0.0.1", port)
	waitFor(t, connected, "CONNACK not observed")

	done := make(chan error, 1)
	require.NoError(t, c.Publish("y", []byte{0x02}, QoS2, false, func(err error) { done <- err }))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("PUBCOMP callback never fired")
	}
	assert.Empty(t, c.pending)
}

func TestSubscribeFullResultVector(t *testing.T) {
	_, port := startFakeBroker(t)
	c := New(Config{ClientID: "t"})
	defer c.Close()

	connected := make(chan struct{}, 1)
	c.SetHandlers(Handlers{OnConnect: func(bool, error) { connected <- struct{}{} }})
	c.Connect("127.0.0.1", port)
	waitFor(t, connected, "CONNACK not observed")

	done := make(chan []byte, 1)
	require.NoError(t, c.Subscribe([]SubscribeTopic{
		{Filter: "a", QoS: QoS0},
		{Filter: "b", QoS: QoS1},
		{Filter: "c", QoS: QoS2},
	}, func(codes []byte, err error) {
		require.NoError(t, err)
		done <- codes
	}))
	select {
	case codes := <-done:
		assert.Equal(t, []byte{0, 1, 2}, codes)
	case <-time.After(2 * time.Second):
		t.Fatal("SUBACK callback never fired")
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	_, port := startFakeBroker(t)
	c := New(Config{ClientID: "t"})
	defer c.Close()

	connected := make(chan struct{}, 1)
	c.SetHandlers(Handlers{OnConnect: func(bool, error) { connected <- struct{}{} }})
	c.Connect("127.0.0.1", port)
	waitFor(t, connected, "CONNACK not observed")

	c.Disconnect()
	assert.Equal(t, Disconnected, c.State())
	c.Disconnect() // must not panic or double-fire
}

func TestPacketIDMonotonicityNeverZero(t *testing.T) {
	var a packetIDAllocator
	seen := make(map[uint16]bool)
	var prev uint16
	for i := 0; i < 100000; i++ {
		id := a.Next()
		assert.NotEqual(t, uint16(0), id)
		if i > 0 && prev != 0xFFFF {
			assert.Equal(t, prev+1, id)
		}
		prev = id
		seen[id] = true
	}
}
