package mqttclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyon-labs/netkit/buf"
)

func parse(t *testing.T, raw []byte) (header, *buf.Buffer) {
	t.Helper()
	b := buf.FromBytes(raw)
	h, err := decodeHeader(b)
	require.NoError(t, err)
	return h, b
}

func TestConnectRoundTrip(t *testing.T) {
	cfg := Config{ClientID: "t1", Username: "u", Password: "p", KeepAlive: 30, CleanSession: true}
	raw := encodeConnect(cfg, V3_1_1)
	h, body := parse(t, raw)
	assert.Equal(t, CONNECT, h.Type)

	proto, err := body.ReadString()
	require.NoError(t, err)
	assert.Equal(t, "MQTT", proto)

	level, err := body.ReadUint8()
	require.NoError(t, err)
	assert.Equal(t, byte(4), level)

	flags, err := body.ReadUint8()
	require.NoError(t, err)
	assert.Equal(t, byte(0x02|0x40|0x80), flags) // clean session + password + username

	ka, err := body.ReadUint16()
	require.NoError(t, err)
	assert.Equal(t, uint16(30), ka)

	clientID, err := body.ReadString()
	require.NoError(t, err)
	assert.Equal(t, "t1", clientID)

	user, err := body.ReadString()
	require.NoError(t, err)
	assert.Equal(t, "u", user)

	pass, err := body.ReadString()
	require.NoError(t, err)
	assert.Equal(t, "p", pass)
}

func TestConnectWithWillV5(t *testing.T) {
	cfg := Config{
		ClientID:     "t2",
		KeepAlive:    60,
		CleanSession: false,
		WillTopic:    "lwt/x",
		WillPayload:  []byte{0xDE, 0xAD},
		WillQoS:      QoS1,
		WillRetain:   true,
	}
	raw := encodeConnect(cfg, V5_0)
	h, body := parse(t, raw)
	assert.Equal(t, CONNECT, h.Type)

	_, _ = body.ReadString() // "MQTT"
	_, _ = body.ReadUint8()  // level
	flags, err := body.ReadUint8()
	require.NoError(t, err)
	assert.True(t, flags&0x04 != 0, "will flag set")
	assert.Equal(t, byte(QoS1), (flags>>3)&0x03)
	assert.True(t, flags&0x20 != 0, "will retain set")
	assert.True(t, flags&0x02 == 0, "clean session clear")

	_, _ = body.ReadUint16() // keepalive
	props, err := decodePropertyBlock(body)
	require.NoError(t, err)
	_ = props

	clientID, err := body.ReadString()
	require.NoError(t, err)
	assert.Equal(t, "t2", clientID)

	_, err = decodePropertyBlock(body) // will properties
	require.NoError(t, err)

	topic, err := body.ReadString()
	require.NoError(t, err)
	assert.Equal(t, "lwt/x", topic)

	payload, err := body.ReadString()
	require.NoError(t, err)
	assert.Equal(t, string([]byte{0xDE, 0xAD}), payload)
}

func TestConnackRoundTrip(t *testing.T) {
	out := buf.New(4)
	out.AppendByte(0x01) // session present
	out.AppendByte(0x00) // accepted
	res, err := decodeConnack(out, V3_1_1)
	require.NoError(t, err)
	assert.True(t, res.SessionPresent)
	assert.Equal(t, byte(0), res.ReturnCode)
}

func TestPublishRoundTripQoS0(t *testing.T) {
	raw := encodePublish(publishPacket{Topic: "a/b", QoS: QoS0, Payload: []byte("hello")}, V3_1_1)
	h, body := parse(t, raw)
	pkt, err := decodePublish(h.Flags, body, V3_1_1)
	require.NoError(t, err)
	assert.Equal(t, "a/b", pkt.Topic)
	assert.Equal(t, QoS0, pkt.QoS)
	assert.Equal(t, []byte("hello"), pkt.Payload)
	assert.False(t, pkt.DUP)
	assert.False(t, pkt.Retain)
}

func TestPublishRoundTripQoS1AndQoS2(t *testing.T) {
	for _, qos := range []QoS{QoS1, QoS2} {
		raw := encodePublish(publishPacket{Topic: "x", PacketID: 42, QoS: qos, Retain: true, Payload: []byte{1, 2, 3}}, V3_1_1)
		h, body := parse(t, raw)
		pkt, err := decodePublish(h.Flags, body, V3_1_1)
		require.NoError(t, err)
		assert.Equal(t, uint16(42), pkt.PacketID)
		assert.Equal(t, qos, pkt.QoS)
		assert.True(t, pkt.Retain)
		assert.Equal(t, []byte{1, 2, 3}, pkt.Payload)
	}
}

func TestPublishRoundTripV5Properties(t *testing.T) {
	props := &Properties{
		HasMessageExpiry:      true,
		MessageExpiryInterval: 3600,
		ResponseTopic:         "resp/1",
		CorrelationData:       []byte{0xC0, 0xFF, 0xEE},
		ContentType:           "text/plain",
	}
	raw := encodePublish(publishPacket{Topic: "y", PacketID: 7, QoS: QoS1, Props: props, Payload: []byte("v5")}, V5_0)
	h, body := parse(t, raw)
	pkt, err := decodePublish(h.Flags, body, V5_0)
	require.NoError(t, err)
	require.NotNil(t, pkt.Props)
	assert.True(t, pkt.Props.HasMessageExpiry)
	assert.Equal(t, uint32(3600), pkt.Props.MessageExpiryInterval)
	assert.Equal(t, "resp/1", pkt.Props.ResponseTopic)
	assert.Equal(t, []byte{0xC0, 0xFF, 0xEE}, pkt.Props.CorrelationData)
	assert.Equal(t, "text/plain", pkt.Props.ContentType)
	assert.Equal(t, []byte("v5"), pkt.Payload)
}

func TestAckRoundTrip(t *testing.T) {
	for _, ty := range []PacketType{PUBACK, PUBREC, PUBREL, PUBCOMP} {
		raw := encodeAck(ty, 99)
		h, body := parse(t, raw)
		assert.Equal(t, ty, h.Type)
		if ty == PUBREL {
			assert.Equal(t, byte(0x02), h.Flags)
		}
		id, err := decodeAckPacketID(body)
		require.NoError(t, err)
		assert.Equal(t, uint16(99), id)
	}
}

func TestSubscribeRoundTripNTopics(t *testing.T) {
	topics := []SubscribeTopic{
		{Filter: "a/#", QoS: QoS0},
		{Filter: "b/+", QoS: QoS1, NoLocal: true},
		{Filter: "c", QoS: QoS2, RetainAsPublished: true, RetainHandling: DoNotSendRetained},
	}
	raw := encodeSubscribe(5, topics, V3_1_1)
	h, body := parse(t, raw)
	assert.Equal(t, SUBSCRIBE, h.Type)
	assert.Equal(t, byte(0x02), h.Flags)

	id, err := body.ReadUint16()
	require.NoError(t, err)
	assert.Equal(t, uint16(5), id)

	for _, want := range topics {
		filter, err := body.ReadString()
		require.NoError(t, err)
		assert.Equal(t, want.Filter, filter)
		opts, err := body.ReadUint8()
		require.NoError(t, err)
		assert.Equal(t, want.QoS, QoS(opts&0x03))
		assert.Equal(t, want.NoLocal, opts&0x04 != 0)
		assert.Equal(t, want.RetainAsPublished, opts&0x08 != 0)
		assert.Equal(t, want.RetainHandling, RetainHandling(opts>>4))
	}
}

func TestSubackFullResultVector(t *testing.T) {
	out := buf.New(8)
	out.AppendUint16(5)
	out.Append([]byte{0x00, 0x01, 0x80})
	res, err := decodeSuback(out, V3_1_1)
	require.NoError(t, err)
	assert.Equal(t, uint16(5), res.PacketID)
	assert.Equal(t, []byte{0x00, 0x01, 0x80}, res.ReturnCodes)
}

func TestUnsubscribeRoundTrip(t *testing.T) {
	raw := encodeUnsubscribe(9, []string{"a", "b", "c"}, V3_1_1)
	h, body := parse(t, raw)
	assert.Equal(t, UNSUBSCRIBE, h.Type)
	assert.Equal(t, byte(0x02), h.Flags)
	id, err := body.ReadUint16()
	require.NoError(t, err)
	assert.Equal(t, uint16(9), id)
	for _, want := range []string{"a", "b", "c"} {
		got, err := body.ReadString()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestUnsubackV3HasNoReasonCodes(t *testing.T) {
	out := buf.New(4)
	out.AppendUint16(9)
	res, err := decodeUnsuback(out, V3_1_1)
	require.NoError(t, err)
	assert.Equal(t, uint16(9), res.PacketID)
	assert.Empty(t, res.ReturnCodes)
}

func TestPingPackets(t *testing.T) {
	h, _ := parse(t, encodePingreq())
	assert.Equal(t, PINGREQ, h.Type)
	assert.Equal(t, 0, h.RemainingLength)

	h2, _ := parse(t, encodePingresp())
	assert.Equal(t, PINGRESP, h2.Type)
}

func TestDisconnectV3IsZeroLength(t *testing.T) {
	raw := encodeDisconnect(V3_1_1, 0)
	h, _ := parse(t, raw)
	assert.Equal(t, DISCONNECT, h.Type)
	assert.Equal(t, 0, h.RemainingLength)
	assert.Equal(t, 2, len(raw))
}

func TestDisconnectV5HasReasonAndProperties(t *testing.T) {
	raw := encodeDisconnect(V5_0, 0x04)
	h, body := parse(t, raw)
	assert.Equal(t, DISCONNECT, h.Type)
	rc, err := body.ReadUint8()
	require.NoError(t, err)
	assert.Equal(t, byte(0x04), rc)
	_, err = decodePropertyBlock(body)
	require.NoError(t, err)
}

func TestExtractPacketIncremental(t *testing.T) {
	full := encodePublish(publishPacket{Topic: "z", QoS: QoS0, Payload: []byte("payload")}, V3_1_1)
	_, _, _, ok := extractPacket(full[:len(full)-1])
	assert.False(t, ok, "incomplete packet must not be reported as found")

	h, bodyOffset, total, ok := extractPacket(full)
	require.True(t, ok)
	assert.Equal(t, PUBLISH, h.Type)
	assert.Equal(t, len(full), total)
	assert.Less(t, bodyOffset, total)
}

func TestPacketIDAllocatorSkipsZero(t *testing.T) {
	var a packetIDAllocator
	a.next = 0xFFFE
	assert.Equal(t, uint16(0xFFFF), a.Next())
	assert.Equal(t, uint16(1), a.Next(), "wraps past 0 straight to 1")
}
