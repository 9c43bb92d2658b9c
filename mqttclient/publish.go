package mqttclient

import (
	"github.com/halcyon-labs/netkit/buf"
	"github.com/halcyon-labs/netkit/errs"
)

// publishPacket is the decoded form of an inbound or outbound PUBLISH.
type publishPacket struct {
	Topic    string
	PacketID uint16 // only meaningful when QoS > 0
	QoS      QoS
	DUP      bool
	Retain   bool
	Props    *Properties
	Payload  []byte
}

// encodePublish builds a full PUBLISH packet.
func encodePublish(p publishPacket, version Version) []byte {
	vh := buf.New(16 + len(p.Topic))
	vh.AppendString(p.Topic)
	if p.QoS > QoS0 {
		vh.AppendUint16(p.PacketID)
	}
	if version == V5_0 {
		_ = encodePropertyBlock(vh, p.Props)
	}

	out := buf.New(4 + vh.Len() + len(p.Payload))
	flags := publishFlags(p.DUP, p.QoS, p.Retain)
	_ = encodeHeader(out, PUBLISH, flags, vh.Len()+len(p.Payload))
	out.Append(vh.Bytes())
	out.Append(p.Payload)
	return out.Bytes()
}

// decodePublish parses a PUBLISH variable header + payload given the
// fixed-header flags already extracted by the caller.
func decodePublish(flags byte, body *buf.Buffer, version Version) (publishPacket, error) {
	dup, qos, retain := parsePublishFlags(flags)
	topic, err := body.ReadString()
	if err != nil {
		return publishPacket{}, errs.Wrap(errs.Malformed, "mqttclient.decodePublish", "short topic", err)
	}
	var packetID uint16
	if qos > QoS0 {
		packetID, err = body.ReadUint16()
		if err != nil {
			return publishPacket{}, errs.Wrap(errs.Malformed, "mqttclient.decodePublish", "short packet id", err)
		}
	}
	var props *Properties
	if version == V5_0 {
		props, err = decodePropertyBlock(body)
		if err != nil {
			return publishPacket{}, err
		}
	}
	return publishPacket{
		Topic:    topic,
		PacketID: packetID,
		QoS:      qos,
		DUP:      dup,
		Retain:   retain,
		Props:    props,
		Payload:  append([]byte(nil), body.Remaining()...),
	}, nil
}

// encodeAck builds the uniform 2-byte-payload acks: PUBACK, PUBREC,
// PUBREL, PUBCOMP. PUBREL is the only one of these with non-zero default
// flags (0x02), handled via PacketType.defaultFlags.
func encodeAck(t PacketType, packetID uint16) []byte {
	out := buf.New(4)
	_ = encodeHeader(out, t, t.defaultFlags(), 2)
	out.AppendUint16(packetID)
	return out.Bytes()
}

func decodeAckPacketID(body *buf.Buffer) (uint16, error) {
	id, err := body.ReadUint16()
	if err != nil {
		return 0, errs.Wrap(errs.Malformed, "mqttclient.decodeAckPacketID", "short packet id", err)
	}
	return id, nil
}
