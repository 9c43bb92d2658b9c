package mqttclient

import (
	"github.com/halcyon-labs/netkit/buf"
	"github.com/halcyon-labs/netkit/errs"
)

// RetainHandling is the v5 SUBSCRIBE per-topic retain-handling option.
type RetainHandling byte

const (
	SendRetained RetainHandling = iota
	SendRetainedIfNewSubscription
	DoNotSendRetained
)

// SubscribeTopic is one entry of a SUBSCRIBE request. Its per-topic
// options byte packs retain_handling:2 | retain_as_published:1 |
// no_local:1 | qos:2.
type SubscribeTopic struct {
	Filter            string
	QoS               QoS
	NoLocal           bool
	RetainAsPublished bool
	RetainHandling    RetainHandling
}

func subscribeOptionsByte(t SubscribeTopic) byte {
	b := byte(t.QoS) & 0x03
	if t.NoLocal {
		b |= 0x04
	}
	if t.RetainAsPublished {
		b |= 0x08
	}
	b |= byte(t.RetainHandling) << 4
	return b
}

// encodeSubscribe builds a full SUBSCRIBE packet for one or more topics.
func encodeSubscribe(packetID uint16, topics []SubscribeTopic, version Version) []byte {
	vh := buf.New(4)
	vh.AppendUint16(packetID)
	if version == V5_0 {
		_ = encodePropertyBlock(vh, nil)
	}
	payload := buf.New(8 * len(topics))
	for _, t := range topics {
		payload.AppendString(t.Filter)
		payload.AppendByte(subscribeOptionsByte(t))
	}
	out := buf.New(4 + vh.Len() + payload.Len())
	_ = encodeHeader(out, SUBSCRIBE, SUBSCRIBE.defaultFlags(), vh.Len()+payload.Len())
	out.Append(vh.Bytes())
	out.Append(payload.Bytes())
	return out.Bytes()
}

// subackResult is the decoded SUBACK: packet id plus the full per-topic
// return-code vector, always delivered to the pending callback in full
// rather than truncated to a single code.
type subackResult struct {
	PacketID    uint16
	ReturnCodes []byte
}

func decodeSuback(body *buf.Buffer, version Version) (subackResult, error) {
	id, err := body.ReadUint16()
	if err != nil {
		return subackResult{}, errs.Wrap(errs.Malformed, "mqttclient.decodeSuback", "short packet id", err)
	}
	if version == V5_0 {
		if _, err := decodePropertyBlock(body); err != nil {
			return subackResult{}, err
		}
	}
	return subackResult{PacketID: id, ReturnCodes: append([]byte(nil), body.Remaining()...)}, nil
}

// encodeUnsubscribe builds a full UNSUBSCRIBE packet.
func encodeUnsubscribe(packetID uint16, filters []string, version Version) []byte {
	vh := buf.New(4)
	vh.AppendUint16(packetID)
	if version == V5_0 {
		_ = encodePropertyBlock(vh, nil)
	}
	payload := buf.New(8 * len(filters))
	for _, f := range filters {
		payload.AppendString(f)
	}
	out := buf.New(4 + vh.Len() + payload.Len())
	_ = encodeHeader(out, UNSUBSCRIBE, UNSUBSCRIBE.defaultFlags(), vh.Len()+payload.Len())
	out.Append(vh.Bytes())
	out.Append(payload.Bytes())
	return out.Bytes()
}

// unsubackResult is the decoded UNSUBACK. v3.1.1 carries only the packet
// id (no payload); v5 additionally carries a per-topic reason-code
// vector, which — like SUBACK — is delivered to the pending callback in
// full rather than discarded.
type unsubackResult struct {
	PacketID    uint16
	ReturnCodes []byte // empty for v3.1.1
}

func decodeUnsuback(body *buf.Buffer, version Version) (unsubackResult, error) {
	id, err := body.ReadUint16()
	if err != nil {
		return unsubackResult{}, errs.Wrap(errs.Malformed, "mqttclient.decodeUnsuback", "short packet id", err)
	}
	if version != V5_0 {
		return unsubackResult{PacketID: id}, nil
	}
	if _, err := decodePropertyBlock(body); err != nil {
		return unsubackResult{}, err
	}
	return unsubackResult{PacketID: id, ReturnCodes: append([]byte(nil), body.Remaining()...)}, nil
}
