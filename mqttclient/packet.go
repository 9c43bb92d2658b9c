// Package mqttclient implements an MQTT 3.1.1 / 5.0 client: wire codec,
// session/pending-op tracking, QoS 0/1/2 state machine, keep-alive,
// reconnection with jitter, over the transport.Transport interface (TCP,
// or TLS when Config.UseTLS is set).
//
// The fixed header's remaining-length field uses the standard 7-bit
// continuation-bit varint encoding, capped at four bytes.
package mqttclient

import (
	"github.com/halcyon-labs/netkit/buf"
	"github.com/halcyon-labs/netkit/errs"
)

// PacketType is the MQTT control packet type, bits 7-4 of the fixed header.
type PacketType byte

const (
	_ PacketType = iota // 0 is reserved
	CONNECT
	CONNACK
	PUBLISH
	PUBACK
	PUBREC
	PUBREL
	PUBCOMP
	SUBSCRIBE
	SUBACK
	UNSUBSCRIBE
	UNSUBACK
	PINGREQ
	PINGRESP
	DISCONNECT
)

func (t PacketType) String() string {
	switch t {
	case CONNECT:
		return "CONNECT"
	case CONNACK:
		return "CONNACK"
	case PUBLISH:
		return "PUBLISH"
	case PUBACK:
		return "PUBACK"
	case PUBREC:
		return "PUBREC"
	case PUBREL:
		return "PUBREL"
	case PUBCOMP:
		return "PUBCOMP"
	case SUBSCRIBE:
		return "SUBSCRIBE"
	case SUBACK:
		return "SUBACK"
	case UNSUBSCRIBE:
		return "UNSUBSCRIBE"
	case UNSUBACK:
		return "UNSUBACK"
	case PINGREQ:
		return "PINGREQ"
	case PINGRESP:
		return "PINGRESP"
	case DISCONNECT:
		return "DISCONNECT"
	default:
		return "UNKNOWN"
	}
}

// defaultFlags are the fixed header flag bits mandated for packet types
// whose flags aren't variable (everything except PUBLISH): 0x02 for
// SUBSCRIBE/UNSUBSCRIBE/PUBREL in both versions, 0x00 otherwise.
func (t PacketType) defaultFlags() byte {
	switch t {
	case PUBREL, SUBSCRIBE, UNSUBSCRIBE:
		return 0x02
	default:
		return 0x00
	}
}

// Version selects the wire dialect.
type Version int

const (
	V3_1_1 Version = iota
	V5_0
)

// header is the decoded MQTT fixed header.
type header struct {
	Type            PacketType
	Flags           byte
	RemainingLength int
}

// decodeHeader reads the fixed header (1 byte type+flags, 1-4 byte varint
// remaining length) from the front of b, leaving b's cursor just past it.
func decodeHeader(b *buf.Buffer) (header, error) {
	first, err := b.ReadUint8()
	if err != nil {
		return header{}, errs.Wrap(errs.Malformed, "mqttclient.decodeHeader", "short fixed header", err)
	}
	rl, _, err := b.ReadVarint()
	if err != nil {
		return header{}, errs.Wrap(errs.Malformed, "mqttclient.decodeHeader", "bad remaining length", err)
	}
	return header{
		Type:            PacketType(first >> 4),
		Flags:           first & 0x0f,
		RemainingLength: rl,
	}, nil
}

// encodeHeader appends a fixed header for the given type, flags, and
// remaining (variable-header + payload) length.
func encodeHeader(b *buf.Buffer, t PacketType, flags byte, remaining int) error {
	b.AppendByte(byte(t)<<4 | flags)
	return b.AppendVarint(remaining)
}

// QoS is the MQTT delivery guarantee level.
type QoS byte

const (
	QoS0 QoS = 0
	QoS1 QoS = 1
	QoS2 QoS = 2
)

// publishFlags packs PUBLISH's fixed-header flag nibble: DUP (bit 3),
// QoS (bits 2-1), RETAIN (bit 0).
func publishFlags(dup bool, qos QoS, retain bool) byte {
	var f byte
	if dup {
		f |= 0x08
	}
	f |= byte(qos) << 1
	if retain {
		f |= 0x01
	}
	return f
}

func parsePublishFlags(flags byte) (dup bool, qos QoS, retain bool) {
	return flags&0x08 != 0, QoS((flags >> 1) & 0x03), flags&0x01 != 0
}

// ---- V5 property block ----
// Property identifiers this client understands. The subset is
// deliberately narrow rather than exhaustive.
const (
	propMessageExpiryInterval byte = 0x02
	propContentType           byte = 0x03
	propResponseTopic         byte = 0x08
	propCorrelationData       byte = 0x09
)

// Properties is the decoded subset of MQTT 5 PUBLISH properties this
// client understands; unrecognised property identifiers are skipped
// during decode without populating any field.
type Properties struct {
	MessageExpiryInterval uint32
	HasMessageExpiry      bool
	ResponseTopic         string
	CorrelationData       []byte
	ContentType           string
}

// encodePropertyBlock appends a varint-length-prefixed property block.
// Passing nil writes an empty block.
func encodePropertyBlock(b *buf.Buffer, p *Properties) error {
	body := buf.New(32)
	if p != nil {
		if p.HasMessageExpiry {
			body.AppendByte(propMessageExpiryInterval)
			body.AppendUint32(p.MessageExpiryInterval)
		}
		if p.ResponseTopic != "" {
			body.AppendByte(propResponseTopic)
			body.AppendString(p.ResponseTopic)
		}
		if p.CorrelationData != nil {
			body.AppendByte(propCorrelationData)
			body.AppendUint16(uint16(len(p.CorrelationData)))
			body.Append(p.CorrelationData)
		}
		if p.ContentType != "" {
			body.AppendByte(propContentType)
			body.AppendString(p.ContentType)
		}
	}
	if err := b.AppendVarint(body.Len()); err != nil {
		return err
	}
	b.Append(body.Bytes())
	return nil
}

// decodePropertyBlock reads a varint-length-prefixed property block,
// populating the fields this client understands. Parsing stops at the
// first unrecognised identifier: the rest of the block, including any
// recognised properties after it, is skipped.
func decodePropertyBlock(b *buf.Buffer) (*Properties, error) {
	length, _, err := b.ReadVarint()
	if err != nil {
		return nil, errs.Wrap(errs.Malformed, "mqttclient.decodePropertyBlock", "bad property length", err)
	}
	if length == 0 {
		return &Properties{}, nil
	}
	end := b.Pos() + length
	if end > b.Len() {
		return nil, errs.New(errs.Malformed, "mqttclient.decodePropertyBlock", "property block exceeds packet")
	}
	props := &Properties{}
	for b.Pos() < end {
		id, err := b.ReadUint8()
		if err != nil {
			return nil, errs.Wrap(errs.Malformed, "mqttclient.decodePropertyBlock", "short property id", err)
		}
		switch id {
		case propMessageExpiryInterval:
			v, err := b.ReadUint32()
			if err != nil {
				return nil, err
			}
			props.MessageExpiryInterval = v
			props.HasMessageExpiry = true
		case propResponseTopic:
			v, err := b.ReadString()
			if err != nil {
				return nil, err
			}
			props.ResponseTopic = v
		case propCorrelationData:
			n, err := b.ReadUint16()
			if err != nil {
				return nil, err
			}
			v, err := b.ReadBytes(int(n))
			if err != nil {
				return nil, err
			}
			props.CorrelationData = append([]byte(nil), v...)
		case propContentType:
			v, err := b.ReadString()
			if err != nil {
				return nil, err
			}
			props.ContentType = v
		default:
			// Unknown identifier: we don't know its value's length, so we
			// can't safely skip just it. Jump to the block end instead;
			// properties after it are not decoded.
			b.RewindTo(end)
			return props, nil
		}
	}
	return props, nil
}
