package mqttclient

import (
	"github.com/halcyon-labs/netkit/buf"
	"github.com/halcyon-labs/netkit/errs"
)

const protocolName = "MQTT"

func protocolLevel(v Version) byte {
	if v == V5_0 {
		return 5
	}
	return 4
}

// connectFlags packs CONNECT's variable-header flags byte.
func connectFlags(cleanSession, hasWill, willRetain bool, willQoS QoS, hasUsername, hasPassword bool) byte {
	var f byte
	if hasPassword {
		f |= 0x40
	}
	if hasUsername {
		f |= 0x80
	}
	if hasWill {
		f |= 0x04
		f |= byte(willQoS) << 3
		if willRetain {
			f |= 0x20
		}
	}
	if cleanSession {
		f |= 0x02
	}
	return f
}

// encodeConnect builds a full CONNECT packet (fixed header + variable
// header + payload) for the given session options.
func encodeConnect(o Config, version Version) []byte {
	vh := buf.New(16)
	vh.AppendString(protocolName)
	vh.AppendByte(protocolLevel(version))
	vh.AppendByte(connectFlags(o.CleanSession, o.WillTopic != "", o.WillRetain, o.WillQoS, o.Username != "", o.Password != ""))
	vh.AppendUint16(uint16(o.KeepAlive))
	if version == V5_0 {
		_ = encodePropertyBlock(vh, nil) // empty property block
	}

	payload := buf.New(32)
	payload.AppendString(o.ClientID)
	if o.WillTopic != "" {
		if version == V5_0 {
			_ = encodePropertyBlock(payload, nil) // will properties, empty
		}
		payload.AppendString(o.WillTopic)
		payload.AppendUint16(uint16(len(o.WillPayload)))
		payload.Append(o.WillPayload)
	}
	if o.Username != "" {
		payload.AppendString(o.Username)
	}
	if o.Password != "" {
		payload.AppendString(o.Password)
	}

	out := buf.New(4 + vh.Len() + payload.Len())
	_ = encodeHeader(out, CONNECT, CONNECT.defaultFlags(), vh.Len()+payload.Len())
	out.Append(vh.Bytes())
	out.Append(payload.Bytes())
	return out.Bytes()
}

// connackResult is the parsed CONNACK body.
type connackResult struct {
	SessionPresent bool
	ReturnCode     byte
}

func decodeConnack(body *buf.Buffer, version Version) (connackResult, error) {
	ackFlags, err := body.ReadUint8()
	if err != nil {
		return connackResult{}, errs.Wrap(errs.Malformed, "mqttclient.decodeConnack", "short ack flags", err)
	}
	rc, err := body.ReadUint8()
	if err != nil {
		return connackResult{}, errs.Wrap(errs.Malformed, "mqttclient.decodeConnack", "short return code", err)
	}
	if version == V5_0 {
		if _, err := decodePropertyBlock(body); err != nil {
			return connackResult{}, err
		}
	}
	return connackResult{SessionPresent: ackFlags&0x01 != 0, ReturnCode: rc}, nil
}

// encodeDisconnect builds a DISCONNECT packet: v3.1.1 has zero remaining
// length; v5 carries a one-byte reason code plus an empty property block.
func encodeDisconnect(version Version, reasonCode byte) []byte {
	out := buf.New(4)
	if version == V3_1_1 {
		_ = encodeHeader(out, DISCONNECT, DISCONNECT.defaultFlags(), 0)
		return out.Bytes()
	}
	vh := buf.New(4)
	vh.AppendByte(reasonCode)
	_ = encodePropertyBlock(vh, nil)
	_ = encodeHeader(out, DISCONNECT, DISCONNECT.defaultFlags(), vh.Len())
	out.Append(vh.Bytes())
	return out.Bytes()
}

func encodePingreq() []byte {
	out := buf.New(2)
	_ = encodeHeader(out, PINGREQ, PINGREQ.defaultFlags(), 0)
	return out.Bytes()
}

func encodePingresp() []byte {
	out := buf.New(2)
	_ = encodeHeader(out, PINGRESP, PINGRESP.defaultFlags(), 0)
	return out.Bytes()
}
