package mqttclient

// extractPacket looks for one complete MQTT packet at the front of data
// (a stream accumulation buffer, not yet known to hold a whole packet).
// It returns the packet's header, the byte offset its variable
// header/payload starts at, its total length (header bytes + remaining
// length), and whether a complete packet was found. Unlike buf.Buffer's
// ReadVarint (used once a full packet is already isolated), this never
// treats "not enough bytes yet" as a malformed-packet error — that's the
// normal state of a TCP stream between reads.
func extractPacket(data []byte) (h header, bodyOffset, total int, ok bool) {
	if len(data) < 1 {
		return header{}, 0, 0, false
	}
	first := data[0]

	var value, multiplier uint32
	n := 0
	for {
		if len(data) < 2+n {
			return header{}, 0, 0, false // varint not fully buffered yet
		}
		octet := data[1+n]
		value += uint32(octet&0x7f) * pow(multiplier)
		n++
		if octet&0x80 == 0 {
			break
		}
		multiplier++
		if n >= 4 {
			// 4 continuation-bearing bytes without termination: malformed,
			// but extractPacket only reports "not found yet" vs "found" —
			// the client's receive loop checks for this case itself and
			// surfaces errs.Malformed.
			return header{}, 0, 0, false
		}
	}
	bodyOffset = 1 + n
	total = bodyOffset + int(value)
	if len(data) < total {
		return header{}, 0, 0, false
	}
	return header{Type: PacketType(first >> 4), Flags: first & 0x0f, RemainingLength: int(value)}, bodyOffset, total, true
}

func pow(exp uint32) uint32 {
	v := uint32(1)
	for i := uint32(0); i < exp; i++ {
		v *= 128
	}
	return v
}
