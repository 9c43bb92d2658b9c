// Package buf implements the growable byte buffer shared by the networking
// components: big-endian integer reads, length-prefixed strings, and the
// MQTT variable-length integer (varint) encoding used for remaining-length
// fields and MQTT 5 property blocks.
//
// The varint shape (7 data bits per byte, high bit a continuation flag,
// capped at 4 bytes / 2^28-1) follows the fixed-header codec in
// breezymind-gomqtt/packet/header.go.
package buf

import (
	"encoding/binary"

	"github.com/halcyon-labs/netkit/errs"
)

// MaxVarint is the largest value the 4-byte MQTT varint encoding can hold.
const MaxVarint = 1<<28 - 1

// Buffer is a growable byte buffer with a read cursor. Writes always
// append; reads always advance from the cursor. It is not safe for
// concurrent use.
type Buffer struct {
	data []byte
	pos  int
}

// New returns an empty Buffer with the given initial capacity hint.
func New(capHint int) *Buffer {
	return &Buffer{data: make([]byte, 0, capHint)}
}

// FromBytes wraps an existing slice for reading; the slice is not copied.
func FromBytes(b []byte) *Buffer {
	return &Buffer{data: b}
}

// Append adds bytes to the end of the buffer.
func (b *Buffer) Append(p []byte) {
	b.data = append(b.data, p...)
}

// AppendByte adds a single byte.
func (b *Buffer) AppendByte(v byte) {
	b.data = append(b.data, v)
}

// Bytes returns the full underlying contents (not just unread data).
func (b *Buffer) Bytes() []byte { return b.data }

// Len returns the total number of bytes written to the buffer.
func (b *Buffer) Len() int { return len(b.data) }

// Remaining returns the slice of unread bytes.
func (b *Buffer) Remaining() []byte { return b.data[b.pos:] }

// RemainingLen returns the number of unread bytes.
func (b *Buffer) RemainingLen() int { return len(b.data) - b.pos }

// Reset clears the buffer entirely and resets the cursor.
func (b *Buffer) Reset() {
	b.data = b.data[:0]
	b.pos = 0
}

// RewindTo moves the read cursor back to an earlier position; it is used
// by framers that need to "put back" a partially-read packet.
func (b *Buffer) RewindTo(pos int) { b.pos = pos }

// Pos returns the current read cursor position.
func (b *Buffer) Pos() int { return b.pos }

// Consume advances the cursor by n bytes without returning them. It fails
// if fewer than n bytes remain.
func (b *Buffer) Consume(n int) error {
	if b.RemainingLen() < n {
		return errs.New(errs.Malformed, "buf.Consume", "buffer underrun")
	}
	b.pos += n
	return nil
}

func (b *Buffer) need(n int) error {
	if b.RemainingLen() < n {
		return errs.New(errs.Malformed, "buf.read", "buffer underrun")
	}
	return nil
}

// ReadUint8 reads one unsigned byte.
func (b *Buffer) ReadUint8() (uint8, error) {
	if err := b.need(1); err != nil {
		return 0, err
	}
	v := b.data[b.pos]
	b.pos++
	return v, nil
}

// ReadUint16 reads a big-endian uint16.
func (b *Buffer) ReadUint16() (uint16, error) {
	if err := b.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(b.data[b.pos:])
	b.pos += 2
	return v, nil
}

// ReadUint32 reads a big-endian uint32.
func (b *Buffer) ReadUint32() (uint32, error) {
	if err := b.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(b.data[b.pos:])
	b.pos += 4
	return v, nil
}

// ReadUint64 reads a big-endian uint64.
func (b *Buffer) ReadUint64() (uint64, error) {
	if err := b.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(b.data[b.pos:])
	b.pos += 8
	return v, nil
}

// ReadBytes reads exactly n raw bytes.
func (b *Buffer) ReadBytes(n int) ([]byte, error) {
	if err := b.need(n); err != nil {
		return nil, err
	}
	v := b.data[b.pos : b.pos+n]
	b.pos += n
	return v, nil
}

// ReadString reads a u16-length-prefixed UTF-8 string, per MQTT's string
// encoding (big-endian u16 length, then that many bytes of UTF-8).
func (b *Buffer) ReadString() (string, error) {
	n, err := b.ReadUint16()
	if err != nil {
		return "", err
	}
	raw, err := b.ReadBytes(int(n))
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// AppendUint8 appends a single unsigned byte.
func (b *Buffer) AppendUint8(v uint8) { b.AppendByte(v) }

// AppendUint16 appends a big-endian uint16.
func (b *Buffer) AppendUint16(v uint16) {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	b.Append(tmp[:])
}

// AppendUint32 appends a big-endian uint32.
func (b *Buffer) AppendUint32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.Append(tmp[:])
}

// AppendUint64 appends a big-endian uint64.
func (b *Buffer) AppendUint64(v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	b.Append(tmp[:])
}

// AppendString appends a u16-length-prefixed UTF-8 string.
func (b *Buffer) AppendString(s string) {
	b.AppendUint16(uint16(len(s)))
	b.Append([]byte(s))
}

// ReadVarint reads an MQTT variable-length integer (remaining-length style):
// 7 bits per byte, high bit is a continuation flag, at most 4 bytes.
// Returns the decoded value and the number of bytes consumed.
func (b *Buffer) ReadVarint() (int, int, error) {
	var value, multiplier uint32
	var n int
	for n = 0; n < 4; n++ {
		octet, err := b.ReadUint8()
		if err != nil {
			return 0, 0, errs.New(errs.Malformed, "buf.ReadVarint", "buffer underrun mid-varint")
		}
		value += uint32(octet&0x7f) * pow128(multiplier, n)
		if octet&0x80 == 0 {
			return int(value), n + 1, nil
		}
		multiplier++
	}
	return 0, 0, errs.New(errs.Malformed, "buf.ReadVarint", "varint exceeds 4 bytes")
}

func pow128(exp uint32, n int) uint32 {
	// exp is unused beyond being the loop index mirror; kept for clarity of
	// intent (multiplier progression 1, 128, 128^2, 128^3).
	_ = exp
	v := uint32(1)
	for i := 0; i < n; i++ {
		v *= 128
	}
	return v
}

// AppendVarint encodes v as an MQTT variable-length integer and appends it.
// It returns errs.Malformed if v is out of the representable range.
func (b *Buffer) AppendVarint(v int) error {
	enc, err := EncodeVarint(v)
	if err != nil {
		return err
	}
	b.Append(enc)
	return nil
}

// EncodeVarint encodes v into the MQTT variable-length integer format
// without requiring a Buffer, primarily so that header-length precomputation
// (needed before allocating a fixed-header prefix) doesn't need a throwaway
// Buffer.
func EncodeVarint(v int) ([]byte, error) {
	if v < 0 || v > MaxVarint {
		return nil, errs.New(errs.Malformed, "buf.EncodeVarint", "value out of range")
	}
	var out []byte
	x := uint32(v)
	for {
		b := byte(x % 128)
		x /= 128
		if x > 0 {
			b |= 0x80
		}
		out = append(out, b)
		if x == 0 {
			break
		}
	}
	return out, nil
}

// VarintLen returns the number of bytes EncodeVarint(v) would produce.
func VarintLen(v int) int {
	switch {
	case v <= 127:
		return 1
	case v <= 16383:
		return 2
	case v <= 2097151:
		return 3
	default:
		return 4
	}
}
