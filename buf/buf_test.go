package buf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyon-labs/netkit/errs"
)

func TestVarintBoundaries(t *testing.T) {
	cases := []struct {
		v    int
		want []byte
	}{
		{127, []byte{0x7F}},
		{128, []byte{0x80, 0x01}},
		{16383, []byte{0xFF, 0x7F}},
		{16384, []byte{0x80, 0x80, 0x01}},
		{268435455, []byte{0xFF, 0xFF, 0xFF, 0x7F}},
	}
	for _, c := range cases {
		got, err := EncodeVarint(c.v)
		require.NoError(t, err)
		assert.Equal(t, c.want, got, "encode(%d)", c.v)
		assert.Equal(t, len(c.want), VarintLen(c.v), "len(%d)", c.v)
	}
}

func TestVarintRoundTrip(t *testing.T) {
	values := []int{0, 1, 2, 63, 64, 127, 128, 129, 255, 16383, 16384,
		16385, 2097151, 2097152, 12345678, 268435455}
	for _, v := range values {
		enc, err := EncodeVarint(v)
		require.NoError(t, err)
		b := FromBytes(enc)
		got, n, err := b.ReadVarint()
		require.NoError(t, err)
		assert.Equal(t, v, got)
		assert.Equal(t, len(enc), n)
	}
}

func TestVarintOutOfRange(t *testing.T) {
	_, err := EncodeVarint(MaxVarint + 1)
	require.Error(t, err)
	assert.Equal(t, errs.Malformed, errs.Of(err))

	_, err = EncodeVarint(-1)
	require.Error(t, err)
}

func TestVarintTooLong(t *testing.T) {
	// Four continuation bytes before the terminator: never terminates within 4 bytes.
	b := FromBytes([]byte{0x80, 0x80, 0x80, 0x80, 0x01})
	_, _, err := b.ReadVarint()
	require.Error(t, err)
	assert.Equal(t, errs.Malformed, errs.Of(err))
}

func TestReadUnderrun(t *testing.T) {
	b := FromBytes([]byte{0x01})
	_, err := b.ReadUint16()
	require.Error(t, err)
	assert.Equal(t, errs.Malformed, errs.Of(err))
}

func TestLengthPrefixedString(t *testing.T) {
	b := New(16)
	b.AppendString("hello")
	s, err := FromBytes(b.Bytes()).ReadString()
	require.NoError(t, err)
	assert.Equal(t, "hello", s)
}

func TestBigEndianIntegers(t *testing.T) {
	b := New(16)
	b.AppendUint8(0x12)
	b.AppendUint16(0x3456)
	b.AppendUint32(0x789ABCDE)
	b.AppendUint64(0x0102030405060708)

	r := FromBytes(b.Bytes())
	v8, err := r.ReadUint8()
	require.NoError(t, err)
	assert.Equal(t, uint8(0x12), v8)

	v16, err := r.ReadUint16()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x3456), v16)

	v32, err := r.ReadUint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x789ABCDE), v32)

	v64, err := r.ReadUint64()
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0102030405060708), v64)
}

func TestConsumeAndRemaining(t *testing.T) {
	b := FromBytes([]byte{1, 2, 3, 4, 5})
	require.NoError(t, b.Consume(2))
	assert.Equal(t, []byte{3, 4, 5}, b.Remaining())
	assert.Equal(t, 3, b.RemainingLen())
	require.Error(t, b.Consume(10))
}
