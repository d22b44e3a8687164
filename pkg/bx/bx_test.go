package bx

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	buf := make([]byte, 8)

	PutU16(buf, 0xBEEF)
	require.Equal(t, uint16(0xBEEF), U16(buf))

	PutU32(buf, 0xDEADBEEF)
	require.Equal(t, uint32(0xDEADBEEF), U32(buf))

	PutU64(buf, 0x0102030405060708)
	require.Equal(t, uint64(0x0102030405060708), U64(buf))
}

func TestBigEndianLayout(t *testing.T) {
	buf := make([]byte, 8)
	PutU64(buf, 0x0102030405060708)
	require.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, buf)

	PutU16(buf, 0x0102)
	require.Equal(t, []byte{1, 2}, buf[:2])
}

func TestAtHelpers(t *testing.T) {
	buf := make([]byte, 32)

	PutU64At(buf, 8, 42)
	require.Equal(t, uint64(42), U64At(buf, 8))
	require.Equal(t, uint64(0), U64At(buf, 0))

	PutU32At(buf, 20, 7)
	require.Equal(t, uint32(7), U32At(buf, 20))

	PutU16At(buf, 30, 9)
	require.Equal(t, uint16(9), U16At(buf, 30))
}
