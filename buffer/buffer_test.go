package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewInvariants(t *testing.T) {
	b := New(0)
	assert.Equal(t, 0, b.ReadableBytes())
	assert.Equal(t, InitialSize, b.WritableBytes())
	assert.Equal(t, PrependSize, b.PrependableBytes())
}

func TestAppendRetrieveRoundTrip(t *testing.T) {
	b := New(0)
	s := "hello, reactor"
	b.Append([]byte(s))
	require.Equal(t, len(s), b.ReadableBytes())

	got := b.RetrieveAsString(len(s))
	assert.Equal(t, s, got)
	assert.Equal(t, 0, b.ReadableBytes())
	assert.Equal(t, PrependSize, b.PrependableBytes())
}

func TestAppendTriggersGrowth(t *testing.T) {
	b := New(4)
	big := make([]byte, InitialSize*4)
	for i := range big {
		big[i] = byte(i)
	}
	b.Append(big)
	assert.Equal(t, string(big), b.RetrieveAllAsString())
}

func TestMakeSpacePrefersShiftOverGrowth(t *testing.T) {
	b := New(1024)
	b.Append([]byte("0123456789"))
	b.Retrieve(5) // readerIndex now 5 bytes past the prepend slack
	b.Append([]byte("abcdefghij"))

	// A write that fits in writable+prependable but not writable alone
	// should shift bytes down rather than reallocate.
	before := cap(b.buf)
	b.Append(make([]byte, b.WritableBytes()+1))
	assert.Equal(t, before, cap(b.buf), "expected in-place shift, not growth")
}

func TestPrependRequiresSlack(t *testing.T) {
	b := New(0)
	assert.NoError(t, b.Prepend([]byte("12345678")))
	assert.Error(t, b.Prepend([]byte("9")))
}

func TestIntRoundTrip64(t *testing.T) {
	b := New(0)
	b.AppendInt64(-123456789012345)
	assert.Equal(t, int64(-123456789012345), b.PeekInt64())
	assert.Equal(t, int64(-123456789012345), b.ReadInt64())
	assert.Equal(t, 0, b.ReadableBytes())
}

func TestIntRoundTrip32(t *testing.T) {
	b := New(0)
	b.AppendInt32(-123456)
	assert.Equal(t, int32(-123456), b.ReadInt32())
}

func TestIntRoundTrip16(t *testing.T) {
	b := New(0)
	b.AppendInt16(-1234)
	assert.Equal(t, int16(-1234), b.ReadInt16())
}

func TestIntRoundTrip8(t *testing.T) {
	b := New(0)
	b.AppendInt8(-12)
	assert.Equal(t, int8(-12), b.ReadInt8())
}

func TestIntWireFormatIsBigEndian(t *testing.T) {
	b := New(0)
	b.AppendInt32(0x01020304)
	raw := b.Peek()
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, raw[:4])
}

func TestFindCRLFAndEOL(t *testing.T) {
	b := New(0)
	b.Append([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"))
	idx := b.FindCRLF()
	require.GreaterOrEqual(t, idx, 0)
	assert.Equal(t, "GET / HTTP/1.1", string(b.Peek()[:idx]))

	eol := b.FindEOL()
	require.GreaterOrEqual(t, eol, 0)
	assert.Equal(t, byte('\n'), b.Peek()[eol])
}

func TestFindCRLFAbsentReturnsNegativeOne(t *testing.T) {
	b := New(0)
	b.Append([]byte("no newline here"))
	assert.Equal(t, -1, b.FindCRLF())
	assert.Equal(t, -1, b.FindEOL())
}

func TestRetrieveAllResetsToPrependSize(t *testing.T) {
	b := New(0)
	b.Append([]byte("data"))
	b.RetrieveAll()
	assert.Equal(t, PrependSize, b.readerIndex)
	assert.Equal(t, PrependSize, b.writerIndex)
}
