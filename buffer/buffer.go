// Package buffer implements the resizable byte queue used for both the
// input and output sides of a TcpConnection.
//
// Layout, grounded on muduo's net/Buffer.h:
//
//	+-------------------+------------------+------------------+
//	| prependable bytes |  readable bytes  |  writable bytes  |
//	+-------------------+------------------+------------------+
//	0      <=      readerIndex   <=   writerIndex    <=     size
package buffer

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	// PrependSize is the fixed head-slack reserved so cheap in-place
	// prepending (e.g. length-prefix framing) never needs to move bytes.
	PrependSize = 8
	// InitialSize is the default size of the writable region on creation.
	InitialSize = 1024

	extraBufSize = 65536
)

// Buffer is a FIFO byte queue. The zero value is not usable; use New.
type Buffer struct {
	buf         []byte
	readerIndex int
	writerIndex int
}

// New creates a Buffer with initialSize bytes of writable capacity beyond
// the fixed prepend slack.
func New(initialSize int) *Buffer {
	if initialSize <= 0 {
		initialSize = InitialSize
	}
	return &Buffer{
		buf:         make([]byte, PrependSize+initialSize),
		readerIndex: PrependSize,
		writerIndex: PrependSize,
	}
}

// ReadableBytes returns the number of bytes available to Retrieve/Peek.
func (b *Buffer) ReadableBytes() int { return b.writerIndex - b.readerIndex }

// WritableBytes returns the number of bytes that can be Append-ed before a
// grow is required.
func (b *Buffer) WritableBytes() int { return len(b.buf) - b.writerIndex }

// PrependableBytes returns the number of bytes available in the head slack.
func (b *Buffer) PrependableBytes() int { return b.readerIndex }

// Peek returns the readable region without advancing the reader index. The
// returned slice aliases the buffer and is invalidated by the next mutator.
func (b *Buffer) Peek() []byte { return b.buf[b.readerIndex:b.writerIndex] }

// Append copies p into the writable region, growing the buffer if needed.
func (b *Buffer) Append(p []byte) {
	b.ensureWritable(len(p))
	copy(b.buf[b.writerIndex:], p)
	b.writerIndex += len(p)
}

// Retrieve advances the reader index by n, discarding n bytes. If n
// consumes all readable bytes both indices reset to PrependSize so future
// Prepend calls always have the full head-slack available.
func (b *Buffer) Retrieve(n int) {
	if n >= b.ReadableBytes() {
		b.RetrieveAll()
		return
	}
	b.readerIndex += n
}

// RetrieveAll discards all readable bytes and resets both indices.
func (b *Buffer) RetrieveAll() {
	b.readerIndex = PrependSize
	b.writerIndex = PrependSize
}

// RetrieveAsString copies the first n readable bytes out as a string and
// advances the reader index past them.
func (b *Buffer) RetrieveAsString(n int) string {
	if n > b.ReadableBytes() {
		n = b.ReadableBytes()
	}
	s := string(b.buf[b.readerIndex : b.readerIndex+n])
	b.Retrieve(n)
	return s
}

// RetrieveAllAsString drains the whole readable region as a string.
func (b *Buffer) RetrieveAllAsString() string {
	return b.RetrieveAsString(b.ReadableBytes())
}

// Prepend writes p immediately before the readable region. It requires
// PrependableBytes() >= len(p); callers that need more than PrependSize
// bytes of head-room must Append instead.
func (b *Buffer) Prepend(p []byte) error {
	if len(p) > b.PrependableBytes() {
		return errors.Errorf("buffer: prepend of %d bytes exceeds %d prependable", len(p), b.PrependableBytes())
	}
	b.readerIndex -= len(p)
	copy(b.buf[b.readerIndex:], p)
	return nil
}

func (b *Buffer) ensureWritable(n int) {
	if b.WritableBytes() >= n {
		return
	}
	b.makeSpace(n)
}

func (b *Buffer) makeSpace(n int) {
	if b.WritableBytes()+b.PrependableBytes() < n+PrependSize {
		grown := make([]byte, b.writerIndex+n)
		copy(grown, b.buf[:b.writerIndex])
		b.buf = grown
		return
	}
	readable := b.ReadableBytes()
	copy(b.buf[PrependSize:], b.buf[b.readerIndex:b.writerIndex])
	b.readerIndex = PrependSize
	b.writerIndex = b.readerIndex + readable
}

// ReadFd performs one scatter-read syscall into the buffer's writable tail
// plus a stack-sized extension buffer, so a single syscall can absorb a
// burst larger than the buffer's current writable region. Bytes landing in
// the extension are copied in via Append. Returns the number of bytes read
// (0 on EOF) and the error, if any (including io-would-block errors, which
// callers must check for with errors.Is against unix.EAGAIN).
func (b *Buffer) ReadFd(fd int) (int, error) {
	var extra [extraBufSize]byte
	writable := b.WritableBytes()

	iov := make([][]byte, 0, 2)
	iov = append(iov, b.buf[b.writerIndex:])
	if writable < extraBufSize {
		iov = append(iov, extra[:])
	}

	n, err := unix.Readv(fd, iov)
	if err != nil {
		return 0, err
	}
	if n <= writable {
		b.writerIndex += n
	} else {
		b.writerIndex = len(b.buf)
		b.Append(extra[:n-writable])
	}
	return n, nil
}

// AppendInt64 appends x in network (big-endian) byte order.
func (b *Buffer) AppendInt64(x int64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(x))
	b.Append(tmp[:])
}

// AppendInt32 appends x in network byte order.
func (b *Buffer) AppendInt32(x int32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(x))
	b.Append(tmp[:])
}

// AppendInt16 appends x in network byte order.
func (b *Buffer) AppendInt16(x int16) {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], uint16(x))
	b.Append(tmp[:])
}

// AppendInt8 appends a single byte.
func (b *Buffer) AppendInt8(x int8) {
	b.Append([]byte{byte(x)})
}

// PeekInt64 reads, without consuming, the first 8 readable bytes as a
// big-endian int64.
func (b *Buffer) PeekInt64() int64 {
	return int64(binary.BigEndian.Uint64(b.Peek()[:8]))
}

// PeekInt32 reads, without consuming, the first 4 readable bytes as a
// big-endian int32.
func (b *Buffer) PeekInt32() int32 {
	return int32(binary.BigEndian.Uint32(b.Peek()[:4]))
}

// PeekInt16 reads, without consuming, the first 2 readable bytes as a
// big-endian int16.
func (b *Buffer) PeekInt16() int16 {
	return int16(binary.BigEndian.Uint16(b.Peek()[:2]))
}

// PeekInt8 reads, without consuming, the first readable byte.
func (b *Buffer) PeekInt8() int8 {
	return int8(b.Peek()[0])
}

// ReadInt64 consumes and returns the first 8 readable bytes as a
// big-endian int64.
func (b *Buffer) ReadInt64() int64 {
	v := b.PeekInt64()
	b.Retrieve(8)
	return v
}

// ReadInt32 consumes and returns the first 4 readable bytes as a
// big-endian int32.
func (b *Buffer) ReadInt32() int32 {
	v := b.PeekInt32()
	b.Retrieve(4)
	return v
}

// ReadInt16 consumes and returns the first 2 readable bytes as a
// big-endian int16.
func (b *Buffer) ReadInt16() int16 {
	v := b.PeekInt16()
	b.Retrieve(2)
	return v
}

// ReadInt8 consumes and returns the first readable byte.
func (b *Buffer) ReadInt8() int8 {
	v := b.PeekInt8()
	b.Retrieve(1)
	return v
}

// FindCRLF returns the index, relative to the start of the readable
// region, of the first "\r\n", or -1 if none is present.
func (b *Buffer) FindCRLF() int {
	readable := b.Peek()
	for i := 0; i+1 < len(readable); i++ {
		if readable[i] == '\r' && readable[i+1] == '\n' {
			return i
		}
	}
	return -1
}

// FindEOL returns the index, relative to the start of the readable region,
// of the first '\n', or -1 if none is present.
func (b *Buffer) FindEOL() int {
	readable := b.Peek()
	for i, c := range readable {
		if c == '\n' {
			return i
		}
	}
	return -1
}
