// Package eventfd wraps the Linux eventfd(2) counter used by an EventLoop
// to wake a blocked poll from any thread.
//
// The public surface (New/WriteEvent/ReadEvent/Fd/Close) mirrors exactly
// what the teacher's own test (kevwan-evio/internal/eventfd_linux_test.go)
// exercises against an unexported newEventFd — that file was the only
// piece of the teacher's internal/ package retrieved into the pack, so the
// implementation below is written from scratch to satisfy it.
package eventfd

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// EventFd is an 8-byte atomic counter exposed as a file descriptor.
type EventFd struct {
	fd int
}

// New creates a non-blocking, close-on-exec eventfd.
func New() (*EventFd, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "eventfd")
	}
	return &EventFd{fd: fd}, nil
}

// Fd returns the underlying file descriptor.
func (e *EventFd) Fd() int { return e.fd }

// WriteEvent adds val to the kernel counter, waking any waiter blocked in
// poll/epoll_wait on this fd.
func (e *EventFd) WriteEvent(val uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], val)
	_, err := unix.Write(e.fd, buf[:])
	if err != nil {
		return errors.Wrap(err, "eventfd write")
	}
	return nil
}

// ReadEvent drains and returns the kernel counter, resetting it to zero.
func (e *EventFd) ReadEvent() (uint64, error) {
	var buf [8]byte
	n, err := unix.Read(e.fd, buf[:])
	if err != nil {
		return 0, errors.Wrap(err, "eventfd read")
	}
	if n != 8 {
		return 0, errors.Errorf("eventfd: short read of %d bytes", n)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// Close releases the underlying file descriptor.
func (e *EventFd) Close() error {
	return unix.Close(e.fd)
}
