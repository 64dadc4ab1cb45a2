// Package timerfd wraps the Linux timerfd(2) API used by TimerQueue to
// have a single kernel timer armed to the earliest pending Timer.
package timerfd

import (
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// TimerFd is a CLOCK_MONOTONIC, non-blocking, close-on-exec kernel timer
// exposed as a file descriptor.
type TimerFd struct {
	fd int
}

// New creates the kernel timer, initially disarmed.
func New() (*TimerFd, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "timerfd_create")
	}
	return &TimerFd{fd: fd}, nil
}

// Fd returns the underlying file descriptor.
func (t *TimerFd) Fd() int { return t.fd }

// Reset arms the timer to fire once after d (a one-shot, not periodic,
// arm: TimerQueue re-arms on every wake rather than using the kernel's own
// periodic mode, per the spec's timer-fd design).
func (t *TimerFd) Reset(d time.Duration) error {
	if d < time.Microsecond*100 {
		d = time.Microsecond * 100
	}
	spec := unix.ItimerSpec{
		Value: unix.NsecToTimespec(d.Nanoseconds()),
	}
	if err := unix.TimerfdSettime(t.fd, 0, &spec, nil); err != nil {
		return errors.Wrap(err, "timerfd_settime")
	}
	return nil
}

// Drain reads and discards the expiration counter, required after each
// readable wake-up before the fd will report readable again.
func (t *TimerFd) Drain() (uint64, error) {
	var buf [8]byte
	n, err := unix.Read(t.fd, buf[:])
	if err != nil {
		return 0, errors.Wrap(err, "timerfd read")
	}
	if n != 8 {
		return 0, errors.Errorf("timerfd: short read of %d bytes", n)
	}
	var howmany uint64
	for i := 7; i >= 0; i-- {
		howmany = howmany<<8 | uint64(buf[i])
	}
	return howmany, nil
}

// Close releases the underlying file descriptor.
func (t *TimerFd) Close() error {
	return unix.Close(t.fd)
}
