// Package channel implements the per-fd event registration that binds one
// file descriptor to the four callbacks that service its events, and
// tracks the interest/received event masks the owning EventLoop's Poller
// needs.
package channel

import "time"

// Events is a bitmask of the event kinds a Channel can be interested in,
// or that a poll reported. It is independent of any particular poller's
// native flag encoding (epoll vs poll); internal/poller translates.
type Events uint32

const (
	EventNone      Events = 0
	EventReadable  Events = 1 << 0
	EventWritable  Events = 1 << 1
	EventHangup    Events = 1 << 2 // peer half-closed or fully hung up
	EventError     Events = 1 << 3
)

// Index records a Channel's registration state in its owning Poller, so
// updateChannel can cheaply re-arm a previously-added, now-inert fd instead
// of re-adding it from scratch.
type Index int

const (
	// IndexNew means the channel has never been added to a Poller.
	IndexNew Index = iota
	// IndexAdded means the channel is currently registered with non-empty
	// interest.
	IndexAdded
	// IndexDeleted means the channel was added but now carries no
	// interest; it stays in the Poller's bookkeeping for cheap re-arm.
	IndexDeleted
)

// Loop is the subset of EventLoop a Channel needs: registering itself for
// (re)poll whenever its interest set changes. Defined here, not in the
// loop package, so loop can depend on channel without a cycle.
type Loop interface {
	UpdateChannel(c *Channel)
	RemoveChannel(c *Channel)
}

// Channel binds one fd to read/write/close/error callbacks and the
// interest/received event masks the Poller reads and writes.
//
// A Channel neither owns nor closes its fd: lifetime of the fd is the
// responsibility of whatever created it (Acceptor's listen socket,
// TcpConnection's peer socket, the loop's own eventfd/timerfd).
type Channel struct {
	loop Loop
	fd   int

	interest Events
	received Events
	index    Index

	readCallback  func(t time.Time)
	writeCallback func()
	closeCallback func()
	errorCallback func()

	// tie, when set, is consulted at the top of HandleEvent; it returns
	// false once the owning higher-level object (typically a
	// TcpConnection) has been torn down, so a pending dispatch on an
	// event batch collected before the teardown is safely dropped. This
	// is the Go rendition of muduo's weak_ptr-upgrade "tie": Go's GC
	// already keeps the owner's memory alive, so what's needed here is
	// only the liveness check, not a manual strong/weak distinction.
	tie func() bool

	eventHandling bool
}

// New creates a Channel for fd, not yet registered with any Poller.
func New(loop Loop, fd int) *Channel {
	return &Channel{
		loop:  loop,
		fd:    fd,
		index: IndexNew,
	}
}

// Fd returns the bound file descriptor.
func (c *Channel) Fd() int { return c.fd }

// Index returns the channel's current Poller registration state.
func (c *Channel) Index() Index { return c.index }

// SetIndex is called by the owning Poller to record registration state.
func (c *Channel) SetIndex(idx Index) { c.index = idx }

// Events returns the channel's current interest mask.
func (c *Channel) Events() Events { return c.interest }

// SetRevents is called by the Poller to record what the last poll reported.
func (c *Channel) SetRevents(e Events) { c.received = e }

// IsNoneEvent reports whether the channel currently has no interest.
func (c *Channel) IsNoneEvent() bool { return c.interest == EventNone }

// SetReadCallback installs the read handler.
func (c *Channel) SetReadCallback(cb func(t time.Time)) { c.readCallback = cb }

// SetWriteCallback installs the write handler.
func (c *Channel) SetWriteCallback(cb func()) { c.writeCallback = cb }

// SetCloseCallback installs the close handler.
func (c *Channel) SetCloseCallback(cb func()) { c.closeCallback = cb }

// SetErrorCallback installs the error handler.
func (c *Channel) SetErrorCallback(cb func()) { c.errorCallback = cb }

// Tie installs a liveness probe consulted before every dispatch; see the
// tie field's doc comment.
func (c *Channel) Tie(alive func() bool) { c.tie = alive }

// EnableReading adds EventReadable to the interest mask and re-registers
// with the Poller.
func (c *Channel) EnableReading() {
	c.interest |= EventReadable
	c.update()
}

// DisableReading removes EventReadable from the interest mask.
func (c *Channel) DisableReading() {
	c.interest &^= EventReadable
	c.update()
}

// EnableWriting adds EventWritable to the interest mask.
func (c *Channel) EnableWriting() {
	c.interest |= EventWritable
	c.update()
}

// DisableWriting removes EventWritable from the interest mask.
func (c *Channel) DisableWriting() {
	c.interest &^= EventWritable
	c.update()
}

// DisableAll clears the interest mask entirely.
func (c *Channel) DisableAll() {
	c.interest = EventNone
	c.update()
}

// IsWriting reports whether EventWritable is currently in the interest mask.
func (c *Channel) IsWriting() bool { return c.interest&EventWritable != 0 }

// IsReading reports whether EventReadable is currently in the interest mask.
func (c *Channel) IsReading() bool { return c.interest&EventReadable != 0 }

func (c *Channel) update() { c.loop.UpdateChannel(c) }

// Remove deregisters the channel from its loop's Poller entirely. The fd
// itself is left open; the caller closes it.
func (c *Channel) Remove() { c.loop.RemoveChannel(c) }

// HandleEvent dispatches the last poll's received mask to the installed
// callbacks in priority order: a tie check first (drop if owner gone),
// then hang-up-without-read -> close, error bits -> error (not exclusive),
// read or read-side hang-up -> read, write -> write.
func (c *Channel) HandleEvent(t time.Time) {
	if c.tie != nil && !c.tie() {
		return
	}
	c.eventHandling = true
	defer func() { c.eventHandling = false }()

	if c.received&EventHangup != 0 && c.received&EventReadable == 0 {
		if c.closeCallback != nil {
			c.closeCallback()
		}
	}
	if c.received&EventError != 0 {
		if c.errorCallback != nil {
			c.errorCallback()
		}
	}
	if c.received&(EventReadable|EventHangup) != 0 {
		if c.readCallback != nil {
			c.readCallback(t)
		}
	}
	if c.received&EventWritable != 0 {
		if c.writeCallback != nil {
			c.writeCallback()
		}
	}
}
