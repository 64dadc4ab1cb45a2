// Package poller implements the polymorphic I/O multiplexer abstraction:
// an interface over epoll (the default on Linux) and a poll(2)-backed
// fallback, selected by Kind at construction. Tests default to the poll
// fallback for portability, per the design notes in the spec this repo
// implements.
package poller

import (
	"time"

	"github.com/loopwire/reactor/channel"
)

// Kind selects which multiplexer implementation New constructs.
type Kind int

const (
	// KindAuto picks epoll (the epoll backend is Linux-only, so the
	// package builds on Linux only).
	KindAuto Kind = iota
	KindEpoll
	KindPoll
)

// Poller is the abstract I/O multiplexer each EventLoop owns exactly one
// of. Implementations are never safe for concurrent use from more than
// one goroutine: all methods are only ever called from the owning loop's
// goroutine.
type Poller interface {
	// Poll blocks for up to timeout waiting for activity, appends every
	// channel that became active to active, and returns the wall-clock
	// time at wake-up (the "receive time" forwarded to read callbacks).
	Poll(timeout time.Duration, active *[]*channel.Channel) (time.Time, error)
	// UpdateChannel (re)registers c per its current interest mask,
	// transitioning c's Index between the states documented on
	// channel.Index.
	UpdateChannel(c *channel.Channel) error
	// RemoveChannel deregisters c entirely; c must have no interest left.
	RemoveChannel(c *channel.Channel) error
	// HasChannel reports whether fd is currently tracked (added or
	// deleted-but-retained) by this Poller.
	HasChannel(fd int) bool
	// Close releases the poller's own kernel resources (its epoll fd).
	// It does not touch any registered channel's fd.
	Close() error
}

// New constructs a Poller of the requested Kind.
func New(kind Kind) (Poller, error) {
	switch kind {
	case KindPoll:
		return newPollPoller()
	case KindEpoll:
		return newEpollPoller()
	default:
		return newEpollPoller()
	}
}
