package poller

import (
	"time"

	"github.com/loopwire/reactor/channel"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// pollPoller is the poll(2)-backed Poller, grounded on muduo carrying
// PollPoller as a sibling of EPollPoller selectable at start time. Tests
// default to this implementation for portability across the dev sandbox.
type pollPoller struct {
	fds      []unix.PollFd
	fdIndex  map[int]int // fd -> index into fds
	channels map[int]*channel.Channel
}

func newPollPoller() (Poller, error) {
	return &pollPoller{
		fdIndex:  make(map[int]int),
		channels: make(map[int]*channel.Channel),
	}, nil
}

func (p *pollPoller) Poll(timeout time.Duration, active *[]*channel.Channel) (time.Time, error) {
	msec := int(timeout / time.Millisecond)
	n, err := unix.Poll(p.fds, msec)
	now := time.Now()
	if err != nil {
		if err == unix.EINTR {
			return now, nil
		}
		return now, errors.Wrap(err, "poll")
	}
	if n <= 0 {
		return now, nil
	}
	for _, pfd := range p.fds {
		if pfd.Revents == 0 {
			continue
		}
		c := p.channels[int(pfd.Fd)]
		if c == nil {
			continue
		}
		c.SetRevents(fromPollEvents(pfd.Revents))
		*active = append(*active, c)
	}
	return now, nil
}

func (p *pollPoller) UpdateChannel(c *channel.Channel) error {
	idx := c.Index()
	fd := c.Fd()
	switch idx {
	case channel.IndexNew:
		if c.IsNoneEvent() {
			return nil
		}
		p.fds = append(p.fds, unix.PollFd{Fd: int32(fd), Events: toPollEvents(c.Events())})
		p.fdIndex[fd] = len(p.fds) - 1
		p.channels[fd] = c
		c.SetIndex(channel.IndexAdded)
		return nil
	case channel.IndexAdded, channel.IndexDeleted:
		i, ok := p.fdIndex[fd]
		if !ok {
			return errors.Errorf("poll: fd %d missing from index", fd)
		}
		if c.IsNoneEvent() {
			p.fds[i].Events = 0
			c.SetIndex(channel.IndexDeleted)
			return nil
		}
		p.fds[i].Events = toPollEvents(c.Events())
		p.fds[i].Fd = int32(fd)
		c.SetIndex(channel.IndexAdded)
		return nil
	default:
		return errors.Errorf("poll: channel fd %d has unknown index %d", fd, idx)
	}
}

func (p *pollPoller) RemoveChannel(c *channel.Channel) error {
	fd := c.Fd()
	i, ok := p.fdIndex[fd]
	if !ok {
		return errors.Errorf("poll: removing unknown fd %d", fd)
	}
	last := len(p.fds) - 1
	if i != last {
		p.fds[i] = p.fds[last]
		p.fdIndex[int(p.fds[i].Fd)] = i
	}
	p.fds = p.fds[:last]
	delete(p.fdIndex, fd)
	delete(p.channels, fd)
	c.SetIndex(channel.IndexNew)
	return nil
}

func (p *pollPoller) HasChannel(fd int) bool {
	_, ok := p.channels[fd]
	return ok
}

func (p *pollPoller) Close() error { return nil }

func toPollEvents(e channel.Events) int16 {
	var out int16
	if e&channel.EventReadable != 0 {
		out |= unix.POLLIN | unix.POLLPRI
	}
	if e&channel.EventWritable != 0 {
		out |= unix.POLLOUT
	}
	return out
}

func fromPollEvents(e int16) channel.Events {
	var out channel.Events
	if e&(unix.POLLIN|unix.POLLPRI) != 0 {
		out |= channel.EventReadable
	}
	if e&unix.POLLOUT != 0 {
		out |= channel.EventWritable
	}
	if e&(unix.POLLHUP|unix.POLLRDHUP) != 0 {
		out |= channel.EventHangup
	}
	if e&unix.POLLERR != 0 {
		out |= channel.EventError
	}
	return out
}
