package poller

import (
	"time"

	"github.com/loopwire/reactor/channel"
	"github.com/loopwire/reactor/log"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const initialEventSize = 16

type epollPoller struct {
	epfd     int
	events   []unix.EpollEvent
	channels map[int]*channel.Channel
}

func newEpollPoller() (Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "epoll_create1")
	}
	return &epollPoller{
		epfd:     fd,
		events:   make([]unix.EpollEvent, initialEventSize),
		channels: make(map[int]*channel.Channel),
	}, nil
}

func (p *epollPoller) Poll(timeout time.Duration, active *[]*channel.Channel) (time.Time, error) {
	msec := int(timeout / time.Millisecond)
	n, err := unix.EpollWait(p.epfd, p.events, msec)
	now := time.Now()
	if err != nil {
		if err == unix.EINTR {
			return now, nil
		}
		return now, errors.Wrap(err, "epoll_wait")
	}
	for i := 0; i < n; i++ {
		c := p.channels[int(p.events[i].Fd)]
		if c == nil {
			continue
		}
		c.SetRevents(fromEpollEvents(p.events[i].Events))
		*active = append(*active, c)
	}
	if n == len(p.events) && len(p.events) < 128*1024 {
		p.events = make([]unix.EpollEvent, len(p.events)*2)
	}
	return now, nil
}

func (p *epollPoller) UpdateChannel(c *channel.Channel) error {
	idx := c.Index()
	switch idx {
	case channel.IndexNew, channel.IndexDeleted:
		fd := c.Fd()
		if idx == channel.IndexNew {
			if _, exists := p.channels[fd]; exists {
				return errors.Errorf("epoll: fd %d already registered", fd)
			}
			p.channels[fd] = c
		}
		if c.IsNoneEvent() {
			c.SetIndex(channel.IndexDeleted)
			return nil
		}
		c.SetIndex(channel.IndexAdded)
		return p.ctl(unix.EPOLL_CTL_ADD, c)
	case channel.IndexAdded:
		if c.IsNoneEvent() {
			if err := p.ctl(unix.EPOLL_CTL_DEL, c); err != nil {
				return err
			}
			c.SetIndex(channel.IndexDeleted)
			return nil
		}
		return p.ctl(unix.EPOLL_CTL_MOD, c)
	default:
		return errors.Errorf("epoll: channel fd %d has unknown index %d", c.Fd(), idx)
	}
}

func (p *epollPoller) RemoveChannel(c *channel.Channel) error {
	fd := c.Fd()
	if _, ok := p.channels[fd]; !ok {
		return errors.Errorf("epoll: removing unknown fd %d", fd)
	}
	if c.Index() == channel.IndexAdded {
		if err := p.ctl(unix.EPOLL_CTL_DEL, c); err != nil {
			log.Warnf("epoll: EPOLL_CTL_DEL for fd %d failed: %v", fd, err)
		}
	}
	delete(p.channels, fd)
	c.SetIndex(channel.IndexNew)
	return nil
}

func (p *epollPoller) HasChannel(fd int) bool {
	_, ok := p.channels[fd]
	return ok
}

func (p *epollPoller) Close() error {
	return unix.Close(p.epfd)
}

func (p *epollPoller) ctl(op int, c *channel.Channel) error {
	var ev unix.EpollEvent
	ev.Events = toEpollEvents(c.Events())
	ev.Fd = int32(c.Fd())
	if err := unix.EpollCtl(p.epfd, op, c.Fd(), &ev); err != nil {
		return errors.Wrapf(err, "epoll_ctl(op=%d, fd=%d)", op, c.Fd())
	}
	return nil
}

func toEpollEvents(e channel.Events) uint32 {
	var out uint32
	if e&channel.EventReadable != 0 {
		out |= unix.EPOLLIN | unix.EPOLLPRI | unix.EPOLLRDHUP
	}
	if e&channel.EventWritable != 0 {
		out |= unix.EPOLLOUT
	}
	return out
}

func fromEpollEvents(e uint32) channel.Events {
	var out channel.Events
	if e&(unix.EPOLLIN|unix.EPOLLPRI) != 0 {
		out |= channel.EventReadable
	}
	if e&unix.EPOLLOUT != 0 {
		out |= channel.EventWritable
	}
	if e&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		out |= channel.EventHangup
	}
	if e&unix.EPOLLERR != 0 {
		out |= channel.EventError
	}
	return out
}
