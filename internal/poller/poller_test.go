package poller

import (
	"testing"
	"time"

	"github.com/loopwire/reactor/channel"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newPipe(t *testing.T) (r, w int) {
	t.Helper()
	var fds [2]int
	require.NoError(t, unix.Pipe(fds[:]))
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetNonblock(fds[1], true))
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func testPollerReportsReadable(t *testing.T, kind Kind) {
	p, err := New(kind)
	require.NoError(t, err)
	defer p.Close()

	r, w := newPipe(t)
	c := channel.New(&loopStub{p: p}, r)
	c.EnableReading()

	_, err = unix.Write(w, []byte("x"))
	require.NoError(t, err)

	var active []*channel.Channel
	_, err = p.Poll(time.Second, &active)
	require.NoError(t, err)
	require.Len(t, active, 1)
}

func TestPollPollerReportsReadable(t *testing.T) {
	testPollerReportsReadable(t, KindPoll)
}

func TestEpollPollerReportsReadable(t *testing.T) {
	testPollerReportsReadable(t, KindEpoll)
}

func testPollerRemoveThenHasChannel(t *testing.T, kind Kind) {
	p, err := New(kind)
	require.NoError(t, err)
	defer p.Close()

	r, _ := newPipe(t)
	c := channel.New(&loopStub{p: p}, r)
	c.EnableReading()
	require.True(t, p.HasChannel(r))

	c.DisableAll()
	c.Remove()
	require.False(t, p.HasChannel(r))
}

func TestPollPollerRemove(t *testing.T) {
	testPollerRemoveThenHasChannel(t, KindPoll)
}

func TestEpollPollerRemove(t *testing.T) {
	testPollerRemoveThenHasChannel(t, KindEpoll)
}

// loopStub satisfies channel.Loop by forwarding straight to a Poller, for
// tests that only exercise the Poller/Channel interaction without a full
// EventLoop.
type loopStub struct {
	p Poller
}

func (l *loopStub) UpdateChannel(c *channel.Channel) { _ = l.p.UpdateChannel(c) }
func (l *loopStub) RemoveChannel(c *channel.Channel) { _ = l.p.RemoveChannel(c) }
