package loop

import (
	"testing"
	"time"

	"github.com/loopwire/reactor/internal/poller"
	"github.com/stretchr/testify/require"
)

func TestThreadPoolZeroWorkersReturnsBase(t *testing.T) {
	base := newTestLoop(t)
	defer base.Close()
	stop := runLoopAsync(t, base)
	defer stop()

	p := NewThreadPool(base, 0)
	require.NoError(t, p.Start())
	require.Equal(t, base, p.GetNextLoop())
	require.Equal(t, base, p.GetLoopForHash(42))
}

func TestThreadPoolRoundRobin(t *testing.T) {
	base := newTestLoop(t)
	defer base.Close()
	stop := runLoopAsync(t, base)
	defer stop()

	p := NewThreadPool(base, 4, WithPollerKind(poller.KindPoll), WithPollTimeout(50*time.Millisecond))
	require.NoError(t, p.Start())
	defer p.Stop()
	require.Equal(t, 4, p.Size())

	seen := make(map[*EventLoop]int)
	for i := 0; i < 12; i++ {
		seen[p.GetNextLoop()]++
	}
	require.Len(t, seen, 4)
	for _, count := range seen {
		require.Equal(t, 3, count)
	}
}

func TestThreadPoolHashIsStable(t *testing.T) {
	base := newTestLoop(t)
	defer base.Close()
	stop := runLoopAsync(t, base)
	defer stop()

	p := NewThreadPool(base, 3, WithPollerKind(poller.KindPoll))
	require.NoError(t, p.Start())
	defer p.Stop()

	first := p.GetLoopForHash(7)
	for i := 0; i < 5; i++ {
		require.Equal(t, first, p.GetLoopForHash(7))
	}
}
