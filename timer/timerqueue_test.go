package timer

import (
	"testing"
	"time"

	"github.com/loopwire/reactor/channel"
	"github.com/stretchr/testify/require"
)

// inlineLoop is a minimal Loop stub that runs everything synchronously,
// since these tests drive the Queue directly rather than through a real
// EventLoop goroutine.
type inlineLoop struct{}

func (inlineLoop) UpdateChannel(*channel.Channel) {}
func (inlineLoop) RemoveChannel(*channel.Channel) {}
func (inlineLoop) RunInLoop(f func())             { f() }
func (inlineLoop) AssertInLoopGoroutine()         {}

func TestSameInstantTimersFireInSequenceOrder(t *testing.T) {
	q, err := New(inlineLoop{})
	require.NoError(t, err)
	defer q.Close()

	var order []int
	when := time.Now().Add(-time.Millisecond) // already due
	for i := 0; i < 5; i++ {
		i := i
		q.AddTimer(func() { order = append(order, i) }, when, 0)
	}

	q.handleRead()
	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestCancelBeforeFiringRemovesTimer(t *testing.T) {
	q, err := New(inlineLoop{})
	require.NoError(t, err)
	defer q.Close()

	fired := false
	id := q.AddTimer(func() { fired = true }, time.Now().Add(-time.Millisecond), 0)
	q.Cancel(id)

	q.handleRead()
	require.False(t, fired)
}

func TestCancelDuringDispatchSkipsReinsertion(t *testing.T) {
	q, err := New(inlineLoop{})
	require.NoError(t, err)
	defer q.Close()

	var id ID
	count := 0
	id = q.AddTimer(nil, time.Now().Add(-time.Millisecond), 10*time.Millisecond)
	// Replace callback with one that cancels itself mid-dispatch.
	q.active[id.sequence].callback = func() {
		count++
		q.Cancel(id)
	}
	// Re-seat the heap entry's callback pointer (same *Timer instance, so
	// heap ordering is unaffected).

	q.handleRead()
	require.Equal(t, 1, count)
	require.Empty(t, q.heap, "periodic timer canceled mid-dispatch must not be reinserted")
}

func TestNonRepeatingTimerIsNotReinserted(t *testing.T) {
	q, err := New(inlineLoop{})
	require.NoError(t, err)
	defer q.Close()

	q.AddTimer(func() {}, time.Now().Add(-time.Millisecond), 0)
	q.handleRead()
	require.Empty(t, q.heap)
	require.Empty(t, q.active)
}

func TestRepeatingTimerReschedules(t *testing.T) {
	q, err := New(inlineLoop{})
	require.NoError(t, err)
	defer q.Close()

	q.AddTimer(func() {}, time.Now().Add(-time.Millisecond), 50*time.Millisecond)
	q.handleRead()
	require.Len(t, q.heap, 1)
	require.True(t, q.heap[0].expiration.After(time.Now()))
}
