package timer

import (
	"container/heap"
	"time"

	"github.com/loopwire/reactor/channel"
	"github.com/loopwire/reactor/internal/timerfd"
	"github.com/loopwire/reactor/log"
)

// Loop is the subset of EventLoop a TimerQueue needs. Defined here so
// timer can depend on channel without the loop package needing to depend
// on timer to satisfy it (structural interface satisfaction).
type Loop interface {
	channel.Loop
	RunInLoop(f func())
	AssertInLoopGoroutine()
}

// timerHeap orders Timers by (expiration, sequence) so same-instant timers
// fire in creation order, and gives O(log n) insert/pop with O(1) peek at
// the earliest entry.
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].expiration.Equal(h[j].expiration) {
		return h[i].sequence < h[j].sequence
	}
	return h[i].expiration.Before(h[j].expiration)
}
func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x interface{}) {
	*h = append(*h, x.(*Timer))
}
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Queue is the ordered timer set exposed to its owning loop via one
// timerfd, armed to the earliest pending Timer's expiration.
type Queue struct {
	loop    Loop
	tfd     *timerfd.TimerFd
	channel *channel.Channel

	heap   timerHeap
	active map[int64]*Timer // by sequence, for O(1) Cancel lookup

	callingExpired bool
	canceling      map[int64]struct{}
}

// New creates a Queue bound to loop with a CLOCK_MONOTONIC timerfd that
// loop's Poller will watch. The timerfd starts disarmed and is armed when
// the first Timer is added.
func New(loop Loop) (*Queue, error) {
	tfd, err := timerfd.New()
	if err != nil {
		return nil, err
	}
	q := &Queue{
		loop:      loop,
		tfd:       tfd,
		active:    make(map[int64]*Timer),
		canceling: make(map[int64]struct{}),
	}
	q.channel = channel.New(loop, tfd.Fd())
	q.channel.SetReadCallback(func(time.Time) { q.handleRead() })
	q.channel.EnableReading()
	return q, nil
}

// Close tears down the timerfd channel and fd. Must run on the owning
// loop's goroutine.
func (q *Queue) Close() error {
	q.channel.DisableAll()
	q.channel.Remove()
	return q.tfd.Close()
}

// AddTimer schedules cb to run at when, repeating every interval if
// interval > 0. Safe to call from any goroutine.
func (q *Queue) AddTimer(cb func(), when time.Time, interval time.Duration) ID {
	t := newTimer(cb, when, interval)
	q.loop.RunInLoop(func() { q.addTimerInLoop(t) })
	return ID{timer: t, sequence: t.sequence}
}

// Cancel cancels a previously scheduled Timer. Safe to call from any
// goroutine; a Timer already mid-dispatch when Cancel is called from
// within one of its own peers' callbacks is remembered so it isn't
// reinserted once that dispatch batch finishes.
func (q *Queue) Cancel(id ID) {
	q.loop.RunInLoop(func() { q.cancelInLoop(id) })
}

func (q *Queue) addTimerInLoop(t *Timer) {
	q.loop.AssertInLoopGoroutine()
	if q.insert(t) {
		if err := q.tfd.Reset(time.Until(t.expiration)); err != nil {
			log.Errorf("timer: rearm on insert failed: %v", err)
		}
	}
}

func (q *Queue) cancelInLoop(id ID) {
	q.loop.AssertInLoopGoroutine()
	if _, ok := q.active[id.sequence]; ok {
		delete(q.active, id.sequence)
		for i, t := range q.heap {
			if t.sequence == id.sequence {
				heap.Remove(&q.heap, i)
				break
			}
		}
		return
	}
	if q.callingExpired {
		q.canceling[id.sequence] = struct{}{}
	}
}

func (q *Queue) insert(t *Timer) (earliestChanged bool) {
	q.loop.AssertInLoopGoroutine()
	earliestChanged = len(q.heap) == 0 || t.expiration.Before(q.heap[0].expiration)
	heap.Push(&q.heap, t)
	q.active[t.sequence] = t
	return earliestChanged
}

func (q *Queue) handleRead() {
	q.loop.AssertInLoopGoroutine()
	now := time.Now()
	if _, err := q.tfd.Drain(); err != nil {
		log.Errorf("timer: drain failed: %v", err)
	}

	expired := q.getExpired(now)

	q.callingExpired = true
	for k := range q.canceling {
		delete(q.canceling, k)
	}
	for _, t := range expired {
		t.run()
	}
	q.callingExpired = false

	q.reset(expired, now)
}

func (q *Queue) getExpired(now time.Time) []*Timer {
	var expired []*Timer
	for len(q.heap) > 0 && !q.heap[0].expiration.After(now) {
		t := heap.Pop(&q.heap).(*Timer)
		delete(q.active, t.sequence)
		expired = append(expired, t)
	}
	return expired
}

func (q *Queue) reset(expired []*Timer, now time.Time) {
	for _, t := range expired {
		_, canceled := q.canceling[t.sequence]
		if t.Repeat() && !canceled {
			t.restart(now)
			q.insert(t)
		}
	}
	if len(q.heap) > 0 {
		if err := q.tfd.Reset(time.Until(q.heap[0].expiration)); err != nil {
			log.Errorf("timer: rearm after dispatch failed: %v", err)
		}
	}
}
