// Package loop implements the per-thread reactor: poll, dispatch active
// channels, then drain queued cross-thread tasks, repeating until told to
// quit. At most one EventLoop is bound to a given goroutine, enforced via
// a process-wide registry of goroutines that have started a Loop();
// EventLoopThread additionally pins that goroutine to its OS thread with
// runtime.LockOSThread.
package loop

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loopwire/reactor/channel"
	"github.com/loopwire/reactor/internal/eventfd"
	"github.com/loopwire/reactor/internal/poller"
	"github.com/loopwire/reactor/log"
	"github.com/loopwire/reactor/timer"
	"github.com/pkg/errors"
)

const defaultPollTimeout = 10 * time.Second

// EventLoop is a single-threaded reactor: it owns one Poller, one
// timer.Queue and one wake-up eventfd, and runs its reactor cycle on one
// goroutine (pinned to one OS thread when started through EventLoopThread).
//
// While the loop is running, every method that mutates loop-owned state
// (Channel/Timer registration) asserts it runs on that goroutine; violating
// this is a programming error and panics. Go has no stable, queryable OS-thread id the way
// pthread_self() does, so affinity is tracked by the package-level
// registry in goroutine.go: Loop() binds the calling goroutine's id to
// this EventLoop for the duration of the call, and
// AssertInLoopGoroutine/IsInLoopGoroutine consult that registry.
type EventLoop struct {
	poller      poller.Poller
	timerQueue  *timer.Queue
	wakeupFd    *eventfd.EventFd
	wakeupChan  *channel.Channel
	pollTimeout time.Duration

	mu           sync.Mutex
	pendingTasks []func()

	callingPending bool
	eventHandling  bool
	looping        bool
	quit           int32 // atomic bool

	iteration int64
}

// current tracks, per goroutine id, which EventLoop (if any) is presently
// running its Loop() on that goroutine. See goroutine.go.
var current = newCurrentLoopRegistry()

// Option configures an EventLoop at construction.
type Option func(*options)

type options struct {
	pollerKind  poller.Kind
	pollTimeout time.Duration
}

// WithPollerKind selects epoll vs poll(2); defaults to epoll on Linux.
func WithPollerKind(kind poller.Kind) Option {
	return func(o *options) { o.pollerKind = kind }
}

// WithPollTimeout overrides the default 10s poll timeout.
func WithPollTimeout(d time.Duration) Option {
	return func(o *options) { o.pollTimeout = d }
}

// New constructs an EventLoop. It does not start looping; call Loop (on
// the goroutine/thread meant to own it) to begin the reactor cycle.
func New(opts ...Option) (*EventLoop, error) {
	o := options{pollerKind: poller.KindEpoll, pollTimeout: defaultPollTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	p, err := poller.New(o.pollerKind)
	if err != nil {
		return nil, errors.Wrap(err, "loop: construct poller")
	}
	wfd, err := eventfd.New()
	if err != nil {
		p.Close()
		return nil, errors.Wrap(err, "loop: construct wakeup fd")
	}

	l := &EventLoop{
		poller:      p,
		wakeupFd:    wfd,
		pollTimeout: o.pollTimeout,
	}
	l.wakeupChan = channel.New(l, wfd.Fd())
	l.wakeupChan.SetReadCallback(func(time.Time) { l.handleWakeupRead() })
	l.wakeupChan.EnableReading()

	tq, err := timer.New(l)
	if err != nil {
		l.wakeupChan.DisableAll()
		wfd.Close()
		p.Close()
		return nil, errors.Wrap(err, "loop: construct timer queue")
	}
	l.timerQueue = tq

	return l, nil
}

// Loop runs the reactor cycle until Quit is observed. It must be called
// from exactly the goroutine that is meant to own this loop for its whole
// lifetime. Loop does not lock the goroutine to its OS thread itself
// (callers that want the "one loop per thread" guarantee for real, not
// just in spirit, should wrap the call in a goroutine that starts with
// runtime.LockOSThread — EventLoopThread does this).
func (l *EventLoop) Loop() {
	if l.looping {
		panic("loop: EventLoop.Loop called twice on the same EventLoop")
	}
	if !current.bind(l) {
		panic("loop: another EventLoop is already bound to this goroutine")
	}
	defer current.unbind(l)

	l.looping = true
	atomic.StoreInt32(&l.quit, 0)
	defer func() { l.looping = false }()

	var active []*channel.Channel
	for atomic.LoadInt32(&l.quit) == 0 {
		active = active[:0]
		receiveTime, err := l.poller.Poll(l.pollTimeout, &active)
		if err != nil {
			log.Warnf("loop: poll error, continuing with empty active set: %v", err)
			active = active[:0]
		}
		atomic.AddInt64(&l.iteration, 1)

		l.eventHandling = true
		for _, c := range active {
			c.HandleEvent(receiveTime)
		}
		l.eventHandling = false

		l.runPendingTasks()
	}
}

// Quit may be called from any goroutine; if called off-loop it wakes the
// loop so the next cycle observes it.
func (l *EventLoop) Quit() {
	atomic.StoreInt32(&l.quit, 1)
	if !l.IsInLoopGoroutine() {
		l.wake()
	}
}

// RunInLoop runs f immediately if called from the loop's own goroutine
// (i.e. synchronously, from within Loop's call stack), otherwise enqueues
// it via QueueInLoop.
func (l *EventLoop) RunInLoop(f func()) {
	if l.IsInLoopGoroutine() {
		f()
		return
	}
	l.QueueInLoop(f)
}

// QueueInLoop enqueues f to run on the next pending-task drain. It wakes
// the loop if the caller is off-loop, or if the loop is itself currently
// draining pending tasks (so a task enqueued by another task is picked up
// before the next poll, rather than waiting a whole cycle).
func (l *EventLoop) QueueInLoop(f func()) {
	l.mu.Lock()
	l.pendingTasks = append(l.pendingTasks, f)
	shouldWake := !l.IsInLoopGoroutine() || l.callingPending
	l.mu.Unlock()

	if shouldWake {
		l.wake()
	}
}

func (l *EventLoop) runPendingTasks() {
	l.mu.Lock()
	tasks := l.pendingTasks
	l.pendingTasks = nil
	l.mu.Unlock()

	l.callingPending = true
	for _, f := range tasks {
		f()
	}
	l.callingPending = false
}

// UpdateChannel satisfies channel.Loop: it forwards to the Poller after
// asserting loop affinity. Before Loop has started and after it has
// returned no goroutine owns the loop, so the affinity check only applies
// while it is looping (this is what lets New and Close register and
// deregister the loop's own channels).
func (l *EventLoop) UpdateChannel(c *channel.Channel) {
	if l.looping {
		l.AssertInLoopGoroutine()
	}
	if err := l.poller.UpdateChannel(c); err != nil {
		log.Errorf("loop: UpdateChannel(fd=%d) failed: %v", c.Fd(), err)
	}
}

// RemoveChannel satisfies channel.Loop, with the same affinity rule as
// UpdateChannel.
func (l *EventLoop) RemoveChannel(c *channel.Channel) {
	if l.looping {
		l.AssertInLoopGoroutine()
	}
	if err := l.poller.RemoveChannel(c); err != nil {
		log.Errorf("loop: RemoveChannel(fd=%d) failed: %v", c.Fd(), err)
	}
}

// HasChannel reports whether fd is currently registered with this loop's
// Poller.
func (l *EventLoop) HasChannel(fd int) bool {
	l.AssertInLoopGoroutine()
	return l.poller.HasChannel(fd)
}

// IsInLoopGoroutine reports whether the calling goroutine is the one
// currently executing this loop's Loop().
func (l *EventLoop) IsInLoopGoroutine() bool {
	return current.owns(l)
}

// AssertInLoopGoroutine panics if the calling goroutine is not the one
// running this loop's Loop() — a fatal programming error per the spec's
// thread-affinity rule.
func (l *EventLoop) AssertInLoopGoroutine() {
	if !l.IsInLoopGoroutine() {
		panic("loop: state mutated off the owning loop's goroutine")
	}
}

// RunAt schedules cb to run once at when.
func (l *EventLoop) RunAt(when time.Time, cb func()) timer.ID {
	return l.timerQueue.AddTimer(cb, when, 0)
}

// RunAfter schedules cb to run once after delay.
func (l *EventLoop) RunAfter(delay time.Duration, cb func()) timer.ID {
	return l.RunAt(time.Now().Add(delay), cb)
}

// RunEvery schedules cb to run every interval, first firing after interval.
func (l *EventLoop) RunEvery(interval time.Duration, cb func()) timer.ID {
	return l.timerQueue.AddTimer(cb, time.Now().Add(interval), interval)
}

// CancelTimer cancels a Timer previously scheduled via RunAt/RunAfter/RunEvery.
func (l *EventLoop) CancelTimer(id timer.ID) {
	l.timerQueue.Cancel(id)
}

// Iteration returns the number of completed poll cycles, for diagnostics
// and tests.
func (l *EventLoop) Iteration() int64 { return atomic.LoadInt64(&l.iteration) }

func (l *EventLoop) wake() {
	if err := l.wakeupFd.WriteEvent(1); err != nil {
		log.Errorf("loop: wake-up write failed: %v", err)
	}
}

func (l *EventLoop) handleWakeupRead() {
	if _, err := l.wakeupFd.ReadEvent(); err != nil {
		log.Errorf("loop: wake-up read failed: %v", err)
	}
}

// Close releases the loop's poller, timer queue and wake-up fd. Must be
// called after Loop has returned.
func (l *EventLoop) Close() error {
	if l.looping {
		return errors.New("loop: Close called while still looping")
	}
	l.wakeupChan.DisableAll()
	l.wakeupChan.Remove()
	if err := l.timerQueue.Close(); err != nil {
		log.Warnf("loop: timer queue close: %v", err)
	}
	if err := l.wakeupFd.Close(); err != nil {
		log.Warnf("loop: wakeup fd close: %v", err)
	}
	return l.poller.Close()
}

// lockOSThreadAndLoop is a convenience used by EventLoopThread: it pins
// the calling goroutine to its OS thread for the duration of Loop, giving
// the "one loop per thread" guarantee in more than just spirit.
func lockOSThreadAndLoop(l *EventLoop) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	l.Loop()
}
