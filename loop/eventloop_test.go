package loop

import (
	"testing"
	"time"

	"github.com/loopwire/reactor/internal/poller"
	"github.com/stretchr/testify/require"
)

func newTestLoop(t *testing.T) *EventLoop {
	t.Helper()
	l, err := New(WithPollerKind(poller.KindPoll), WithPollTimeout(50*time.Millisecond))
	require.NoError(t, err)
	return l
}

func runLoopAsync(t *testing.T, l *EventLoop) (stop func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		l.Loop()
		close(done)
	}()
	// Give the goroutine a chance to bind before the caller schedules work.
	time.Sleep(10 * time.Millisecond)
	return func() {
		l.Quit()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("loop did not quit in time")
		}
	}
}

func TestQuitStopsTheLoop(t *testing.T) {
	l := newTestLoop(t)
	defer l.Close()
	stop := runLoopAsync(t, l)
	stop()
}

func TestRunInLoopFromAnotherGoroutineIsDeferred(t *testing.T) {
	l := newTestLoop(t)
	defer l.Close()
	stop := runLoopAsync(t, l)
	defer stop()

	done := make(chan struct{})
	l.RunInLoop(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunInLoop callback never ran")
	}
}

func TestRunAfterFiresOnce(t *testing.T) {
	l := newTestLoop(t)
	defer l.Close()
	stop := runLoopAsync(t, l)
	defer stop()

	fired := make(chan struct{}, 2)
	l.RunInLoop(func() {
		l.RunAfter(20*time.Millisecond, func() { fired <- struct{}{} })
	})

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
	select {
	case <-fired:
		t.Fatal("one-shot timer fired more than once")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRunEveryFiresRepeatedly(t *testing.T) {
	l := newTestLoop(t)
	defer l.Close()
	stop := runLoopAsync(t, l)
	defer stop()

	fired := make(chan struct{}, 16)
	l.RunInLoop(func() {
		l.RunEvery(15*time.Millisecond, func() { fired <- struct{}{} })
	})

	for i := 0; i < 3; i++ {
		select {
		case <-fired:
		case <-time.After(time.Second):
			t.Fatalf("expected repeated fire %d", i)
		}
	}
}

func TestAssertInLoopGoroutinePanicsOffLoop(t *testing.T) {
	l := newTestLoop(t)
	defer l.Close()
	stop := runLoopAsync(t, l)
	defer stop()

	require.Panics(t, func() {
		l.AssertInLoopGoroutine()
	})
}

// TestLoopCalledTwiceConcurrentlyPanics checks the guard at the top of
// Loop(): the owner-goroutine marker is bound inside Loop() itself, not at
// New(), so nothing stops a second goroutine from racing to call Loop() on
// the same already-running *EventLoop unless Loop() rejects it outright.
func TestLoopCalledTwiceConcurrentlyPanics(t *testing.T) {
	l := newTestLoop(t)
	defer l.Close()
	stop := runLoopAsync(t, l)
	defer stop()

	panicked := make(chan interface{}, 1)
	go func() {
		defer func() { panicked <- recover() }()
		l.Loop()
	}()

	select {
	case r := <-panicked:
		require.NotNil(t, r, "second concurrent Loop() call should have panicked")
	case <-time.After(time.Second):
		t.Fatal("second Loop() call neither returned nor panicked")
	}
}

// TestLoopRebindsToANewGoroutineAfterQuit checks that the owner-goroutine
// marker isn't sticky: once a prior Loop() call has returned (after Quit),
// a different goroutine may call Loop() on the same *EventLoop without
// hitting the "already bound" panic, since Loop() unbinds on the way out.
func TestLoopRebindsToANewGoroutineAfterQuit(t *testing.T) {
	l := newTestLoop(t)
	defer l.Close()

	stop := runLoopAsync(t, l)
	stop()

	done := make(chan struct{})
	go func() {
		l.Loop()
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	l.Quit()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not quit in time on its second run")
	}
}
