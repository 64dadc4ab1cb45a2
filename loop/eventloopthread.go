package loop

import (
	"sync"
)

// EventLoopThread owns one EventLoop running on its own dedicated,
// OS-thread-locked goroutine. Start blocks until the loop has finished
// construction and is ready to accept Channel/Timer registrations,
// mirroring muduo's EventLoopThread::startLoop (which blocks on a
// condition variable until the child thread's EventLoop pointer is set).
type EventLoopThread struct {
	opts []Option

	mu      sync.Mutex
	loop    *EventLoop
	started bool
	done    chan struct{}
}

// NewEventLoopThread constructs a thread that will build its EventLoop
// with opts once Start is called.
func NewEventLoopThread(opts ...Option) *EventLoopThread {
	return &EventLoopThread{opts: opts}
}

// Start spawns the owning goroutine, pins it to its OS thread, constructs
// the EventLoop there, and blocks the caller until that EventLoop is
// ready to use. It returns the EventLoop; callers use it only for
// read-only scheduling calls (RunInLoop/QueueInLoop/RunAt/...), which are
// themselves safe from any goroutine.
func (t *EventLoopThread) Start() (*EventLoop, error) {
	t.mu.Lock()
	if t.started {
		l := t.loop
		t.mu.Unlock()
		return l, nil
	}
	t.started = true
	ready := make(chan error, 1)
	t.done = make(chan struct{})
	t.mu.Unlock()

	go func() {
		l, err := New(t.opts...)
		if err != nil {
			ready <- err
			return
		}
		t.mu.Lock()
		t.loop = l
		t.mu.Unlock()
		ready <- nil

		lockOSThreadAndLoop(l)
		close(t.done)
	}()

	if err := <-ready; err != nil {
		return nil, err
	}
	t.mu.Lock()
	l := t.loop
	t.mu.Unlock()
	return l, nil
}

// Stop asks the owned loop to quit and waits for its goroutine to return.
// Safe to call once Start has returned successfully.
func (t *EventLoopThread) Stop() {
	t.mu.Lock()
	l := t.loop
	done := t.done
	t.mu.Unlock()
	if l == nil {
		return
	}
	l.Quit()
	if done != nil {
		<-done
	}
}
