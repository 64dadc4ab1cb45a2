package loop

import (
	"github.com/pkg/errors"
)

// ThreadPool fans work out across a fixed set of EventLoopThreads plus the
// caller-supplied base loop, mirroring muduo's EventLoopThreadPool. With
// numThreads == 0 the pool always hands back the base loop, giving the
// single-threaded "one loop runs everything" mode the spec requires as a
// degenerate case.
type ThreadPool struct {
	base    *EventLoop
	threads []*EventLoopThread
	loops   []*EventLoop
	next    int
}

// NewThreadPool constructs a pool bound to base (typically the loop
// running the Acceptor) with numThreads additional worker loops, each
// built with opts. Start must be called before GetNextLoop/GetLoopForHash
// return anything other than base.
func NewThreadPool(base *EventLoop, numThreads int, opts ...Option) *ThreadPool {
	p := &ThreadPool{base: base}
	for i := 0; i < numThreads; i++ {
		p.threads = append(p.threads, NewEventLoopThread(opts...))
	}
	return p
}

// Start constructs and starts every worker thread's EventLoop.
func (p *ThreadPool) Start() error {
	p.loops = p.loops[:0]
	for _, t := range p.threads {
		l, err := t.Start()
		if err != nil {
			return errors.Wrap(err, "loop: start thread pool worker")
		}
		p.loops = append(p.loops, l)
	}
	return nil
}

// Stop quits every worker loop and waits for its goroutine to exit. The
// base loop is left running; its owner is responsible for it.
func (p *ThreadPool) Stop() {
	for _, t := range p.threads {
		t.Stop()
	}
}

// Size returns the number of worker loops (not counting base).
func (p *ThreadPool) Size() int { return len(p.loops) }

// GetNextLoop round-robins across the worker loops, falling back to base
// when the pool has no workers.
func (p *ThreadPool) GetNextLoop() *EventLoop {
	if len(p.loops) == 0 {
		return p.base
	}
	l := p.loops[p.next]
	p.next = (p.next + 1) % len(p.loops)
	return l
}

// GetLoopForHash deterministically maps hash to one worker loop (or base
// if the pool has no workers), for callers that want a given key to
// always land on the same loop.
func (p *ThreadPool) GetLoopForHash(hash int) *EventLoop {
	if len(p.loops) == 0 {
		return p.base
	}
	idx := hash % len(p.loops)
	if idx < 0 {
		idx += len(p.loops)
	}
	return p.loops[idx]
}

// AllLoops returns the worker loops, or just base if there are none.
func (p *ThreadPool) AllLoops() []*EventLoop {
	if len(p.loops) == 0 {
		return []*EventLoop{p.base}
	}
	return p.loops
}
