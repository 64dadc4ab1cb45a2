package loop

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
)

// currentLoopRegistry maps the numeric id of the goroutine running a given
// EventLoop's Loop() to that EventLoop, so IsInLoopGoroutine/
// AssertInLoopGoroutine can tell whether the calling goroutine is the
// owner. The Go runtime deliberately does not export goroutine ids;
// parsing the header line of runtime.Stack's output is the well-worn
// workaround (the same trick used by goroutine-local-storage shims), and
// is only ever on the slow, rarely-exercised assertion path, never on the
// hot poll/dispatch path.
type currentLoopRegistry struct {
	mu    sync.RWMutex
	owner map[int64]*EventLoop
}

func newCurrentLoopRegistry() *currentLoopRegistry {
	return &currentLoopRegistry{owner: make(map[int64]*EventLoop)}
}

// bind records that the calling goroutine now owns l. Returns false if
// that goroutine already owns a different EventLoop.
func (r *currentLoopRegistry) bind(l *EventLoop) bool {
	id := goroutineID()
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.owner[id]; ok && existing != l {
		return false
	}
	r.owner[id] = l
	return true
}

func (r *currentLoopRegistry) unbind(l *EventLoop) {
	id := goroutineID()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.owner[id] == l {
		delete(r.owner, id)
	}
}

func (r *currentLoopRegistry) owns(l *EventLoop) bool {
	id := goroutineID()
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.owner[id] == l
}

// goroutineID extracts the numeric goroutine id from the "goroutine N
// [state]:" header of runtime.Stack's output for the calling goroutine.
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	const prefix = "goroutine "
	if !bytes.HasPrefix(b, []byte(prefix)) {
		return -1
	}
	b = b[len(prefix):]
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return -1
	}
	return id
}
