package engine

import (
	"sync"

	"github.com/roach88/dashlog/internal/ir"
)

// eventQueue is a thread-safe FIFO of events waiting for the Run loop.
//
// Unbounded, so a hook enqueuing from inside a request never blocks. The
// signal channel lets Run wait on it alongside ctx.Done().
type eventQueue struct {
	mu     sync.Mutex
	events []ir.Event
	closed bool
	signal chan struct{} // buffered, size 1; coalesces wakeups
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]ir.Event, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an event to the back of the queue. Returns false once the
// queue is closed.
func (q *eventQueue) Enqueue(ev ir.Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.events = append(q.events, ev)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front event without blocking.
func (q *eventQueue) TryDequeue() (ir.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return ir.Event{}, false
	}
	ev := q.events[0]
	// Clear the slot so the backing array does not pin attrs/data maps.
	q.events[0] = ir.Event{}
	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}
	return ev, true
}

// Wait returns a channel that fires when events may be available. It is
// closed when the queue is closed.
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued events.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// closedAndEmpty reports whether Run has nothing left to drain.
func (q *eventQueue) closedAndEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed && len(q.events) == 0
}

// Close stops further enqueues and wakes the waiter.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
