// File: eventloop/eventqueue.go
// Author: momentics <momentics@gmail.com>
//
// Thread-safe FIFO of posted callbacks, as described in spec.md section
// 4.3. Producers on any goroutine may post; only the loop goroutine
// drains, bounded per iteration so a flood of posts cannot starve socket
// and timer dispatch (spec.md section 5).
package eventloop

import (
	"sync"

	"github.com/eapache/queue"
)

// postedEvent is one entry in the posted-event queue. moved callbacks
// came from PostMove and are run exactly once, identically to copied
// ones; the distinction exists in the API surface (Post vs PostMove) to
// mirror the copy/move semantics of spec.md section 4.3, not in how the
// queue treats them.
type postedEvent struct {
	fn func()
}

// EventQueue is the thread-safe posted-event FIFO.
type EventQueue struct {
	mu sync.Mutex
	q  *queue.Queue
}

// NewEventQueue constructs an empty posted-event queue.
func NewEventQueue() *EventQueue {
	return &EventQueue{q: queue.New()}
}

// Post enqueues fn for execution on the loop thread. Safe to call from
// any goroutine, including signal-adjacent supervisor threads.
func (q *EventQueue) Post(fn func()) {
	q.mu.Lock()
	q.q.Add(postedEvent{fn: fn})
	q.mu.Unlock()
}

// Len reports the number of events currently queued.
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.q.Length()
}

// Drain pops and runs up to max queued callbacks, returning how many ran.
// Events posted by a callback while draining are not run in the same
// Drain call (they queue behind the current snapshot's length), which
// bounds a single Drain's duration and matches spec.md section 5's
// fairness requirement between posted events and I/O/timers.
func (q *EventQueue) Drain(max int) int {
	q.mu.Lock()
	n := q.q.Length()
	if n > max {
		n = max
	}
	batch := make([]func(), 0, n)
	for i := 0; i < n; i++ {
		pe := q.q.Remove().(postedEvent)
		batch = append(batch, pe.fn)
	}
	q.mu.Unlock()

	for _, fn := range batch {
		fn()
	}
	return len(batch)
}
