package journal

import (
	"sync"

	"github.com/pfirmstone/JGDMS-sub001/internal/watch"
)

// record is one numbered transition.
type record struct {
	ordinal uint64
	tr      *watch.Transition
}

// transitionQueue is a thread-safe FIFO of numbered transitions.
//
// Ordinals are assigned under the queue's lock so that queue order and
// ordinal order always agree, whichever goroutine posts.
//
// The queue is unbounded: posting happens inside capture and commit paths
// that must never block on the dispatcher.
type transitionQueue struct {
	mu      sync.Mutex
	clock   *Clock
	records []record
	closed  bool
	signal  chan struct{} // buffered, size 1
}

func newTransitionQueue(clock *Clock) *transitionQueue {
	return &transitionQueue{
		clock:   clock,
		records: make([]record, 0, 64),
		signal:  make(chan struct{}, 1),
	}
}

// Push numbers tr and appends it. Returns false if the queue is closed.
func (q *transitionQueue) Push(tr *watch.Transition) (uint64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, false
	}
	ord := q.clock.Next()
	q.records = append(q.records, record{ordinal: ord, tr: tr})

	// Non-blocking: the buffer of 1 coalesces signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return ord, true
}

// TryPop removes the front record without blocking.
func (q *transitionQueue) TryPop() (record, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.records) == 0 {
		return record{}, false
	}
	r := q.records[0]
	// Clear the slot so the transition can be collected.
	q.records[0] = record{}
	if len(q.records) == 1 {
		q.records = q.records[:0]
	} else {
		q.records = q.records[1:]
	}
	return r, true
}

// Wait returns a channel that signals when records may be available. It
// is closed when the queue is closed.
func (q *transitionQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of records waiting.
func (q *transitionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}

// Close stops further pushes and wakes waiters.
func (q *transitionQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
