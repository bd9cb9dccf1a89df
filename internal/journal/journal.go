// Package journal numbers entry transitions and distributes them to the
// watchers that care, in order.
//
// Every transition goes through a single dispatcher. Before working out
// who is interested, the dispatcher appends the transition to a history so
// a watcher registered concurrently can replay it with CatchUp: a watcher
// either is found by the broadcast or finds the transition in history,
// never neither. History is kept back to the oldest start ordinal of an
// operation still in progress and trimmed beyond that.
package journal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pfirmstone/JGDMS-sub001/internal/watch"
)

// Broadcaster finds the watchers interested in a transition, in offering
// order. Implemented by *watch.Index.
type Broadcaster interface {
	Broadcast(tr *watch.Transition, ordinal uint64) []watch.Watcher
}

// DispatchFunc observes each dispatched transition: how many watchers it
// was offered to and whether one of them consumed the entry.
type DispatchFunc func(tr *watch.Transition, ordinal uint64, offered int, consumed bool)

// Journal is the transition distributor.
//
// Thread-safety model:
//   - Post, Begin, End, CatchUp: safe from any goroutine
//   - Run: one goroutine; Flush may run alongside, dispatch is serialised
type Journal struct {
	clock *Clock
	queue *transitionQueue
	bc    Broadcaster
	now   func() time.Time
	hook  DispatchFunc

	dispatchMu sync.Mutex // one dispatcher at a time

	mu      sync.Mutex
	history []record
	epochs  map[uint64]int // start ordinal -> operations in progress
}

// Option configures a Journal.
type Option func(*Journal)

// WithClock sets the time source passed to watchers.
func WithClock(now func() time.Time) Option {
	return func(j *Journal) { j.now = now }
}

// WithStart resumes numbering after ordinal, as after recovery.
func WithStart(ordinal uint64) Option {
	return func(j *Journal) { j.clock = NewClockAt(ordinal) }
}

// WithDispatchHook installs a dispatch observer.
func WithDispatchHook(fn DispatchFunc) Option {
	return func(j *Journal) { j.hook = fn }
}

// New creates a journal distributing through bc.
func New(bc Broadcaster, opts ...Option) *Journal {
	j := &Journal{
		clock:  NewClock(),
		bc:     bc,
		now:    time.Now,
		epochs: make(map[uint64]int),
	}
	for _, opt := range opts {
		opt(j)
	}
	j.queue = newTransitionQueue(j.clock)
	return j
}

// Post numbers tr and queues it for dispatch. It never blocks on
// dispatch. It returns 0 once the journal has stopped.
func (j *Journal) Post(tr *watch.Transition) uint64 {
	ord, ok := j.queue.Push(tr)
	if !ok {
		slog.Warn("transition dropped: journal stopped",
			"entry_id", tr.Handle.ID(),
			"kind", tr.Kind(),
		)
		return 0
	}
	return ord
}

// Current returns the last ordinal assigned.
func (j *Journal) Current() uint64 {
	return j.clock.Current()
}

// Begin marks the start of an operation that may register a watcher. It
// returns the operation's start ordinal; history after it is retained
// until End is called with the same value.
func (j *Journal) Begin() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	start := j.clock.Current()
	j.epochs[start]++
	return start
}

// End releases the history held for an operation started at start.
func (j *Journal) End(start uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.epochs[start] <= 1 {
		delete(j.epochs, start)
	} else {
		j.epochs[start]--
	}
	j.trimLocked()
}

// trimLocked drops history no operation in progress can need.
func (j *Journal) trimLocked() {
	if len(j.history) == 0 {
		return
	}
	var floor uint64
	if len(j.epochs) == 0 {
		floor = j.history[len(j.history)-1].ordinal
	} else {
		first := true
		for start := range j.epochs {
			if first || start < floor {
				floor, first = start, false
			}
		}
	}
	i := 0
	for i < len(j.history) && j.history[i].ordinal <= floor {
		j.history[i] = record{}
		i++
	}
	if i > 0 {
		j.history = append(j.history[:0:0], j.history[i:]...)
	}
}

// CatchUp replays to w every retained transition after w's start ordinal,
// then tells w the backlog is complete if it wants to know. Call it after
// registering w and before End.
func (j *Journal) CatchUp(w watch.Watcher) {
	start := w.StartOrdinal()

	j.mu.Lock()
	backlog := make([]record, 0, len(j.history))
	for _, r := range j.history {
		if r.ordinal > start {
			backlog = append(backlog, r)
		}
	}
	j.mu.Unlock()

	for _, r := range backlog {
		if w.CatchUp(r.tr, r.ordinal, j.now()) {
			break
		}
	}
	if cu, ok := w.(watch.CatchUpper); ok {
		cu.CaughtUp(j.now())
	}
}

// Run dispatches transitions until ctx is cancelled or Stop is called.
func (j *Journal) Run(ctx context.Context) error {
	slog.Info("journal starting", "ordinal", j.clock.Current())

	for {
		if j.dispatchNext() {
			continue
		}

		select {
		case <-ctx.Done():
			slog.Info("journal stopping: context cancelled")
			j.queue.Close()
			return ctx.Err()

		case <-j.queue.Wait():
			// A closed queue keeps firing; stop once it is empty.
			if j.queue.Len() == 0 && j.stopped() {
				slog.Info("journal stopping: queue closed")
				return nil
			}
		}
	}
}

func (j *Journal) stopped() bool {
	j.queue.mu.Lock()
	defer j.queue.mu.Unlock()
	return j.queue.closed
}

// Stop closes the queue; Run returns once it has drained.
func (j *Journal) Stop() {
	j.queue.Close()
}

// Flush dispatches everything queued on the caller's goroutine. It is used
// where no Run loop is running, such as scenario replays.
func (j *Journal) Flush() {
	for j.dispatchNext() {
	}
}

// Pending returns the number of transitions waiting for dispatch.
func (j *Journal) Pending() int {
	return j.queue.Len()
}

// HistoryLen returns the number of retained transitions.
func (j *Journal) HistoryLen() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.history)
}

func (j *Journal) dispatchNext() bool {
	j.dispatchMu.Lock()
	defer j.dispatchMu.Unlock()

	r, ok := j.queue.TryPop()
	if !ok {
		return false
	}
	j.dispatch(r)
	return true
}

// dispatch records r in history, then offers its entry to the interested
// watchers in order until one consumes it.
func (j *Journal) dispatch(r record) {
	j.mu.Lock()
	j.history = append(j.history, r)
	j.trimLocked()
	j.mu.Unlock()

	now := j.now()
	watchers := j.bc.Broadcast(r.tr, r.ordinal)
	offered, consumed := 0, false
	for _, w := range watchers {
		offered++
		if w.Process(r.tr, r.ordinal, now) {
			consumed = true
			break
		}
	}

	slog.Debug("transition dispatched",
		"ordinal", r.ordinal,
		"entry_id", r.tr.Handle.ID(),
		"kind", r.tr.Kind(),
		"txn_id", r.tr.Txn,
		"interested", len(watchers),
		"offered", offered,
		"consumed", consumed,
	)
	if j.hook != nil {
		j.hook(r.tr, r.ordinal, offered, consumed)
	}
}
