package watch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pfirmstone/JGDMS-sub001/internal/holder"
	"github.com/pfirmstone/JGDMS-sub001/internal/ir"
	"github.com/pfirmstone/JGDMS-sub001/internal/txn"
)

// Capturer atomically claims an entry for a watcher. It is implemented by
// the space, which also logs takes and announces the resulting removals.
//
// Capture is called with the watcher's mutex held and must not call back
// into the watcher.
type Capturer interface {
	Capture(h *holder.Handle, t *txn.Txn, take bool, now time.Time) bool
}

// Watcher is one blocked query or event registration. The set of
// implementations is closed; see the package documentation.
type Watcher interface {
	// ID identifies the watcher. Registrations share their id across the
	// watchers of a multi-template registration.
	ID() string

	// Key orders the watcher against others interested in the same entry.
	Key() OrderKey

	// StartOrdinal is the highest transition ordinal assigned before the
	// watcher's operation started. Older transitions are ignored.
	StartOrdinal() uint64

	// Template is the template the watcher is registered under.
	Template() ir.Template

	// IsInterested is a quick pre-filter; it may be called with template
	// handle locks held.
	IsInterested(tr *Transition, ordinal uint64) bool

	// Process offers the entry of tr. It reports whether the watcher
	// consumed the entry so that no later watcher may have it.
	Process(tr *Transition, ordinal uint64, now time.Time) bool

	// CatchUp is Process for a transition replayed from history.
	CatchUp(tr *Transition, ordinal uint64, now time.Time) bool

	// Detachable reports whether the watcher can leave its template handle:
	// it resolved, was cancelled, or expired by now.
	Detachable(now time.Time) bool

	attach(h *TemplateHandle)
	handle() *TemplateHandle
}

// CatchUpper is implemented by watchers that act once the backlog of
// transitions since their start has been replayed.
type CatchUpper interface {
	CaughtUp(now time.Time)
}

// State is the resolution state of a query.
type State int

const (
	Unresolved State = iota
	ResolvedWithEntry
	ResolvedWithError
	ResolvedWithNothing
)

func (s State) String() string {
	switch s {
	case ResolvedWithEntry:
		return "entry"
	case ResolvedWithError:
		return "error"
	case ResolvedWithNothing:
		return "nothing"
	default:
		return "unresolved"
	}
}

// QueryConfig holds what every query watcher is created with.
type QueryConfig struct {
	ID         string
	Key        OrderKey
	Start      uint64
	Template   ir.Template
	Txn        *txn.Txn // nil for no transaction
	Expiration time.Time
	Capturer   Capturer
}

// query is the state shared by every blocking watcher: the single
// resolution and the channel its waiter blocks on.
type query struct {
	cfg QueryConfig

	mu       sync.Mutex
	resolved atomic.Bool
	state    State
	entry    *ir.EntryRep
	err      error
	done     chan struct{}

	th atomic.Pointer[TemplateHandle]
}

func newQuery(cfg QueryConfig) query {
	return query{cfg: cfg, done: make(chan struct{})}
}

func (q *query) ID() string { return q.cfg.ID }

func (q *query) Key() OrderKey { return q.cfg.Key }

func (q *query) StartOrdinal() uint64 { return q.cfg.Start }

func (q *query) Template() ir.Template { return q.cfg.Template }

func (q *query) attach(h *TemplateHandle) { q.th.Store(h) }

func (q *query) handle() *TemplateHandle { return q.th.Load() }

func (q *query) txnID() string {
	if q.cfg.Txn == nil {
		return ""
	}
	return q.cfg.Txn.ID()
}

// Resolved reports whether the query has reached a terminal state.
func (q *query) Resolved() bool { return q.resolved.Load() }

// Detachable implements Watcher.
func (q *query) Detachable(now time.Time) bool {
	if q.resolved.Load() {
		return true
	}
	return !q.cfg.Expiration.IsZero() && !now.Before(q.cfg.Expiration)
}

// resolveLocked moves the query to its terminal state. Resolving twice is
// a broken invariant and panics.
func (q *query) resolveLocked(entry *ir.EntryRep, err error) {
	if q.resolved.Load() {
		panic(fmt.Sprintf("watch: query %s resolved twice (was %s)", q.cfg.ID, q.state))
	}
	switch {
	case err != nil:
		q.state = ResolvedWithError
	case entry != nil:
		q.state = ResolvedWithEntry
	default:
		q.state = ResolvedWithNothing
	}
	q.entry, q.err = entry, err
	q.resolved.Store(true)
	close(q.done)
}

// Resolve resolves the query from outside the matching path.
func (q *query) Resolve(entry *ir.EntryRep, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.resolveLocked(entry, err)
}

// resolveIfPending resolves the query unless something already did.
func (q *query) resolveIfPending(entry *ir.EntryRep, err error) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.resolved.Load() {
		return false
	}
	q.resolveLocked(entry, err)
	return true
}

// Done is closed once the query resolves.
func (q *query) Done() <-chan struct{} { return q.done }

// Result returns the terminal state. It is only meaningful after Done is
// closed.
func (q *query) Result() (State, *ir.EntryRep, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state, q.entry, q.err
}

// Wait blocks until the query resolves, its expiration passes or ctx ends.
// An expired query resolves with nothing; a cancelled one with ctx's error.
// now is the clock the expiration was computed against.
func (q *query) Wait(ctx context.Context, now func() time.Time) (*ir.EntryRep, error) {
	var timeout <-chan time.Time
	if !q.cfg.Expiration.IsZero() {
		timer := time.NewTimer(q.cfg.Expiration.Sub(now()))
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-q.done:
	case <-timeout:
		q.resolveIfPending(nil, nil)
	case <-ctx.Done():
		q.resolveIfPending(nil, ctx.Err())
	}
	_, entry, err := q.Result()
	return entry, err
}

// Prepare implements txn.Transactable: a query still waiting when its
// transaction ends fails with txn.ErrTransactionEnded. The query holds no
// state of its own, so it never needs a commit.
func (q *query) Prepare(*txn.Txn) txn.Vote {
	q.resolveIfPending(nil, txn.ErrTransactionEnded)
	return txn.NotChanged
}

// Commit implements txn.Transactable. A query always votes NotChanged, so
// a commit reaching it means the coordinator protocol was broken.
func (q *query) Commit(*txn.Txn) {
	panic(fmt.Sprintf("watch: commit sent to query %s", q.cfg.ID))
}

// Abort implements txn.Transactable.
func (q *query) Abort(*txn.Txn) {
	q.resolveIfPending(nil, txn.ErrTransactionEnded)
}

// Query is the waiter's view of a blocking watcher.
type Query interface {
	Watcher
	txn.Transactable
	Done() <-chan struct{}
	Resolved() bool
	Result() (State, *ir.EntryRep, error)
	Resolve(entry *ir.EntryRep, err error)
	Wait(ctx context.Context, now func() time.Time) (*ir.EntryRep, error)
}
