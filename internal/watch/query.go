package watch

import (
	"time"
)

// ReadWatcher is a blocked read under no transaction. The first entry to
// become visible to everyone resolves it; reading never consumes.
type ReadWatcher struct {
	query
}

// NewRead creates a read watcher. cfg.Txn must be nil.
func NewRead(cfg QueryConfig) *ReadWatcher {
	if cfg.Txn != nil {
		panic("watch: read watcher under a transaction; use a consuming watcher")
	}
	return &ReadWatcher{query: newQuery(cfg)}
}

// IsInterested implements Watcher.
func (w *ReadWatcher) IsInterested(tr *Transition, ordinal uint64) bool {
	return ordinal > w.cfg.Start && tr.Visible && tr.Txn == "" && !w.resolved.Load()
}

// Process implements Watcher.
func (w *ReadWatcher) Process(tr *Transition, _ uint64, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.resolved.Load() {
		return false
	}
	if !w.cfg.Capturer.Capture(tr.Handle, nil, false, now) {
		return false
	}
	w.resolveLocked(tr.Rep(), nil)
	return false
}

// CatchUp implements Watcher.
func (w *ReadWatcher) CatchUp(tr *Transition, ordinal uint64, now time.Time) bool {
	if !w.IsInterested(tr, ordinal) || !w.cfg.Template.Matches(tr.Rep()) {
		return false
	}
	return w.Process(tr, ordinal, now)
}

// ConsumingWatcher is a blocked take, or a read under a transaction (which
// read-locks its entry). It resolves only by capturing an entry.
type ConsumingWatcher struct {
	query
	take bool
}

// NewConsuming creates a take watcher (take true) or a transactional read
// watcher.
func NewConsuming(cfg QueryConfig, take bool) *ConsumingWatcher {
	if !take && cfg.Txn == nil {
		panic("watch: consuming read without a transaction; use a read watcher")
	}
	return &ConsumingWatcher{query: newQuery(cfg), take: take}
}

// Take reports whether the watcher removes the entry it captures.
func (w *ConsumingWatcher) Take() bool { return w.take }

// IsInterested implements Watcher.
func (w *ConsumingWatcher) IsInterested(tr *Transition, ordinal uint64) bool {
	return ordinal > w.cfg.Start && tr.Available && tr.compatible(w.txnID()) && !w.resolved.Load()
}

// Process implements Watcher.
func (w *ConsumingWatcher) Process(tr *Transition, _ uint64, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.resolved.Load() {
		return false
	}
	if !w.cfg.Capturer.Capture(tr.Handle, w.cfg.Txn, w.take, now) {
		return false
	}
	w.resolveLocked(tr.Rep(), nil)
	return w.take
}

// CatchUp implements Watcher.
func (w *ConsumingWatcher) CatchUp(tr *Transition, ordinal uint64, now time.Time) bool {
	if !w.IsInterested(tr, ordinal) || !w.cfg.Template.Matches(tr.Rep()) {
		return false
	}
	return w.Process(tr, ordinal, now)
}

// IfExistsWatcher is a blocked read-if-exists or take-if-exists. At start
// the space found no capturable match but some matching entries locked by
// other transactions. The watcher resolves with the first of them (or any
// newer match) it manages to capture, or with nothing once all of them
// have left the space and the backlog since start has been replayed.
type IfExistsWatcher struct {
	query
	take     bool
	locked   map[string]struct{}
	caughtUp bool
}

// NewIfExists creates an if-exists watcher tracking the given locked
// entry ids.
func NewIfExists(cfg QueryConfig, take bool, locked []string) *IfExistsWatcher {
	w := &IfExistsWatcher{query: newQuery(cfg), take: take, locked: make(map[string]struct{}, len(locked))}
	for _, id := range locked {
		w.locked[id] = struct{}{}
	}
	return w
}

// consuming reports whether a capture by this watcher is a transactional
// or destructive one, which only needs the entry to be available.
func (w *IfExistsWatcher) consuming() bool {
	return w.take || w.cfg.Txn != nil
}

// IsInterested implements Watcher. Removals are always interesting since
// they may drain the locked set; membership is checked in Process.
//
// A read lock being released (available but not visible) is not
// interesting to a plain read: the entry was readable all along.
func (w *IfExistsWatcher) IsInterested(tr *Transition, ordinal uint64) bool {
	if ordinal <= w.cfg.Start || w.resolved.Load() {
		return false
	}
	if tr.IsRemoval() {
		return tr.Txn == ""
	}
	if w.consuming() {
		return tr.compatible(w.txnID())
	}
	return tr.Visible && tr.Txn == ""
}

// Process implements Watcher.
func (w *IfExistsWatcher) Process(tr *Transition, _ uint64, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.resolved.Load() {
		return false
	}

	id := tr.Handle.ID()
	if !tr.IsRemoval() && w.cfg.Capturer.Capture(tr.Handle, w.cfg.Txn, w.take, now) {
		w.resolveLocked(tr.Rep(), nil)
		return w.take
	}
	if _, tracked := w.locked[id]; tracked && !tr.Handle.Live(now) {
		delete(w.locked, id)
	}
	w.maybeDrainedLocked()
	return false
}

// CatchUp implements Watcher.
func (w *IfExistsWatcher) CatchUp(tr *Transition, ordinal uint64, now time.Time) bool {
	if !w.IsInterested(tr, ordinal) || !w.cfg.Template.Matches(tr.Rep()) {
		return false
	}
	return w.Process(tr, ordinal, now)
}

// CaughtUp implements CatchUpper. Until it is called an empty locked set
// proves nothing, since a replayed transition may still add a match.
func (w *IfExistsWatcher) CaughtUp(time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.caughtUp = true
	if !w.resolved.Load() {
		w.maybeDrainedLocked()
	}
}

func (w *IfExistsWatcher) maybeDrainedLocked() {
	if w.caughtUp && len(w.locked) == 0 {
		w.resolveLocked(nil, nil)
	}
}

// Pending returns how many locked entries the watcher still waits on.
func (w *IfExistsWatcher) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.locked)
}
