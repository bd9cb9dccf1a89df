package watch

import (
	"fmt"
	"sync"

	"github.com/pfirmstone/JGDMS-sub001/internal/holder"
	"github.com/pfirmstone/JGDMS-sub001/internal/ir"
)

// Transition is an immutable description of one status change of one
// entry. Txn is the transaction the change is visible under; "" means
// everyone sees it.
type Transition struct {
	Handle    *holder.Handle
	Available bool
	Visible   bool
	NewEntry  bool
	Txn       string

	mu        sync.Mutex
	processed map[string]struct{}
}

// NewTransition builds a transition. It panics if the flags break
// visible ⟹ available or new ⟹ visible.
func NewTransition(h *holder.Handle, available, visible, newEntry bool, txn string) *Transition {
	if visible && !available {
		panic(fmt.Sprintf("watch: transition for %s visible but not available", h.ID()))
	}
	if newEntry && !visible {
		panic(fmt.Sprintf("watch: transition for %s new but not visible", h.ID()))
	}
	return &Transition{Handle: h, Available: available, Visible: visible, NewEntry: newEntry, Txn: txn}
}

// Written is the transition of a freshly written entry.
func Written(h *holder.Handle, txn string) *Transition {
	return NewTransition(h, true, true, true, txn)
}

// Removal is the transition of an entry leaving the space.
func Removal(h *holder.Handle, txn string) *Transition {
	return NewTransition(h, false, false, false, txn)
}

// ForResolution returns the transition announcing a transaction outcome on
// an entry, or nil for holder.None.
func ForResolution(h *holder.Handle, r holder.Resolution) *Transition {
	switch r {
	case holder.Published:
		return NewTransition(h, true, true, true, "")
	case holder.Restored:
		return NewTransition(h, true, true, false, "")
	case holder.Released:
		return NewTransition(h, true, false, false, "")
	case holder.Removed:
		return Removal(h, "")
	default:
		return nil
	}
}

// Rep returns the entry that changed.
func (t *Transition) Rep() *ir.EntryRep { return t.Handle.Rep() }

// IsRemoval reports whether the entry left the space (as far as Txn can
// tell).
func (t *Transition) IsRemoval() bool { return !t.Available }

// Kind names the transition for logs and traces.
func (t *Transition) Kind() string {
	switch {
	case t.NewEntry:
		return "new"
	case t.Visible:
		return "restored"
	case t.Available:
		return "released"
	default:
		return "removed"
	}
}

// MarkProcessed records that registration id has handled the transition.
// It returns false if it already had, so a transition replayed during
// catch-up is never delivered twice.
func (t *Transition) MarkProcessed(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.processed[id]; ok {
		return false
	}
	if t.processed == nil {
		t.processed = make(map[string]struct{})
	}
	t.processed[id] = struct{}{}
	return true
}

// compatible reports whether a change visible under tr.Txn can be seen by
// an operation under txnID.
func (t *Transition) compatible(txnID string) bool {
	return t.Txn == "" || t.Txn == txnID
}
