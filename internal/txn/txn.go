// Package txn tracks the transactions the space participates in.
//
// A Txn records everything the space did under one transaction: the
// entries it wrote, read-locked or provisionally removed, and the
// participants (blocked queries, event registrations) that must learn when
// the transaction ends. The space drives a Txn through the two-phase commit
// callbacks it receives from the coordinator.
package txn

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pfirmstone/JGDMS-sub001/internal/holder"
)

var (
	// ErrTransactionEnded is the outcome of a query whose transaction ended
	// while it was still waiting.
	ErrTransactionEnded = errors.New("transaction ended while operation in progress")

	// ErrUnknownTransaction is returned for a transaction the space has no
	// record of.
	ErrUnknownTransaction = errors.New("unknown transaction")

	// ErrCannotJoin is returned when new work is started under a transaction
	// that is no longer active.
	ErrCannotJoin = errors.New("cannot join transaction")
)

// Vote is a participant's answer to prepare.
type Vote int

const (
	// NotChanged means the participant holds no state needing a commit.
	NotChanged Vote = iota
	// Prepared means the participant is ready to commit.
	Prepared
	// Aborted means the participant cannot commit.
	Aborted
)

func (v Vote) String() string {
	switch v {
	case Prepared:
		return "prepared"
	case Aborted:
		return "aborted"
	default:
		return "not_changed"
	}
}

// State is the lifecycle state of a transaction.
type State int

const (
	Active State = iota
	PreparedState
	Committed
	AbortedState
)

func (s State) String() string {
	switch s {
	case PreparedState:
		return "prepared"
	case Committed:
		return "committed"
	case AbortedState:
		return "aborted"
	default:
		return "active"
	}
}

// Transactable is something whose fate is tied to a transaction.
//
// Prepare returning NotChanged means Commit will never be called; Abort may
// be called at any time before Commit.
type Transactable interface {
	Prepare(t *Txn) Vote
	Commit(t *Txn)
	Abort(t *Txn)
}

// LockKind says how a transaction holds an entry.
type LockKind int

const (
	WriteLock LockKind = iota + 1
	ReadLock
	TakeLock
)

func (k LockKind) String() string {
	switch k {
	case WriteLock:
		return "write"
	case ReadLock:
		return "read"
	case TakeLock:
		return "take"
	default:
		return "unknown"
	}
}

// Change is the effect of a transaction's end on one entry.
type Change struct {
	Handle     *holder.Handle
	Resolution holder.Resolution
}

// Txn is one transaction as seen by the space.
type Txn struct {
	id string

	mu          sync.Mutex
	state       State
	parts       []Transactable
	votes       []Vote
	locks       map[string]*holder.Handle // every entry this txn holds
	kinds       map[string]LockKind       // strongest lock per entry
	provisional map[string]*holder.Handle // entries taken under this txn
}

// New creates an active transaction.
func New(id string) *Txn {
	return &Txn{
		id:          id,
		locks:       make(map[string]*holder.Handle),
		kinds:       make(map[string]LockKind),
		provisional: make(map[string]*holder.Handle),
	}
}

// ID returns the transaction id.
func (t *Txn) ID() string { return t.id }

// State returns the current state.
func (t *Txn) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Join adds a participant. It fails with ErrCannotJoin once the
// transaction has left the active state.
func (t *Txn) Join(p Transactable) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Active {
		return fmt.Errorf("%w: %s is %s", ErrCannotJoin, t.id, t.state)
	}
	t.parts = append(t.parts, p)
	return nil
}

// Leave removes a participant that finished on its own, such as a query
// that resolved before the transaction ended.
func (t *Txn) Leave(p Transactable) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, q := range t.parts {
		if q == p {
			t.parts = append(t.parts[:i], t.parts[i+1:]...)
			return
		}
	}
}

// Lock records that the transaction holds h. A take lock also puts the
// entry in the transaction's provisional-removal set.
func (t *Txn) Lock(h *holder.Handle, kind LockKind) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Active && t.state != PreparedState {
		return fmt.Errorf("%w: %s is %s", ErrCannotJoin, t.id, t.state)
	}
	t.locks[h.ID()] = h
	if kind > t.kinds[h.ID()] {
		t.kinds[h.ID()] = kind
	}
	if kind == TakeLock {
		t.provisional[h.ID()] = h
	}
	return nil
}

// ProvisionallyRemoved reports whether the entry was taken under this
// transaction and the take is not yet committed.
func (t *Txn) ProvisionallyRemoved(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.provisional[id]
	return ok
}

// Provisional returns the provisional-removal set.
func (t *Txn) Provisional() []*holder.Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return sortedHandles(t.provisional)
}

// Locked returns every entry the transaction holds and how.
func (t *Txn) Locked() map[*holder.Handle]LockKind {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[*holder.Handle]LockKind, len(t.locks))
	for id, h := range t.locks {
		out[h] = t.kinds[id]
	}
	return out
}

// Prepare asks every participant to prepare and returns the combined
// vote: Prepared if the transaction holds entries or any participant
// prepared, NotChanged otherwise. A transaction that is not active votes
// Aborted, unless it is already prepared.
func (t *Txn) Prepare() Vote {
	t.mu.Lock()
	switch t.state {
	case PreparedState:
		t.mu.Unlock()
		return Prepared
	case Active:
	default:
		t.mu.Unlock()
		return Aborted
	}
	parts := append([]Transactable(nil), t.parts...)
	t.mu.Unlock()

	votes := make([]Vote, len(parts))
	result := NotChanged
	for i, p := range parts {
		votes[i] = p.Prepare(t)
		switch votes[i] {
		case Prepared:
			if result == NotChanged {
				result = Prepared
			}
		case Aborted:
			result = Aborted
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Active {
		// Aborted while the participants were voting.
		return Aborted
	}
	t.parts, t.votes = parts, votes
	if result == Aborted {
		return Aborted
	}
	if len(t.locks) > 0 {
		result = Prepared
	}
	if result == Prepared {
		t.state = PreparedState
	} else {
		// Nothing to commit; the transaction is finished for this space.
		t.state = Committed
	}
	return result
}

// MarkPrepared moves a recovered transaction straight to the prepared
// state.
func (t *Txn) MarkPrepared() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = PreparedState
}

// Commit ends the transaction successfully. Participants that voted
// Prepared are committed, and every held entry is resolved. The returned
// changes tell the caller which transitions to announce.
//
// An active transaction is prepared first, with t.mu released while the
// participants vote. An Abort that lands in that window makes Prepare vote
// Aborted; one that lands after Prepare returns is caught by the state
// check below. Either way Commit fails and nothing is committed.
func (t *Txn) Commit() ([]Change, error) {
	t.mu.Lock()
	if t.state == Active {
		t.mu.Unlock()
		if v := t.Prepare(); v == Aborted {
			return nil, fmt.Errorf("commit %s: participant voted aborted", t.id)
		}
		t.mu.Lock()
	}
	switch t.state {
	case Committed:
		// Prepare found nothing to commit, or commit was repeated.
		t.mu.Unlock()
		return nil, nil
	case AbortedState:
		t.mu.Unlock()
		return nil, fmt.Errorf("commit %s: transaction already aborted", t.id)
	}
	t.state = Committed
	parts, votes := t.parts, t.votes
	handles := sortedHandles(t.locks)
	t.provisional = make(map[string]*holder.Handle)
	t.mu.Unlock()

	for i, p := range parts {
		if i < len(votes) && votes[i] == Prepared {
			p.Commit(t)
		}
	}
	changes := make([]Change, 0, len(handles))
	for _, h := range handles {
		if r := h.Commit(t.id); r != holder.None {
			changes = append(changes, Change{Handle: h, Resolution: r})
		}
	}
	return changes, nil
}

// Abort ends the transaction unsuccessfully: every participant is aborted
// and every held entry rolled back. Aborting a finished transaction is a
// no-op.
func (t *Txn) Abort() []Change {
	t.mu.Lock()
	if t.state == Committed || t.state == AbortedState {
		t.mu.Unlock()
		return nil
	}
	t.state = AbortedState
	parts := t.parts
	handles := sortedHandles(t.locks)
	t.provisional = make(map[string]*holder.Handle)
	t.mu.Unlock()

	for _, p := range parts {
		p.Abort(t)
	}
	changes := make([]Change, 0, len(handles))
	for _, h := range handles {
		if r := h.Abort(t.id); r != holder.None {
			changes = append(changes, Change{Handle: h, Resolution: r})
		}
	}
	return changes
}

func sortedHandles(m map[string]*holder.Handle) []*holder.Handle {
	out := make([]*holder.Handle, 0, len(m))
	for _, h := range m {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Manager is the table of transactions known to the space. Finished
// transactions leave an ended record behind until Reap drops it, so late
// work under them is refused instead of starting a fresh transaction.
type Manager struct {
	mu    sync.Mutex
	txns  map[string]*Txn
	ended map[string]endedTxn
}

type endedTxn struct {
	state State
	at    time.Time
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{
		txns:  make(map[string]*Txn),
		ended: make(map[string]endedTxn),
	}
}

// Join returns the active transaction id, creating it on first use.
func (m *Manager) Join(id string) (*Txn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.txns[id]; ok {
		if s := t.State(); s != Active {
			return nil, fmt.Errorf("%w: %s is %s", ErrCannotJoin, id, s)
		}
		return t, nil
	}
	if e, ok := m.ended[id]; ok {
		return nil, fmt.Errorf("%w: %s is %s", ErrCannotJoin, id, e.state)
	}
	t := New(id)
	m.txns[id] = t
	return t, nil
}

// Get returns a known transaction. Ended transactions are unknown.
func (m *Manager) Get(id string) (*Txn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txns[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTransaction, id)
	}
	return t, nil
}

// Put installs a transaction rebuilt during recovery.
func (m *Manager) Put(t *Txn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txns[t.id] = t
	delete(m.ended, t.id)
}

// Forget drops a finished transaction, keeping an ended record stamped
// with at.
func (m *Manager) Forget(id string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txns[id]
	if !ok {
		return
	}
	delete(m.txns, id)
	m.ended[id] = endedTxn{state: t.State(), at: at}
}

// Reap drops ended records stamped before cutoff and returns how many
// went.
func (m *Manager) Reap(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, e := range m.ended {
		if e.at.Before(cutoff) {
			delete(m.ended, id)
			n++
		}
	}
	return n
}

// Ended returns the number of ended records still held.
func (m *Manager) Ended() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ended)
}

// Len returns the number of live transactions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.txns)
}

// Pending returns the ids of transactions that are prepared but not yet
// resolved, sorted.
func (m *Manager) Pending() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, t := range m.txns {
		if t.State() == PreparedState {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
