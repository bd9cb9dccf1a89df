package holder

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pfirmstone/JGDMS-sub001/internal/ir"
)

// Resolution says what an entry's status change means for watchers. The
// space turns each non-None resolution into one transition.
type Resolution int

const (
	// None means the change is invisible outside the transaction.
	None Resolution = iota
	// Published means an entry written under a transaction was committed and
	// is now visible to everyone as a new entry.
	Published
	// Restored means a provisional take was rolled back; the entry is
	// visible and available again but is not new.
	Restored
	// Released means the last read lock went away; the entry, already
	// visible, is available for take again.
	Released
	// Removed means the entry left the space.
	Removed
)

func (r Resolution) String() string {
	switch r {
	case Published:
		return "published"
	case Restored:
		return "restored"
	case Released:
		return "released"
	case Removed:
		return "removed"
	default:
		return "none"
	}
}

// Handle carries the mutable status of one stored entry: its lease and the
// transaction locks on it. The wrapped EntryRep never changes.
//
// Every method is safe for concurrent use. Status checks and updates happen
// under the handle's own mutex, so unrelated entries never contend.
type Handle struct {
	rep *ir.EntryRep

	expires atomic.Int64 // unix nanos, 0 = never
	removed atomic.Bool  // readable without the lock for fast scans

	mu       sync.Mutex
	writeTxn string              // uncommitted writer; "" once committed
	takeTxn  string              // provisional taker
	readTxns map[string]struct{} // transactional readers
}

// NewHandle wraps rep. writeTxn is the transaction the entry was written
// under, or "" for a committed entry.
func NewHandle(rep *ir.EntryRep, writeTxn string) *Handle {
	h := &Handle{rep: rep, writeTxn: writeTxn}
	if !rep.Expiration.IsZero() {
		h.expires.Store(rep.Expiration.UnixNano())
	}
	return h
}

// Rep returns the immutable entry.
func (h *Handle) Rep() *ir.EntryRep { return h.rep }

// ID returns the entry id.
func (h *Handle) ID() string { return h.rep.ID }

// Expiration returns the current lease expiration; zero means never.
func (h *Handle) Expiration() time.Time {
	n := h.expires.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// SetExpiration renews the entry's lease.
func (h *Handle) SetExpiration(t time.Time) {
	if t.IsZero() {
		h.expires.Store(0)
		return
	}
	h.expires.Store(t.UnixNano())
}

// IsExpired reports whether the lease has run out at now.
func (h *Handle) IsExpired(now time.Time) bool {
	n := h.expires.Load()
	return n != 0 && now.UnixNano() >= n
}

// IsRemoved reports whether the entry has left the space.
func (h *Handle) IsRemoved() bool { return h.removed.Load() }

// Live reports whether the entry is neither removed nor expired.
func (h *Handle) Live(now time.Time) bool {
	return !h.IsRemoved() && !h.IsExpired(now)
}

// Remove takes the entry out of the space regardless of locks, as lease
// cancellation and expiry do. It reports whether this call removed it.
func (h *Handle) Remove() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.markRemovedLocked()
}

func (h *Handle) markRemovedLocked() bool {
	if h.removed.Load() {
		return false
	}
	h.removed.Store(true)
	h.takeTxn = ""
	h.writeTxn = ""
	h.readTxns = nil
	return true
}

// WriteTxn returns the uncommitted writer of the entry, if any.
func (h *Handle) WriteTxn() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.writeTxn
}

// Capture outcomes.
type CaptureResult int

const (
	// Refused means a conflicting lock, removal or expiry prevented capture.
	Refused CaptureResult = iota
	// Read means the entry may be returned without changing its status.
	Read
	// ReadLocked means txn now holds a read lock on the entry.
	ReadLocked
	// TakeLocked means txn provisionally removed the entry.
	TakeLocked
	// Taken means the entry was permanently removed.
	Taken
)

// OK reports whether the capture succeeded.
func (r CaptureResult) OK() bool { return r != Refused }

// Capture atomically checks and applies a read or take of the entry on
// behalf of txn ("" for no transaction):
//
//	existing lock        | read ""  | take ""  | read T   | take T
//	none                 | ok       | removes  | locks    | locks
//	written by T         | no       | no       | ok       | locks
//	read-locked (others) | ok       | no       | locks    | only if T is the sole reader
//	take-locked          | no       | no       | no       | no
//	removed / expired    | no       | no       | no       | no
func (h *Handle) Capture(txn string, take bool, now time.Time) CaptureResult {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.removed.Load() || h.IsExpired(now) || h.takeTxn != "" {
		return Refused
	}
	if h.writeTxn != "" && h.writeTxn != txn {
		return Refused
	}

	switch {
	case txn == "" && !take:
		return Read
	case txn == "" && take:
		if len(h.readTxns) > 0 {
			return Refused
		}
		h.markRemovedLocked()
		return Taken
	case !take:
		if h.writeTxn == txn {
			// The writer already sees its own entry; no lock needed.
			return Read
		}
		if h.readTxns == nil {
			h.readTxns = make(map[string]struct{})
		}
		h.readTxns[txn] = struct{}{}
		return ReadLocked
	default:
		for r := range h.readTxns {
			if r != txn {
				return Refused
			}
		}
		h.takeTxn = txn
		return TakeLocked
	}
}

// CanCapture reports whether Capture would succeed, without changing
// anything.
func (h *Handle) CanCapture(txn string, take bool, now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.removed.Load() || h.IsExpired(now) || h.takeTxn != "" {
		return false
	}
	if h.writeTxn != "" && h.writeTxn != txn {
		return false
	}
	if !take {
		return true
	}
	for r := range h.readTxns {
		if r != txn {
			return false
		}
	}
	return true
}

// Blocked reports whether the entry is live but held by a transaction
// lock that prevents txn from capturing it now. Such an entry may still
// become capturable when the other transaction ends.
func (h *Handle) Blocked(txn string, take bool, now time.Time) bool {
	if !h.Live(now) {
		return false
	}
	return !h.CanCapture(txn, take, now)
}

// VisibleTo reports whether a read under txn could see the entry at all,
// ignoring read locks. Used for snapshot reads.
func (h *Handle) VisibleTo(txn string, now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.removed.Load() || h.IsExpired(now) {
		return false
	}
	if h.takeTxn != "" {
		return false
	}
	return h.writeTxn == "" || h.writeTxn == txn
}

// Commit applies the end of txn to the entry and reports what changed.
func (h *Handle) Commit(txn string) Resolution {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.removed.Load() {
		return None
	}
	delete(h.readTxns, txn)
	switch {
	case h.writeTxn == txn && h.takeTxn == txn:
		h.markRemovedLocked()
		return Removed
	case h.writeTxn == txn:
		h.writeTxn = ""
		return Published
	case h.takeTxn == txn:
		h.markRemovedLocked()
		return Removed
	}
	return h.releasedLocked()
}

// Abort rolls back txn's hold on the entry and reports what changed.
func (h *Handle) Abort(txn string) Resolution {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.removed.Load() {
		return None
	}
	delete(h.readTxns, txn)
	switch {
	case h.writeTxn == txn:
		h.markRemovedLocked()
		return Removed
	case h.takeTxn == txn:
		h.takeTxn = ""
		if len(h.readTxns) == 0 {
			h.readTxns = nil
		}
		return Restored
	}
	return h.releasedLocked()
}

// Release undoes a lock that Capture granted to txn but that txn could not
// record because it had already ended.
func (h *Handle) Release(txn string, take bool) Resolution {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.removed.Load() {
		return None
	}
	if take {
		if h.takeTxn != txn {
			return None
		}
		h.takeTxn = ""
		return Restored
	}
	delete(h.readTxns, txn)
	return h.releasedLocked()
}

// releasedLocked reports Released when no read locks remain after a
// reader's transaction ended.
func (h *Handle) releasedLocked() Resolution {
	if len(h.readTxns) == 0 && h.readTxns != nil {
		h.readTxns = nil
		return Released
	}
	return None
}

// Locks returns the transactions holding any lock on the entry.
func (h *Handle) Locks() (write, take string, reads []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for r := range h.readTxns {
		reads = append(reads, r)
	}
	return h.writeTxn, h.takeTxn, reads
}

// Relock restores locks rebuilt from the log during recovery.
func (h *Handle) Relock(txn string, take bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if take {
		h.takeTxn = txn
		return
	}
	if h.readTxns == nil {
		h.readTxns = make(map[string]struct{})
	}
	h.readTxns[txn] = struct{}{}
}
