// Package holder stores the live entries of the space.
//
// Entries are grouped per exact type into a Holder. A Holder is an
// append-mostly slice of handles with logical deletion; Reap compacts
// removed handles out. Scans iterate a snapshot of the slice, so they never
// block concurrent adds or removals and never see a half-compacted slice.
package holder

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/immutable"
	"github.com/cespare/xxhash/v2"
)

// Holder is the collection of entries of one exact type.
type Holder struct {
	typeName string

	mu      sync.Mutex
	handles []*Handle
}

func newHolder(typeName string) *Holder {
	return &Holder{typeName: typeName, handles: make([]*Handle, 0, 16)}
}

// TypeName returns the exact type held.
func (h *Holder) TypeName() string { return h.typeName }

// Add appends an entry.
// Thread-safe: may be called concurrently with scans and Reap.
func (h *Holder) Add(handle *Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handles = append(h.handles, handle)
}

// Snapshot returns the handles present now. The returned slice must not be
// modified; removed handles may still appear in it and callers filter them.
func (h *Holder) Snapshot() []*Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.handles[:len(h.handles):len(h.handles)]
}

// Len returns the number of handles, removed ones not yet reaped included.
func (h *Holder) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.handles)
}

// Reap compacts removed handles out of the holder and returns the handles
// it dropped. The compacted slice is freshly allocated so snapshots already
// handed out stay intact.
func (h *Holder) Reap() []*Handle {
	h.mu.Lock()
	defer h.mu.Unlock()

	var dropped []*Handle
	kept := make([]*Handle, 0, len(h.handles))
	for _, handle := range h.handles {
		if handle.IsRemoved() {
			dropped = append(dropped, handle)
			continue
		}
		kept = append(kept, handle)
	}
	if len(dropped) > 0 {
		h.handles = kept
	}
	return dropped
}

// Set maps exact type names to holders and entry ids to handles.
//
// Lookups of existing holders read an immutable snapshot without locking;
// only creating a holder for a new type takes the set's lock.
type Set struct {
	mu      sync.Mutex
	holders atomic.Pointer[immutable.Map[string, *Holder]]

	idMu sync.RWMutex
	byID map[string]*Handle
}

// NewSet creates an empty set.
func NewSet() *Set {
	s := &Set{byID: make(map[string]*Handle)}
	s.holders.Store(immutable.NewMap[string, *Holder](typeHasher{}))
	return s
}

// Get returns the holder for typeName, creating it if absent.
func (s *Set) Get(typeName string) *Holder {
	if h, ok := s.holders.Load().Get(typeName); ok {
		return h
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.holders.Load()
	if h, ok := m.Get(typeName); ok {
		return h
	}
	h := newHolder(typeName)
	s.holders.Store(m.Set(typeName, h))
	return h
}

// Lookup returns the holder for typeName without creating one.
func (s *Set) Lookup(typeName string) (*Holder, bool) {
	return s.holders.Load().Get(typeName)
}

// Add stores handle in its type's holder and indexes it by id.
func (s *Set) Add(handle *Handle) {
	s.idMu.Lock()
	s.byID[handle.ID()] = handle
	s.idMu.Unlock()
	s.Get(handle.Rep().Type).Add(handle)
}

// Remove marks the handle removed. Removing an already removed handle is a
// no-op and reports false.
func (s *Set) Remove(handle *Handle) bool {
	return handle.Remove()
}

// ByID returns the live or not-yet-reaped handle with the given id.
func (s *Set) ByID(id string) (*Handle, bool) {
	s.idMu.RLock()
	defer s.idMu.RUnlock()
	h, ok := s.byID[id]
	return h, ok
}

// Holders returns a snapshot of every holder.
func (s *Set) Holders() []*Holder {
	m := s.holders.Load()
	out := make([]*Holder, 0, m.Len())
	itr := m.Iterator()
	for !itr.Done() {
		_, h, _ := itr.Next()
		out = append(out, h)
	}
	return out
}

// Expired marks every live entry whose lease ran out by now as removed
// and returns those entries. Callers log and announce the removals.
func (s *Set) Expired(now time.Time) []*Handle {
	var out []*Handle
	for _, h := range s.Holders() {
		for _, handle := range h.Snapshot() {
			if !handle.IsRemoved() && handle.IsExpired(now) && handle.Remove() {
				out = append(out, handle)
			}
		}
	}
	return out
}

// Reap compacts every holder and forgets the ids of dropped handles. It
// returns the number of handles dropped. Running it twice in a row drops
// nothing the second time.
func (s *Set) Reap() int {
	n := 0
	for _, h := range s.Holders() {
		dropped := h.Reap()
		if len(dropped) == 0 {
			continue
		}
		s.idMu.Lock()
		for _, handle := range dropped {
			if s.byID[handle.ID()] == handle {
				delete(s.byID, handle.ID())
			}
		}
		s.idMu.Unlock()
		n += len(dropped)
	}
	return n
}

// Len returns the number of indexed entries, removed ones not yet reaped
// included.
func (s *Set) Len() int {
	s.idMu.RLock()
	defer s.idMu.RUnlock()
	return len(s.byID)
}

type typeHasher struct{}

func (typeHasher) Hash(key string) uint32 { return uint32(xxhash.Sum64String(key)) }

func (typeHasher) Equal(a, b string) bool { return a == b }
