package watch

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/immutable"
	"github.com/cespare/xxhash/v2"
	"github.com/tidwall/btree"

	"github.com/pfirmstone/JGDMS-sub001/internal/ir"
)

// FieldCounter reports the declared field count of a type. The index uses
// it to build the hash filter of new templates.
type FieldCounter interface {
	FieldCount(typeName string) (int, bool)
}

// TemplateHandle groups the watchers registered against one distinct
// template value.
type TemplateHandle struct {
	key  string
	tmpl ir.Template
	hash ir.TemplateHash

	mu       sync.Mutex
	watchers map[Watcher]struct{}
	detached bool
}

// Template returns the template value.
func (h *TemplateHandle) Template() ir.Template { return h.tmpl }

// Len returns the number of watchers registered.
func (h *TemplateHandle) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.watchers)
}

// collect adds the watchers interested in tr to into.
func (h *TemplateHandle) collect(tr *Transition, ordinal uint64, into *btree.BTreeG[Watcher]) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for w := range h.watchers {
		if w.IsInterested(tr, ordinal) {
			into.Set(w)
		}
	}
}

// group holds the template handles of one exact template type.
type group struct {
	typeName string

	mu      sync.Mutex
	handles map[string]*TemplateHandle
}

func (g *group) snapshot() []*TemplateHandle {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*TemplateHandle, 0, len(g.handles))
	for _, h := range g.handles {
		out = append(out, h)
	}
	return out
}

// Index is the template index and transition broadcaster.
type Index struct {
	counts FieldCounter

	mu     sync.Mutex // creating groups
	groups atomic.Pointer[immutable.Map[string, *group]]

	watchers atomic.Int64
}

// NewIndex creates an empty index.
func NewIndex(counts FieldCounter) *Index {
	idx := &Index{counts: counts}
	idx.groups.Store(immutable.NewMap[string, *group](keyHasher{}))
	return idx
}

func (idx *Index) group(typeName string, create bool) *group {
	if g, ok := idx.groups.Load().Get(typeName); ok || !create {
		return g
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	m := idx.groups.Load()
	if g, ok := m.Get(typeName); ok {
		return g
	}
	g := &group{typeName: typeName, handles: make(map[string]*TemplateHandle)}
	idx.groups.Store(m.Set(typeName, g))
	return g
}

// Register adds w under its template. When Register returns, every
// Broadcast that starts afterwards sees w.
func (idx *Index) Register(w Watcher) error {
	tmpl := w.Template()
	key, err := ir.TemplateKey(tmpl)
	if err != nil {
		return fmt.Errorf("register watcher %s: %w", w.ID(), err)
	}
	g := idx.group(tmpl.Type, true)

	for {
		g.mu.Lock()
		h, ok := g.handles[key]
		if !ok {
			n, known := 0, false
			if idx.counts != nil {
				n, known = idx.counts.FieldCount(tmpl.Type)
			}
			th, err := ir.NewTemplateHash(tmpl, n, known)
			if err != nil {
				g.mu.Unlock()
				return fmt.Errorf("register watcher %s: %w", w.ID(), err)
			}
			h = &TemplateHandle{key: key, tmpl: tmpl, hash: th, watchers: make(map[Watcher]struct{})}
			g.handles[key] = h
		}
		g.mu.Unlock()

		h.mu.Lock()
		if h.detached {
			// Reaped between lookup and lock; look again.
			h.mu.Unlock()
			continue
		}
		h.watchers[w] = struct{}{}
		w.attach(h)
		h.mu.Unlock()
		idx.watchers.Add(1)
		return nil
	}
}

// Remove detaches a resolved or cancelled watcher from its template
// handle. The watcher must have been registered.
func (idx *Index) Remove(w Watcher) {
	h := w.handle()
	if h == nil {
		panic(fmt.Sprintf("watch: watcher %s removed without a template handle", w.ID()))
	}
	h.mu.Lock()
	_, ok := h.watchers[w]
	delete(h.watchers, w)
	h.mu.Unlock()
	if ok {
		idx.watchers.Add(-1)
	}
}

// Broadcast returns the watchers interested in tr, in OrderKey order. It
// visits the groups for the entry's exact type, each supertype and the
// wildcard type; within a group only templates passing the hash filter and
// a full match are considered.
func (idx *Index) Broadcast(tr *Transition, ordinal uint64) []Watcher {
	rep := tr.Rep()
	set := btree.NewBTreeGOptions(func(a, b Watcher) bool {
		return a.Key().Less(b.Key())
	}, btree.Options{NoLocks: true})

	visit := func(typeName string, level int) {
		g := idx.group(typeName, false)
		if g == nil {
			return
		}
		for _, h := range g.snapshot() {
			if level >= 0 && !h.hash.MayMatch(rep, level) {
				continue
			}
			if !h.tmpl.Matches(rep) {
				continue
			}
			h.collect(tr, ordinal, set)
		}
	}

	for level, typeName := range rep.Chain() {
		visit(typeName, level)
	}
	visit(ir.AnyType, -1)

	out := make([]Watcher, 0, set.Len())
	set.Scan(func(w Watcher) bool {
		out = append(out, w)
		return true
	})
	return out
}

// Reap detaches watchers that resolved, were cancelled or expired, then
// drops template handles left empty. It returns the number of watchers
// detached. A second Reap with no registrations in between detaches
// nothing.
func (idx *Index) Reap(now time.Time) int {
	removed := 0
	itr := idx.groups.Load().Iterator()
	for !itr.Done() {
		_, g, _ := itr.Next()
		g.mu.Lock()
		for key, h := range g.handles {
			h.mu.Lock()
			for w := range h.watchers {
				if w.Detachable(now) {
					delete(h.watchers, w)
					removed++
				}
			}
			if len(h.watchers) == 0 {
				h.detached = true
				delete(g.handles, key)
			}
			h.mu.Unlock()
		}
		g.mu.Unlock()
	}
	if removed > 0 {
		idx.watchers.Add(int64(-removed))
		slog.Debug("reaped watchers", "count", removed)
	}
	return removed
}

// Len returns the number of registered watchers.
func (idx *Index) Len() int { return int(idx.watchers.Load()) }

// Templates returns the number of distinct templates registered.
func (idx *Index) Templates() int {
	n := 0
	itr := idx.groups.Load().Iterator()
	for !itr.Done() {
		_, g, _ := itr.Next()
		g.mu.Lock()
		n += len(g.handles)
		g.mu.Unlock()
	}
	return n
}

type keyHasher struct{}

func (keyHasher) Hash(key string) uint32 { return uint32(xxhash.Sum64String(key)) }

func (keyHasher) Equal(a, b string) bool { return a == b }
