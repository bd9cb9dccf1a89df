// Package typetree records the entry type hierarchy observed by the space.
//
// The tree maps every known type name to its direct subtypes. Edges are
// added as types are declared or first written and are never removed. Reads
// run against an immutable snapshot and never block writers.
package typetree

import (
	"iter"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/immutable"
	"github.com/cespare/xxhash/v2"

	"github.com/pfirmstone/JGDMS-sub001/internal/ir"
)

// node is one type in the tree. Nodes are values inside the immutable map;
// updating one means storing a modified copy.
type node struct {
	parent   string
	subtypes []string
	fields   int // declared field count, inherited fields included; -1 if unknown
}

// Tree is the type index. The zero value is not usable; use New.
type Tree struct {
	mu   sync.Mutex // serialises writers
	snap atomic.Pointer[immutable.Map[string, node]]
}

// New returns a tree holding only the AnyType root.
func New() *Tree {
	m := immutable.NewMap[string, node](stringHasher{})
	m = m.Set(ir.AnyType, node{fields: 0})
	t := &Tree{}
	t.snap.Store(m)
	return t
}

// Declare records a declared type. The parent must already be known unless
// it is AnyType. Re-declaring a type is a no-op; the first declaration wins.
func (t *Tree) Declare(decl ir.TypeDecl) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	m := t.snap.Load()
	if _, ok := m.Get(decl.Name); ok || decl.Name == ir.AnyType {
		return false
	}
	parent, ok := m.Get(decl.Extends)
	if !ok {
		return false
	}
	fields := -1
	if parent.fields >= 0 {
		fields = parent.fields + len(decl.Fields)
	}
	m = m.Set(decl.Name, node{parent: decl.Extends, fields: fields})
	m = addSubtype(m, decl.Extends, decl.Name)
	t.snap.Store(m)
	return true
}

// Record registers the chain typeName → supertypes[0] → ... → AnyType.
// fieldCount is the number of fields observed on an instance of typeName;
// it becomes the type's field count if none is known yet. Edges already
// present are left untouched, so the first registration wins.
func (t *Tree) Record(typeName string, supertypes []string, fieldCount int) {
	if typeName == ir.AnyType {
		return
	}
	if n, ok := t.snap.Load().Get(typeName); ok && n.fields >= 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	m := t.snap.Load()
	chain := make([]string, 0, len(supertypes)+2)
	chain = append(chain, typeName)
	chain = append(chain, supertypes...)
	chain = append(chain, ir.AnyType)

	changed := false
	// Walk root-first so parents exist before their children.
	for i := len(chain) - 2; i >= 0; i-- {
		child, parent := chain[i], chain[i+1]
		if _, ok := m.Get(child); ok {
			continue
		}
		m = m.Set(child, node{parent: parent, fields: -1})
		m = addSubtype(m, parent, child)
		changed = true
	}
	if n, _ := m.Get(typeName); n.fields < 0 {
		n.fields = fieldCount
		m = m.Set(typeName, n)
		changed = true
	}
	if changed {
		t.snap.Store(m)
	}
}

func addSubtype(m *immutable.Map[string, node], parent, child string) *immutable.Map[string, node] {
	p, _ := m.Get(parent)
	subs := make([]string, len(p.subtypes), len(p.subtypes)+1)
	copy(subs, p.subtypes)
	p.subtypes = append(subs, child)
	return m.Set(parent, p)
}

// Known reports whether typeName has been recorded.
func (t *Tree) Known(typeName string) bool {
	_, ok := t.snap.Load().Get(typeName)
	return ok
}

// FieldCount returns the field count of typeName, if known.
func (t *Tree) FieldCount(typeName string) (int, bool) {
	n, ok := t.snap.Load().Get(typeName)
	if !ok || n.fields < 0 {
		return 0, false
	}
	return n.fields, true
}

// Supertypes returns the recorded ancestors of typeName, nearest first,
// without AnyType.
func (t *Tree) Supertypes(typeName string) []string {
	m := t.snap.Load()
	var out []string
	n, ok := m.Get(typeName)
	for ok && n.parent != ir.AnyType {
		out = append(out, n.parent)
		n, ok = m.Get(n.parent)
	}
	return out
}

// Len returns the number of known types, AnyType excluded.
func (t *Tree) Len() int {
	return t.snap.Load().Len() - 1
}

// SubtypesOf returns typeName and every known direct or indirect subtype in
// a fresh random order. The set is fixed when the sequence is created; the
// order is drawn lazily while it is consumed, so a caller that stops early
// pays only for what it used. AnyType itself is never yielded.
func (t *Tree) SubtypesOf(typeName string) iter.Seq[string] {
	m := t.snap.Load()
	var types []string
	if _, ok := m.Get(typeName); ok {
		stack := []string{typeName}
		for len(stack) > 0 {
			name := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if name != ir.AnyType {
				types = append(types, name)
			}
			n, _ := m.Get(name)
			stack = append(stack, n.subtypes...)
		}
	}

	return func(yield func(string) bool) {
		rng := rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
		order := append([]string(nil), types...)
		for i := range order {
			j := i + rng.IntN(len(order)-i)
			order[i], order[j] = order[j], order[i]
			if !yield(order[i]) {
				return
			}
		}
	}
}

// stringHasher hashes map keys with xxhash.
type stringHasher struct{}

func (stringHasher) Hash(key string) uint32 {
	return uint32(xxhash.Sum64String(key))
}

func (stringHasher) Equal(a, b string) bool {
	return a == b
}
