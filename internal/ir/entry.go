package ir

import (
	"fmt"
	"time"
)

// AnyType is the type name of the wildcard template. A template of this
// type matches entries of every type and sits at the root of every type
// chain.
const AnyType = ""

// TypeDecl declares an entry type: its name, the type it extends (empty for
// a top-level type) and the names of the fields it adds. Field names are
// informational; matching is positional.
type TypeDecl struct {
	Name    string   `json:"name" yaml:"name"`
	Extends string   `json:"extends,omitempty" yaml:"extends,omitempty"`
	Fields  []string `json:"fields" yaml:"fields"`
}

// Entry is a client supplied entry value before it is stored.
//
// Supertypes lists the ancestor chain nearest first and never includes
// AnyType. Fields holds the supertype fields first, then the fields the
// exact type adds.
type Entry struct {
	Type       string    `json:"type" yaml:"type"`
	Supertypes []string  `json:"supertypes,omitempty" yaml:"supertypes,omitempty"`
	Fields     []IRValue `json:"fields" yaml:"-"`
}

// Chain returns the exact type followed by its supertypes.
func (e Entry) Chain() []string {
	chain := make([]string, 0, len(e.Supertypes)+1)
	chain = append(chain, e.Type)
	return append(chain, e.Supertypes...)
}

// EntryRep is the stored, immutable representation of one entry. The
// mutable lock and removal state lives on the holder's handle, never here.
type EntryRep struct {
	ID         string
	Type       string
	Supertypes []string
	Fields     []IRValue

	// Hashes[i] is the matching hash of the entry viewed as Chain()[i],
	// computed over HashCounts[i] fields. A count of -1 means the level's
	// field count was unknown and the level is not hashed.
	Hashes     []uint64
	HashCounts []int

	Expiration time.Time
}

// NewEntryRep builds the stored form of e. fieldCount reports how many
// fields a type in the chain declares, inherited ones included. An
// undeclared exact type is hashed over all of the entry's fields; an
// undeclared supertype is left unhashed.
func NewEntryRep(id string, e Entry, expiration time.Time, fieldCount func(typeName string) (int, bool)) (*EntryRep, error) {
	if e.Type == AnyType {
		return nil, fmt.Errorf("entry type is required")
	}
	fields := make([]IRValue, len(e.Fields))
	for i, f := range e.Fields {
		if f == nil {
			f = IRNull{}
		}
		fields[i] = f
	}

	rep := &EntryRep{
		ID:         id,
		Type:       e.Type,
		Supertypes: append([]string(nil), e.Supertypes...),
		Fields:     fields,
		Expiration: expiration,
	}

	chain := e.Chain()
	rep.Hashes = make([]uint64, len(chain))
	rep.HashCounts = make([]int, len(chain))
	for i, typeName := range chain {
		n, ok := fieldCount(typeName)
		if !ok && i == 0 {
			n, ok = len(fields), true
		}
		if !ok || n > len(fields) {
			rep.HashCounts[i] = -1
			continue
		}
		h, err := HashFields(fields[:n])
		if err != nil {
			return nil, fmt.Errorf("hash entry %s as %s: %w", id, typeName, err)
		}
		rep.Hashes[i] = h
		rep.HashCounts[i] = n
	}
	return rep, nil
}

// Chain returns the exact type followed by its supertypes.
func (r *EntryRep) Chain() []string {
	chain := make([]string, 0, len(r.Supertypes)+1)
	chain = append(chain, r.Type)
	return append(chain, r.Supertypes...)
}

// Level returns the index of typeName in the entry's type chain, or -1 if
// the entry is not an instance of typeName. AnyType is never in the chain.
func (r *EntryRep) Level(typeName string) int {
	if typeName == r.Type {
		return 0
	}
	for i, s := range r.Supertypes {
		if s == typeName {
			return i + 1
		}
	}
	return -1
}

// IsExpired reports whether the entry's lease has run out at now.
// A zero expiration never expires.
func (r *EntryRep) IsExpired(now time.Time) bool {
	return !r.Expiration.IsZero() && !now.Before(r.Expiration)
}

// Entry returns the client visible value of the stored entry.
func (r *EntryRep) Entry() Entry {
	return Entry{
		Type:       r.Type,
		Supertypes: append([]string(nil), r.Supertypes...),
		Fields:     append([]IRValue(nil), r.Fields...),
	}
}

// Template is a partially specified entry used for matching. A nil field is
// a wildcard. The zero Template matches every entry.
type Template struct {
	Type   string    `json:"type" yaml:"type"`
	Fields []IRValue `json:"fields" yaml:"-"`
}

// IsAny reports whether the template matches every entry.
func (t Template) IsAny() bool {
	if t.Type != AnyType {
		return false
	}
	for _, f := range t.Fields {
		if f != nil {
			return false
		}
	}
	return true
}

// Matches reports whether rep satisfies the template: rep's type chain
// contains the template's type and every non-wildcard template field equals
// the entry field at the same position.
func (t Template) Matches(rep *EntryRep) bool {
	if t.Type != AnyType && rep.Level(t.Type) < 0 {
		return false
	}
	if len(t.Fields) > len(rep.Fields) {
		for _, f := range t.Fields[len(rep.Fields):] {
			if f != nil {
				return false
			}
		}
	}
	for i, f := range t.Fields {
		if f == nil {
			continue
		}
		if i >= len(rep.Fields) || !Equal(f, rep.Fields[i]) {
			return false
		}
	}
	return true
}
