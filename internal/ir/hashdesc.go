package ir

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// HashDesc describes how the fields of a type with FieldCount fields are
// packed into one 64-bit matching hash: field i occupies BitsPerField bits
// starting at bit i*BitsPerField. Fields that would start past bit 63 do
// not contribute.
type HashDesc struct {
	FieldCount   int
	BitsPerField int
}

// DescFor returns the hash descriptor for a field count.
func DescFor(fieldCount int) HashDesc {
	if fieldCount <= 0 {
		return HashDesc{}
	}
	bits := 64 / fieldCount
	if bits < 1 {
		bits = 1
	}
	return HashDesc{FieldCount: fieldCount, BitsPerField: bits}
}

// fieldMask returns the mask for field i, or 0 if the field does not fit.
func (d HashDesc) fieldMask(i int) uint64 {
	shift := i * d.BitsPerField
	if d.BitsPerField == 0 || shift >= 64 {
		return 0
	}
	var m uint64
	if d.BitsPerField >= 64 {
		m = ^uint64(0)
	} else {
		m = (uint64(1) << d.BitsPerField) - 1
	}
	return m << shift
}

// FieldHash returns the xxhash64 of v's canonical JSON encoding.
func FieldHash(v IRValue) (uint64, error) {
	data, err := MarshalCanonical(v)
	if err != nil {
		return 0, err
	}
	return xxhash.Sum64(data), nil
}

// HashFields packs fields according to DescFor(len(fields)).
func HashFields(fields []IRValue) (uint64, error) {
	d := DescFor(len(fields))
	var h uint64
	for i, f := range fields {
		m := d.fieldMask(i)
		if m == 0 {
			break
		}
		fh, err := FieldHash(f)
		if err != nil {
			return 0, fmt.Errorf("field %d: %w", i, err)
		}
		h |= (fh << (i * d.BitsPerField)) & m
	}
	return h, nil
}

// TemplateHash is the precomputed rejection filter of a template: an entry
// hashed with the same field count whose hash, masked, differs from
// Expected cannot match. FieldCount is -1 when the template's type has no
// known field count; such templates are never filtered.
type TemplateHash struct {
	FieldCount int
	Mask       uint64
	Expected   uint64
}

// NewTemplateHash computes the filter for t given the declared field count
// of t.Type. Pass known=false when the count is not yet known.
func NewTemplateHash(t Template, fieldCount int, known bool) (TemplateHash, error) {
	if !known || t.Type == AnyType || len(t.Fields) > fieldCount {
		return TemplateHash{FieldCount: -1}, nil
	}
	d := DescFor(fieldCount)
	th := TemplateHash{FieldCount: fieldCount}
	for i, f := range t.Fields {
		if f == nil {
			continue
		}
		m := d.fieldMask(i)
		if m == 0 {
			break
		}
		fh, err := FieldHash(f)
		if err != nil {
			return TemplateHash{}, fmt.Errorf("template field %d: %w", i, err)
		}
		th.Mask |= m
		th.Expected |= (fh << (i * d.BitsPerField)) & m
	}
	return th, nil
}

// MayMatch applies the filter to rep viewed at level (see EntryRep.Level).
// It returns true whenever the filter cannot decide.
func (th TemplateHash) MayMatch(rep *EntryRep, level int) bool {
	if th.FieldCount < 0 || th.Mask == 0 {
		return true
	}
	if level < 0 || level >= len(rep.Hashes) || rep.HashCounts[level] != th.FieldCount {
		return true
	}
	return rep.Hashes[level]&th.Mask == th.Expected
}
