package store

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pfirmstone/JGDMS-sub001/internal/ir"
)

// entryPayload is the stored form of an entry value.
type entryPayload struct {
	Type       string            `json:"type"`
	Supertypes []string          `json:"supertypes"`
	Fields     []json.RawMessage `json:"fields"`
}

// marshalEntry converts an entry value to canonical JSON TEXT for storage.
func marshalEntry(e ir.Entry) (string, error) {
	supertypes := e.Supertypes
	if supertypes == nil {
		supertypes = []string{}
	}
	fields := e.Fields
	if fields == nil {
		fields = []ir.IRValue{}
	}
	data, err := ir.MarshalCanonical(map[string]any{
		"type":       e.Type,
		"supertypes": supertypes,
		"fields":     fields,
	})
	if err != nil {
		return "", fmt.Errorf("marshal entry: %w", err)
	}
	return string(data), nil
}

// unmarshalEntry parses an entry stored by marshalEntry.
func unmarshalEntry(data string) (ir.Entry, error) {
	var p entryPayload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return ir.Entry{}, fmt.Errorf("unmarshal entry: %w", err)
	}
	fields, err := unmarshalFields(p.Fields)
	if err != nil {
		return ir.Entry{}, fmt.Errorf("unmarshal entry: %w", err)
	}
	e := ir.Entry{Type: p.Type, Fields: fields}
	if len(p.Supertypes) > 0 {
		e.Supertypes = p.Supertypes
	}
	return e, nil
}

func unmarshalFields(raw []json.RawMessage) ([]ir.IRValue, error) {
	fields := make([]ir.IRValue, len(raw))
	for i, r := range raw {
		v, err := ir.UnmarshalIRValue(r)
		if err != nil {
			return nil, fmt.Errorf("field %d: %w", i, err)
		}
		fields[i] = v
	}
	return fields, nil
}

// templateShape returns one byte per field: '*' for a wildcard, '=' for a
// value to match.
func templateShape(t ir.Template) string {
	var b strings.Builder
	for _, f := range t.Fields {
		if f == nil {
			b.WriteByte('*')
		} else {
			b.WriteByte('=')
		}
	}
	return b.String()
}

func templateValue(t ir.Template) map[string]any {
	fields := t.Fields
	if fields == nil {
		fields = []ir.IRValue{}
	}
	return map[string]any{
		"type":   t.Type,
		"fields": fields,
		"shape":  templateShape(t),
	}
}

type templatePayload struct {
	Type   string            `json:"type"`
	Fields []json.RawMessage `json:"fields"`
	Shape  string            `json:"shape"`
}

func (p templatePayload) template() (ir.Template, error) {
	if len(p.Shape) != len(p.Fields) {
		return ir.Template{}, fmt.Errorf("template shape %q does not cover %d fields", p.Shape, len(p.Fields))
	}
	fields, err := unmarshalFields(p.Fields)
	if err != nil {
		return ir.Template{}, err
	}
	for i := range fields {
		if p.Shape[i] == '*' {
			fields[i] = nil
		}
	}
	t := ir.Template{Type: p.Type}
	if len(fields) > 0 {
		t.Fields = fields
	}
	return t, nil
}

// registrationPayload is the stored form of the parts of a registration
// that are not columns.
type registrationPayload struct {
	Kind           string            `json:"kind"`
	Templates      []templatePayload `json:"templates"`
	VisibilityOnly bool              `json:"visibility_only"`
	Handback       string            `json:"handback"`
	Listener       string            `json:"listener"`
}

// marshalRegistration converts a registration to canonical JSON TEXT.
func marshalRegistration(r RegistrationRecord) (string, error) {
	tmpls := make([]any, len(r.Templates))
	for i, t := range r.Templates {
		tmpls[i] = templateValue(t)
	}
	data, err := ir.MarshalCanonical(map[string]any{
		"kind":            r.Kind,
		"templates":       tmpls,
		"visibility_only": r.VisibilityOnly,
		"handback":        base64.StdEncoding.EncodeToString(r.Handback),
		"listener":        r.Listener,
	})
	if err != nil {
		return "", fmt.Errorf("marshal registration: %w", err)
	}
	return string(data), nil
}

// unmarshalRegistration fills the payload part of r.
func unmarshalRegistration(data string, r *RegistrationRecord) error {
	var p registrationPayload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return fmt.Errorf("unmarshal registration: %w", err)
	}
	r.Kind = p.Kind
	r.VisibilityOnly = p.VisibilityOnly
	r.Listener = p.Listener
	handback, err := base64.StdEncoding.DecodeString(p.Handback)
	if err != nil {
		return fmt.Errorf("unmarshal registration handback: %w", err)
	}
	if len(handback) > 0 {
		r.Handback = handback
	}
	r.Templates = make([]ir.Template, len(p.Templates))
	for i, tp := range p.Templates {
		t, err := tp.template()
		if err != nil {
			return fmt.Errorf("unmarshal registration template %d: %w", i, err)
		}
		r.Templates[i] = t
	}
	return nil
}
