package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pfirmstone/JGDMS-sub001/internal/ir"
)

func TestEntryPayload_PreservesValues(t *testing.T) {
	e := ir.Entry{
		Type:       "Invoice",
		Supertypes: []string{"Document"},
		Fields: []ir.IRValue{
			ir.IRString("acme"),
			ir.IRInt(1 << 60),
			ir.IRNull{},
			ir.IRArray{ir.IRBool(true)},
			ir.IRObject{"k": ir.IRString("v")},
		},
	}

	data, err := marshalEntry(e)
	require.NoError(t, err)

	got, err := unmarshalEntry(data)
	require.NoError(t, err)
	assert.Equal(t, e.Type, got.Type)
	assert.Equal(t, e.Supertypes, got.Supertypes)
	require.Len(t, got.Fields, len(e.Fields))
	for i := range e.Fields {
		assert.True(t, ir.Equal(e.Fields[i], got.Fields[i]), "field %d", i)
	}
}

func TestUnmarshalEntry_RejectsFloat(t *testing.T) {
	_, err := unmarshalEntry(`{"type":"T","supertypes":[],"fields":[1.5]}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "field 0")
}

// A wildcard and an explicit null both encode as null; the shape keeps
// them apart.
func TestRegistrationPayload_WildcardVersusNull(t *testing.T) {
	reg := RegistrationRecord{
		Kind: "notify",
		Templates: []ir.Template{
			{Type: "Task", Fields: []ir.IRValue{nil, ir.IRNull{}, ir.IRString("x")}},
			{},
		},
		VisibilityOnly: true,
		Handback:       []byte{0, 1, 2},
		Listener:       "audit",
	}

	data, err := marshalRegistration(reg)
	require.NoError(t, err)

	var got RegistrationRecord
	require.NoError(t, unmarshalRegistration(data, &got))

	require.Len(t, got.Templates, 2)
	fields := got.Templates[0].Fields
	require.Len(t, fields, 3)
	assert.Nil(t, fields[0], "wildcard stays a wildcard")
	assert.Equal(t, ir.IRNull{}, fields[1], "null stays a value")
	assert.Equal(t, ir.IRString("x"), fields[2])
	assert.True(t, got.Templates[1].IsAny())

	assert.Equal(t, "notify", got.Kind)
	assert.True(t, got.VisibilityOnly)
	assert.Equal(t, []byte{0, 1, 2}, got.Handback)
	assert.Equal(t, "audit", got.Listener)
}

func TestRegistrationPayload_BadShape(t *testing.T) {
	var got RegistrationRecord
	err := unmarshalRegistration(`{"kind":"notify","templates":[{"type":"T","fields":[1],"shape":""}],"visibility_only":false,"handback":"","listener":""}`, &got)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shape")
}
