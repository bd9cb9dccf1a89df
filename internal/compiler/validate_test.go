package compiler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pfirmstone/JGDMS-sub001/internal/ir"
	"github.com/pfirmstone/JGDMS-sub001/internal/space"
)

func codes(errs []ValidationError) []string {
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = e.Code
	}
	return out
}

func TestValidateValid(t *testing.T) {
	cfg := space.Config{
		ReapInterval: time.Second,
		Types: []ir.TypeDecl{
			{Name: "ColorPoint", Extends: "Point", Fields: []string{"color"}},
			{Name: "Point", Fields: []string{"x", "y"}},
		},
	}
	assert.Empty(t, Validate(cfg), "parent declared after child is fine")
}

func TestValidateNegativeDurations(t *testing.T) {
	errs := Validate(space.Config{ReapInterval: -1, MaxLease: -time.Second})
	require.Len(t, errs, 2)
	assert.Equal(t, "space.reap_interval", errs[0].Field)
	assert.Equal(t, "space.max_lease", errs[1].Field)
	assert.Equal(t, []string{ErrNegativeDuration, ErrNegativeDuration}, codes(errs))
}

func TestValidateTypesEmptyName(t *testing.T) {
	errs := ValidateTypes([]ir.TypeDecl{{Name: "  "}})
	require.Len(t, errs, 1)
	assert.Equal(t, ErrTypeNameEmpty, errs[0].Code)
	assert.Equal(t, "types[0].name", errs[0].Field)
}

func TestValidateTypesDuplicate(t *testing.T) {
	errs := ValidateTypes([]ir.TypeDecl{
		{Name: "Point", Fields: []string{"x"}},
		{Name: "Point", Fields: []string{"y"}},
	})
	require.Len(t, errs, 1)
	assert.Equal(t, ErrDuplicateType, errs[0].Code)
	assert.Equal(t, "types[1].name", errs[0].Field)
}

func TestValidateTypesUnknownParent(t *testing.T) {
	errs := ValidateTypes([]ir.TypeDecl{{Name: "ColorPoint", Extends: "Point"}})
	require.Len(t, errs, 1)
	assert.Equal(t, ErrUnknownParent, errs[0].Code)
	assert.Equal(t, "types.ColorPoint.extends", errs[0].Field)
	assert.Contains(t, errs[0].Message, `"Point"`)
}

func TestValidateTypesCycle(t *testing.T) {
	errs := ValidateTypes([]ir.TypeDecl{
		{Name: "A", Extends: "B", Fields: []string{"f"}},
		{Name: "B", Extends: "A", Fields: []string{"f"}},
	})
	require.Len(t, errs, 1, "fields on a cycle are not checked")
	assert.Equal(t, ErrExtendsCycle, errs[0].Code)
	assert.Equal(t, "types.A.extends", errs[0].Field)
}

func TestValidateTypesEmptyFieldName(t *testing.T) {
	errs := ValidateTypes([]ir.TypeDecl{{Name: "Point", Fields: []string{"x", ""}}})
	require.Len(t, errs, 1)
	assert.Equal(t, ErrFieldNameEmpty, errs[0].Code)
	assert.Equal(t, "types.Point.fields[1]", errs[0].Field)
}

func TestValidateTypesDuplicateOwnField(t *testing.T) {
	errs := ValidateTypes([]ir.TypeDecl{{Name: "Point", Fields: []string{"x", "x"}}})
	require.Len(t, errs, 1)
	assert.Equal(t, ErrDuplicateField, errs[0].Code)
	assert.Contains(t, errs[0].Message, "declared twice")
}

func TestValidateTypesFieldShadowsSupertype(t *testing.T) {
	errs := ValidateTypes([]ir.TypeDecl{
		{Name: "Point", Fields: []string{"x", "y"}},
		{Name: "ColorPoint", Extends: "Point", Fields: []string{"color"}},
		{Name: "Pixel", Extends: "ColorPoint", Fields: []string{"x"}},
	})
	require.Len(t, errs, 1)
	assert.Equal(t, ErrDuplicateField, errs[0].Code)
	assert.Equal(t, "types.Pixel.fields", errs[0].Field)
	assert.Contains(t, errs[0].Message, "supertype Point")
}

func TestValidateTypesCollectsAll(t *testing.T) {
	errs := ValidateTypes([]ir.TypeDecl{
		{Name: ""},
		{Name: "Orphan", Extends: "Missing"},
		{Name: "Loop", Extends: "Loop"},
	})
	assert.Equal(t, []string{ErrTypeNameEmpty, ErrUnknownParent, ErrExtendsCycle}, codes(errs))
}

func TestValidationErrorFormatting(t *testing.T) {
	err := ValidationError{Field: "types.A.extends", Message: "bad", Code: ErrExtendsCycle}
	assert.Equal(t, "[E113] types.A.extends: bad", err.Error())
}
