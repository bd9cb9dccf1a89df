package compiler

import (
	"fmt"
	"strings"

	"github.com/pfirmstone/JGDMS-sub001/internal/ir"
	"github.com/pfirmstone/JGDMS-sub001/internal/space"
)

// Validation error codes (E100-E199)
const (
	// Space settings (E100-E109)
	ErrNegativeDuration = "E101" // reap interval or max lease below zero

	// Type declarations (E110-E119)
	ErrTypeNameEmpty  = "E110" // type name is required
	ErrDuplicateType  = "E111" // same type declared twice
	ErrUnknownParent  = "E112" // extends names an undeclared type
	ErrExtendsCycle   = "E113" // extends loops back on itself
	ErrFieldNameEmpty = "E114" // field name is required
	ErrDuplicateField = "E115" // field name repeats along the chain
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// Validate checks a compiled configuration.
// Returns all errors found (does not fail-fast).
func Validate(cfg space.Config) []ValidationError {
	var errs []ValidationError

	if cfg.ReapInterval < 0 {
		errs = append(errs, ValidationError{
			Field:   "space.reap_interval",
			Message: "must not be negative",
			Code:    ErrNegativeDuration,
		})
	}
	if cfg.MaxLease < 0 {
		errs = append(errs, ValidationError{
			Field:   "space.max_lease",
			Message: "must not be negative",
			Code:    ErrNegativeDuration,
		})
	}

	return append(errs, ValidateTypes(cfg.Types)...)
}

// ValidateTypes checks type declarations as a set, so a parent may be
// declared after its child.
func ValidateTypes(decls []ir.TypeDecl) []ValidationError {
	var errs []ValidationError

	byName := make(map[string]ir.TypeDecl, len(decls))
	for i, d := range decls {
		path := fmt.Sprintf("types[%d]", i)
		if strings.TrimSpace(d.Name) == "" {
			errs = append(errs, ValidationError{
				Field:   path + ".name",
				Message: "type name is required and must be non-empty",
				Code:    ErrTypeNameEmpty,
			})
			continue
		}
		if _, dup := byName[d.Name]; dup {
			errs = append(errs, ValidationError{
				Field:   path + ".name",
				Message: fmt.Sprintf("duplicate type name: %q", d.Name),
				Code:    ErrDuplicateType,
			})
			continue
		}
		byName[d.Name] = d

		for j, f := range d.Fields {
			if strings.TrimSpace(f) == "" {
				errs = append(errs, ValidationError{
					Field:   fmt.Sprintf("types.%s.fields[%d]", d.Name, j),
					Message: "field name is required and must be non-empty",
					Code:    ErrFieldNameEmpty,
				})
			}
		}
	}

	for _, d := range decls {
		if d.Extends == ir.AnyType || byName[d.Name].Name == "" {
			continue
		}
		if _, ok := byName[d.Extends]; !ok {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("types.%s.extends", d.Name),
				Message: fmt.Sprintf("parent type %q is not declared", d.Extends),
				Code:    ErrUnknownParent,
			})
		}
	}

	cyclic := make(map[string]bool)
	for _, c := range AnalyzeCycles(decls) {
		errs = append(errs, ValidationError{
			Field:   fmt.Sprintf("types.%s.extends", c.Path[0]),
			Message: c.Message,
			Code:    ErrExtendsCycle,
		})
		for _, n := range c.Path {
			cyclic[n] = true
		}
	}

	// A type may not repeat a field name it declares or inherits.
	for _, d := range decls {
		if d.Name == "" || cyclic[d.Name] {
			continue
		}
		own := make(map[string]bool, len(d.Fields))
		for _, f := range d.Fields {
			if own[f] {
				errs = append(errs, ValidationError{
					Field:   fmt.Sprintf("types.%s.fields", d.Name),
					Message: fmt.Sprintf("field %q is declared twice", f),
					Code:    ErrDuplicateField,
				})
			}
			own[f] = true
		}
		for parent, ok := byName[d.Extends]; ok && !cyclic[parent.Name]; parent, ok = byName[parent.Extends] {
			for _, f := range parent.Fields {
				if own[f] {
					errs = append(errs, ValidationError{
						Field:   fmt.Sprintf("types.%s.fields", d.Name),
						Message: fmt.Sprintf("field %q is already declared by supertype %s", f, parent.Name),
						Code:    ErrDuplicateField,
					})
				}
			}
		}
	}

	return errs
}
