package compiler

import (
	"fmt"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/pfirmstone/JGDMS-sub001/internal/ir"
	"github.com/pfirmstone/JGDMS-sub001/internal/space"
)

// CompileConfig parses a CUE value into a space configuration.
// Uses CUE SDK's Go API directly (not CLI subprocess).
//
// The value is the root of a configuration file:
//
//	space: {
//		reap_interval: "5s"
//		max_lease:     "10m"
//	}
//	types: {
//		Point: fields: ["x", "y"]
//		ColorPoint: {
//			extends: "Point"
//			fields: ["color"]
//		}
//	}
//
// Both sections are optional. Types come out in declaration order.
func CompileConfig(v cue.Value) (space.Config, error) {
	var cfg space.Config
	if err := v.Validate(); err != nil {
		return cfg, formatCUEError(err)
	}

	spaceVal := v.LookupPath(cue.ParsePath("space"))
	if spaceVal.Exists() {
		var err error
		if cfg.ReapInterval, err = parseDuration(spaceVal, "reap_interval"); err != nil {
			return cfg, err
		}
		if cfg.MaxLease, err = parseDuration(spaceVal, "max_lease"); err != nil {
			return cfg, err
		}
	}

	typesVal := v.LookupPath(cue.ParsePath("types"))
	if typesVal.Exists() {
		decls, err := parseTypes(typesVal)
		if err != nil {
			return cfg, err
		}
		cfg.Types = decls
	}
	return cfg, nil
}

// parseDuration reads an optional duration string such as "30s".
func parseDuration(v cue.Value, field string) (time.Duration, error) {
	val := v.LookupPath(cue.ParsePath(field))
	if !val.Exists() {
		return 0, nil
	}
	s, err := val.String()
	if err != nil {
		return 0, &CompileError{
			Field:   "space." + field,
			Message: "must be a duration string such as \"30s\"",
			Pos:     val.Pos(),
		}
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, &CompileError{
			Field:   "space." + field,
			Message: fmt.Sprintf("invalid duration %q", s),
			Pos:     val.Pos(),
		}
	}
	if d < 0 {
		return 0, &CompileError{
			Field:   "space." + field,
			Message: "must not be negative",
			Pos:     val.Pos(),
		}
	}
	return d, nil
}

// parseTypes parses the types struct; each label is a type name.
func parseTypes(v cue.Value) ([]ir.TypeDecl, error) {
	iter, err := v.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var decls []ir.TypeDecl
	for iter.Next() {
		name := iter.Label()
		decl, err := parseType(name, iter.Value())
		if err != nil {
			return nil, err
		}
		decls = append(decls, decl)
	}
	return decls, nil
}

func parseType(name string, v cue.Value) (ir.TypeDecl, error) {
	decl := ir.TypeDecl{Name: name}

	extendsVal := v.LookupPath(cue.ParsePath("extends"))
	if extendsVal.Exists() {
		parent, err := extendsVal.String()
		if err != nil {
			return decl, &CompileError{
				Field:   "types." + name + ".extends",
				Message: "must be a type name",
				Pos:     extendsVal.Pos(),
			}
		}
		decl.Extends = parent
	}

	fieldsVal := v.LookupPath(cue.ParsePath("fields"))
	if !fieldsVal.Exists() {
		return decl, nil
	}
	list, err := fieldsVal.List()
	if err != nil {
		return decl, &CompileError{
			Field:   "types." + name + ".fields",
			Message: "must be a list of field names",
			Pos:     fieldsVal.Pos(),
		}
	}
	for list.Next() {
		field, err := list.Value().String()
		if err != nil {
			return decl, &CompileError{
				Field:   "types." + name + ".fields",
				Message: "field names must be strings",
				Pos:     list.Value().Pos(),
			}
		}
		decl.Fields = append(decl.Fields, field)
	}
	return decl, nil
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	// First error with a position wins.
	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}
	return err
}
