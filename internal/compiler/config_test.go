package compiler

import (
	"errors"
	"testing"
	"time"

	"cuelang.org/go/cue/cuecontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pfirmstone/JGDMS-sub001/internal/ir"
)

func TestCompileConfigBasic(t *testing.T) {
	ctx := cuecontext.New()
	v := ctx.CompileString(`
		space: {
			reap_interval: "30s"
			max_lease:     "10m"
		}
		types: {
			Point: fields: ["x", "y"]
			ColorPoint: {
				extends: "Point"
				fields: ["color"]
			}
		}
	`)
	require.NoError(t, v.Err())

	cfg, err := CompileConfig(v)
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.ReapInterval)
	assert.Equal(t, 10*time.Minute, cfg.MaxLease)
	assert.Equal(t, []ir.TypeDecl{
		{Name: "Point", Fields: []string{"x", "y"}},
		{Name: "ColorPoint", Extends: "Point", Fields: []string{"color"}},
	}, cfg.Types)
}

func TestCompileConfigEmpty(t *testing.T) {
	v := cuecontext.New().CompileString(`{}`)
	require.NoError(t, v.Err())

	cfg, err := CompileConfig(v)
	require.NoError(t, err)
	assert.Zero(t, cfg.ReapInterval)
	assert.Zero(t, cfg.MaxLease)
	assert.Empty(t, cfg.Types)
}

func TestCompileConfigTypeWithoutFields(t *testing.T) {
	v := cuecontext.New().CompileString(`types: Marker: {}`)
	require.NoError(t, v.Err())

	cfg, err := CompileConfig(v)
	require.NoError(t, err)
	require.Len(t, cfg.Types, 1)
	assert.Equal(t, "Marker", cfg.Types[0].Name)
	assert.Empty(t, cfg.Types[0].Fields)
}

func TestCompileConfigInvalidDuration(t *testing.T) {
	v := cuecontext.New().CompileString(`space: reap_interval: "soon"`)
	require.NoError(t, v.Err())

	_, err := CompileConfig(v)
	require.Error(t, err)

	var compileErr *CompileError
	require.True(t, errors.As(err, &compileErr))
	assert.Equal(t, "space.reap_interval", compileErr.Field)
	assert.Contains(t, compileErr.Message, "soon")
	assert.True(t, compileErr.Pos.IsValid())
}

func TestCompileConfigDurationMustBeString(t *testing.T) {
	v := cuecontext.New().CompileString(`space: max_lease: 30`)
	require.NoError(t, v.Err())

	_, err := CompileConfig(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "space.max_lease")
	assert.Contains(t, err.Error(), "duration string")
}

func TestCompileConfigNegativeDuration(t *testing.T) {
	v := cuecontext.New().CompileString(`space: max_lease: "-1s"`)
	require.NoError(t, v.Err())

	_, err := CompileConfig(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must not be negative")
}

func TestCompileConfigFieldsMustBeStrings(t *testing.T) {
	v := cuecontext.New().CompileString(`types: Point: fields: ["x", 2]`)
	require.NoError(t, v.Err())

	_, err := CompileConfig(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "types.Point.fields")
}

func TestCompileConfigFieldsMustBeList(t *testing.T) {
	v := cuecontext.New().CompileString(`types: Point: fields: "x"`)
	require.NoError(t, v.Err())

	_, err := CompileConfig(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list of field names")
}

func TestCompileConfigExtendsMustBeString(t *testing.T) {
	v := cuecontext.New().CompileString(`types: Point: extends: 1`)
	require.NoError(t, v.Err())

	_, err := CompileConfig(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "types.Point.extends")
}

func TestCompileConfigCUEErrorHasPosition(t *testing.T) {
	v := cuecontext.New().CompileString(`space: reap_interval: "1s" & "2s"`)
	_, err := CompileConfig(v)
	require.Error(t, err)

	var compileErr *CompileError
	require.True(t, errors.As(err, &compileErr))
	assert.Equal(t, "cue", compileErr.Field)
}

func TestCompileErrorFormatting(t *testing.T) {
	err := &CompileError{Field: "space.max_lease", Message: "bad"}
	assert.Equal(t, "space.max_lease: bad", err.Error())
}
