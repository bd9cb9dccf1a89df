package compiler

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfigFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "space.cue", `
space: reap_interval: "2s"
types: Point: fields: ["x", "y"]
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.ReapInterval)
	require.Len(t, cfg.Types, 1)
	assert.Equal(t, "Point", cfg.Types[0].Name)
}

func TestLoadConfigDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "space.cue", `space: max_lease: "1h"`)
	writeFile(t, dir, "types.cue", `
types: {
	Point: fields: ["x", "y"]
	ColorPoint: {extends: "Point", fields: ["color"]}
}
`)

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, cfg.MaxLease)
	assert.Len(t, cfg.Types, 2)
}

func TestLoadConfigReportsAllValidationErrors(t *testing.T) {
	path := writeFile(t, t.TempDir(), "bad.cue", `
types: {
	Orphan: extends: "Missing"
	Loop: extends: "Loop"
}
`)

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), ErrUnknownParent)
	assert.Contains(t, err.Error(), ErrExtendsCycle)
}

func TestLoadConfigSyntaxError(t *testing.T) {
	path := writeFile(t, t.TempDir(), "broken.cue", `space: {`)

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading CUE files")
}

func TestLoadConfigMissing(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.cue"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
