package cli

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pfirmstone/JGDMS-sub001/internal/ir"
	"github.com/pfirmstone/JGDMS-sub001/internal/space"
)

func TestRunMissingDatabaseFlag(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := NewRunCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
	assert.Contains(t, err.Error(), "db")
}

func TestRunInvalidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "space.cue")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`types: A: extends: "A"`), 0o644))

	buf := &bytes.Buffer{}
	cmd := NewRunCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"--db", filepath.Join(tmpDir, "space.db"), "--config", cfgPath})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "E113")
}

func TestRunServesAndStops(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "space.db")
	cfgPath := filepath.Join(tmpDir, "space.cue")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
space: reap_interval: "50ms"
types: Point: fields: ["x", "y"]
`), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var metrics string
	opts := &RunOptions{
		RootOptions: &RootOptions{Format: "text"},
		Database:    dbPath,
		Config:      cfgPath,
		MetricsAddr: "127.0.0.1:0",
		Ready: func(s *space.Space, addr net.Addr) {
			defer cancel()
			_, err := s.Write(ctx, ir.Entry{Type: "Point", Fields: []ir.IRValue{ir.IRInt(1), ir.IRInt(2)}}, "", 0)
			require.NoError(t, err)

			resp, err := http.Get("http://" + addr.String() + "/metrics")
			require.NoError(t, err)
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			metrics = string(body)
		},
	}

	buf := &bytes.Buffer{}
	cmd := NewRunCommand(opts.RootOptions)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetContext(ctx)
	require.NoError(t, runSpace(opts, cmd))

	assert.Contains(t, buf.String(), "started (session 1): 0 entries")
	assert.Contains(t, buf.String(), "Metrics on http://127.0.0.1:")
	assert.Contains(t, metrics, `tuplespace_operations_total{op="write",outcome="ok"} 1`)

	// The entry survives a restart.
	opts.MetricsAddr = ""
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	opts.Ready = func(*space.Space, net.Addr) { cancel2() }
	buf.Reset()
	cmd.SetContext(ctx2)
	require.NoError(t, runSpace(opts, cmd))
	assert.Contains(t, buf.String(), "started (session 2): 1 entries")
}
