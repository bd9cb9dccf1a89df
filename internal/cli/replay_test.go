package cli

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pfirmstone/JGDMS-sub001/internal/ir"
	"github.com/pfirmstone/JGDMS-sub001/internal/space"
	"github.com/pfirmstone/JGDMS-sub001/internal/store"
)

// seedLog writes two committed entries, one entry under a prepared
// transaction and one under an unprepared transaction.
func seedLog(t *testing.T, dbPath string) {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(dbPath)
	require.NoError(t, err)
	defer st.Close()

	s, err := space.Open(ctx, st)
	require.NoError(t, err)

	point := func(x int64) ir.Entry {
		return ir.Entry{Type: "Point", Fields: []ir.IRValue{ir.IRInt(x), ir.IRInt(0)}}
	}
	for _, x := range []int64{1, 2} {
		_, err := s.Write(ctx, point(x), "", 0)
		require.NoError(t, err)
	}
	_, err = s.Write(ctx, point(3), "t1", 0)
	require.NoError(t, err)
	_, err = s.Prepare(ctx, "t1")
	require.NoError(t, err)
	_, err = s.Write(ctx, point(4), "t2", 0)
	require.NoError(t, err)
}

func TestReplayText(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "space.db")
	seedLog(t, dbPath)

	buf := &bytes.Buffer{}
	cmd := NewReplayCommand(&RootOptions{Format: "text", Verbose: true})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--db", dbPath})

	require.NoError(t, cmd.Execute())

	output := buf.String()
	assert.Contains(t, output, "Entries: 3")
	assert.Contains(t, output, "Prepared transactions: 1")
	assert.Contains(t, output, "txn t1 prepared")
	assert.Contains(t, output, "(2 fields, txn t1)")
	assert.Contains(t, output, "✓ Recovery verified deterministic")
}

func TestReplayJSON(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "space.db")
	seedLog(t, dbPath)

	buf := &bytes.Buffer{}
	cmd := NewReplayCommand(&RootOptions{Format: "json"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--db", dbPath})
	require.NoError(t, cmd.Execute())

	var resp struct {
		Status string       `json:"status"`
		Data   ReplayResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Data.Deterministic)
	assert.Len(t, resp.Data.Entries, 3)
	assert.Equal(t, []string{"t1"}, resp.Data.Transactions)
	assert.NotEmpty(t, resp.Data.UUID)
	assert.Positive(t, resp.Data.LastSeq)
}

func TestReplayJSONReportsBadRecords(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "space.db")
	seedLog(t, dbPath)

	db, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO ops (kind, target_id, payload, log_version) VALUES ('write', 'bad', 'not json', '1')`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	buf := &bytes.Buffer{}
	cmd := NewReplayCommand(&RootOptions{Format: "json"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--db", dbPath})
	err = cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp struct {
		Status string       `json:"status"`
		Data   ReplayResult `json:"data"`
		Error  CLIError     `json:"error"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, ErrCodeRecovery, resp.Error.Code)
	assert.Len(t, resp.Data.Errors, 1)
	assert.Len(t, resp.Data.Entries, 3, "good records still fold")
}

func TestReplayEmptyDatabase(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "space.db")
	st, err := store.Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	buf := &bytes.Buffer{}
	cmd := NewReplayCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--db", dbPath})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "Entries: 0")
}

func TestReplayDatabaseNotFound(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := NewReplayCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--db", filepath.Join(t.TempDir(), "missing.db")})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "database not found")
}

func TestReplayMissingDBFlag(t *testing.T) {
	cmd := NewReplayCommand(&RootOptions{Format: "text"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
}
