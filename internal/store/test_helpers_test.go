package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pfirmstone/JGDMS-sub001/internal/ir"
)

// createTestStore creates a new store in a temp directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestRep creates a stored entry of type typeName.
func createTestRep(t *testing.T, id, typeName string, fields ...ir.IRValue) *ir.EntryRep {
	t.Helper()
	rep, err := ir.NewEntryRep(id, ir.Entry{Type: typeName, Fields: fields}, time.Time{},
		func(string) (int, bool) { return 0, false })
	require.NoError(t, err)
	return rep
}

// recorder is a Recoverer that records its callbacks in order.
type recorder struct {
	calls   []string
	entries []RecoveredEntry
	regs    []RegistrationRecord
	failOn  string
}

func (r *recorder) note(call string) error {
	r.calls = append(r.calls, call)
	if call == r.failOn {
		return errFailed
	}
	return nil
}

func (r *recorder) RecoverUUID(string) error { return r.note("uuid") }

func (r *recorder) RecoverSessionID(uint64) error { return r.note("session") }

func (r *recorder) RecoverTransaction(id string) error { return r.note("txn " + id) }

func (r *recorder) RecoverWrite(e RecoveredEntry) error {
	r.entries = append(r.entries, e)
	return r.note("write " + e.ID)
}

func (r *recorder) RecoverTake(id, txnID string) error { return r.note("take " + id + " " + txnID) }

func (r *recorder) RecoverRegister(reg RegistrationRecord) error {
	r.regs = append(r.regs, reg)
	return r.note("register " + reg.ID)
}

type failure string

func (f failure) Error() string { return string(f) }

const errFailed = failure("callback failed")
