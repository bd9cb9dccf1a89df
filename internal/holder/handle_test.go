package holder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pfirmstone/JGDMS-sub001/internal/ir"
)

var now = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newHandle(t *testing.T, writeTxn string) *Handle {
	t.Helper()
	rep, err := ir.NewEntryRep(ir.NewID(), ir.Entry{Type: "Task", Fields: []ir.IRValue{ir.IRString("x")}}, time.Time{},
		func(string) (int, bool) { return 0, false })
	require.NoError(t, err)
	return NewHandle(rep, writeTxn)
}

func TestCaptureUnlocked(t *testing.T) {
	assert.Equal(t, Read, newHandle(t, "").Capture("", false, now))
	assert.Equal(t, ReadLocked, newHandle(t, "").Capture("T", false, now))
	assert.Equal(t, TakeLocked, newHandle(t, "").Capture("T", true, now))

	h := newHandle(t, "")
	assert.Equal(t, Taken, h.Capture("", true, now))
	assert.True(t, h.IsRemoved())
	assert.Equal(t, Refused, h.Capture("", false, now), "removed entries cannot be captured")
}

func TestCaptureWriteLocked(t *testing.T) {
	h := newHandle(t, "T")
	assert.Equal(t, Refused, h.Capture("", false, now))
	assert.Equal(t, Refused, h.Capture("", true, now))
	assert.Equal(t, Refused, h.Capture("U", false, now))
	assert.Equal(t, Read, h.Capture("T", false, now))
	assert.Equal(t, TakeLocked, h.Capture("T", true, now))
}

func TestCaptureReadLocked(t *testing.T) {
	h := newHandle(t, "")
	require.Equal(t, ReadLocked, h.Capture("T", false, now))

	assert.Equal(t, Read, h.Capture("", false, now))
	assert.Equal(t, Refused, h.Capture("", true, now))
	assert.Equal(t, ReadLocked, h.Capture("U", false, now))
	assert.Equal(t, Refused, h.Capture("T", true, now), "U also holds a read lock")
	assert.Equal(t, Refused, h.Capture("U", true, now))
}

func TestCaptureSoleReaderMayTake(t *testing.T) {
	h := newHandle(t, "")
	require.Equal(t, ReadLocked, h.Capture("T", false, now))
	assert.Equal(t, TakeLocked, h.Capture("T", true, now))
}

func TestCaptureTakeLocked(t *testing.T) {
	h := newHandle(t, "")
	require.Equal(t, TakeLocked, h.Capture("T", true, now))
	for _, txn := range []string{"", "T", "U"} {
		assert.Equal(t, Refused, h.Capture(txn, false, now), "read by %q", txn)
		assert.Equal(t, Refused, h.Capture(txn, true, now), "take by %q", txn)
	}
}

func TestCaptureExpired(t *testing.T) {
	h := newHandle(t, "")
	h.SetExpiration(now)
	assert.True(t, h.IsExpired(now))
	assert.Equal(t, Refused, h.Capture("", false, now))
	assert.False(t, h.Live(now))
	assert.False(t, h.Blocked("", false, now), "expired entries are gone, not blocked")

	h.SetExpiration(time.Time{})
	assert.True(t, h.Live(now))
}

func TestCanCaptureHasNoEffect(t *testing.T) {
	h := newHandle(t, "")
	assert.True(t, h.CanCapture("", true, now))
	assert.False(t, h.IsRemoved())
	assert.True(t, h.CanCapture("T", false, now))
	_, _, reads := h.Locks()
	assert.Empty(t, reads)
}

func TestBlocked(t *testing.T) {
	h := newHandle(t, "T")
	assert.True(t, h.Blocked("", false, now))
	assert.False(t, h.Blocked("T", false, now))
}

func TestCommitWrite(t *testing.T) {
	h := newHandle(t, "T")
	assert.Equal(t, Published, h.Commit("T"))
	assert.Equal(t, Read, h.Capture("", false, now))
	assert.Equal(t, None, h.Commit("U"))
}

func TestAbortWrite(t *testing.T) {
	h := newHandle(t, "T")
	assert.Equal(t, Removed, h.Abort("T"))
	assert.True(t, h.IsRemoved())
	assert.Equal(t, None, h.Abort("T"))
}

func TestCommitWriteThenTakeBySameTxn(t *testing.T) {
	h := newHandle(t, "T")
	require.Equal(t, TakeLocked, h.Capture("T", true, now))
	assert.Equal(t, Removed, h.Commit("T"))
	assert.True(t, h.IsRemoved())
}

func TestCommitAndAbortTake(t *testing.T) {
	h := newHandle(t, "")
	require.Equal(t, TakeLocked, h.Capture("T", true, now))
	assert.Equal(t, Removed, h.Commit("T"))
	assert.True(t, h.IsRemoved())

	h = newHandle(t, "")
	require.Equal(t, ReadLocked, h.Capture("T", false, now))
	require.Equal(t, TakeLocked, h.Capture("T", true, now))
	assert.Equal(t, Restored, h.Abort("T"))
	assert.Equal(t, Taken, h.Capture("", true, now), "no locks remain after abort")
}

func TestReadLockRelease(t *testing.T) {
	h := newHandle(t, "")
	require.Equal(t, ReadLocked, h.Capture("T", false, now))
	require.Equal(t, ReadLocked, h.Capture("U", false, now))

	assert.Equal(t, None, h.Commit("T"), "U still holds a read lock")
	assert.Equal(t, Released, h.Abort("U"))
	assert.Equal(t, None, h.Abort("U"))
	assert.True(t, h.CanCapture("", true, now))
}

func TestRemoveIsIdempotent(t *testing.T) {
	h := newHandle(t, "")
	assert.True(t, h.Remove())
	assert.False(t, h.Remove())
	assert.Equal(t, None, h.Commit("T"))
}

func TestVisibleTo(t *testing.T) {
	h := newHandle(t, "T")
	assert.False(t, h.VisibleTo("", now))
	assert.True(t, h.VisibleTo("T", now))

	h = newHandle(t, "")
	require.Equal(t, ReadLocked, h.Capture("T", false, now))
	assert.True(t, h.VisibleTo("", now))
}

func TestRelock(t *testing.T) {
	h := newHandle(t, "")
	h.Relock("T", false)
	h.Relock("U", true)
	write, take, reads := h.Locks()
	assert.Empty(t, write)
	assert.Equal(t, "U", take)
	assert.Equal(t, []string{"T"}, reads)
}

func TestRelease(t *testing.T) {
	h := newHandle(t, "")
	require.Equal(t, TakeLocked, h.Capture("T", true, now))
	assert.Equal(t, None, h.Release("U", true), "only the holder's lock is released")
	assert.Equal(t, Restored, h.Release("T", true))
	assert.True(t, h.CanCapture("", true, now))

	h = newHandle(t, "T")
	require.Equal(t, TakeLocked, h.Capture("T", true, now))
	assert.Equal(t, Restored, h.Release("T", true))
	assert.Equal(t, "T", h.WriteTxn(), "releasing a take keeps the write")
	assert.False(t, h.IsRemoved())

	h = newHandle(t, "")
	require.Equal(t, ReadLocked, h.Capture("T", false, now))
	require.Equal(t, ReadLocked, h.Capture("U", false, now))
	assert.Equal(t, None, h.Release("T", false), "another reader remains")
	assert.Equal(t, Released, h.Release("U", false))
}
