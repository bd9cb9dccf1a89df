package watch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pfirmstone/JGDMS-sub001/internal/holder"
	"github.com/pfirmstone/JGDMS-sub001/internal/ir"
	"github.com/pfirmstone/JGDMS-sub001/internal/txn"
)

func TestReadWatcherInterest(t *testing.T) {
	f := newFixture()
	h := f.entry(t, "Task", nil, "")
	w := NewRead(f.cfg(ir.Template{Type: "Task"}, 1, 10))

	assert.False(t, w.IsInterested(Written(h, ""), 10), "ordinal at or before start")
	assert.True(t, w.IsInterested(Written(h, ""), 11))
	assert.False(t, w.IsInterested(Written(h, "T"), 11), "not visible to everyone")
	assert.False(t, w.IsInterested(NewTransition(h, true, false, false, ""), 11), "not visible")
}

func TestReadWatcherResolvesWithoutConsuming(t *testing.T) {
	f := newFixture()
	h := f.entry(t, "Task", nil, "")
	w := NewRead(f.cfg(ir.Template{Type: "Task"}, 1, 0))

	assert.False(t, w.Process(Written(h, ""), 1, now))
	state, rep, err := w.Result()
	require.NoError(t, err)
	assert.Equal(t, ResolvedWithEntry, state)
	assert.Equal(t, h.ID(), rep.ID)
	assert.False(t, h.IsRemoved())

	// A later offer is ignored rather than resolving twice.
	assert.False(t, w.Process(Written(h, ""), 2, now))
}

func TestResolveTwicePanics(t *testing.T) {
	f := newFixture()
	queries := []Query{
		NewRead(f.cfg(ir.Template{}, 1, 0)),
		NewConsuming(f.cfg(ir.Template{}, 1, 0), true),
		NewIfExists(f.cfg(ir.Template{}, 1, 0), false, []string{"x"}),
	}
	for _, q := range queries {
		q.Resolve(nil, nil)
		assert.Panics(t, func() { q.Resolve(nil, nil) })
		state, _, _ := q.Result()
		assert.Equal(t, ResolvedWithNothing, state)
	}
}

func TestConstructorContracts(t *testing.T) {
	f := newFixture()
	cfg := f.cfg(ir.Template{}, 1, 0)
	assert.Panics(t, func() { NewConsuming(cfg, false) }, "plain read must use a read watcher")

	cfg.Txn = txn.New("T")
	assert.Panics(t, func() { NewRead(cfg) })
}

func TestConsumingWatcherInterest(t *testing.T) {
	f := newFixture()
	h := f.entry(t, "Task", nil, "")
	cfg := f.cfg(ir.Template{Type: "Task"}, 1, 0)
	cfg.Txn = txn.New("T")
	w := NewConsuming(cfg, true)

	assert.True(t, w.IsInterested(Written(h, ""), 1))
	assert.True(t, w.IsInterested(Written(h, "T"), 1), "own transaction's writes")
	assert.False(t, w.IsInterested(Written(h, "U"), 1))
	assert.True(t, w.IsInterested(NewTransition(h, true, false, false, ""), 1), "released read lock")
	assert.False(t, w.IsInterested(Removal(h, ""), 1))
}

// TestAtMostOneCapture races many take watchers for one entry.
func TestAtMostOneCapture(t *testing.T) {
	f := newFixture()
	h := f.entry(t, "Task", nil, "")
	tr := Written(h, "")

	var watchers []*ConsumingWatcher
	for i := 0; i < 32; i++ {
		watchers = append(watchers, NewConsuming(f.cfg(ir.Template{Type: "Task"}, int64(i), 0), true))
	}

	var wg sync.WaitGroup
	start := make(chan struct{})
	for _, w := range watchers {
		wg.Add(1)
		go func(w *ConsumingWatcher) {
			defer wg.Done()
			<-start
			w.Process(tr, 1, now)
			w.CatchUp(tr, 1, now)
		}(w)
	}
	close(start)
	wg.Wait()

	captured := 0
	for _, w := range watchers {
		if w.Resolved() {
			captured++
		}
	}
	assert.Equal(t, 1, captured)
	assert.True(t, h.IsRemoved())
}

func TestQueryTransactionEnd(t *testing.T) {
	f := newFixture()
	tx := txn.New("T")
	cfg := f.cfg(ir.Template{}, 1, 0)
	cfg.Txn = tx
	w := NewConsuming(cfg, true)
	require.NoError(t, tx.Join(w))

	assert.Equal(t, txn.NotChanged, w.Prepare(tx))
	state, _, err := w.Result()
	assert.Equal(t, ResolvedWithError, state)
	assert.ErrorIs(t, err, txn.ErrTransactionEnded)

	// Already resolved: prepare and abort are no-ops.
	assert.Equal(t, txn.NotChanged, w.Prepare(tx))
	assert.NotPanics(t, func() { w.Abort(tx) })
	assert.Panics(t, func() { w.Commit(tx) })
}

func TestQueryAbortBeforeResolution(t *testing.T) {
	f := newFixture()
	tx := txn.New("T")
	cfg := f.cfg(ir.Template{}, 1, 0)
	cfg.Txn = tx
	w := NewConsuming(cfg, false)
	require.NoError(t, tx.Join(w))

	tx.Abort()
	_, err := w.Wait(context.Background(), time.Now)
	assert.ErrorIs(t, err, txn.ErrTransactionEnded)
}

func TestWaitExpires(t *testing.T) {
	f := newFixture()
	cfg := f.cfg(ir.Template{}, 1, 0)
	cfg.Expiration = time.Now().Add(20 * time.Millisecond)
	w := NewRead(cfg)

	rep, err := w.Wait(context.Background(), time.Now)
	require.NoError(t, err)
	assert.Nil(t, rep)
	state, _, _ := w.Result()
	assert.Equal(t, ResolvedWithNothing, state)
	assert.True(t, w.Detachable(time.Now()))
}

func TestWaitCancelled(t *testing.T) {
	f := newFixture()
	w := NewRead(f.cfg(ir.Template{}, 1, 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := w.Wait(ctx, time.Now)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWaitWakesOnResolution(t *testing.T) {
	f := newFixture()
	h := f.entry(t, "Task", nil, "")
	w := NewConsuming(f.cfg(ir.Template{Type: "Task"}, 1, 0), true)

	go func() {
		time.Sleep(10 * time.Millisecond)
		w.Process(Written(h, ""), 1, now)
	}()

	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("watcher never resolved")
	}
	rep, err := w.Wait(context.Background(), time.Now)
	require.NoError(t, err)
	assert.Equal(t, h.ID(), rep.ID)
}

// TestIfExistsDrain: three matching entries locked by other transactions
// at start; each one's writer aborts; once the set is empty and the
// backlog has been replayed the watcher resolves with nothing.
func TestIfExistsDrain(t *testing.T) {
	f := newFixture()
	var handles []*holder.Handle
	var ids []string
	for _, writer := range []string{"T1", "T2", "T3"} {
		h := f.entry(t, "Task", nil, writer, str("x"))
		handles = append(handles, h)
		ids = append(ids, h.ID())
	}

	w := NewIfExists(f.cfg(ir.Template{Type: "Task", Fields: []ir.IRValue{str("x")}}, 1, 5), false, ids)
	require.NoError(t, f.idx.Register(w))

	for i, writer := range []string{"T1", "T2", "T3"} {
		r := handles[i].Abort(writer)
		require.Equal(t, holder.Removed, r)
		f.offer(ForResolution(handles[i], r), uint64(6+i))
		assert.Equal(t, 2-i, w.Pending())
		assert.False(t, w.Resolved(), "backlog not yet complete")
	}

	w.CaughtUp(now)
	state, rep, err := w.Result()
	require.NoError(t, err)
	assert.Equal(t, ResolvedWithNothing, state)
	assert.Nil(t, rep)
}

func TestIfExistsDrainsAfterCatchUp(t *testing.T) {
	f := newFixture()
	h := f.entry(t, "Task", nil, "T1")
	w := NewIfExists(f.cfg(ir.Template{Type: "Task"}, 1, 5), true, []string{h.ID()})

	w.CaughtUp(now)
	assert.False(t, w.Resolved())

	require.Equal(t, holder.Removed, h.Abort("T1"))
	assert.False(t, w.CatchUp(Removal(h, ""), 6, now))
	assert.True(t, w.Resolved())
}

func TestIfExistsResolvesOnCommit(t *testing.T) {
	f := newFixture()
	h := f.entry(t, "Task", nil, "T1")
	w := NewIfExists(f.cfg(ir.Template{Type: "Task"}, 1, 5), true, []string{h.ID()})
	require.NoError(t, f.idx.Register(w))
	w.CaughtUp(now)

	require.Equal(t, holder.Published, h.Commit("T1"))
	f.offer(ForResolution(h, holder.Published), 6)

	state, rep, _ := w.Result()
	assert.Equal(t, ResolvedWithEntry, state)
	assert.Equal(t, h.ID(), rep.ID)
	assert.True(t, h.IsRemoved())
}

func TestIfExistsReadIgnoresReadLockRelease(t *testing.T) {
	f := newFixture()
	h := f.entry(t, "Task", nil, "")
	read := NewIfExists(f.cfg(ir.Template{Type: "Task"}, 1, 0), false, []string{"other"})
	take := NewIfExists(f.cfg(ir.Template{Type: "Task"}, 2, 0), true, []string{"other"})

	release := NewTransition(h, true, false, false, "")
	assert.False(t, read.IsInterested(release, 1))
	assert.True(t, take.IsInterested(release, 1))
	assert.True(t, read.IsInterested(Removal(h, ""), 1))
	assert.False(t, read.IsInterested(Removal(h, "T"), 1))
}

// TestIfExistsBacklogRace replays a release that happened between the
// query's start and its registration: the watcher must capture the entry
// rather than resolve with nothing.
func TestIfExistsBacklogRace(t *testing.T) {
	f := newFixture()
	h := f.entry(t, "Task", nil, "")
	require.Equal(t, holder.TakeLocked, h.Capture("T1", true, now))
	w := NewIfExists(f.cfg(ir.Template{Type: "Task"}, 1, 5), true, []string{h.ID()})

	// Rolled back before the watcher was registered, so only history has it.
	r := h.Abort("T1")
	require.Equal(t, holder.Restored, r)
	backlog := ForResolution(h, r)

	require.NoError(t, f.idx.Register(w))
	assert.True(t, w.CatchUp(backlog, 6, now))
	w.CaughtUp(now)

	state, rep, _ := w.Result()
	assert.Equal(t, ResolvedWithEntry, state)
	assert.Equal(t, h.ID(), rep.ID)
}
