package watch

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pfirmstone/JGDMS-sub001/internal/holder"
	"github.com/pfirmstone/JGDMS-sub001/internal/ir"
	"github.com/pfirmstone/JGDMS-sub001/internal/txn"
	"github.com/pfirmstone/JGDMS-sub001/internal/typetree"
)

var now = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// handleCapturer captures straight on the handle, as the space does minus
// logging.
type handleCapturer struct {
	mu    sync.Mutex
	calls int
}

func (c *handleCapturer) Capture(h *holder.Handle, t *txn.Txn, take bool, now time.Time) bool {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	id := ""
	if t != nil {
		id = t.ID()
	}
	return h.Capture(id, take, now).OK()
}

// sink records delivered events.
type sink struct {
	mu     sync.Mutex
	events []RemoteEvent
}

func (s *sink) Deliver(ev RemoteEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *sink) Events() []RemoteEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RemoteEvent(nil), s.events...)
}

type fixture struct {
	types *typetree.Tree
	idx   *Index
	cap   *handleCapturer
}

func newFixture() *fixture {
	types := typetree.New()
	return &fixture{types: types, idx: NewIndex(types), cap: &handleCapturer{}}
}

// entry creates a committed (writeTxn "") or uncommitted entry handle.
func (f *fixture) entry(t *testing.T, typeName string, supertypes []string, writeTxn string, fields ...ir.IRValue) *holder.Handle {
	t.Helper()
	f.types.Record(typeName, supertypes, len(fields))
	rep, err := ir.NewEntryRep(ir.NewID(), ir.Entry{Type: typeName, Supertypes: supertypes, Fields: fields}, time.Time{}, f.types.FieldCount)
	require.NoError(t, err)
	return holder.NewHandle(rep, writeTxn)
}

func (f *fixture) cfg(tmpl ir.Template, ts int64, start uint64) QueryConfig {
	return QueryConfig{
		ID:       ir.NewID(),
		Key:      NewOrderKey(time.Unix(0, ts)),
		Start:    start,
		Template: tmpl,
		Capturer: f.cap,
	}
}

// offer delivers tr the way the journal's dispatcher does and returns the
// watchers it was offered to.
func (f *fixture) offer(tr *Transition, ordinal uint64) []Watcher {
	var offered []Watcher
	for _, w := range f.idx.Broadcast(tr, ordinal) {
		offered = append(offered, w)
		if w.Process(tr, ordinal, now) {
			break
		}
	}
	return offered
}

func str(s string) ir.IRValue { return ir.IRString(s) }
