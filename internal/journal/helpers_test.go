package journal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pfirmstone/JGDMS-sub001/internal/holder"
	"github.com/pfirmstone/JGDMS-sub001/internal/ir"
	"github.com/pfirmstone/JGDMS-sub001/internal/txn"
	"github.com/pfirmstone/JGDMS-sub001/internal/typetree"
	"github.com/pfirmstone/JGDMS-sub001/internal/watch"
)

var now = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type handleCapturer struct{}

func (handleCapturer) Capture(h *holder.Handle, t *txn.Txn, take bool, now time.Time) bool {
	id := ""
	if t != nil {
		id = t.ID()
	}
	return h.Capture(id, take, now).OK()
}

type fixture struct {
	types *typetree.Tree
	idx   *watch.Index
	j     *Journal
}

func newFixture(opts ...Option) *fixture {
	types := typetree.New()
	idx := watch.NewIndex(types)
	opts = append([]Option{WithClock(func() time.Time { return now })}, opts...)
	return &fixture{types: types, idx: idx, j: New(idx, opts...)}
}

func (f *fixture) entry(t *testing.T, typeName string, fields ...ir.IRValue) *holder.Handle {
	t.Helper()
	f.types.Record(typeName, nil, len(fields))
	rep, err := ir.NewEntryRep(ir.NewID(), ir.Entry{Type: typeName, Fields: fields}, time.Time{}, f.types.FieldCount)
	require.NoError(t, err)
	return holder.NewHandle(rep, "")
}

func (f *fixture) cfg(typeName string, ts int64, start uint64) watch.QueryConfig {
	return watch.QueryConfig{
		ID:       ir.NewID(),
		Key:      watch.NewOrderKey(time.Unix(0, ts)),
		Start:    start,
		Template: ir.Template{Type: typeName},
		Capturer: handleCapturer{},
	}
}

func resolvedWith(t *testing.T, q watch.Query) *ir.EntryRep {
	t.Helper()
	require.True(t, q.Resolved(), "query should be resolved")
	state, rep, err := q.Result()
	require.NoError(t, err)
	require.Equal(t, watch.ResolvedWithEntry, state)
	return rep
}
