package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pfirmstone/JGDMS-sub001/internal/ir"
)

func TestAppend_RecordsInSeqOrder(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()
	exp := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	rep := createTestRep(t, "e1", "Task", ir.IRString("a"))
	require.NoError(t, s.AppendWrite(ctx, rep, "t1"))
	require.NoError(t, s.AppendTake(ctx, "e1", "t1"))
	require.NoError(t, s.AppendRenew(ctx, "e1", exp))
	require.NoError(t, s.AppendCancel(ctx, "e1", true))
	require.NoError(t, s.AppendPrepare(ctx, "t1"))
	require.NoError(t, s.AppendCommit(ctx, "t1"))
	require.NoError(t, s.AppendAbort(ctx, "t2"))

	ops, err := s.ReadOps(ctx, 0)
	require.NoError(t, err)
	require.Len(t, ops, 7)

	kinds := make([]OpKind, len(ops))
	for i, o := range ops {
		kinds[i] = o.Kind
		assert.Equal(t, ir.LogVersion, o.LogVersion)
		if i > 0 {
			assert.Greater(t, o.Seq, ops[i-1].Seq)
		}
	}
	assert.Equal(t, []OpKind{OpWrite, OpTake, OpRenew, OpCancel, OpPrepare, OpCommit, OpAbort}, kinds)

	assert.Equal(t, "e1", ops[0].TargetID)
	assert.Equal(t, "t1", ops[0].TxnID)
	assert.Equal(t, exp, ops[2].Expiration)
	assert.True(t, ops[0].Expiration.IsZero(), "zero expiration round-trips as never")
	assert.JSONEq(t, `{"expired":true}`, ops[3].Payload)
}

func TestAppendWrite_CanonicalPayload(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	rep := createTestRep(t, "e1", "Task", ir.IRString("a"), ir.IRInt(2), nil)
	require.NoError(t, s.AppendWrite(ctx, rep, ""))

	ops, err := s.ReadOps(ctx, 0)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, `{"fields":["a",2,null],"supertypes":[],"type":"Task"}`, ops[0].Payload)
}

func TestReadOps_AfterSeq(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.AppendTake(ctx, id, ""))
	}

	last, err := s.LastSeq(ctx)
	require.NoError(t, err)

	ops, err := s.ReadOps(ctx, last-1)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "c", ops[0].TargetID)

	ops, err = s.ReadOps(ctx, last)
	require.NoError(t, err)
	assert.NotNil(t, ops)
	assert.Empty(t, ops)
}

func TestReadTargetOps(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	require.NoError(t, s.AppendWrite(ctx, createTestRep(t, "e1", "Task"), ""))
	require.NoError(t, s.AppendWrite(ctx, createTestRep(t, "e2", "Task"), ""))
	require.NoError(t, s.AppendTake(ctx, "e1", ""))

	ops, err := s.ReadTargetOps(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, OpWrite, ops[0].Kind)
	assert.Equal(t, OpTake, ops[1].Kind)
}

func TestLastSeq_Empty(t *testing.T) {
	s := createTestStore(t)

	seq, err := s.LastSeq(t.Context())
	require.NoError(t, err)
	assert.Equal(t, int64(0), seq)
}

func TestNextSession_Increments(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	first, err := s.NextSession(ctx)
	require.NoError(t, err)
	second, err := s.NextSession(ctx)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), first)
	assert.Equal(t, uint64(2), second)
}
