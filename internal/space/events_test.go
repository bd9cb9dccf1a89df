package space

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pfirmstone/JGDMS-sub001/internal/ir"
	"github.com/pfirmstone/JGDMS-sub001/internal/testutil"
	"github.com/pfirmstone/JGDMS-sub001/internal/watch"
)

func TestNotifyDeliversNewMatchingEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := testutil.NewRecordingListener("audit")

	reg, err := f.s.Notify(ctx, pointsAt(1), "", l, 0, []byte("hb"))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), reg.Seq)

	f.write(t, point(1, 1), "")
	f.write(t, point(2, 2), "")
	f.write(t, colorPoint(1, 5, "red"), "")
	f.s.Flush(ctx)

	events := l.Events()
	require.Len(t, events, 2)
	for i, ev := range events {
		assert.Equal(t, reg.ID, ev.RegistrationID)
		assert.Equal(t, watch.Notify, ev.Kind)
		assert.Equal(t, uint64(i+1), ev.Seq)
		assert.Equal(t, []byte("hb"), ev.Handback)
		assert.Nil(t, ev.Entry)
	}
}

func TestNotifyIgnoresRestoredAndEarlierEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.write(t, point(1, 1), "")
	f.s.Flush(ctx)

	l := testutil.NewRecordingListener("audit")
	_, err := f.s.Notify(ctx, anyPoint, "", l, 0, nil)
	require.NoError(t, err)

	rep, err := f.s.Take(ctx, anyPoint, "t1", NoWait)
	require.NoError(t, err)
	require.NotNil(t, rep)
	require.NoError(t, f.s.Abort(ctx, "t1"))
	f.s.Flush(ctx)

	assert.Empty(t, l.Events())
}

func TestNotifyUnderTransactionSeesItsWrites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := testutil.NewRecordingListener("audit")

	_, err := f.s.Notify(ctx, anyPoint, "t1", l, 0, nil)
	require.NoError(t, err)
	f.write(t, point(1, 1), "t1")
	f.write(t, point(2, 2), "t2")
	f.s.Flush(ctx)
	assert.Len(t, l.Events(), 1)

	require.NoError(t, f.s.Commit(ctx, "t1"))
	f.write(t, point(3, 3), "")
	f.s.Flush(ctx)
	assert.Len(t, l.Events(), 1, "the registration ended with its transaction")
}

func TestRunDeliversEventsAsynchronously(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	ctx := context.Background()
	l := testutil.NewRecordingListener("audit")

	_, err := f.s.Notify(ctx, anyPoint, "", l, 0, nil)
	require.NoError(t, err)
	for i := int64(0); i < 5; i++ {
		f.write(t, point(i, i), "")
	}

	require.True(t, l.WaitFor(5, 5*time.Second))
	for i, ev := range l.Events() {
		assert.Equal(t, uint64(i+1), ev.Seq)
	}
}

func TestUnknownEventCancelsRegistration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := testutil.NewRecordingListener("audit")
	l.ReplyWith(func(watch.RemoteEvent) error { return ErrUnknownEvent })

	reg, err := f.s.Notify(ctx, anyPoint, "", l, time.Hour, nil)
	require.NoError(t, err)

	f.write(t, point(1, 1), "")
	f.s.Flush(ctx)
	f.write(t, point(2, 2), "")
	f.s.Flush(ctx)

	assert.Len(t, l.Events(), 1)
	_, err = f.s.Renew(ctx, reg.ID, time.Hour)
	assert.ErrorIs(t, err, ErrUnknownLease)
	_, scheduled := f.sched.Due(reg.ID)
	assert.False(t, scheduled)
}

func TestAvailabilityEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := testutil.NewRecordingListener("avail")

	_, err := f.s.RegisterForAvailability(ctx, []ir.Template{pointsAt(1), anyPoint}, "", false, l, 0, nil)
	require.NoError(t, err)

	lease := f.write(t, point(1, 1), "")
	f.write(t, point(2, 2), "")
	f.write(t, point(3, 3), "")
	f.s.Flush(ctx)
	require.Len(t, l.Events(), 3, "one event per entry, even where both templates match")

	rep, err := f.s.Take(ctx, pointsAt(1), "t1", NoWait)
	require.NoError(t, err)
	require.NotNil(t, rep)
	require.NoError(t, f.s.Abort(ctx, "t1"))
	f.s.Flush(ctx)

	events := l.Events()
	require.Len(t, events, 4)
	last := events[3]
	assert.Equal(t, watch.Availability, last.Kind)
	assert.True(t, last.Visible)
	require.NotNil(t, last.Entry)
	assert.Equal(t, lease.ID, last.Entry.ID)
}

func TestAvailabilityVisibilityOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	all := testutil.NewRecordingListener("all")
	visible := testutil.NewRecordingListener("visible")

	_, err := f.s.RegisterForAvailability(ctx, []ir.Template{anyPoint}, "", false, all, 0, nil)
	require.NoError(t, err)
	_, err = f.s.RegisterForAvailability(ctx, []ir.Template{anyPoint}, "", true, visible, 0, nil)
	require.NoError(t, err)

	f.write(t, point(1, 1), "")
	rep, err := f.s.Read(ctx, anyPoint, "t1", NoWait)
	require.NoError(t, err)
	require.NotNil(t, rep)
	require.NoError(t, f.s.Commit(ctx, "t1"))
	f.s.Flush(ctx)

	require.Len(t, all.Events(), 2, "write, then read lock released")
	assert.False(t, all.Events()[1].Visible)
	assert.Len(t, visible.Events(), 1)
}

func TestRegisterRejectsMissingListener(t *testing.T) {
	f := newFixture(t)
	_, err := f.s.Notify(context.Background(), anyPoint, "", nil, 0, nil)
	var oe *OpError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, ErrCodeUnknownListener, oe.Code)
}

func TestListenerFunc(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var got []uint64
	_, err := f.s.Notify(ctx, anyPoint, "", ListenerFunc(func(_ context.Context, ev watch.RemoteEvent) error {
		got = append(got, ev.Seq)
		return nil
	}), 0, nil)
	require.NoError(t, err)

	f.write(t, point(1, 1), "")
	f.s.Flush(ctx)
	assert.Equal(t, []uint64{1}, got)
}
