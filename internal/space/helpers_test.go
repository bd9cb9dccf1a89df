package space

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/pfirmstone/JGDMS-sub001/internal/ir"
	"github.com/pfirmstone/JGDMS-sub001/internal/testutil"
)

var testTypes = []ir.TypeDecl{
	{Name: "Point", Fields: []string{"x", "y"}},
	{Name: "ColorPoint", Extends: "Point", Fields: []string{"color"}},
	{Name: "Task", Fields: []string{"queue", "payload"}},
}

// fixture is a space on a manual clock and lease scheduler.
type fixture struct {
	s     *Space
	clock *testutil.ManualClock
	sched *testutil.ManualScheduler
	reg   *prometheus.Registry
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		clock: testutil.NewManualClock(time.Time{}),
		sched: testutil.NewManualScheduler(),
		reg:   prometheus.NewRegistry(),
	}
	base := []Option{
		WithClock(f.clock.Now),
		WithLeaseScheduler(f.sched),
		WithRegisterer(f.reg),
		WithReapInterval(time.Hour),
		WithTypes(testTypes...),
	}
	s, err := New(append(base, opts...)...)
	require.NoError(t, err)
	f.s = s
	return f
}

// start runs the space until the test ends.
func (f *fixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				t.Errorf("run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("space did not stop")
		}
	})
}

// waitWatchers blocks until n watchers are registered.
func (f *fixture) waitWatchers(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return f.s.Stats().Watchers == n },
		5*time.Second, time.Millisecond, "want %d watchers", n)
}

func (f *fixture) write(t *testing.T, e ir.Entry, txnID string) Lease {
	t.Helper()
	l, err := f.s.Write(context.Background(), e, txnID, 0)
	require.NoError(t, err)
	return l
}

// result is the outcome of an operation run in the background.
type result struct {
	rep *ir.EntryRep
	err error
}

// async runs op on its own goroutine.
func async(op func() (*ir.EntryRep, error)) <-chan result {
	ch := make(chan result, 1)
	go func() {
		rep, err := op()
		ch <- result{rep, err}
	}()
	return ch
}

func await(t *testing.T, ch <-chan result) result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("operation did not finish")
		return result{}
	}
}

func assertPending(t *testing.T, ch <-chan result) {
	t.Helper()
	select {
	case r := <-ch:
		t.Fatalf("operation finished early: %+v", r)
	case <-time.After(20 * time.Millisecond):
	}
}

func point(x, y int64) ir.Entry {
	return ir.Entry{Type: "Point", Fields: []ir.IRValue{ir.IRInt(x), ir.IRInt(y)}}
}

func colorPoint(x, y int64, color string) ir.Entry {
	return ir.Entry{Type: "ColorPoint", Supertypes: []string{"Point"},
		Fields: []ir.IRValue{ir.IRInt(x), ir.IRInt(y), ir.IRString(color)}}
}

func pointsAt(x int64) ir.Template {
	return ir.Template{Type: "Point", Fields: []ir.IRValue{ir.IRInt(x)}}
}

var anyPoint = ir.Template{Type: "Point"}

// failingLog refuses every append after the first n.
type failingLog struct {
	transientLog
	mu sync.Mutex
	n  int
}

var errDiskFull = errors.New("disk full")

func (l *failingLog) fail() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.n > 0 {
		l.n--
		return nil
	}
	return errDiskFull
}

func (l *failingLog) AppendWrite(context.Context, *ir.EntryRep, string) error { return l.fail() }

func (l *failingLog) AppendPrepare(context.Context, string) error { return l.fail() }
