package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/pfirmstone/JGDMS-sub001/internal/compiler"
	"github.com/pfirmstone/JGDMS-sub001/internal/ir"
	"github.com/pfirmstone/JGDMS-sub001/internal/space"
	"github.com/pfirmstone/JGDMS-sub001/internal/store"
	"github.com/pfirmstone/JGDMS-sub001/internal/testutil"
	"github.com/pfirmstone/JGDMS-sub001/internal/txn"
)

// DefaultAwait is how long an await step waits when the step sets no
// wait.
const DefaultAwait = 5 * time.Second

// Option configures a run.
type Option func(*Harness)

// WithLogger sets the logger for step progress. Default: discard.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

// Harness runs one scenario against one space.
//
// Steps run on the caller's goroutine; only async queries run on their
// own. The space's dispatcher and sender never run in the background:
// the harness flushes them after each step.
type Harness struct {
	store     *store.Store
	space     *space.Space
	cfg       space.Config
	clock     *testutil.ManualClock
	sched     *testutil.ManualScheduler
	listeners map[string]*testutil.RecordingListener
	delivered map[string]int    // events already traced, per listener
	ids       map[string]string // step name → lease or registration id
	regNames  map[string]string // registration id → step name
	pending   map[string]*pendingOp
	opsCtx    context.Context
	logger    *slog.Logger
}

// pendingOp is an async query.
type pendingOp struct {
	op   string
	txn  string
	done chan opResult
	res  *opResult
}

type opResult struct {
	rep *ir.EntryRep
	err error
}

// poll collects the result if the query finished.
func (p *pendingOp) poll() bool {
	if p.res != nil {
		return true
	}
	select {
	case r := <-p.done:
		p.res = &r
		return true
	default:
		return false
	}
}

func (p *pendingOp) wait(d time.Duration) bool {
	if p.poll() {
		return true
	}
	select {
	case r := <-p.done:
		p.res = &r
		return true
	case <-time.After(d):
		return false
	}
}

// Run executes a scenario against a fresh space on an in-memory store
// and returns the result.
//
// Execution flow:
// 1. Load the configuration and open the space
// 2. Run every step, checking its expect clause
// 3. Flush transitions and events after each step
// 4. Evaluate assertions
//
// An error means the scenario could not be run at all; failed
// expectations are reported in the result.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	cfg := space.Config{}
	if scenario.Config != "" {
		loaded, err := compiler.LoadConfig(scenario.Config)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	cfg.Types = append(cfg.Types, scenario.Types...)
	if errs := compiler.ValidateTypes(cfg.Types); len(errs) > 0 {
		return nil, fmt.Errorf("scenario types: %w", errs[0])
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	opsCtx, cancelOps := context.WithCancel(ctx)
	h := &Harness{
		store:     st,
		cfg:       cfg,
		clock:     testutil.NewManualClock(testutil.Epoch),
		sched:     testutil.NewManualScheduler(),
		listeners: make(map[string]*testutil.RecordingListener),
		delivered: make(map[string]int),
		ids:       make(map[string]string),
		regNames:  make(map[string]string),
		pending:   make(map[string]*pendingOp),
		opsCtx:    opsCtx,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(h)
	}
	for _, name := range scenario.Listeners {
		h.listeners[name] = testutil.NewRecordingListener(name)
	}
	defer func() {
		cancelOps()
		for _, p := range h.pending {
			p.wait(DefaultAwait)
		}
	}()

	if err := h.open(ctx); err != nil {
		return nil, err
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		line, err := h.execute(ctx, i, step)
		if err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, step.Op, err)
		}
		result.AddStep(line)
		for _, msg := range checkExpect(step.Expect, line) {
			result.AddError(fmt.Sprintf("step %d (%s): %s", i, step.Op, msg))
		}

		h.space.Flush(ctx)
		h.collectEvents(i, result)

		h.logger.Info("step completed",
			"step", i,
			"op", step.Op,
			"outcome", line.Outcome,
		)
	}

	actx := &AssertionContext{Space: h.space, Ctx: ctx}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

// open creates the space from the store, recovering whatever an earlier
// space logged.
func (h *Harness) open(ctx context.Context) error {
	s, err := space.Open(ctx, h.store,
		space.WithConfig(h.cfg),
		space.WithClock(h.clock.Now),
		space.WithLeaseScheduler(h.sched),
		space.WithListenerResolver(h.resolve),
	)
	if err != nil {
		return fmt.Errorf("open space: %w", err)
	}
	h.space = s
	return nil
}

func (h *Harness) resolve(name string) (space.Listener, bool) {
	l, ok := h.listeners[name]
	return l, ok
}

// execute runs one step and returns its trace line. Space errors are
// outcomes; an error return means the step itself is unusable.
func (h *Harness) execute(ctx context.Context, i int, step Step) (TraceEvent, error) {
	line := TraceEvent{Step: i, Op: step.Op, Name: step.As, Txn: step.Txn}
	if step.Target != "" {
		line.Name = step.Target
	}
	lease, _ := time.ParseDuration(step.Lease)

	switch step.Op {
	case OpWrite:
		entry, err := step.Entry.Entry()
		if err != nil {
			return line, fmt.Errorf("entry: %w", err)
		}
		l, err := h.space.Write(ctx, entry, step.Txn, lease)
		if setOutcome(&line, err) && step.As != "" {
			h.ids[step.As] = l.ID
		}

	case OpRead, OpTake, OpReadIfExists, OpTakeIfExists:
		tmpl, err := step.Template.Template()
		if err != nil {
			return line, fmt.Errorf("template: %w", err)
		}
		timeout, _ := parseWait(step.Wait)
		if step.Async {
			return h.launch(ctx, line, step, tmpl, timeout)
		}
		rep, err := h.query(ctx, step.Op, tmpl, step.Txn, timeout)
		queryOutcome(&line, rep, err)

	case OpAwait:
		p, ok := h.pending[step.Target]
		if !ok {
			return line, fmt.Errorf("no async query named %q", step.Target)
		}
		line.Op, line.Txn = OpAwait, p.txn
		patience := DefaultAwait
		if step.Wait != "" {
			patience, _ = parseWait(step.Wait)
		}
		if !p.wait(patience) {
			line.Outcome = OutcomeBlocked
			return line, nil
		}
		delete(h.pending, step.Target)
		queryOutcome(&line, p.res.rep, p.res.err)

	case OpContents:
		var tmpl ir.Template
		if step.Template != nil {
			var err error
			if tmpl, err = step.Template.Template(); err != nil {
				return line, fmt.Errorf("template: %w", err)
			}
		}
		reps, err := h.space.Contents(ctx, tmpl, step.Txn, step.Limit)
		if setOutcome(&line, err) {
			line.Entries = make([]EntryView, 0, len(reps))
			for _, rep := range reps {
				line.Entries = append(line.Entries, viewOf(rep))
			}
		}

	case OpNotify:
		var tmpl ir.Template
		if step.Template != nil {
			var err error
			if tmpl, err = step.Template.Template(); err != nil {
				return line, fmt.Errorf("template: %w", err)
			}
		}
		reg, err := h.space.Notify(ctx, tmpl, step.Txn, h.listeners[step.Listener], lease, handback(step))
		h.registered(&line, step, reg, err)

	case OpAvailability:
		tmpls := make([]ir.Template, 0, len(step.Templates))
		for j, ts := range step.Templates {
			tmpl, err := ts.Template()
			if err != nil {
				return line, fmt.Errorf("templates[%d]: %w", j, err)
			}
			tmpls = append(tmpls, tmpl)
		}
		reg, err := h.space.RegisterForAvailability(ctx, tmpls, step.Txn, step.VisibilityOnly,
			h.listeners[step.Listener], lease, handback(step))
		h.registered(&line, step, reg, err)

	case OpPrepare:
		vote, err := h.space.Prepare(ctx, step.Txn)
		line.Vote = vote.String()
		setOutcome(&line, err)

	case OpPrepareAndCommit:
		vote, err := h.space.PrepareAndCommit(ctx, step.Txn)
		line.Vote = vote.String()
		setOutcome(&line, err)

	case OpCommit:
		setOutcome(&line, h.space.Commit(ctx, step.Txn))

	case OpAbort:
		setOutcome(&line, h.space.Abort(ctx, step.Txn))

	case OpRenew:
		id, ok := h.ids[step.Target]
		if !ok {
			return line, fmt.Errorf("no lease named %q", step.Target)
		}
		_, err := h.space.Renew(ctx, id, lease)
		setOutcome(&line, err)

	case OpCancel:
		id, ok := h.ids[step.Target]
		if !ok {
			return line, fmt.Errorf("no lease named %q", step.Target)
		}
		setOutcome(&line, h.space.Cancel(ctx, id))

	case OpAdvance:
		by, _ := time.ParseDuration(step.By)
		now := h.clock.Advance(by)
		fired := h.sched.Fire(now)
		h.logger.Debug("clock advanced", "now", now, "fired", len(fired))
		line.Outcome = OutcomeOK

	case OpReap:
		_, err := h.space.Reap(ctx)
		setOutcome(&line, err)

	case OpRestart:
		if len(h.pending) > 0 {
			return line, fmt.Errorf("restart with %d async queries outstanding", len(h.pending))
		}
		h.sched = testutil.NewManualScheduler()
		if err := h.open(ctx); err != nil {
			return line, err
		}
		line.Outcome = OutcomeOK

	default:
		return line, fmt.Errorf("unknown op %q", step.Op)
	}
	return line, nil
}

func (h *Harness) query(ctx context.Context, op string, tmpl ir.Template, txnID string, timeout time.Duration) (*ir.EntryRep, error) {
	switch op {
	case OpRead:
		return h.space.Read(ctx, tmpl, txnID, timeout)
	case OpTake:
		return h.space.Take(ctx, tmpl, txnID, timeout)
	case OpReadIfExists:
		return h.space.ReadIfExists(ctx, tmpl, txnID, timeout)
	default:
		return h.space.TakeIfExists(ctx, tmpl, txnID, timeout)
	}
}

var errStarting = errors.New("query still starting")

// launch starts an async query and returns once it either finished or
// registered its watcher, so later steps see it waiting.
func (h *Harness) launch(ctx context.Context, line TraceEvent, step Step, tmpl ir.Template, timeout time.Duration) (TraceEvent, error) {
	p := &pendingOp{op: step.Op, txn: step.Txn, done: make(chan opResult, 1)}
	before := h.space.Stats().Watchers
	go func() {
		rep, err := h.query(h.opsCtx, step.Op, tmpl, step.Txn, timeout)
		p.done <- opResult{rep, err}
	}()
	h.pending[step.As] = p

	b := retry.WithMaxDuration(DefaultAwait, retry.NewConstant(time.Millisecond))
	err := retry.Do(ctx, b, func(context.Context) error {
		if p.poll() || h.space.Stats().Watchers > before {
			return nil
		}
		return retry.RetryableError(errStarting)
	})
	if err != nil {
		return line, fmt.Errorf("async %s: %w", step.Op, err)
	}

	if p.poll() {
		queryOutcome(&line, p.res.rep, p.res.err)
		return line, nil
	}
	line.Outcome = OutcomeBlocked
	return line, nil
}

func (h *Harness) registered(line *TraceEvent, step Step, reg space.EventRegistration, err error) {
	if !setOutcome(line, err) || step.As == "" {
		return
	}
	h.ids[step.As] = reg.ID
	h.regNames[reg.ID] = step.As
}

// collectEvents traces the events delivered since the last step, one
// listener at a time in name order.
func (h *Harness) collectEvents(step int, result *Result) {
	names := make([]string, 0, len(h.listeners))
	for name := range h.listeners {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		events := h.listeners[name].Events()
		for _, ev := range events[h.delivered[name]:] {
			line := TraceEvent{
				Step:         step,
				Listener:     name,
				Registration: h.regNames[ev.RegistrationID],
				Kind:         ev.Kind.String(),
				Seq:          ev.Seq,
				Visible:      ev.Visible,
				Handback:     string(ev.Handback),
			}
			if ev.Entry != nil {
				v := viewOf(ev.Entry)
				line.Entry = &v
			}
			result.AddEvent(line)
		}
		h.delivered[name] = len(events)
	}
}

func handback(step Step) []byte {
	if step.Handback == "" {
		return nil
	}
	return []byte(step.Handback)
}

// setOutcome records err on the line and reports whether the operation
// succeeded.
func setOutcome(line *TraceEvent, err error) bool {
	if err != nil {
		line.Outcome = OutcomeError
		line.Error = ErrorCode(err)
		return false
	}
	line.Outcome = OutcomeOK
	return true
}

func queryOutcome(line *TraceEvent, rep *ir.EntryRep, err error) {
	if !setOutcome(line, err) {
		return
	}
	if rep == nil {
		line.Outcome = OutcomeNothing
		return
	}
	v := viewOf(rep)
	line.Entry = &v
}

func viewOf(rep *ir.EntryRep) EntryView {
	fields := make([]any, len(rep.Fields))
	for i, f := range rep.Fields {
		fields[i] = f
	}
	return EntryView{Type: rep.Type, Fields: fields}
}

// ErrorCode names the category of an error returned by the space, as
// used in traces and expect clauses.
func ErrorCode(err error) string {
	var oe *space.OpError
	switch {
	case errors.As(err, &oe):
		return string(oe.Code)
	case errors.Is(err, txn.ErrTransactionEnded):
		return "TRANSACTION_ENDED"
	case errors.Is(err, txn.ErrCannotJoin):
		return "CANNOT_JOIN"
	case errors.Is(err, txn.ErrUnknownTransaction):
		return "UNKNOWN_TRANSACTION"
	case errors.Is(err, space.ErrUnknownLease):
		return "UNKNOWN_LEASE"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "CANCELLED"
	default:
		return "ERROR"
	}
}

// checkExpect compares a step's trace line with its expect clause.
func checkExpect(exp *Expect, line TraceEvent) []string {
	if exp == nil {
		return nil
	}
	var errs []string

	want := exp.Outcome
	if want == "" && exp.Error != "" {
		want = OutcomeError
	}
	if want != "" && want != line.Outcome {
		got := line.Outcome
		if line.Error != "" {
			got += " " + line.Error
		}
		errs = append(errs, fmt.Sprintf("expected outcome %q, got %q", want, got))
	}
	if exp.Error != "" && exp.Error != line.Error {
		errs = append(errs, fmt.Sprintf("expected error %s, got %q", exp.Error, line.Error))
	}
	if exp.Vote != "" && exp.Vote != line.Vote {
		errs = append(errs, fmt.Sprintf("expected vote %s, got %q", exp.Vote, line.Vote))
	}
	if exp.Count != nil && *exp.Count != len(line.Entries) {
		errs = append(errs, fmt.Sprintf("expected %d entries, got %d", *exp.Count, len(line.Entries)))
	}
	if exp.Entry != nil {
		if msg := compareEntry(*exp.Entry, line.Entry); msg != "" {
			errs = append(errs, msg)
		}
	}
	return errs
}

func compareEntry(spec EntrySpec, got *EntryView) string {
	want, err := spec.Entry()
	if err != nil {
		return fmt.Sprintf("expected entry: %v", err)
	}
	if got == nil {
		return fmt.Sprintf("expected entry %s%v, got none", want.Type, spec.Fields)
	}
	if got.Type != want.Type || len(got.Fields) != len(want.Fields) {
		return fmt.Sprintf("expected entry %s%v, got %s%v", want.Type, spec.Fields, got.Type, got.Fields)
	}
	for i, f := range want.Fields {
		g, _ := got.Fields[i].(ir.IRValue)
		if !ir.Equal(f, g) {
			return fmt.Sprintf("expected entry %s%v, got %s%v", want.Type, spec.Fields, got.Type, got.Fields)
		}
	}
	return ""
}
