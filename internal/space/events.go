package space

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pfirmstone/JGDMS-sub001/internal/ir"
	"github.com/pfirmstone/JGDMS-sub001/internal/store"
	"github.com/pfirmstone/JGDMS-sub001/internal/txn"
	"github.com/pfirmstone/JGDMS-sub001/internal/watch"
)

// Listener receives the remote events of a registration. Notify is called
// from the space's sender goroutine, one event at a time and in sequence
// order per registration. Returning ErrUnknownEvent cancels the
// registration; any other error is logged and the event dropped.
type Listener interface {
	Notify(ctx context.Context, ev watch.RemoteEvent) error
}

// NamedListener is a Listener with a stable name. Registrations of named
// listeners survive a restart: recovery binds them again by name through
// the resolver set with WithListenerResolver.
type NamedListener interface {
	Listener
	Name() string
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, ev watch.RemoteEvent) error

// Notify implements Listener.
func (f ListenerFunc) Notify(ctx context.Context, ev watch.RemoteEvent) error { return f(ctx, ev) }

// EventRegistration is what a client gets back from Notify and
// RegisterForAvailability.
type EventRegistration struct {
	ID string
	// Seq is the sequence number of the last event sent before the
	// registration was made; the first event carries Seq+1.
	Seq   uint64
	Lease Lease
}

// registration binds a watch registration to its listener.
type registration struct {
	reg      *watch.Registration
	listener Listener
	name     string
}

// Notify registers l for every entry matching tmpl written after the call,
// visible under txnID. A registration under a transaction ends with it.
func (s *Space) Notify(ctx context.Context, tmpl ir.Template, txnID string, l Listener, lease time.Duration, handback []byte) (EventRegistration, error) {
	return s.register(ctx, "notify", watch.Notify, []ir.Template{tmpl}, txnID, false, l, lease, handback)
}

// RegisterForAvailability registers l for every entry matching any of
// tmpls that becomes available to take under txnID, or only for those that
// become visible when visibilityOnly is set. Events carry the entry.
func (s *Space) RegisterForAvailability(ctx context.Context, tmpls []ir.Template, txnID string, visibilityOnly bool, l Listener, lease time.Duration, handback []byte) (EventRegistration, error) {
	return s.register(ctx, "register_availability", watch.Availability, tmpls, txnID, visibilityOnly, l, lease, handback)
}

func (s *Space) register(ctx context.Context, op string, kind watch.RegistrationKind, tmpls []ir.Template, txnID string, visibilityOnly bool, l Listener, lease time.Duration, handback []byte) (EventRegistration, error) {
	s.open()
	if l == nil {
		return EventRegistration{}, &OpError{Op: op, Code: ErrCodeUnknownListener, Message: "listener is required"}
	}
	for _, tmpl := range tmpls {
		if _, err := ir.TemplateKey(tmpl); err != nil {
			s.metrics.ops.WithLabelValues(op, "invalid").Inc()
			return EventRegistration{}, invalidTemplate(op, err)
		}
	}

	var t *txn.Txn
	if txnID != "" {
		var err error
		if t, err = s.txns.Join(txnID); err != nil {
			s.metrics.ops.WithLabelValues(op, "error").Inc()
			return EventRegistration{}, fmt.Errorf("%s: %w", op, err)
		}
	}

	now := s.now()
	exp := s.grant(lease, now)
	start := s.journal.Begin()
	defer s.journal.End(start)

	reg := watch.NewRegistration(watch.RegistrationConfig{
		ID:             ir.NewID(),
		Kind:           kind,
		Key:            watch.NewOrderKey(now),
		Start:          start,
		Templates:      tmpls,
		Txn:            t,
		VisibilityOnly: visibilityOnly,
		Handback:       handback,
		Expiration:     exp,
		Sink:           s.sender,
	})
	name := listenerName(l)

	if err := s.log.AppendRegister(ctx, store.RegistrationRecord{
		ID:             reg.ID(),
		Kind:           kind.String(),
		Templates:      reg.Templates(),
		TxnID:          txnID,
		VisibilityOnly: visibilityOnly,
		Handback:       handback,
		Listener:       name,
		Expiration:     exp,
	}); err != nil {
		s.metrics.ops.WithLabelValues(op, "error").Inc()
		return EventRegistration{}, logFailure(op, reg.ID(), err)
	}

	if err := s.install(reg, l, name); err != nil {
		s.metrics.ops.WithLabelValues(op, "error").Inc()
		return EventRegistration{}, fmt.Errorf("%s: %w", op, err)
	}
	if t != nil {
		if err := t.Join(reg); err != nil {
			s.cancelRegistration(reg.ID())
			s.metrics.ops.WithLabelValues(op, "error").Inc()
			return EventRegistration{}, fmt.Errorf("%s: %w", op, err)
		}
	}
	s.schedule(reg.ID(), exp)

	for _, w := range reg.Watchers() {
		s.journal.CatchUp(w)
	}

	s.metrics.ops.WithLabelValues(op, "ok").Inc()
	slog.Debug("registration created",
		"registration_id", reg.ID(),
		"kind", kind.String(),
		"templates", len(reg.Templates()),
		"txn_id", txnID,
		"listener", name,
	)
	return EventRegistration{ID: reg.ID(), Seq: reg.Seq(), Lease: Lease{ID: reg.ID(), Expiration: exp}}, nil
}

// install adds reg to the registration table, then its watchers to the
// template index. The table comes first so the sender can find every
// event the watchers produce.
func (s *Space) install(reg *watch.Registration, l Listener, name string) error {
	s.regMu.Lock()
	s.regs[reg.ID()] = &registration{reg: reg, listener: l, name: name}
	s.regMu.Unlock()

	for i, w := range reg.Watchers() {
		if err := s.index.Register(w); err != nil {
			for _, done := range reg.Watchers()[:i] {
				s.index.Remove(done)
			}
			s.regMu.Lock()
			delete(s.regs, reg.ID())
			s.regMu.Unlock()
			return err
		}
	}
	return nil
}

func listenerName(l Listener) string {
	if n, ok := l.(NamedListener); ok {
		return n.Name()
	}
	return ""
}

func (s *Space) lookupRegistration(id string) (*registration, bool) {
	s.regMu.RLock()
	defer s.regMu.RUnlock()
	r, ok := s.regs[id]
	return r, ok
}

// registration returns the live registration with the given id.
func (s *Space) registration(id string) (*watch.Registration, bool) {
	r, ok := s.lookupRegistration(id)
	if !ok {
		return nil, false
	}
	return r.reg, true
}

// cancelRegistration cancels a registration and detaches its watchers. It
// reports whether the registration was still in the table.
func (s *Space) cancelRegistration(id string) bool {
	s.regMu.Lock()
	r, ok := s.regs[id]
	delete(s.regs, id)
	s.regMu.Unlock()
	if !ok {
		return false
	}
	r.reg.Cancel()
	for _, w := range r.reg.Watchers() {
		s.index.Remove(w)
	}
	return true
}

// lapsedRegistrations returns the registrations that expired by now or
// were cancelled by the end of their transaction.
func (s *Space) lapsedRegistrations(now time.Time) []*watch.Registration {
	s.regMu.RLock()
	defer s.regMu.RUnlock()
	var out []*watch.Registration
	for _, r := range s.regs {
		if r.reg.Cancelled() || r.reg.IsExpired(now) {
			out = append(out, r.reg)
		}
	}
	return out
}

// sender queues events from the dispatcher and hands them to listeners on
// its own goroutine, so a slow listener never holds up matching.
//
// Thread-safe: Deliver may be called from any goroutine; Run and Flush
// deliver one event at a time.
type sender struct {
	s *Space

	mu     sync.Mutex
	queue  []watch.RemoteEvent
	signal chan struct{}

	deliverMu sync.Mutex
}

func newSender(s *Space) *sender {
	return &sender{s: s, signal: make(chan struct{}, 1)}
}

// Deliver implements watch.Sink.
func (q *sender) Deliver(ev watch.RemoteEvent) {
	q.mu.Lock()
	q.queue = append(q.queue, ev)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *sender) pop() (watch.RemoteEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.queue) == 0 {
		return watch.RemoteEvent{}, false
	}
	ev := q.queue[0]
	q.queue[0] = watch.RemoteEvent{}
	q.queue = q.queue[1:]
	return ev, true
}

// Len returns the number of events waiting for delivery.
func (q *sender) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// Run delivers events until ctx is cancelled.
func (q *sender) Run(ctx context.Context) error {
	for {
		if q.next(ctx) {
			continue
		}
		select {
		case <-ctx.Done():
			if n := q.Len(); n > 0 {
				slog.Warn("event sender stopping with undelivered events", "events", n)
			}
			return ctx.Err()
		case <-q.signal:
		}
	}
}

// Flush delivers every queued event on the caller's goroutine and returns
// how many it handled.
func (q *sender) Flush(ctx context.Context) int {
	n := 0
	for q.next(ctx) {
		n++
	}
	return n
}

func (q *sender) next(ctx context.Context) bool {
	q.deliverMu.Lock()
	defer q.deliverMu.Unlock()
	ev, ok := q.pop()
	if !ok {
		return false
	}
	q.send(ctx, ev)
	return true
}

func (q *sender) send(ctx context.Context, ev watch.RemoteEvent) {
	m := q.s.metrics.events
	r, ok := q.s.lookupRegistration(ev.RegistrationID)
	if !ok || r.reg.Cancelled() {
		m.WithLabelValues("dropped").Inc()
		return
	}

	err := r.listener.Notify(ctx, ev)
	switch {
	case err == nil:
		m.WithLabelValues("delivered").Inc()
	case errors.Is(err, ErrUnknownEvent):
		m.WithLabelValues("unknown").Inc()
		if q.s.cancelRegistration(ev.RegistrationID) {
			q.s.sched.Unschedule(ev.RegistrationID)
			if err := q.s.log.AppendCancel(ctx, ev.RegistrationID, false); err != nil {
				slog.Error("log cancel failed", "registration_id", ev.RegistrationID, "error", err)
			}
		}
		slog.Info("registration cancelled by listener", "registration_id", ev.RegistrationID, "seq", ev.Seq)
	default:
		m.WithLabelValues("failed").Inc()
		slog.Warn("event delivery failed",
			"registration_id", ev.RegistrationID,
			"seq", ev.Seq,
			"error", err,
		)
	}
}
