package watch

import (
	"sync/atomic"
	"time"

	"github.com/pfirmstone/JGDMS-sub001/internal/ir"
	"github.com/pfirmstone/JGDMS-sub001/internal/txn"
)

// RegistrationKind distinguishes notify registrations from availability
// registrations.
type RegistrationKind int

const (
	// Notify registrations hear about every new matching entry.
	Notify RegistrationKind = iota + 1
	// Availability registrations hear about every matching entry that
	// becomes available, or visible when VisibilityOnly is set.
	Availability
)

func (k RegistrationKind) String() string {
	switch k {
	case Notify:
		return "notify"
	case Availability:
		return "availability"
	default:
		return "unknown"
	}
}

// RemoteEvent is one event queued for a registration's listener.
type RemoteEvent struct {
	RegistrationID string
	Kind           RegistrationKind
	Seq            uint64
	Entry          *ir.EntryRep // availability events only
	Visible        bool
	Handback       []byte
}

// Sink accepts events for asynchronous delivery. Deliver must not block
// on the listener.
type Sink interface {
	Deliver(ev RemoteEvent)
}

// RegistrationConfig holds what a registration is created with.
type RegistrationConfig struct {
	ID             string
	Kind           RegistrationKind
	Key            OrderKey
	Start          uint64
	Templates      []ir.Template
	Txn            *txn.Txn
	VisibilityOnly bool
	Handback       []byte
	Expiration     time.Time
	Sink           Sink
}

// Registration is a leased event registration. It owns one EventWatcher
// per template; they share the sequence counter and deliver each
// transition at most once between them.
type Registration struct {
	cfg       RegistrationConfig
	seq       atomic.Uint64
	expires   atomic.Int64
	cancelled atomic.Bool
	watchers  []*EventWatcher
}

// NewRegistration creates a registration and its watchers. A registration
// with no templates gets a single match-everything template.
func NewRegistration(cfg RegistrationConfig) *Registration {
	if len(cfg.Templates) == 0 {
		cfg.Templates = []ir.Template{{}}
	}
	r := &Registration{cfg: cfg}
	r.SetExpiration(cfg.Expiration)
	for _, tmpl := range cfg.Templates {
		r.watchers = append(r.watchers, &EventWatcher{reg: r, tmpl: tmpl})
	}
	return r
}

// ID returns the registration id.
func (r *Registration) ID() string { return r.cfg.ID }

// Kind returns the registration kind.
func (r *Registration) Kind() RegistrationKind { return r.cfg.Kind }

// Templates returns the templates registered.
func (r *Registration) Templates() []ir.Template { return r.cfg.Templates }

// Txn returns the registration's transaction, or nil.
func (r *Registration) Txn() *txn.Txn { return r.cfg.Txn }

// VisibilityOnly reports whether an availability registration only hears
// about visible entries.
func (r *Registration) VisibilityOnly() bool { return r.cfg.VisibilityOnly }

// Handback returns the opaque payload echoed in every event.
func (r *Registration) Handback() []byte { return r.cfg.Handback }

// Watchers returns the per-template watchers to register in the index.
func (r *Registration) Watchers() []*EventWatcher { return r.watchers }

// Seq returns the sequence number of the last event queued.
func (r *Registration) Seq() uint64 { return r.seq.Load() }

// SetSeq restores the sequence counter during recovery.
func (r *Registration) SetSeq(n uint64) { r.seq.Store(n) }

// Expiration returns the lease expiration; zero means never.
func (r *Registration) Expiration() time.Time {
	n := r.expires.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// SetExpiration renews the registration's lease.
func (r *Registration) SetExpiration(t time.Time) {
	if t.IsZero() {
		r.expires.Store(0)
		return
	}
	r.expires.Store(t.UnixNano())
}

// IsExpired reports whether the lease ran out by now.
func (r *Registration) IsExpired(now time.Time) bool {
	n := r.expires.Load()
	return n != 0 && now.UnixNano() >= n
}

// Cancel stops delivery. It reports whether this call cancelled it.
func (r *Registration) Cancel() bool {
	return r.cancelled.CompareAndSwap(false, true)
}

// Cancelled reports whether the registration was cancelled.
func (r *Registration) Cancelled() bool { return r.cancelled.Load() }

// Prepare implements txn.Transactable. A registration made under a
// transaction lives only as long as the transaction.
func (r *Registration) Prepare(*txn.Txn) txn.Vote {
	r.Cancel()
	return txn.NotChanged
}

// Commit implements txn.Transactable.
func (r *Registration) Commit(*txn.Txn) {}

// Abort implements txn.Transactable.
func (r *Registration) Abort(*txn.Txn) { r.Cancel() }

func (r *Registration) txnID() string {
	if r.cfg.Txn == nil {
		return ""
	}
	return r.cfg.Txn.ID()
}

// EventWatcher is the index-side half of a registration for one template.
type EventWatcher struct {
	reg  *Registration
	tmpl ir.Template
	th   atomic.Pointer[TemplateHandle]
}

// Registration returns the owning registration.
func (w *EventWatcher) Registration() *Registration { return w.reg }

func (w *EventWatcher) ID() string { return w.reg.cfg.ID }

func (w *EventWatcher) Key() OrderKey { return w.reg.cfg.Key }

func (w *EventWatcher) StartOrdinal() uint64 { return w.reg.cfg.Start }

func (w *EventWatcher) Template() ir.Template { return w.tmpl }

func (w *EventWatcher) attach(h *TemplateHandle) { w.th.Store(h) }

func (w *EventWatcher) handle() *TemplateHandle { return w.th.Load() }

// IsInterested implements Watcher.
func (w *EventWatcher) IsInterested(tr *Transition, ordinal uint64) bool {
	r := w.reg
	if ordinal <= r.cfg.Start || r.cancelled.Load() || !tr.compatible(r.txnID()) {
		return false
	}
	if r.cfg.Kind == Notify {
		return tr.NewEntry
	}
	if r.cfg.VisibilityOnly {
		return tr.Visible
	}
	return tr.Available
}

// Process implements Watcher. It queues one event unless another watcher
// of the same registration already handled tr. It never consumes.
func (w *EventWatcher) Process(tr *Transition, _ uint64, now time.Time) bool {
	r := w.reg
	if r.cancelled.Load() || r.IsExpired(now) {
		return false
	}
	if !tr.MarkProcessed(r.cfg.ID) {
		return false
	}
	ev := RemoteEvent{
		RegistrationID: r.cfg.ID,
		Kind:           r.cfg.Kind,
		Seq:            r.seq.Add(1),
		Visible:        tr.Visible,
		Handback:       r.cfg.Handback,
	}
	if r.cfg.Kind == Availability {
		ev.Entry = tr.Rep()
	}
	r.cfg.Sink.Deliver(ev)
	return false
}

// CatchUp implements Watcher.
func (w *EventWatcher) CatchUp(tr *Transition, ordinal uint64, now time.Time) bool {
	if !w.IsInterested(tr, ordinal) || !w.tmpl.Matches(tr.Rep()) {
		return false
	}
	return w.Process(tr, ordinal, now)
}

// Detachable implements Watcher.
func (w *EventWatcher) Detachable(now time.Time) bool {
	return w.reg.cancelled.Load() || w.reg.IsExpired(now)
}
