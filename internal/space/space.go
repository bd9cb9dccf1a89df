// Package space is the tuple space: it stores typed entries, answers
// blocking read and take queries with template matching, runs entry
// changes through transactions, and delivers remote events for matching
// entries.
//
// A space wires together the type tree, the entry holders, the template
// index and the transition journal. Every change to an entry's visibility
// becomes a transition; the journal numbers it and offers it to the
// watchers of the templates it matches.
//
// Thread-safety model:
//   - Client operations: safe from any goroutine, one goroutine per call
//   - Run: must be called from exactly one goroutine
//   - Recovery callbacks: only before the first client operation or Run
package space

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/pfirmstone/JGDMS-sub001/internal/holder"
	"github.com/pfirmstone/JGDMS-sub001/internal/ir"
	"github.com/pfirmstone/JGDMS-sub001/internal/journal"
	"github.com/pfirmstone/JGDMS-sub001/internal/txn"
	"github.com/pfirmstone/JGDMS-sub001/internal/typetree"
	"github.com/pfirmstone/JGDMS-sub001/internal/watch"
)

// Space is one tuple space.
type Space struct {
	types   *typetree.Tree
	entries *holder.Set
	index   *watch.Index
	journal *journal.Journal
	txns    *txn.Manager
	sender  *sender

	log            Log
	sched          LeaseScheduler
	now            func() time.Time
	reapInterval   time.Duration
	maxLease       time.Duration
	endedRetention time.Duration
	decls          []ir.TypeDecl
	listeners      func(name string) (Listener, bool)
	registerer     prometheus.Registerer
	metrics        *metrics

	regMu sync.RWMutex
	regs  map[string]*registration

	recoveryClosed atomic.Bool
	uuid           string
	session        uint64
}

// New creates a space. Declared types that cannot be placed in the type
// tree (unknown parent) are reported as an error.
func New(opts ...Option) (*Space, error) {
	s := &Space{
		types:          typetree.New(),
		entries:        holder.NewSet(),
		txns:           txn.NewManager(),
		log:            transientLog{},
		now:            time.Now,
		reapInterval:   DefaultReapInterval,
		maxLease:       DefaultMaxLease,
		endedRetention: DefaultEndedRetention,
		regs:           make(map[string]*registration),
		uuid:           ir.NewID(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sched == nil {
		s.sched = NewTimerScheduler(s.now)
	}
	if s.registerer == nil {
		s.registerer = prometheus.NewRegistry()
	}

	if err := s.declare(s.decls); err != nil {
		return nil, err
	}

	s.index = watch.NewIndex(s.types)
	s.sender = newSender(s)
	s.metrics = newMetrics(s.registerer, s)
	s.journal = journal.New(s.index,
		journal.WithClock(s.now),
		journal.WithDispatchHook(func(tr *watch.Transition, _ uint64, offered int, _ bool) {
			s.metrics.transitions.WithLabelValues(tr.Kind()).Inc()
			s.metrics.offers.Observe(float64(offered))
		}),
	)
	return s, nil
}

// declare adds decls to the type tree, parents before children whatever
// order they are given in.
func (s *Space) declare(decls []ir.TypeDecl) error {
	pending := decls
	for len(pending) > 0 {
		var next []ir.TypeDecl
		for _, d := range pending {
			if !s.types.Declare(d) && !s.types.Known(d.Name) {
				next = append(next, d)
			}
		}
		if len(next) == len(pending) {
			var result *multierror.Error
			for _, d := range next {
				result = multierror.Append(result, fmt.Errorf("declare type %q: parent %q is not declared", d.Name, d.Extends))
			}
			return result.ErrorOrNil()
		}
		pending = next
	}
	return nil
}

// open closes recovery; from now on the space serves clients.
func (s *Space) open() {
	if s.recoveryClosed.CompareAndSwap(false, true) {
		slog.Info("space open", "uuid", s.uuid, "session", s.session)
	}
}

// UUID returns the server's identity, stable across restarts when the
// space was recovered from a log.
func (s *Space) UUID() string { return s.uuid }

// Session returns the recovery session number, 0 for a space that was not
// recovered.
func (s *Space) Session() uint64 { return s.session }

// Run starts the transition dispatcher, the event sender and housekeeping,
// and blocks until ctx is cancelled or one of them fails.
func (s *Space) Run(ctx context.Context) error {
	s.open()
	slog.Info("space starting", "uuid", s.uuid, "reap_interval", s.reapInterval)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.journal.Run(ctx) })
	g.Go(func() error { return s.sender.Run(ctx) })
	g.Go(func() error { return s.housekeep(ctx) })
	return g.Wait()
}

// Flush dispatches every queued transition and delivers every queued
// event on the caller's goroutine. It is used where Run is not running,
// such as scenario replays.
func (s *Space) Flush(ctx context.Context) {
	for {
		s.journal.Flush()
		if s.sender.Flush(ctx) == 0 && s.journal.Pending() == 0 {
			return
		}
	}
}

// housekeep runs Reap every reap interval. Failures are logged and the
// loop continues.
func (s *Space) housekeep(ctx context.Context) error {
	ticker := time.NewTicker(s.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("housekeeping stopping: context cancelled")
			return ctx.Err()
		case <-ticker.C:
			stats, err := s.Reap(ctx)
			if err != nil {
				slog.Error("housekeeping failed", "error", err)
				continue
			}
			if stats != (ReapStats{}) {
				slog.Debug("housekeeping",
					"expired_entries", stats.ExpiredEntries,
					"expired_registrations", stats.ExpiredRegistrations,
					"watchers", stats.Watchers,
					"compacted", stats.Compacted,
					"ended_txns", stats.EndedTransactions,
				)
			}
		}
	}
}

// ReapStats reports what one Reap cleaned up.
type ReapStats struct {
	ExpiredEntries       int
	ExpiredRegistrations int
	Watchers             int
	Compacted            int
	EndedTransactions    int
}

// Reap expires lapsed entries and registrations the lease scheduler has
// not caught yet, detaches finished watchers from the template index and
// compacts removed entries out of the holders. Ended transaction records
// older than the retention are dropped. Reaping twice in a row
// changes nothing the second time.
func (s *Space) Reap(ctx context.Context) (ReapStats, error) {
	now := s.now()
	var stats ReapStats
	var result *multierror.Error

	for _, h := range s.entries.Expired(now) {
		stats.ExpiredEntries++
		s.sched.Unschedule(h.ID())
		s.journal.Post(watch.Removal(h, ""))
		if err := s.log.AppendCancel(ctx, h.ID(), true); err != nil {
			result = multierror.Append(result, fmt.Errorf("log expiration of %s: %w", h.ID(), err))
		}
	}

	for _, reg := range s.lapsedRegistrations(now) {
		if !s.cancelRegistration(reg.ID()) {
			continue
		}
		stats.ExpiredRegistrations++
		s.sched.Unschedule(reg.ID())
		if reg.Txn() != nil {
			// Ended with its transaction; recovery drops it anyway.
			continue
		}
		if err := s.log.AppendCancel(ctx, reg.ID(), true); err != nil {
			result = multierror.Append(result, fmt.Errorf("log expiration of %s: %w", reg.ID(), err))
		}
	}

	stats.Watchers = s.index.Reap(now)
	stats.Compacted = s.entries.Reap()
	stats.EndedTransactions = s.txns.Reap(now.Add(-s.endedRetention))

	s.metrics.reaped.WithLabelValues("entry").Add(float64(stats.ExpiredEntries))
	s.metrics.reaped.WithLabelValues("registration").Add(float64(stats.ExpiredRegistrations))
	s.metrics.reaped.WithLabelValues("watcher").Add(float64(stats.Watchers))
	return stats, result.ErrorOrNil()
}

// Capture implements watch.Capturer: it applies a read or take of h on
// behalf of t (nil for no transaction), records the lock in t, logs takes
// and announces null-transaction removals.
func (s *Space) Capture(h *holder.Handle, t *txn.Txn, take bool, now time.Time) bool {
	txnID := ""
	if t != nil {
		txnID = t.ID()
	}

	switch h.Capture(txnID, take, now) {
	case holder.Refused:
		return false

	case holder.Read:
		return true

	case holder.Taken:
		s.sched.Unschedule(h.ID())
		s.journal.Post(watch.Removal(h, ""))
		s.logTake(h.ID(), "")
		return true

	case holder.ReadLocked:
		if err := t.Lock(h, txn.ReadLock); err != nil {
			s.rollback(h, txnID, false, err)
			return false
		}
		return true

	case holder.TakeLocked:
		if err := t.Lock(h, txn.TakeLock); err != nil {
			s.rollback(h, txnID, true, err)
			return false
		}
		s.logTake(h.ID(), txnID)
		return true
	}
	return false
}

// rollback undoes a lock granted to a transaction that ended before it
// could record it, and announces the entry again if that freed it.
func (s *Space) rollback(h *holder.Handle, txnID string, take bool, cause error) {
	slog.Debug("capture rolled back", "entry_id", h.ID(), "txn_id", txnID, "error", cause)
	if tr := watch.ForResolution(h, h.Release(txnID, take)); tr != nil {
		s.journal.Post(tr)
	}
}

// logTake appends a take. The capture already happened; a failed append
// is logged and the take stands.
func (s *Space) logTake(entryID, txnID string) {
	if err := s.log.AppendTake(context.Background(), entryID, txnID); err != nil {
		slog.Error("log take failed", "entry_id", entryID, "txn_id", txnID, "error", err)
	}
}

// Stats is a point-in-time view of the space's size.
type Stats struct {
	Types        int
	Entries      int
	Watchers     int
	Templates    int
	Transactions int
	Pending      int
}

// Stats returns the current size of the space.
func (s *Space) Stats() Stats {
	return Stats{
		Types:        s.types.Len(),
		Entries:      s.entries.Len(),
		Watchers:     s.index.Len(),
		Templates:    s.index.Templates(),
		Transactions: s.txns.Len(),
		Pending:      s.journal.Pending(),
	}
}
