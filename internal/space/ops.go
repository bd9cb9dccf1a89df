package space

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/pfirmstone/JGDMS-sub001/internal/holder"
	"github.com/pfirmstone/JGDMS-sub001/internal/ir"
	"github.com/pfirmstone/JGDMS-sub001/internal/txn"
	"github.com/pfirmstone/JGDMS-sub001/internal/watch"
)

// Timeouts for blocking operations.
const (
	// NoWait returns at once if nothing matches.
	NoWait time.Duration = 0
	// Forever waits until an entry is found, the transaction ends or the
	// context is cancelled.
	Forever time.Duration = -1
)

// Write stores entry, under txnID if it is not empty, with a lease of the
// requested duration. Under a transaction the entry is visible only to
// that transaction until it commits.
//
// Supertypes may be omitted for a type whose chain is already known.
func (s *Space) Write(ctx context.Context, entry ir.Entry, txnID string, lease time.Duration) (Lease, error) {
	s.open()
	if err := s.checkEntry(&entry); err != nil {
		s.metrics.ops.WithLabelValues("write", "invalid").Inc()
		return Lease{}, err
	}

	var t *txn.Txn
	if txnID != "" {
		var err error
		if t, err = s.txns.Join(txnID); err != nil {
			s.metrics.ops.WithLabelValues("write", "error").Inc()
			return Lease{}, fmt.Errorf("write: %w", err)
		}
	}

	s.types.Record(entry.Type, entry.Supertypes, len(entry.Fields))
	now := s.now()
	exp := s.grant(lease, now)
	rep, err := ir.NewEntryRep(ir.NewID(), entry, exp, s.types.FieldCount)
	if err != nil {
		s.metrics.ops.WithLabelValues("write", "invalid").Inc()
		return Lease{}, invalidEntry("write", "", "%v", err)
	}

	if err := s.log.AppendWrite(ctx, rep, txnID); err != nil {
		s.metrics.ops.WithLabelValues("write", "error").Inc()
		return Lease{}, logFailure("write", rep.ID, err)
	}

	h := holder.NewHandle(rep, txnID)
	if t != nil {
		if err := t.Lock(h, txn.WriteLock); err != nil {
			// Logged but never added; recovery aborts the unprepared txn.
			s.metrics.ops.WithLabelValues("write", "error").Inc()
			return Lease{}, fmt.Errorf("write: %w", err)
		}
	}
	s.entries.Add(h)
	s.journal.Post(watch.Written(h, txnID))
	s.schedule(rep.ID, exp)

	s.metrics.ops.WithLabelValues("write", "ok").Inc()
	slog.Debug("entry written",
		"entry_id", rep.ID,
		"type", rep.Type,
		"txn_id", txnID,
	)
	return Lease{ID: rep.ID, Expiration: exp}, nil
}

// checkEntry fills in a known supertype chain and rejects entries that do
// not fit what the space already knows about their type.
func (s *Space) checkEntry(e *ir.Entry) error {
	if e.Type == ir.AnyType {
		return invalidEntry("write", "", "entry type is required")
	}
	known := s.types.Supertypes(e.Type)
	switch {
	case len(e.Supertypes) == 0:
		e.Supertypes = known
	case s.types.Known(e.Type) && !slices.Equal(e.Supertypes, known):
		return invalidEntry("write", "", "type %s extends %v, not %v", e.Type, known, e.Supertypes)
	}
	if n, ok := s.types.FieldCount(e.Type); ok && n != len(e.Fields) {
		return invalidEntry("write", "", "type %s has %d fields, entry has %d", e.Type, n, len(e.Fields))
	}
	return nil
}

// Read returns an entry matching tmpl without removing it, waiting up to
// timeout for one to be written. It returns nil, nil if none turned up.
// Under a transaction the entry is read-locked until the transaction ends.
func (s *Space) Read(ctx context.Context, tmpl ir.Template, txnID string, timeout time.Duration) (*ir.EntryRep, error) {
	return s.query(ctx, "read", tmpl, txnID, timeout, false, false)
}

// Take removes and returns an entry matching tmpl, waiting up to timeout.
// Under a transaction the removal is provisional until commit.
func (s *Space) Take(ctx context.Context, tmpl ir.Template, txnID string, timeout time.Duration) (*ir.EntryRep, error) {
	return s.query(ctx, "take", tmpl, txnID, timeout, true, false)
}

// ReadIfExists is Read that only waits while a matching entry exists but
// is locked by another transaction. With no such entry it returns nil,
// nil at once.
func (s *Space) ReadIfExists(ctx context.Context, tmpl ir.Template, txnID string, timeout time.Duration) (*ir.EntryRep, error) {
	return s.query(ctx, "read_if_exists", tmpl, txnID, timeout, false, true)
}

// TakeIfExists is Take with the waiting rule of ReadIfExists.
func (s *Space) TakeIfExists(ctx context.Context, tmpl ir.Template, txnID string, timeout time.Duration) (*ir.EntryRep, error) {
	return s.query(ctx, "take_if_exists", tmpl, txnID, timeout, true, true)
}

// query runs one read or take: a scan of the stored entries, then, if
// nothing was captured and the operation may wait, a watcher.
//
// The operation's start ordinal is taken before the scan. Any entry that
// changes after it is either seen by the scan or reaches the watcher,
// through the dispatcher or through catch-up.
func (s *Space) query(ctx context.Context, op string, tmpl ir.Template, txnID string, timeout time.Duration, take, ifExists bool) (*ir.EntryRep, error) {
	s.open()
	th, err := s.templateHash(tmpl)
	if err != nil {
		s.metrics.ops.WithLabelValues(op, "invalid").Inc()
		return nil, invalidTemplate(op, err)
	}

	var t *txn.Txn
	if txnID != "" {
		if t, err = s.txns.Join(txnID); err != nil {
			s.metrics.ops.WithLabelValues(op, "error").Inc()
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}

	start := s.journal.Begin()
	end := sync.OnceFunc(func() { s.journal.End(start) })
	defer end()

	began := s.now()
	rep, locked := s.scan(tmpl, th, t, take, ifExists, began)
	if rep != nil {
		s.metrics.ops.WithLabelValues(op, "ok").Inc()
		return rep, nil
	}
	if timeout == NoWait || (ifExists && len(locked) == 0) {
		s.metrics.ops.WithLabelValues(op, "nothing").Inc()
		return nil, nil
	}

	cfg := watch.QueryConfig{
		ID:       ir.NewID(),
		Key:      watch.NewOrderKey(began),
		Start:    start,
		Template: tmpl,
		Txn:      t,
		Capturer: s,
	}
	if timeout > 0 {
		cfg.Expiration = began.Add(timeout)
	}

	var w watch.Query
	switch {
	case ifExists:
		w = watch.NewIfExists(cfg, take, locked)
	case take || t != nil:
		w = watch.NewConsuming(cfg, take)
	default:
		w = watch.NewRead(cfg)
	}

	// Joined before it is indexed, so a watcher others can see never
	// misses the end of its transaction.
	if t != nil {
		if err := t.Join(w); err != nil {
			s.metrics.ops.WithLabelValues(op, "error").Inc()
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		defer t.Leave(w)
	}
	if err := s.index.Register(w); err != nil {
		s.metrics.ops.WithLabelValues(op, "invalid").Inc()
		return nil, invalidTemplate(op, err)
	}
	defer s.index.Remove(w)

	s.journal.CatchUp(w)
	end()

	slog.Debug("operation blocked",
		"op", op,
		"watcher_id", cfg.ID,
		"txn_id", txnID,
		"ordinal", start,
		"locked", len(locked),
	)
	rep, err = w.Wait(ctx, s.now)
	s.metrics.waits.WithLabelValues(op).Observe(s.now().Sub(began).Seconds())

	switch {
	case err != nil:
		s.metrics.ops.WithLabelValues(op, "error").Inc()
		return nil, fmt.Errorf("%s: %w", op, err)
	case rep == nil:
		s.metrics.ops.WithLabelValues(op, "nothing").Inc()
	default:
		s.metrics.ops.WithLabelValues(op, "ok").Inc()
	}
	return rep, nil
}

// templateHash checks that tmpl can be keyed and returns its hash filter.
func (s *Space) templateHash(tmpl ir.Template) (ir.TemplateHash, error) {
	if _, err := ir.TemplateKey(tmpl); err != nil {
		return ir.TemplateHash{}, err
	}
	n, known := s.types.FieldCount(tmpl.Type)
	return ir.NewTemplateHash(tmpl, n, known)
}

// scan walks the holders of tmpl's type and every subtype, in a fresh
// random order, and captures the first match it can. For the if-exists
// operations it also returns the matching entries it could not capture
// because another transaction holds them.
func (s *Space) scan(tmpl ir.Template, th ir.TemplateHash, t *txn.Txn, take, ifExists bool, now time.Time) (*ir.EntryRep, []string) {
	txnID := ""
	if t != nil {
		txnID = t.ID()
	}

	var locked []string
	for typeName := range s.types.SubtypesOf(tmpl.Type) {
		hd, ok := s.entries.Lookup(typeName)
		if !ok {
			continue
		}
		for _, h := range hd.Snapshot() {
			rep := h.Rep()
			if !h.Live(now) || !th.MayMatch(rep, rep.Level(tmpl.Type)) || !tmpl.Matches(rep) {
				continue
			}
			if s.Capture(h, t, take, now) {
				return rep, nil
			}
			if ifExists && s.conflicts(h, t, txnID, take, now) {
				locked = append(locked, h.ID())
			}
		}
	}
	return nil, locked
}

// conflicts reports whether h is a match an if-exists operation must wait
// for: live and held by another transaction. Entries still being written
// by another transaction do not exist yet for txnID, and entries txnID
// itself took are gone for it.
func (s *Space) conflicts(h *holder.Handle, t *txn.Txn, txnID string, take bool, now time.Time) bool {
	if !h.Blocked(txnID, take, now) {
		return false
	}
	if w := h.WriteTxn(); w != "" && w != txnID {
		return false
	}
	return t == nil || !t.ProvisionallyRemoved(h.ID())
}

// Contents returns up to limit entries matching tmpl that are visible under
// txnID, without locking or removing them. A non-positive limit means no
// limit.
func (s *Space) Contents(ctx context.Context, tmpl ir.Template, txnID string, limit int) ([]*ir.EntryRep, error) {
	s.open()
	th, err := s.templateHash(tmpl)
	if err != nil {
		return nil, invalidTemplate("contents", err)
	}

	now := s.now()
	var out []*ir.EntryRep
	for typeName := range s.types.SubtypesOf(tmpl.Type) {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("contents: %w", err)
		}
		hd, ok := s.entries.Lookup(typeName)
		if !ok {
			continue
		}
		for _, h := range hd.Snapshot() {
			rep := h.Rep()
			if !th.MayMatch(rep, rep.Level(tmpl.Type)) || !tmpl.Matches(rep) || !h.VisibleTo(txnID, now) {
				continue
			}
			out = append(out, rep)
			if limit > 0 && len(out) == limit {
				s.metrics.ops.WithLabelValues("contents", "ok").Inc()
				return out, nil
			}
		}
	}
	s.metrics.ops.WithLabelValues("contents", "ok").Inc()
	return out, nil
}
