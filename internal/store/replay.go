package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/pfirmstone/JGDMS-sub001/internal/ir"
)

// Recoverer receives the state folded out of the log, once, before the
// space accepts any client operation. Callbacks are made in this order:
// RecoverUUID, RecoverSessionID, RecoverTransaction for each prepared
// transaction, RecoverWrite for each surviving entry, RecoverTake for each
// take held by a prepared transaction, RecoverRegister for each surviving
// registration.
type Recoverer interface {
	RecoverUUID(id string) error
	RecoverSessionID(session uint64) error
	RecoverTransaction(txnID string) error
	RecoverWrite(e RecoveredEntry) error
	RecoverTake(entryID, txnID string) error
	RecoverRegister(reg RegistrationRecord) error
}

// RecoveredEntry is an entry that survives recovery. TxnID is set when the
// entry was written by a transaction that is prepared but not resolved.
type RecoveredEntry struct {
	ID         string
	Entry      ir.Entry
	TxnID      string
	Expiration time.Time
}

// RecoveredTake is a take held by a prepared transaction.
type RecoveredTake struct {
	EntryID string
	TxnID   string
}

// Recovery is the state a restarted space needs.
type Recovery struct {
	UUID          string
	Transactions  []string
	Entries       []RecoveredEntry
	Takes         []RecoveredTake
	Registrations []RegistrationRecord
	LastSeq       int64
}

// folder accumulates log records in seq order.
type folder struct {
	entries    map[string]*RecoveredEntry
	entryOrder []string
	regs       map[string]*RegistrationRecord
	regOrder   []string
	prepared   map[string]bool // txn id -> prepared
	writes     map[string][]string
	takes      map[string][]string
	txnOrder   []string
}

func newFolder() *folder {
	return &folder{
		entries:  make(map[string]*RecoveredEntry),
		regs:     make(map[string]*RegistrationRecord),
		prepared: make(map[string]bool),
		writes:   make(map[string][]string),
		takes:    make(map[string][]string),
	}
}

func (f *folder) touchTxn(id string) {
	if _, ok := f.prepared[id]; !ok {
		f.prepared[id] = false
		f.txnOrder = append(f.txnOrder, id)
	}
}

func (f *folder) apply(o Op) error {
	switch o.Kind {
	case OpWrite:
		e, err := unmarshalEntry(o.Payload)
		if err != nil {
			return err
		}
		f.entries[o.TargetID] = &RecoveredEntry{ID: o.TargetID, Entry: e, TxnID: o.TxnID, Expiration: o.Expiration}
		f.entryOrder = append(f.entryOrder, o.TargetID)
		if o.TxnID != "" {
			f.touchTxn(o.TxnID)
			f.writes[o.TxnID] = append(f.writes[o.TxnID], o.TargetID)
		}

	case OpTake:
		if o.TxnID == "" {
			delete(f.entries, o.TargetID)
			return nil
		}
		f.touchTxn(o.TxnID)
		f.takes[o.TxnID] = append(f.takes[o.TxnID], o.TargetID)

	case OpRegister:
		reg := RegistrationRecord{ID: o.TargetID, TxnID: o.TxnID, Expiration: o.Expiration}
		if err := unmarshalRegistration(o.Payload, &reg); err != nil {
			return err
		}
		f.regs[o.TargetID] = &reg
		f.regOrder = append(f.regOrder, o.TargetID)

	case OpRenew:
		if e, ok := f.entries[o.TargetID]; ok {
			e.Expiration = o.Expiration
		} else if r, ok := f.regs[o.TargetID]; ok {
			r.Expiration = o.Expiration
		}

	case OpCancel:
		delete(f.entries, o.TargetID)
		delete(f.regs, o.TargetID)

	case OpPrepare:
		f.touchTxn(o.TxnID)
		f.prepared[o.TxnID] = true

	case OpCommit:
		f.resolve(o.TxnID, true)

	case OpAbort:
		f.resolve(o.TxnID, false)

	default:
		return fmt.Errorf("unknown op kind %q", o.Kind)
	}
	return nil
}

// resolve applies a transaction outcome to everything it locked.
func (f *folder) resolve(txnID string, commit bool) {
	for _, id := range f.writes[txnID] {
		e, ok := f.entries[id]
		if !ok || e.TxnID != txnID {
			continue
		}
		if commit {
			e.TxnID = ""
		} else {
			delete(f.entries, id)
		}
	}
	if commit {
		for _, id := range f.takes[txnID] {
			delete(f.entries, id)
		}
	}
	for id, r := range f.regs {
		if r.TxnID == txnID {
			delete(f.regs, id)
		}
	}
	delete(f.writes, txnID)
	delete(f.takes, txnID)
	delete(f.prepared, txnID)
}

// finish aborts every transaction that never prepared: its participant
// state died with the previous session.
func (f *folder) finish() *Recovery {
	rec := &Recovery{}
	for _, id := range f.txnOrder {
		prepared, ok := f.prepared[id]
		if !ok {
			continue
		}
		if !prepared {
			f.resolve(id, false)
			continue
		}
		rec.Transactions = append(rec.Transactions, id)
	}
	for _, txnID := range rec.Transactions {
		for _, id := range f.takes[txnID] {
			if _, ok := f.entries[id]; ok {
				rec.Takes = append(rec.Takes, RecoveredTake{EntryID: id, TxnID: txnID})
			}
		}
	}
	for _, id := range f.entryOrder {
		e, ok := f.entries[id]
		if !ok {
			continue
		}
		delete(f.entries, id) // a rewritten id appears once
		rec.Entries = append(rec.Entries, *e)
	}
	for _, id := range f.regOrder {
		r, ok := f.regs[id]
		if !ok || r.TxnID != "" {
			continue
		}
		delete(f.regs, id)
		rec.Registrations = append(rec.Registrations, *r)
	}
	return rec
}

// Fold reads the whole log and computes the state to recover. Records that
// cannot be decoded are skipped; their errors are returned together with
// the state folded from the rest.
func (s *Store) Fold(ctx context.Context) (*Recovery, error) {
	ops, err := s.ReadOps(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("fold log: %w", err)
	}

	var result *multierror.Error
	f := newFolder()
	var last int64
	for _, o := range ops {
		last = o.Seq
		if err := f.apply(o); err != nil {
			result = multierror.Append(result, fmt.Errorf("op %d (%s): %w", o.Seq, o.Kind, err))
		}
	}

	rec := f.finish()
	rec.LastSeq = last
	rec.UUID, err = s.UUID(ctx)
	if err != nil {
		result = multierror.Append(result, err)
	}
	return rec, result.ErrorOrNil()
}

// Recover folds the log, starts a new session and replays the result into
// r. Every failure is collected; recovery carries on past each one.
func (s *Store) Recover(ctx context.Context, r Recoverer) error {
	rec, foldErr := s.Fold(ctx)
	if rec == nil {
		return foldErr
	}
	var result *multierror.Error
	if foldErr != nil {
		result = multierror.Append(result, foldErr)
	}

	session, err := s.NextSession(ctx)
	if err != nil {
		return multierror.Append(result, err).ErrorOrNil()
	}

	add := func(what string, err error) {
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("recover %s: %w", what, err))
		}
	}
	add("uuid", r.RecoverUUID(rec.UUID))
	add("session", r.RecoverSessionID(session))
	for _, id := range rec.Transactions {
		add("transaction "+id, r.RecoverTransaction(id))
	}
	for _, e := range rec.Entries {
		add("write "+e.ID, r.RecoverWrite(e))
	}
	for _, t := range rec.Takes {
		add("take "+t.EntryID, r.RecoverTake(t.EntryID, t.TxnID))
	}
	for _, reg := range rec.Registrations {
		add("register "+reg.ID, r.RecoverRegister(reg))
	}

	slog.Info("log recovered",
		"session", session,
		"last_seq", rec.LastSeq,
		"entries", len(rec.Entries),
		"transactions", len(rec.Transactions),
		"registrations", len(rec.Registrations),
	)
	return result.ErrorOrNil()
}
