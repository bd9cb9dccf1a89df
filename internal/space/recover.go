package space

import (
	"context"
	"fmt"

	"github.com/pfirmstone/JGDMS-sub001/internal/holder"
	"github.com/pfirmstone/JGDMS-sub001/internal/ir"
	"github.com/pfirmstone/JGDMS-sub001/internal/store"
	"github.com/pfirmstone/JGDMS-sub001/internal/txn"
	"github.com/pfirmstone/JGDMS-sub001/internal/watch"
)

var _ store.Recoverer = (*Space)(nil)

// Open creates a space logging to st and rebuilds its state from st's
// log. A space is returned whenever one could be created; err then lists
// the records that could not be recovered.
func Open(ctx context.Context, st *store.Store, opts ...Option) (*Space, error) {
	s, err := New(append(opts, WithLog(st))...)
	if err != nil {
		return nil, err
	}
	if err := st.Recover(ctx, s); err != nil {
		return s, fmt.Errorf("recover space: %w", err)
	}
	return s, nil
}

func (s *Space) recovering(what string) error {
	if s.recoveryClosed.Load() {
		return fmt.Errorf("recover %s: %w", what, ErrRecoveryClosed)
	}
	return nil
}

// RecoverUUID implements store.Recoverer.
func (s *Space) RecoverUUID(id string) error {
	if err := s.recovering("uuid"); err != nil {
		return err
	}
	if id != "" {
		s.uuid = id
	}
	return nil
}

// RecoverSessionID implements store.Recoverer.
func (s *Space) RecoverSessionID(session uint64) error {
	if err := s.recovering("session"); err != nil {
		return err
	}
	s.session = session
	return nil
}

// RecoverTransaction implements store.Recoverer. The transaction was
// prepared before the restart and waits for the coordinator's verdict.
func (s *Space) RecoverTransaction(txnID string) error {
	if err := s.recovering("transaction"); err != nil {
		return err
	}
	t := txn.New(txnID)
	t.MarkPrepared()
	s.txns.Put(t)
	return nil
}

// RecoverWrite implements store.Recoverer.
func (s *Space) RecoverWrite(e store.RecoveredEntry) error {
	if err := s.recovering("write"); err != nil {
		return err
	}
	entry := e.Entry
	if len(entry.Supertypes) == 0 {
		entry.Supertypes = s.types.Supertypes(entry.Type)
	}
	s.types.Record(entry.Type, entry.Supertypes, len(entry.Fields))
	rep, err := ir.NewEntryRep(e.ID, entry, e.Expiration, s.types.FieldCount)
	if err != nil {
		return fmt.Errorf("recover entry %s: %w", e.ID, err)
	}

	h := holder.NewHandle(rep, e.TxnID)
	if e.TxnID != "" {
		t, err := s.txns.Get(e.TxnID)
		if err != nil {
			return fmt.Errorf("recover entry %s: %w", e.ID, err)
		}
		if err := t.Lock(h, txn.WriteLock); err != nil {
			return fmt.Errorf("recover entry %s: %w", e.ID, err)
		}
	}
	s.entries.Add(h)
	s.schedule(e.ID, e.Expiration)
	return nil
}

// RecoverTake implements store.Recoverer: entryID stays provisionally
// removed by txnID.
func (s *Space) RecoverTake(entryID, txnID string) error {
	if err := s.recovering("take"); err != nil {
		return err
	}
	h, ok := s.entries.ByID(entryID)
	if !ok {
		return fmt.Errorf("recover take of %s: entry not recovered", entryID)
	}
	t, err := s.txns.Get(txnID)
	if err != nil {
		return fmt.Errorf("recover take of %s: %w", entryID, err)
	}
	h.Relock(txnID, true)
	return t.Lock(h, txn.TakeLock)
}

// RecoverRegister implements store.Recoverer. The registration is bound
// to its listener by name. Its sequence numbers continue in a block
// reserved for this session, so a listener can tell events may have been
// missed across the restart.
func (s *Space) RecoverRegister(rec store.RegistrationRecord) error {
	if err := s.recovering("register"); err != nil {
		return err
	}
	var l Listener
	ok := false
	if s.listeners != nil && rec.Listener != "" {
		l, ok = s.listeners(rec.Listener)
	}
	if !ok {
		return &OpError{
			Op:      "recover_register",
			Code:    ErrCodeUnknownListener,
			Message: fmt.Sprintf("no listener named %q", rec.Listener),
			ID:      rec.ID,
		}
	}

	var kind watch.RegistrationKind
	switch rec.Kind {
	case watch.Notify.String():
		kind = watch.Notify
	case watch.Availability.String():
		kind = watch.Availability
	default:
		return fmt.Errorf("recover registration %s: unknown kind %q", rec.ID, rec.Kind)
	}

	reg := watch.NewRegistration(watch.RegistrationConfig{
		ID:             rec.ID,
		Kind:           kind,
		Key:            watch.NewOrderKey(s.now()),
		Start:          s.journal.Current(),
		Templates:      rec.Templates,
		VisibilityOnly: rec.VisibilityOnly,
		Handback:       rec.Handback,
		Expiration:     rec.Expiration,
		Sink:           s.sender,
	})
	reg.SetSeq(s.session << 32)
	if err := s.install(reg, l, rec.Listener); err != nil {
		return fmt.Errorf("recover registration %s: %w", rec.ID, err)
	}
	s.schedule(rec.ID, rec.Expiration)
	return nil
}
