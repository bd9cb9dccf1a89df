package space

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pfirmstone/JGDMS-sub001/internal/holder"
	"github.com/pfirmstone/JGDMS-sub001/internal/txn"
	"github.com/pfirmstone/JGDMS-sub001/internal/watch"
)

// Prepare is the first phase of two-phase commit. The space votes
// Prepared if it holds entries for txnID, NotChanged if it holds nothing
// (and forgets the transaction), and Aborted if the transaction is
// unknown or cannot commit.
func (s *Space) Prepare(ctx context.Context, txnID string) (txn.Vote, error) {
	s.open()
	t, err := s.txns.Get(txnID)
	if err != nil {
		slog.Debug("prepare of unknown transaction", "txn_id", txnID)
		return txn.Aborted, nil
	}

	vote := t.Prepare()
	switch vote {
	case txn.Prepared:
		if err := s.log.AppendPrepare(ctx, txnID); err != nil {
			s.abort(ctx, t)
			return txn.Aborted, logFailure("prepare", txnID, err)
		}
	case txn.NotChanged:
		s.txns.Forget(txnID, s.now())
	case txn.Aborted:
		if err := s.abort(ctx, t); err != nil {
			return txn.Aborted, err
		}
	}
	slog.Debug("transaction prepared", "txn_id", txnID, "vote", vote.String())
	return vote, nil
}

// Commit is the second phase of two-phase commit. A transaction that was
// never prepared is prepared first.
func (s *Space) Commit(ctx context.Context, txnID string) error {
	s.open()
	t, err := s.txns.Get(txnID)
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	changes, err := t.Commit()
	if err != nil {
		s.abort(ctx, t)
		return fmt.Errorf("commit: %w", err)
	}
	s.announce(changes)
	s.txns.Forget(txnID, s.now())
	if err := s.log.AppendCommit(ctx, txnID); err != nil {
		return logFailure("commit", txnID, err)
	}
	slog.Debug("transaction committed", "txn_id", txnID, "changes", len(changes))
	return nil
}

// Abort rolls back everything done under txnID. Aborting an unknown
// transaction is a no-op.
func (s *Space) Abort(ctx context.Context, txnID string) error {
	s.open()
	t, err := s.txns.Get(txnID)
	if err != nil {
		return nil
	}
	return s.abort(ctx, t)
}

// PrepareAndCommit runs both phases for a transaction the space is the
// only participant of.
func (s *Space) PrepareAndCommit(ctx context.Context, txnID string) (txn.Vote, error) {
	vote, err := s.Prepare(ctx, txnID)
	if err != nil || vote != txn.Prepared {
		return vote, err
	}
	if err := s.Commit(ctx, txnID); err != nil {
		return txn.Aborted, err
	}
	return vote, nil
}

func (s *Space) abort(ctx context.Context, t *txn.Txn) error {
	changes := t.Abort()
	s.announce(changes)
	s.txns.Forget(t.ID(), s.now())
	if err := s.log.AppendAbort(ctx, t.ID()); err != nil {
		return logFailure("abort", t.ID(), err)
	}
	slog.Debug("transaction aborted", "txn_id", t.ID(), "changes", len(changes))
	return nil
}

// announce posts the transition for each entry a transaction's end
// changed.
func (s *Space) announce(changes []txn.Change) {
	for _, c := range changes {
		if c.Resolution == holder.Removed {
			s.sched.Unschedule(c.Handle.ID())
		}
		if tr := watch.ForResolution(c.Handle, c.Resolution); tr != nil {
			s.journal.Post(tr)
		}
	}
}
