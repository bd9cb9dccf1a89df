package store

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/pfirmstone/JGDMS-sub001/internal/ir"
)

// OpKind names an operation record.
type OpKind string

const (
	OpWrite    OpKind = "write"
	OpTake     OpKind = "take"
	OpRegister OpKind = "register"
	OpRenew    OpKind = "renew"
	OpCancel   OpKind = "cancel"
	OpPrepare  OpKind = "prepare"
	OpCommit   OpKind = "commit"
	OpAbort    OpKind = "abort"
)

// RegistrationRecord is the durable form of an event registration.
type RegistrationRecord struct {
	ID             string
	Kind           string // "notify" or "availability"
	Templates      []ir.Template
	TxnID          string
	VisibilityOnly bool
	Handback       []byte
	// Listener names the listener so a recovered registration can be
	// bound to it again.
	Listener   string
	Expiration time.Time
}

// op is one row about to be appended.
type op struct {
	kind       OpKind
	targetID   string
	txnID      string
	payload    string
	expiration time.Time
}

// append inserts one operation record and returns its seq. SQLite lock
// contention that outlasts the busy timeout is retried with Fibonacci
// backoff.
func (s *Store) append(ctx context.Context, o op) (int64, error) {
	if o.payload == "" {
		o.payload = "{}"
	}
	var seq int64
	b := retry.WithMaxRetries(5, retry.NewFibonacci(10*time.Millisecond))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO ops (kind, target_id, txn_id, payload, expiration, log_version)
			VALUES (?, ?, ?, ?, ?, ?)
		`,
			string(o.kind),
			o.targetID,
			o.txnID,
			o.payload,
			unixNanos(o.expiration),
			ir.LogVersion,
		)
		if err != nil {
			if isBusy(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		seq, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("append %s: %w", o.kind, err)
	}
	return seq, nil
}

// AppendWrite records an entry written under txnID ("" for none).
func (s *Store) AppendWrite(ctx context.Context, rep *ir.EntryRep, txnID string) error {
	payload, err := marshalEntry(rep.Entry())
	if err != nil {
		return fmt.Errorf("append write %s: %w", rep.ID, err)
	}
	_, err = s.append(ctx, op{kind: OpWrite, targetID: rep.ID, txnID: txnID, payload: payload, expiration: rep.Expiration})
	return err
}

// AppendTake records an entry taken under txnID ("" for none).
func (s *Store) AppendTake(ctx context.Context, entryID, txnID string) error {
	_, err := s.append(ctx, op{kind: OpTake, targetID: entryID, txnID: txnID})
	return err
}

// AppendRegister records an event registration.
func (s *Store) AppendRegister(ctx context.Context, reg RegistrationRecord) error {
	payload, err := marshalRegistration(reg)
	if err != nil {
		return fmt.Errorf("append register %s: %w", reg.ID, err)
	}
	_, err = s.append(ctx, op{kind: OpRegister, targetID: reg.ID, txnID: reg.TxnID, payload: payload, expiration: reg.Expiration})
	return err
}

// AppendRenew records a new expiration for an entry or registration lease.
func (s *Store) AppendRenew(ctx context.Context, id string, expiration time.Time) error {
	_, err := s.append(ctx, op{kind: OpRenew, targetID: id, expiration: expiration})
	return err
}

// AppendCancel records the end of an entry or registration lease, either
// cancelled by its holder or expired.
func (s *Store) AppendCancel(ctx context.Context, id string, expired bool) error {
	payload := `{"expired":false}`
	if expired {
		payload = `{"expired":true}`
	}
	_, err := s.append(ctx, op{kind: OpCancel, targetID: id, payload: payload})
	return err
}

// AppendPrepare records that a transaction voted prepared.
func (s *Store) AppendPrepare(ctx context.Context, txnID string) error {
	_, err := s.append(ctx, op{kind: OpPrepare, txnID: txnID})
	return err
}

// AppendCommit records a transaction commit.
func (s *Store) AppendCommit(ctx context.Context, txnID string) error {
	_, err := s.append(ctx, op{kind: OpCommit, txnID: txnID})
	return err
}

// AppendAbort records a transaction abort.
func (s *Store) AppendAbort(ctx context.Context, txnID string) error {
	_, err := s.append(ctx, op{kind: OpAbort, txnID: txnID})
	return err
}

// NextSession increments and returns the session counter. Each start of
// the server is one session.
func (s *Store) NextSession(ctx context.Context) (uint64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("next session: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	var session uint64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, '1')
		ON CONFLICT(key) DO UPDATE SET value = CAST(value AS INTEGER) + 1
		RETURNING CAST(value AS INTEGER)
	`, metaSession).Scan(&session)
	if err != nil {
		return 0, fmt.Errorf("next session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("next session: commit: %w", err)
	}
	return session, nil
}

func unixNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
