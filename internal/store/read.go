package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Op is one stored operation record.
type Op struct {
	Seq        int64
	Kind       OpKind
	TargetID   string
	TxnID      string
	Payload    string
	Expiration time.Time
	LogVersion string
}

// ReadOps returns every operation with seq greater than afterSeq, in seq
// order. Returns an empty slice (not nil) if there are none.
func (s *Store) ReadOps(ctx context.Context, afterSeq int64) ([]Op, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, kind, target_id, txn_id, payload, expiration, log_version
		FROM ops
		WHERE seq > ?
		ORDER BY seq ASC
	`, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("query ops: %w", err)
	}
	defer rows.Close()

	ops := []Op{}
	for rows.Next() {
		o, err := scanOp(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ops: %w", err)
	}
	return ops, nil
}

// ReadTargetOps returns the operations on one entry or registration id, in
// seq order.
func (s *Store) ReadTargetOps(ctx context.Context, targetID string) ([]Op, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, kind, target_id, txn_id, payload, expiration, log_version
		FROM ops
		WHERE target_id = ?
		ORDER BY seq ASC
	`, targetID)
	if err != nil {
		return nil, fmt.Errorf("query ops for %s: %w", targetID, err)
	}
	defer rows.Close()

	ops := []Op{}
	for rows.Next() {
		o, err := scanOp(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ops for %s: %w", targetID, err)
	}
	return ops, nil
}

// LastSeq returns the seq of the newest operation, or 0 for an empty log.
func (s *Store) LastSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM ops`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("last seq: %w", err)
	}
	return seq.Int64, nil
}

func scanOp(rows *sql.Rows) (Op, error) {
	var (
		o    Op
		kind string
		exp  int64
	)
	if err := rows.Scan(&o.Seq, &kind, &o.TargetID, &o.TxnID, &o.Payload, &exp, &o.LogVersion); err != nil {
		return Op{}, fmt.Errorf("scan op: %w", err)
	}
	o.Kind = OpKind(kind)
	o.Expiration = fromUnixNanos(exp)
	return o, nil
}
