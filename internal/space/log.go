package space

import (
	"context"
	"time"

	"github.com/pfirmstone/JGDMS-sub001/internal/ir"
	"github.com/pfirmstone/JGDMS-sub001/internal/store"
)

// Log is the write-ahead log the space records its state changes in.
// Implemented by *store.Store.
//
// The in-memory change is made first, or under the same lock as the
// append; an append failure never leaves a change half applied.
type Log interface {
	AppendWrite(ctx context.Context, rep *ir.EntryRep, txnID string) error
	AppendTake(ctx context.Context, entryID, txnID string) error
	AppendRegister(ctx context.Context, reg store.RegistrationRecord) error
	AppendRenew(ctx context.Context, id string, expiration time.Time) error
	AppendCancel(ctx context.Context, id string, expired bool) error
	AppendPrepare(ctx context.Context, txnID string) error
	AppendCommit(ctx context.Context, txnID string) error
	AppendAbort(ctx context.Context, txnID string) error
}

var _ Log = (*store.Store)(nil)

// transientLog is the Log of a space with no durable store.
type transientLog struct{}

func (transientLog) AppendWrite(context.Context, *ir.EntryRep, string) error { return nil }

func (transientLog) AppendTake(context.Context, string, string) error { return nil }

func (transientLog) AppendRegister(context.Context, store.RegistrationRecord) error { return nil }

func (transientLog) AppendRenew(context.Context, string, time.Time) error { return nil }

func (transientLog) AppendCancel(context.Context, string, bool) error { return nil }

func (transientLog) AppendPrepare(context.Context, string) error { return nil }

func (transientLog) AppendCommit(context.Context, string) error { return nil }

func (transientLog) AppendAbort(context.Context, string) error { return nil }
