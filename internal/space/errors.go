package space

import (
	"errors"
	"fmt"

	"github.com/pfirmstone/JGDMS-sub001/internal/txn"
)

var (
	// ErrTransactionEnded is the outcome of a blocked operation whose
	// transaction ended before it found an entry.
	ErrTransactionEnded = txn.ErrTransactionEnded

	// ErrUnknownTransaction is returned for a transaction the space has no
	// record of.
	ErrUnknownTransaction = txn.ErrUnknownTransaction

	// ErrCannotJoin is returned for work under a transaction that is no
	// longer active.
	ErrCannotJoin = txn.ErrCannotJoin

	// ErrUnknownLease is returned by Renew and Cancel for an id that names
	// no live entry or registration.
	ErrUnknownLease = errors.New("unknown lease")

	// ErrRecoveryClosed is returned by a recovery callback made after the
	// space started serving clients.
	ErrRecoveryClosed = errors.New("recovery closed")

	// ErrUnknownEvent is returned by a Listener that no longer wants
	// events for a registration. The space cancels the registration.
	ErrUnknownEvent = errors.New("unknown event")
)

// OpError represents a client operation the space rejected.
//
// Operation errors include:
//   - Invalid entry: entry does not fit its declared type
//   - Invalid template: template cannot be hashed or keyed
//   - Unknown listener: recovered registration has no listener to bind to
//   - Log failure: the write-ahead log refused the record
type OpError struct {
	// Op names the failed operation ("write", "take", ...).
	Op string

	// Code identifies the error category.
	Code OpErrorCode

	// Message is a human-readable description.
	Message string

	// ID identifies the entry, registration or transaction involved.
	ID string

	// Err is the underlying cause, if any.
	Err error
}

// OpErrorCode categorizes operation errors.
type OpErrorCode string

const (
	// ErrCodeInvalidEntry indicates an entry that does not fit its type.
	ErrCodeInvalidEntry OpErrorCode = "INVALID_ENTRY"

	// ErrCodeInvalidTemplate indicates a template that cannot be used.
	ErrCodeInvalidTemplate OpErrorCode = "INVALID_TEMPLATE"

	// ErrCodeUnknownListener indicates a registration without a listener.
	ErrCodeUnknownListener OpErrorCode = "UNKNOWN_LISTENER"

	// ErrCodeLogFailure indicates the write-ahead log append failed.
	ErrCodeLogFailure OpErrorCode = "LOG_FAILURE"
)

// Error implements the error interface.
func (e *OpError) Error() string {
	msg := fmt.Sprintf("%s: %s: %s", e.Op, e.Code, e.Message)
	if e.ID != "" {
		msg = fmt.Sprintf("%s (id=%s)", msg, e.ID)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *OpError) Unwrap() error { return e.Err }

// IsInvalidEntry returns true if the error is an invalid entry error.
// Uses errors.As to handle wrapped errors.
func IsInvalidEntry(err error) bool {
	var oe *OpError
	if errors.As(err, &oe) {
		return oe.Code == ErrCodeInvalidEntry
	}
	return false
}

// IsInvalidTemplate returns true if the error is an invalid template error.
func IsInvalidTemplate(err error) bool {
	var oe *OpError
	if errors.As(err, &oe) {
		return oe.Code == ErrCodeInvalidTemplate
	}
	return false
}

// IsLogFailure returns true if the error came from the write-ahead log.
func IsLogFailure(err error) bool {
	var oe *OpError
	if errors.As(err, &oe) {
		return oe.Code == ErrCodeLogFailure
	}
	return false
}

func invalidEntry(op, id, format string, args ...any) *OpError {
	return &OpError{Op: op, Code: ErrCodeInvalidEntry, Message: fmt.Sprintf(format, args...), ID: id}
}

func invalidTemplate(op string, err error) *OpError {
	return &OpError{Op: op, Code: ErrCodeInvalidTemplate, Message: "template cannot be used", Err: err}
}

func logFailure(op, id string, err error) *OpError {
	return &OpError{Op: op, Code: ErrCodeLogFailure, Message: "append to log failed", ID: id, Err: err}
}
