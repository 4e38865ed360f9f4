// Package secerr defines the error taxonomy shared across the promptguard
// security core. Every error reported to a caller carries a Kind so that
// operators can tell which precondition failed, and messages name the
// failing condition rather than reporting a generic failure.
package secerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error by the subsystem contract it violates.
type Kind int

const (
	// KindValidation indicates bad input shape or size.
	KindValidation Kind = iota
	// KindKeyService indicates an encrypt/decrypt failure, including
	// malformed ciphertext.
	KindKeyService
	// KindCoordination indicates an agent lookup miss or a closed
	// command stream.
	KindCoordination
	// KindNotFound indicates a missing escrow entry or record.
	KindNotFound
	// KindAuthentication indicates insufficient or unauthorized
	// recovery signatures.
	KindAuthentication
	// KindExpired indicates an escrow entry past its expiry time.
	KindExpired
	// KindConfiguration indicates an invalid threshold or key identifier.
	KindConfiguration
	// KindAudit indicates an audit ledger write failure.
	KindAudit
	// KindPartial indicates the primary operation succeeded but its
	// audit trail could not be written.
	KindPartial
)

// String returns the stable name for a Kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindKeyService:
		return "key_service"
	case KindCoordination:
		return "coordination"
	case KindNotFound:
		return "not_found"
	case KindAuthentication:
		return "authentication"
	case KindExpired:
		return "expired"
	case KindConfiguration:
		return "configuration"
	case KindAudit:
		return "audit"
	case KindPartial:
		return "partial"
	default:
		return "unknown"
	}
}

// Error is the typed error used throughout the security core.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "escrow.RecoverKey"
	Msg  string
	Err  error // wrapped cause, may be nil
}

// Error renders "op: kind: msg" with the wrapped cause appended if present.
func (e *Error) Error() string {
	s := fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Msg)
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As chains.
func (e *Error) Unwrap() error { return e.Err }

// New creates an Error with a formatted message.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error around a cause. The message defaults to the
// cause's text when msg is empty.
func Wrap(kind Kind, op, msg string, err error) *Error {
	if msg == "" && err != nil {
		msg = err.Error()
	}
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

// IsKind reports whether any error in err's chain is an *Error of kind k.
func IsKind(err error, k Kind) bool {
	var se *Error
	for errors.As(err, &se) {
		if se.Kind == k {
			return true
		}
		err = se.Err
		se = nil
		if err == nil {
			return false
		}
	}
	return false
}

// KindOf returns the Kind of the outermost *Error in err's chain, or
// ok=false when the chain contains no *Error.
func KindOf(err error) (Kind, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return 0, false
}
