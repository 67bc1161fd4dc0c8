package ledger

import (
	"errors"
	"fmt"
)

// Kind is a stable category for programmatic error handling.
// Callers should branch on Kind rather than matching error strings.
type Kind string

const (
	KindEncoding          Kind = "Encoding"
	KindDerivation        Kind = "Derivation"
	KindCost              Kind = "Cost"
	KindChainNotFound     Kind = "ChainNotFound"
	KindBlockNotFound     Kind = "BlockNotFound"
	KindEntryNotFound     Kind = "EntryNotFound"
	KindCommitFailed      Kind = "CommitFailed"
	KindRevealFailed      Kind = "RevealFailed"
	KindTransport         Kind = "Transport"
	KindProtocolViolation Kind = "ProtocolViolation"
	KindInFlight          Kind = "InFlight"
	KindState             Kind = "State"
)

// Sentinels for errors.Is. An *Error matches the sentinel of its Kind.
var (
	ErrEncoding          = &Error{Kind: KindEncoding}
	ErrDerivation        = &Error{Kind: KindDerivation}
	ErrCost              = &Error{Kind: KindCost}
	ErrChainNotFound     = &Error{Kind: KindChainNotFound}
	ErrBlockNotFound     = &Error{Kind: KindBlockNotFound}
	ErrEntryNotFound     = &Error{Kind: KindEntryNotFound}
	ErrCommitFailed      = &Error{Kind: KindCommitFailed}
	ErrRevealFailed      = &Error{Kind: KindRevealFailed}
	ErrTransport         = &Error{Kind: KindTransport}
	ErrProtocolViolation = &Error{Kind: KindProtocolViolation}
	ErrInFlight          = &Error{Kind: KindInFlight}
	ErrState             = &Error{Kind: KindState}
)

// Error is the structured error returned by every package in this module.
//
// Op names the operation that failed (e.g. "commit entry", "get entry block")
// and ID the identifier it was working on (a chain id, key MR, entry hash or
// credit source name), so callers can decide on retry with full context.
// Message is for humans; do not match on it.
type Error struct {
	Kind    Kind
	Op      string
	ID      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	} else if e.Cause != nil {
		msg = msg + ": " + e.Cause.Error()
	}
	if msg == "" {
		msg = string(e.Kind)
	}
	switch {
	case e.Op != "" && e.ID != "":
		return fmt.Sprintf("%s %s: %s", e.Op, e.ID, msg)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, msg)
	default:
		return msg
	}
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) || e == nil {
		return false
	}
	return t.Kind == e.Kind
}

// NewError builds an *Error. It is exported for the transport and
// orchestration packages; the ledger package itself uses the unexported form.
func NewError(kind Kind, op, id, msg string) error {
	return newError(kind, op, id, msg)
}

// WrapError builds an *Error carrying cause.
func WrapError(kind Kind, op, id, msg string, cause error) error {
	return wrapError(kind, op, id, msg, cause)
}

func newError(kind Kind, op, id, msg string) error {
	return &Error{Kind: kind, Op: op, ID: id, Message: msg}
}

func wrapError(kind Kind, op, id, msg string, cause error) error {
	return &Error{Kind: kind, Op: op, ID: id, Message: msg, Cause: cause}
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether resubmitting the same request is safe.
// Reveals are idempotent at the protocol level, and a transport failure on a
// read has no side effects. Commit failures are never retryable: credits may
// already have been spent.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case KindRevealFailed:
		return true
	case KindTransport:
		return e.Op != "commit entry" && e.Op != "commit chain"
	default:
		return false
	}
}
