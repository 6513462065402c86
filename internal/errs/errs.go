// Package errs implements the error-kind taxonomy shared by every worker
// in the withdrawal pipeline. Kinds are not Go types to switch on with
// type assertions; they are a tag carried alongside a wrapped cause so
// that queue dispatch logic (ack / nack / DLQ) and the DLQ handler's
// classifier can agree on vocabulary without importing each other.
package errs

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Kind enumerates the error taxonomy from spec §7. AUTH is defined for
// completeness, but no core pipeline code produces it.
type Kind string

const (
	Validation Kind = "VALIDATION"
	Auth       Kind = "AUTH"
	NotFound   Kind = "NOT_FOUND"
	Business   Kind = "BUSINESS"
	Nonce      Kind = "NONCE"
	GasPrice   Kind = "GAS_PRICE"
	Network    Kind = "NETWORK"
	Blockchain Kind = "BLOCKCHAIN"
	Unknown    Kind = "UNKNOWN"
)

// Retryable reports whether a message carrying this kind should be
// nacked for redelivery rather than acknowledged as terminal. Only
// NETWORK and UNKNOWN are retryable; NONCE and GAS_PRICE report false, so
// a worker that routes one of them through this check treats it as
// terminal.
func (k Kind) Retryable() bool {
	switch k {
	case Network, Unknown:
		return true
	default:
		return false
	}
}

// Error is the typed error value that crosses worker and queue
// boundaries. Message is the operator/user-facing string persisted as
// WithdrawalRequest.errorMessage; it should never leak raw driver errors.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New constructs a terminal, causeless error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap tags an existing error with a kind, preserving the cockroachdb
// stack trace attached to cause (if any) via errors.Wrap.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: errors.Wrap(cause, message)}
}

// WrapNetwork is a convenience for the common "RPC/queue call failed
// transiently" path, used by the signing worker's RPC and store calls.
func WrapNetwork(cause error, message string) *Error {
	return Wrap(Network, cause, message)
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error, defaulting to Unknown otherwise — the DLQ handler's escalation
// path for errors it does not recognize.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// MessageOf extracts the human message, falling back to err.Error().
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}
