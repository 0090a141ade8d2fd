package chains

import (
	"errors"
	"fmt"
)

// ErrorKind classifies chain operation failures. Retry and breaker logic
// dispatches on kind, never on message text.
type ErrorKind string

const (
	KindValidation         ErrorKind = "validation"
	KindChainUnavailable   ErrorKind = "chain_unavailable"
	KindRateLimited        ErrorKind = "rate_limited"
	KindTimeout            ErrorKind = "timeout"
	KindCircuitOpen        ErrorKind = "circuit_open"
	KindAlreadyInState     ErrorKind = "already_in_state"
	KindInvalidPreimage    ErrorKind = "invalid_preimage"
	KindTimelockNotExpired ErrorKind = "timelock_not_expired"
	KindInsufficientFunds  ErrorKind = "insufficient_funds"
	KindInvariantViolation ErrorKind = "invariant_violation"
	KindRetryExhausted     ErrorKind = "retry_exhausted"
	KindInternal           ErrorKind = "internal"
)

// Error is a chain operation failure with a machine-readable kind.
type Error struct {
	Kind  ErrorKind
	Op    string // operation name, e.g. "create_escrow"
	Chain Tag
	Err   error // underlying cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s on %s: %v", e.Kind, e.Op, e.Chain, e.Err)
	}
	return fmt.Sprintf("%s %s on %s", e.Kind, e.Op, e.Chain)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a classified chain error.
func NewError(kind ErrorKind, chain Tag, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Chain: chain, Err: err}
}

// KindOf returns the classification of err, unwrapping as needed.
// Unclassified errors report KindInternal.
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// Transient reports whether the kind is recovered locally by the
// retry + breaker + queue chain rather than failing the swap.
func Transient(kind ErrorKind) bool {
	switch kind {
	case KindChainUnavailable, KindRateLimited, KindTimeout, KindCircuitOpen:
		return true
	}
	return false
}

// Retryable is the default retry predicate for chain calls.
// CircuitOpen is not retried in place; the relayer reschedules instead.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindChainUnavailable, KindRateLimited, KindTimeout:
		return true
	}
	return false
}

// CountsTowardBreaker reports whether a failure should advance the
// circuit breaker's failure count. Rate limiting does not: the endpoint
// is alive, just throttling us.
func CountsTowardBreaker(err error) bool {
	switch KindOf(err) {
	case KindChainUnavailable, KindTimeout:
		return true
	}
	return false
}
