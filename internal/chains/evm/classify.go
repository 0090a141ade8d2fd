package evm

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/starbridge-labs/starbridge/internal/chains"
)

// classify maps an RPC or revert error to a machine-readable kind.
// Revert reasons are matched on the substrings the contract emits;
// transport failures map to the transient kinds the retrier handles.
func (a *Adapter) classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var ce *chains.Error
	if errors.As(err, &ce) {
		return err
	}

	kind := chains.KindInternal
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = chains.KindTimeout
	case isNetError(err):
		kind = chains.KindChainUnavailable
	default:
		kind = revertKind(err.Error())
	}

	return chains.NewError(kind, chains.TagEVM, op, err)
}

func isNetError(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "EOF")
}

func revertKind(msg string) chains.ErrorKind {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "429") || strings.Contains(lower, "too many requests") ||
		strings.Contains(lower, "rate limit"):
		return chains.KindRateLimited
	case strings.Contains(lower, "already"):
		return chains.KindAlreadyInState
	case strings.Contains(lower, "invalid secret") || strings.Contains(lower, "hash mismatch") ||
		strings.Contains(lower, "preimage"):
		return chains.KindInvalidPreimage
	case strings.Contains(lower, "timelock") || strings.Contains(lower, "not expired") ||
		strings.Contains(lower, "too early"):
		return chains.KindTimelockNotExpired
	case strings.Contains(lower, "insufficient funds") || strings.Contains(lower, "insufficient balance"):
		return chains.KindInsufficientFunds
	}
	return chains.KindInternal
}
