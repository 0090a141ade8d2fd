package soroban

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/starbridge-labs/starbridge/internal/chains"
)

// errRateLimited marks an HTTP 429 from the gateway.
var errRateLimited = errors.New("rate limited")

// classify maps a gateway or contract error to a machine-readable kind.
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
	case errors.Is(err, errRateLimited):
		kind = chains.KindRateLimited
	case errors.Is(err, context.DeadlineExceeded):
		kind = chains.KindTimeout
	case isNetError(err):
		kind = chains.KindChainUnavailable
	default:
		kind = contractErrorKind(err.Error())
	}

	return chains.NewError(kind, chains.TagSoroban, op, err)
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

func contractErrorKind(msg string) chains.ErrorKind {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "too many requests"):
		return chains.KindRateLimited
	case strings.Contains(lower, "already"):
		return chains.KindAlreadyInState
	case strings.Contains(lower, "invalid secret") || strings.Contains(lower, "hash mismatch") ||
		strings.Contains(lower, "preimage"):
		return chains.KindInvalidPreimage
	case strings.Contains(lower, "timelock") || strings.Contains(lower, "not expired") ||
		strings.Contains(lower, "too early"):
		return chains.KindTimelockNotExpired
	case strings.Contains(lower, "insufficient"):
		return chains.KindInsufficientFunds
	}
	return chains.KindInternal
}

func isNotFound(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "not found")
}
