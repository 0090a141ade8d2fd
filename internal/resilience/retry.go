// Package resilience provides the failure-handling primitives every chain
// call is composed through: queue -> breaker -> retry -> timeout.
package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/starbridge-labs/starbridge/internal/chains"
	"github.com/starbridge-labs/starbridge/pkg/logging"
)

// RetryConfig tunes the exponential backoff retrier.
type RetryConfig struct {
	MaxRetries   int           // attempts beyond the first
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Predicate decides whether an error is worth retrying.
	// Defaults to chains.Retryable.
	Predicate func(error) bool
}

// DefaultRetryConfig returns the default retry tuning:
// 3 retries, 1s initial, 30s cap, x2 growth.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
	}
}

// Retrier retries failed operations with exponential backoff.
type Retrier struct {
	cfg RetryConfig
	log *logging.Logger
}

// NewRetrier creates a retrier with the given tuning.
func NewRetrier(cfg RetryConfig) *Retrier {
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = 2
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.Predicate == nil {
		cfg.Predicate = chains.Retryable
	}
	return &Retrier{cfg: cfg, log: logging.GetDefault().Component("retry")}
}

// Do runs fn up to MaxRetries+1 times. Errors rejected by the predicate
// are returned as-is without further attempts. When all attempts fail,
// the last cause is wrapped in a KindRetryExhausted error.
func (r *Retrier) Do(ctx context.Context, chain chains.Tag, op string, fn func(context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.InitialDelay
	bo.MaxInterval = r.cfg.MaxDelay
	bo.Multiplier = r.cfg.Multiplier
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0 // attempt count bounds us, not wall clock

	attempt := 0
	wrapped := func() error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !r.cfg.Predicate(err) {
			return backoff.Permanent(err)
		}
		r.log.Debug("Retryable failure", "chain", chain, "op", op, "attempt", attempt, "error", err)
		return err
	}

	err := backoff.Retry(wrapped, backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(r.cfg.MaxRetries)), ctx))
	if err == nil {
		return nil
	}

	// Permanent errors pass through with their own kind.
	if !r.cfg.Predicate(err) {
		return err
	}
	return chains.NewError(chains.KindRetryExhausted, chain, op, err)
}

// Attempts returns the total attempts Do will make.
func (r *Retrier) Attempts() int {
	return r.cfg.MaxRetries + 1
}
