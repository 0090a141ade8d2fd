package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/starbridge-labs/starbridge/internal/chains"
)

// WithTimeout runs fn under a hard deadline. When the deadline fires the
// result is a KindTimeout error naming the operation and budget.
func WithTimeout(ctx context.Context, chain chains.Tag, op string, d time.Duration, fn func(context.Context) error) error {
	tctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	err := fn(tctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return chains.NewError(chains.KindTimeout, chain, op, err)
	}
	return err
}
