package resilience

import (
	"context"
	"time"

	"github.com/starbridge-labs/starbridge/internal/chains"
)

// Executor composes the full resilience chain around one chain's calls:
// queue -> breaker -> retry -> timeout. The queue is shared process-wide;
// the breaker belongs to this chain alone.
type Executor struct {
	chain   chains.Tag
	queue   *OpQueue
	breaker *CircuitBreaker
	retrier *Retrier
	budget  time.Duration // per-attempt timeout
}

// NewExecutor wires the resilience chain for one chain.
func NewExecutor(chain chains.Tag, queue *OpQueue, breaker *CircuitBreaker, retrier *Retrier, budget time.Duration) *Executor {
	return &Executor{
		chain:   chain,
		queue:   queue,
		breaker: breaker,
		retrier: retrier,
		budget:  budget,
	}
}

// Do runs fn through the composed chain. The breaker is consulted before
// each attempt and fed every attempt's outcome; the per-attempt timeout
// applies inside the retry loop.
func (e *Executor) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	return e.queue.Run(ctx, func(ctx context.Context) error {
		return e.retrier.Do(ctx, e.chain, op, func(ctx context.Context) error {
			if err := e.breaker.Allow(op); err != nil {
				return err
			}
			err := WithTimeout(ctx, e.chain, op, e.budget, fn)
			e.breaker.Record(err)
			return err
		})
	})
}

// Breaker exposes this chain's breaker for health reporting.
func (e *Executor) Breaker() *CircuitBreaker {
	return e.breaker
}

// Queue exposes the shared operation queue.
func (e *Executor) Queue() *OpQueue {
	return e.queue
}
