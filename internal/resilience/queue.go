package resilience

import (
	"context"
	"sync"
	"sync/atomic"
)

// OpQueue bounds the number of concurrent on-chain operations across all
// chains. Submissions beyond the cap wait FIFO.
type OpQueue struct {
	slots   chan struct{}
	waiting atomic.Int64
	running atomic.Int64

	mu     sync.Mutex
	closed bool
}

// NewOpQueue creates a queue admitting at most size concurrent operations.
func NewOpQueue(size int) *OpQueue {
	if size <= 0 {
		size = 3
	}
	return &OpQueue{slots: make(chan struct{}, size)}
}

// Run executes fn once a slot is available, or returns early when ctx is
// cancelled while waiting.
func (q *OpQueue) Run(ctx context.Context, fn func(context.Context) error) error {
	q.waiting.Add(1)
	select {
	case q.slots <- struct{}{}:
		q.waiting.Add(-1)
	case <-ctx.Done():
		q.waiting.Add(-1)
		return ctx.Err()
	}

	q.running.Add(1)
	defer func() {
		q.running.Add(-1)
		<-q.slots
	}()
	return fn(ctx)
}

// Len returns the number of operations waiting for a slot.
func (q *OpQueue) Len() int {
	return int(q.waiting.Load())
}

// Running returns the number of operations currently executing.
func (q *OpQueue) Running() int {
	return int(q.running.Load())
}
