package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/starbridge-labs/starbridge/internal/chains"
)

func unavailable() error {
	return chains.NewError(chains.KindChainUnavailable, chains.TagEVM, "latest_height", errors.New("connection refused"))
}

func validation() error {
	return chains.NewError(chains.KindValidation, chains.TagEVM, "create_escrow", errors.New("bad amount"))
}

// ============================================================================
// Retrier
// ============================================================================

func TestRetrierRetriesTransientErrors(t *testing.T) {
	r := NewRetrier(RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond})

	calls := 0
	err := r.Do(context.Background(), chains.TagEVM, "op", func(context.Context) error {
		calls++
		if calls < 3 {
			return unavailable()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetrierStopsOnPermanentError(t *testing.T) {
	r := NewRetrier(RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond})

	calls := 0
	err := r.Do(context.Background(), chains.TagEVM, "op", func(context.Context) error {
		calls++
		return validation()
	})
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if chains.KindOf(err) != chains.KindValidation {
		t.Fatalf("kind = %v, want validation", chains.KindOf(err))
	}
}

func TestRetrierWrapsExhaustion(t *testing.T) {
	r := NewRetrier(RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond})

	calls := 0
	err := r.Do(context.Background(), chains.TagEVM, "op", func(context.Context) error {
		calls++
		return unavailable()
	})
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	if chains.KindOf(err) != chains.KindRetryExhausted {
		t.Fatalf("kind = %v, want retry_exhausted", chains.KindOf(err))
	}
	if !errorsContainKind(err, chains.KindChainUnavailable) {
		t.Fatal("exhaustion should wrap the last cause")
	}
}

func errorsContainKind(err error, kind chains.ErrorKind) bool {
	for err != nil {
		var ce *chains.Error
		if errors.As(err, &ce) {
			if ce.Kind == kind {
				return true
			}
			err = ce.Unwrap()
			continue
		}
		return false
	}
	return false
}

func TestRetrierHonorsContextCancel(t *testing.T) {
	r := NewRetrier(RetryConfig{MaxRetries: 10, InitialDelay: 50 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := r.Do(ctx, chains.TagEVM, "op", func(context.Context) error {
		calls++
		return unavailable()
	})
	if err == nil {
		t.Fatal("expected error after cancel")
	}
	if calls > 3 {
		t.Fatalf("calls = %d, cancel should stop the loop", calls)
	}
}

// ============================================================================
// Circuit breaker
// ============================================================================

func TestBreakerOpensAtThreshold(t *testing.T) {
	b := NewCircuitBreaker(chains.TagEVM, BreakerConfig{
		FailureThreshold: 3,
		OpenTimeout:      time.Hour,
		Window:           time.Hour,
	})

	for i := 0; i < 2; i++ {
		b.Record(unavailable())
	}
	if b.State() != BreakerClosed {
		t.Fatalf("state = %s before threshold", b.State())
	}
	b.Record(unavailable())
	if b.State() != BreakerOpen {
		t.Fatalf("state = %s, want open", b.State())
	}
	if err := b.Allow("op"); chains.KindOf(err) != chains.KindCircuitOpen {
		t.Fatalf("Allow = %v, want circuit open error", err)
	}
}

func TestBreakerIgnoresNonInfrastructureErrors(t *testing.T) {
	b := NewCircuitBreaker(chains.TagEVM, BreakerConfig{FailureThreshold: 2, OpenTimeout: time.Hour, Window: time.Hour})

	for i := 0; i < 5; i++ {
		b.Record(validation())
	}
	if b.State() != BreakerClosed {
		t.Fatalf("validation errors must not trip the breaker, state = %s", b.State())
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b := NewCircuitBreaker(chains.TagEVM, BreakerConfig{
		FailureThreshold: 1,
		OpenTimeout:      time.Minute,
		Window:           time.Hour,
	})
	now := time.Now()
	b.now = func() time.Time { return now }

	b.Record(unavailable())
	if b.State() != BreakerOpen {
		t.Fatalf("state = %s, want open", b.State())
	}

	// Before the open timeout, calls are denied.
	if err := b.Allow("op"); err == nil {
		t.Fatal("Allow should deny while open")
	}

	// After the timeout one probe is admitted, a second is not.
	now = now.Add(2 * time.Minute)
	if err := b.Allow("op"); err != nil {
		t.Fatalf("probe denied: %v", err)
	}
	if err := b.Allow("op"); err == nil {
		t.Fatal("second concurrent probe should be denied")
	}

	// Successful probe closes the breaker.
	b.Record(nil)
	if b.State() != BreakerClosed {
		t.Fatalf("state = %s after successful probe, want closed", b.State())
	}
}

func TestBreakerReopensOnFailedProbe(t *testing.T) {
	b := NewCircuitBreaker(chains.TagEVM, BreakerConfig{
		FailureThreshold: 1,
		OpenTimeout:      time.Minute,
		Window:           time.Hour,
	})
	now := time.Now()
	b.now = func() time.Time { return now }

	b.Record(unavailable())
	now = now.Add(2 * time.Minute)
	if err := b.Allow("op"); err != nil {
		t.Fatalf("probe denied: %v", err)
	}
	b.Record(unavailable())
	if b.State() != BreakerOpen {
		t.Fatalf("state = %s after failed probe, want open", b.State())
	}
}

// ============================================================================
// Timeout
// ============================================================================

func TestWithTimeoutWrapsDeadline(t *testing.T) {
	err := WithTimeout(context.Background(), chains.TagSoroban, "get_escrow", 10*time.Millisecond,
		func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})
	if chains.KindOf(err) != chains.KindTimeout {
		t.Fatalf("kind = %v, want timeout", chains.KindOf(err))
	}
}

func TestWithTimeoutPassesThroughCallerCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WithTimeout(ctx, chains.TagSoroban, "get_escrow", time.Minute,
		func(ctx context.Context) error {
			return ctx.Err()
		})
	if chains.KindOf(err) == chains.KindTimeout {
		t.Fatal("caller cancellation must not be reported as a budget timeout")
	}
}

// ============================================================================
// Operation queue
// ============================================================================

func TestOpQueueBoundsConcurrency(t *testing.T) {
	q := NewOpQueue(2)

	var running, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Run(context.Background(), func(context.Context) error {
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				running.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	if peak.Load() > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", peak.Load())
	}
	if q.Len() != 0 || q.Running() != 0 {
		t.Fatalf("queue not drained: waiting=%d running=%d", q.Len(), q.Running())
	}
}

func TestOpQueueRespectsCancelWhileWaiting(t *testing.T) {
	q := NewOpQueue(1)

	release := make(chan struct{})
	go q.Run(context.Background(), func(context.Context) error {
		<-release
		return nil
	})
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := q.Run(ctx, func(context.Context) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	close(release)
}

// ============================================================================
// Executor composition
// ============================================================================

func TestExecutorFeedsBreakerAndRetries(t *testing.T) {
	breaker := NewCircuitBreaker(chains.TagEVM, BreakerConfig{FailureThreshold: 100, OpenTimeout: time.Hour, Window: time.Hour})
	retrier := NewRetrier(RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond})
	exec := NewExecutor(chains.TagEVM, NewOpQueue(2), breaker, retrier, time.Second)

	calls := 0
	err := exec.Do(context.Background(), "create_escrow", func(context.Context) error {
		calls++
		if calls < 2 {
			return unavailable()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestExecutorFailsFastWhenBreakerOpen(t *testing.T) {
	breaker := NewCircuitBreaker(chains.TagEVM, BreakerConfig{FailureThreshold: 1, OpenTimeout: time.Hour, Window: time.Hour})
	retrier := NewRetrier(RetryConfig{MaxRetries: 0, InitialDelay: time.Millisecond})
	exec := NewExecutor(chains.TagEVM, NewOpQueue(2), breaker, retrier, time.Second)

	exec.Do(context.Background(), "op", func(context.Context) error {
		return unavailable()
	})
	if breaker.State() != BreakerOpen {
		t.Fatalf("breaker = %s, want open", breaker.State())
	}

	calls := 0
	err := exec.Do(context.Background(), "op", func(context.Context) error {
		calls++
		return nil
	})
	if calls != 0 {
		t.Fatal("open breaker must prevent the call")
	}
	if !chains.Transient(chains.KindOf(err)) {
		t.Fatalf("circuit open should be transient, got %v", err)
	}
}
