package resilience

import (
	"sync"
	"time"

	"github.com/starbridge-labs/starbridge/internal/chains"
	"github.com/starbridge-labs/starbridge/pkg/logging"
)

// BreakerState is the circuit breaker's current mode.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerConfig tunes a circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           // failures within the window before opening
	OpenTimeout      time.Duration // how long to fail fast before probing
	Window           time.Duration // rolling window for failure counting
}

// DefaultBreakerConfig returns the default breaker tuning.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		OpenTimeout:      60 * time.Second,
		Window:           60 * time.Second,
	}
}

// CircuitBreaker fails fast when a chain endpoint is repeatedly unhealthy.
// Each chain has its own breaker.
type CircuitBreaker struct {
	mu sync.Mutex

	chain    chains.Tag
	cfg      BreakerConfig
	state    BreakerState
	failures []time.Time // failure timestamps within the window
	openedAt time.Time
	probing  bool // a half-open probe is in flight

	now func() time.Time // swapped in tests
	log *logging.Logger
}

// NewCircuitBreaker creates a breaker for one chain.
func NewCircuitBreaker(chain chains.Tag, cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 60 * time.Second
	}
	if cfg.Window <= 0 {
		cfg.Window = 60 * time.Second
	}
	return &CircuitBreaker{
		chain: chain,
		cfg:   cfg,
		state: BreakerClosed,
		now:   time.Now,
		log:   logging.GetDefault().Component("breaker-" + string(chain)),
	}
}

// Allow reports whether a call may proceed. When the breaker is open and
// the open timeout has elapsed it transitions to half-open and admits a
// single probe. Denied calls receive a KindCircuitOpen error.
func (b *CircuitBreaker) Allow(op string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if b.now().Sub(b.openedAt) >= b.cfg.OpenTimeout {
			b.state = BreakerHalfOpen
			b.probing = true
			b.log.Info("Breaker half-open, admitting probe", "op", op)
			return nil
		}
		return chains.NewError(chains.KindCircuitOpen, b.chain, op, nil)
	case BreakerHalfOpen:
		if b.probing {
			return chains.NewError(chains.KindCircuitOpen, b.chain, op, nil)
		}
		b.probing = true
		return nil
	}
	return nil
}

// Record feeds a call outcome back into the breaker. Only errors for
// which chains.CountsTowardBreaker holds advance the failure count.
func (b *CircuitBreaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerHalfOpen {
		b.probing = false
		if err == nil || !chains.CountsTowardBreaker(err) {
			b.state = BreakerClosed
			b.failures = b.failures[:0]
			b.log.Info("Breaker closed after successful probe")
		} else {
			b.state = BreakerOpen
			b.openedAt = b.now()
			b.log.Warn("Probe failed, breaker re-opened", "error", err)
		}
		return
	}

	if err == nil || !chains.CountsTowardBreaker(err) {
		return
	}

	now := b.now()
	cutoff := now.Add(-b.cfg.Window)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = append(kept, now)

	if b.state == BreakerClosed && len(b.failures) >= b.cfg.FailureThreshold {
		b.state = BreakerOpen
		b.openedAt = now
		b.log.Warn("Breaker opened", "failures", len(b.failures), "window", b.cfg.Window)
	}
}

// State returns the current breaker state.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	// Report half-open once the open timeout has elapsed, even if no
	// probe has arrived yet.
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cfg.OpenTimeout {
		return BreakerHalfOpen
	}
	return b.state
}
