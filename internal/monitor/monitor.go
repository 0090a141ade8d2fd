// Package monitor polls each chain for contract events. One Monitor per
// chain scans the half-open interval (cursor, head] every tick, emits
// normalized events on a shared channel and advances its persisted
// cursor, so a restart resumes where the previous run stopped.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/starbridge-labs/starbridge/internal/chains"
	"github.com/starbridge-labs/starbridge/internal/resilience"
	"github.com/starbridge-labs/starbridge/internal/storage"
	"github.com/starbridge-labs/starbridge/pkg/logging"
)

// Health is a point-in-time snapshot of one monitor's condition.
type Health struct {
	Chain               chains.Tag `json:"chain"`
	Healthy             bool       `json:"healthy"`
	LastHeight          uint64     `json:"last_height"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastError           string     `json:"last_error,omitempty"`
	LastPollAt          time.Time  `json:"last_poll_at"`
}

// unhealthyAfter is how many consecutive failed polls flip the monitor
// to unhealthy.
const unhealthyAfter = 3

// Monitor polls one chain for contract events.
type Monitor struct {
	chain    chains.Tag
	adapter  chains.Adapter
	exec     *resilience.Executor
	store    *storage.Storage
	interval time.Duration
	events   chan<- chains.Event
	log      *logging.Logger

	mu       sync.RWMutex
	health   Health
	stopOnce sync.Once
	done     chan struct{}
}

// New creates a monitor for one chain. Emitted events are delivered on
// the events channel; the caller owns the channel's lifecycle.
func New(adapter chains.Adapter, exec *resilience.Executor, store *storage.Storage, interval time.Duration, events chan<- chains.Event) *Monitor {
	chain := adapter.Chain()
	return &Monitor{
		chain:    chain,
		adapter:  adapter,
		exec:     exec,
		store:    store,
		interval: interval,
		events:   events,
		log:      logging.Component("monitor-" + string(chain)),
		health:   Health{Chain: chain, Healthy: true},
		done:     make(chan struct{}),
	}
}

// Run polls until ctx is cancelled. Blocks; run in a goroutine.
func (m *Monitor) Run(ctx context.Context) {
	defer m.stopOnce.Do(func() { close(m.done) })

	m.log.Info("monitor started", "interval", m.interval)

	// Poll immediately rather than waiting a full interval.
	m.poll(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.poll(ctx)
		case <-ctx.Done():
			m.log.Info("monitor stopped")
			return
		}
	}
}

// Done is closed when Run has returned.
func (m *Monitor) Done() <-chan struct{} {
	return m.done
}

// poll scans (cursor, head] for events and advances the cursor only
// after every event of the range has been handed off.
func (m *Monitor) poll(ctx context.Context) {
	var head uint64
	err := m.exec.Do(ctx, "latest_height", func(ctx context.Context) error {
		var err error
		head, err = m.adapter.LatestHeight(ctx)
		return err
	})
	if err != nil {
		m.recordFailure(err)
		return
	}

	cursor, err := m.store.GetCursor(m.chain)
	if err != nil {
		m.recordFailure(err)
		return
	}

	// Fresh deployment: start from the current head instead of scanning
	// the chain's full history.
	if cursor == 0 {
		if err := m.store.SetCursor(m.chain, head); err != nil {
			m.recordFailure(err)
			return
		}
		m.recordSuccess(head)
		return
	}

	if head <= cursor {
		m.recordSuccess(cursor)
		return
	}

	var events []chains.Event
	err = m.exec.Do(ctx, "events_in_range", func(ctx context.Context) error {
		var err error
		events, err = m.adapter.EventsInRange(ctx, cursor, head)
		return err
	})
	if err != nil {
		m.recordFailure(err)
		return
	}

	for _, ev := range events {
		select {
		case m.events <- ev:
		case <-ctx.Done():
			return
		}
	}

	if err := m.store.SetCursor(m.chain, head); err != nil {
		m.recordFailure(err)
		return
	}

	if len(events) > 0 {
		m.log.Debug("events emitted", "count", len(events), "from", cursor, "to", head)
	}
	m.recordSuccess(head)
}

func (m *Monitor) recordSuccess(height uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.health.Healthy = true
	m.health.LastHeight = height
	m.health.ConsecutiveFailures = 0
	m.health.LastError = ""
	m.health.LastPollAt = time.Now().UTC()
}

func (m *Monitor) recordFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.health.ConsecutiveFailures++
	m.health.LastError = err.Error()
	m.health.LastPollAt = time.Now().UTC()
	if m.health.ConsecutiveFailures >= unhealthyAfter {
		m.health.Healthy = false
	}
	m.log.Warn("poll failed", "failures", m.health.ConsecutiveFailures, "err", err)
}

// Health returns the monitor's current condition.
func (m *Monitor) Health() Health {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.health
}
