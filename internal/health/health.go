// Package health aggregates component condition into one rollup and
// exports the same signals as Prometheus metrics.
package health

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/starbridge-labs/starbridge/internal/chains"
	"github.com/starbridge-labs/starbridge/internal/monitor"
	"github.com/starbridge-labs/starbridge/internal/relayer"
	"github.com/starbridge-labs/starbridge/internal/resilience"
	"github.com/starbridge-labs/starbridge/internal/storage"
)

// Status is the overall rollup.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// ChainHealth is one chain's condition.
type ChainHealth struct {
	Monitor monitor.Health          `json:"monitor"`
	Breaker resilience.BreakerState `json:"breaker"`
	Stats   *chains.Stats           `json:"stats,omitempty"`
}

// Report is the full health response.
type Report struct {
	Status       Status                     `json:"status"`
	UptimeSec    int64                      `json:"uptime_sec"`
	Chains       map[chains.Tag]ChainHealth `json:"chains"`
	QueueWaiting int                        `json:"queue_waiting"`
	QueueRunning int                        `json:"queue_running"`
	Tasks        map[storage.TaskStatus]int `json:"tasks"`
	Relayer      relayer.Snapshot           `json:"relayer"`
}

// Checker computes health reports and feeds the Prometheus gauges.
type Checker struct {
	start    time.Time
	monitors map[chains.Tag]*monitor.Monitor
	execs    map[chains.Tag]*resilience.Executor
	adapters map[chains.Tag]chains.Adapter
	store    *storage.Storage
	relayer  *relayer.Relayer
	queue    *resilience.OpQueue

	registry *prometheus.Registry
	gauges   gauges
}

type gauges struct {
	chainHeight   *prometheus.GaugeVec
	chainHealthy  *prometheus.GaugeVec
	breakerState  *prometheus.GaugeVec
	swapsByStatus *prometheus.GaugeVec
	tasksByStatus *prometheus.GaugeVec
	queueWaiting  prometheus.Gauge
	queueRunning  prometheus.Gauge
	relayerTotal  prometheus.Gauge
	relayerFailed prometheus.Gauge
}

// New creates a health checker and registers its metrics.
func New(
	monitors map[chains.Tag]*monitor.Monitor,
	execs map[chains.Tag]*resilience.Executor,
	adapters map[chains.Tag]chains.Adapter,
	store *storage.Storage,
	rel *relayer.Relayer,
	queue *resilience.OpQueue,
) *Checker {
	registry := prometheus.NewRegistry()

	g := gauges{
		chainHeight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "starbridge_chain_height",
			Help: "Last processed block or ledger height per chain.",
		}, []string{"chain"}),
		chainHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "starbridge_chain_healthy",
			Help: "1 if the chain monitor is healthy.",
		}, []string{"chain"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "starbridge_breaker_state",
			Help: "Circuit breaker state per chain: 0 closed, 1 half-open, 2 open.",
		}, []string{"chain"}),
		swapsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "starbridge_swaps",
			Help: "Swaps by lifecycle status.",
		}, []string{"status"}),
		tasksByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "starbridge_relay_tasks",
			Help: "Relay tasks by queue status.",
		}, []string{"status"}),
		queueWaiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "starbridge_op_queue_waiting",
			Help: "Operations waiting for a queue slot.",
		}),
		queueRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "starbridge_op_queue_running",
			Help: "Operations currently executing.",
		}),
		relayerTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "starbridge_relayer_executed_total",
			Help: "Total relay task executions.",
		}),
		relayerFailed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "starbridge_relayer_failed_total",
			Help: "Total failed relay task executions.",
		}),
	}
	registry.MustRegister(
		g.chainHeight, g.chainHealthy, g.breakerState,
		g.swapsByStatus, g.tasksByStatus,
		g.queueWaiting, g.queueRunning, g.relayerTotal, g.relayerFailed,
	)

	return &Checker{
		start:    time.Now(),
		monitors: monitors,
		execs:    execs,
		adapters: adapters,
		store:    store,
		relayer:  rel,
		queue:    queue,
		registry: registry,
		gauges:   g,
	}
}

// Registry exposes the metrics registry for the /metrics handler.
func (c *Checker) Registry() *prometheus.Registry {
	return c.registry
}

// Report computes the current health rollup and refreshes the gauges.
// Chain stats are fetched best-effort with a short budget; a chain that
// cannot answer simply reports without them.
func (c *Checker) Report(ctx context.Context) Report {
	report := Report{
		UptimeSec: int64(time.Since(c.start).Seconds()),
		Chains:    make(map[chains.Tag]ChainHealth, len(c.monitors)),
		Relayer:   c.relayer.Metrics(),
	}

	unhealthyChains := 0
	degraded := false

	for tag, mon := range c.monitors {
		ch := ChainHealth{Monitor: mon.Health()}
		if exec := c.execs[tag]; exec != nil {
			ch.Breaker = exec.Breaker().State()
		}
		if adapter := c.adapters[tag]; adapter != nil {
			statsCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			if stats, err := adapter.Stats(statsCtx); err == nil {
				ch.Stats = &stats
			}
			cancel()
		}
		report.Chains[tag] = ch

		if !ch.Monitor.Healthy {
			unhealthyChains++
		}
		if ch.Breaker == resilience.BreakerOpen || !ch.Monitor.Healthy {
			degraded = true
		}

		c.gauges.chainHeight.WithLabelValues(string(tag)).Set(float64(ch.Monitor.LastHeight))
		c.gauges.chainHealthy.WithLabelValues(string(tag)).Set(boolGauge(ch.Monitor.Healthy))
		c.gauges.breakerState.WithLabelValues(string(tag)).Set(breakerGauge(ch.Breaker))
	}

	if c.queue != nil {
		report.QueueWaiting = c.queue.Len()
		report.QueueRunning = c.queue.Running()
		c.gauges.queueWaiting.Set(float64(report.QueueWaiting))
		c.gauges.queueRunning.Set(float64(report.QueueRunning))
	}

	if counts, err := c.store.TaskCountsByStatus(); err == nil {
		report.Tasks = counts
		for status, n := range counts {
			c.gauges.tasksByStatus.WithLabelValues(string(status)).Set(float64(n))
		}
	}

	c.refreshSwapGauge()
	c.gauges.relayerTotal.Set(float64(report.Relayer.TotalExecuted))
	c.gauges.relayerFailed.Set(float64(report.Relayer.TotalFailed))

	switch {
	case unhealthyChains == len(c.monitors) && len(c.monitors) > 0:
		report.Status = StatusUnhealthy
	case degraded:
		report.Status = StatusDegraded
	default:
		report.Status = StatusHealthy
	}
	return report
}

func (c *Checker) refreshSwapGauge() {
	swaps, err := c.store.ListSwaps()
	if err != nil {
		return
	}
	counts := make(map[storage.SwapStatus]int)
	for _, swap := range swaps {
		counts[swap.Status]++
	}
	c.gauges.swapsByStatus.Reset()
	for status, n := range counts {
		c.gauges.swapsByStatus.WithLabelValues(string(status)).Set(float64(n))
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func breakerGauge(s resilience.BreakerState) float64 {
	switch s {
	case resilience.BreakerOpen:
		return 2
	case resilience.BreakerHalfOpen:
		return 1
	}
	return 0
}
