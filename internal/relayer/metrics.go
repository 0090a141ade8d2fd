package relayer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/starbridge-labs/starbridge/internal/storage"
)

// latencyWindow is how many recent executions feed the average latency.
const latencyWindow = 100

// metrics tracks relayer throughput. The latency ring holds the most
// recent executions only, so the average reflects current conditions.
type metrics struct {
	mu        sync.Mutex
	byType    map[storage.TaskType]*typeCounts
	latencies []time.Duration
	next      int

	rescheduled atomic.Int64
}

type typeCounts struct {
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
}

// Snapshot is the exported metrics view served by the API.
type Snapshot struct {
	ByType        map[storage.TaskType]typeCounts `json:"by_type"`
	TotalExecuted int64                           `json:"total_executed"`
	TotalFailed   int64                           `json:"total_failed"`
	Rescheduled   int64                           `json:"rescheduled"`
	SuccessRate   float64                         `json:"success_rate"`
	AvgLatencyMS  float64                         `json:"avg_latency_ms"`
}

func (m *metrics) record(taskType storage.TaskType, ok bool, took time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.byType == nil {
		m.byType = make(map[storage.TaskType]*typeCounts)
	}
	counts := m.byType[taskType]
	if counts == nil {
		counts = &typeCounts{}
		m.byType[taskType] = counts
	}
	if ok {
		counts.Succeeded++
	} else {
		counts.Failed++
	}

	if len(m.latencies) < latencyWindow {
		m.latencies = append(m.latencies, took)
	} else {
		m.latencies[m.next] = took
		m.next = (m.next + 1) % latencyWindow
	}
}

// Metrics returns a snapshot of the relayer's counters.
func (r *Relayer) Metrics() Snapshot {
	m := &r.metrics
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		ByType:      make(map[storage.TaskType]typeCounts, len(m.byType)),
		Rescheduled: m.rescheduled.Load(),
	}
	for taskType, counts := range m.byType {
		snap.ByType[taskType] = *counts
		snap.TotalExecuted += counts.Succeeded + counts.Failed
		snap.TotalFailed += counts.Failed
	}
	if snap.TotalExecuted > 0 {
		snap.SuccessRate = float64(snap.TotalExecuted-snap.TotalFailed) / float64(snap.TotalExecuted)
	}
	if len(m.latencies) > 0 {
		var sum time.Duration
		for _, d := range m.latencies {
			sum += d
		}
		snap.AvgLatencyMS = float64(sum.Milliseconds()) / float64(len(m.latencies))
	}
	return snap
}
