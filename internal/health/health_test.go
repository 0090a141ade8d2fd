package health

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/starbridge-labs/starbridge/internal/chains"
	"github.com/starbridge-labs/starbridge/internal/chains/chaintest"
	"github.com/starbridge-labs/starbridge/internal/monitor"
	"github.com/starbridge-labs/starbridge/internal/relayer"
	"github.com/starbridge-labs/starbridge/internal/resilience"
	"github.com/starbridge-labs/starbridge/internal/storage"
)

type fixture struct {
	checker  *Checker
	breakers map[chains.Tag]*resilience.CircuitBreaker
	fakes    map[chains.Tag]*chaintest.Fake
	store    *storage.Storage
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := storage.New(&storage.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	queue := resilience.NewOpQueue(4)
	tags := []chains.Tag{chains.TagEVM, chains.TagSoroban}

	fakes := make(map[chains.Tag]*chaintest.Fake)
	adapters := make(map[chains.Tag]chains.Adapter)
	execs := make(map[chains.Tag]*resilience.Executor)
	breakers := make(map[chains.Tag]*resilience.CircuitBreaker)
	monitors := make(map[chains.Tag]*monitor.Monitor)

	events := make(chan chains.Event, 16)
	for _, tag := range tags {
		fake := chaintest.New(tag)
		breaker := resilience.NewCircuitBreaker(tag, resilience.BreakerConfig{
			FailureThreshold: 2,
			OpenTimeout:      time.Hour,
			Window:           time.Hour,
		})
		retrier := resilience.NewRetrier(resilience.RetryConfig{MaxRetries: 0, InitialDelay: time.Millisecond})
		exec := resilience.NewExecutor(tag, queue, breaker, retrier, time.Second)

		fakes[tag] = fake
		adapters[tag] = fake
		execs[tag] = exec
		breakers[tag] = breaker
		monitors[tag] = monitor.New(fake, exec, store, time.Minute, events)
	}

	rel := relayer.New(relayer.Config{}, store, adapters, execs)
	return &fixture{
		checker:  New(monitors, execs, adapters, store, rel, queue),
		breakers: breakers,
		fakes:    fakes,
		store:    store,
	}
}

func TestReportHealthy(t *testing.T) {
	f := newFixture(t)

	report := f.checker.Report(context.Background())
	if report.Status != StatusHealthy {
		t.Fatalf("status = %s, want %s", report.Status, StatusHealthy)
	}
	if len(report.Chains) != 2 {
		t.Fatalf("chains = %d, want 2", len(report.Chains))
	}
	for tag, ch := range report.Chains {
		if !ch.Monitor.Healthy {
			t.Errorf("%s monitor unhealthy", tag)
		}
		if ch.Breaker != resilience.BreakerClosed {
			t.Errorf("%s breaker = %s, want closed", tag, ch.Breaker)
		}
		if ch.Stats == nil {
			t.Errorf("%s stats missing", tag)
		}
	}
}

func TestReportDegradedOnOpenBreaker(t *testing.T) {
	f := newFixture(t)

	unavailable := chains.NewError(chains.KindChainUnavailable, chains.TagEVM, "latest_height", errors.New("down"))
	f.breakers[chains.TagEVM].Record(unavailable)
	f.breakers[chains.TagEVM].Record(unavailable)

	report := f.checker.Report(context.Background())
	if report.Status != StatusDegraded {
		t.Fatalf("status = %s, want %s", report.Status, StatusDegraded)
	}
	if report.Chains[chains.TagEVM].Breaker != resilience.BreakerOpen {
		t.Fatalf("evm breaker = %s, want open", report.Chains[chains.TagEVM].Breaker)
	}
	if report.Chains[chains.TagSoroban].Breaker != resilience.BreakerClosed {
		t.Fatalf("soroban breaker should stay closed")
	}
}

func TestGaugesReflectReport(t *testing.T) {
	f := newFixture(t)

	swap := &storage.Swap{
		SwapID:    "swap-health-1",
		FromChain: chains.TagEVM,
		ToChain:   chains.TagSoroban,
		Status:    storage.SwapInitiated,
	}
	if err := f.store.SaveSwap(swap); err != nil {
		t.Fatalf("save: %v", err)
	}

	f.checker.Report(context.Background())

	got := testutil.ToFloat64(f.checker.gauges.swapsByStatus.WithLabelValues(string(storage.SwapInitiated)))
	if got != 1 {
		t.Fatalf("swaps gauge = %v, want 1", got)
	}

	names, err := testutil.GatherAndCount(f.checker.Registry(),
		"starbridge_chain_healthy", "starbridge_breaker_state", "starbridge_swaps")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if names == 0 {
		t.Fatal("no metrics gathered")
	}
}

func TestReportIncludesTaskCounts(t *testing.T) {
	f := newFixture(t)

	task := &storage.RelayTask{
		SwapID: "swap-health-2",
		Chain:  chains.TagEVM,
		Type:   storage.TaskCreateEscrow,
	}
	if err := f.store.EnqueueTask(task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	report := f.checker.Report(context.Background())
	if report.Tasks[storage.TaskPending] != 1 {
		t.Fatalf("pending tasks = %d, want 1", report.Tasks[storage.TaskPending])
	}
}

func TestStatusStringsAreStable(t *testing.T) {
	for _, s := range []Status{StatusHealthy, StatusDegraded, StatusUnhealthy} {
		if strings.ContainsAny(string(s), " A-Z") {
			t.Errorf("status %q should be lowercase without spaces", s)
		}
	}
}
