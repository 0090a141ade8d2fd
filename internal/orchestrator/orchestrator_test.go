package orchestrator

import (
	"context"
	"crypto/sha256"
	"errors"
	"testing"
	"time"

	"github.com/starbridge-labs/starbridge/internal/chains"
	"github.com/starbridge-labs/starbridge/internal/chains/chaintest"
	"github.com/starbridge-labs/starbridge/internal/relayer"
	"github.com/starbridge-labs/starbridge/internal/resilience"
	"github.com/starbridge-labs/starbridge/internal/storage"
	"github.com/starbridge-labs/starbridge/pkg/helpers"
)

type fixture struct {
	orch    *Orchestrator
	relayer *relayer.Relayer
	store   *storage.Storage
	evm     *chaintest.Fake
	soroban *chaintest.Fake
	events  chan chains.Event
}

func testExecutor(tag chains.Tag, maxRetries int) *resilience.Executor {
	queue := resilience.NewOpQueue(3)
	breaker := resilience.NewCircuitBreaker(tag, resilience.BreakerConfig{
		FailureThreshold: 100,
		OpenTimeout:      time.Minute,
		Window:           time.Minute,
	})
	retrier := resilience.NewRetrier(resilience.RetryConfig{
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
		Predicate:    chains.Retryable,
	})
	return resilience.NewExecutor(tag, queue, breaker, retrier, time.Second)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.New(&storage.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	evm := chaintest.New(chains.TagEVM)
	soroban := chaintest.New(chains.TagSoroban)

	rel := relayer.New(relayer.Config{
		TickInterval: 10 * time.Millisecond,
		MaxParallel:  5,
		MaxAttempts:  3,
		RetryDelay:   time.Millisecond,
	}, store,
		map[chains.Tag]chains.Adapter{chains.TagEVM: evm, chains.TagSoroban: soroban},
		map[chains.Tag]*resilience.Executor{
			chains.TagEVM:     testExecutor(chains.TagEVM, 2),
			chains.TagSoroban: testExecutor(chains.TagSoroban, 2),
		})

	events := make(chan chains.Event, 32)
	orch := New(Config{
		DefaultTimelockSec:  3600,
		MinTimelockSec:      300,
		MaxTimelockSec:      86400,
		RetentionTTL:        24 * time.Hour,
		TimeoutScanInterval: time.Minute,
	}, store, rel, events)

	return &fixture{orch: orch, relayer: rel, store: store, evm: evm, soroban: soroban, events: events}
}

func testRequest() *InitiateRequest {
	return &InitiateRequest{
		FromChain:           chains.TagEVM,
		ToChain:             chains.TagSoroban,
		FromToken:           "native",
		ToToken:             "XLM",
		FromAmount:          "100",
		ToAmount:            "98",
		UserAddress:         "0xuser",
		CounterpartyAddress: "GRESOLVER",
		TimelockSec:         3600,
	}
}

// pump drives the relayer until the swap has no due work left, pulling
// forward tasks scheduled in the future so tests need not wait.
func (f *fixture) pump(t *testing.T, swapID string) {
	t.Helper()
	for i := 0; i < 25; i++ {
		tasks, err := f.store.TasksForSwap(swapID)
		if err != nil {
			t.Fatalf("task lookup failed: %v", err)
		}
		pending := false
		now := time.Now().UnixMilli()
		for _, task := range tasks {
			if task.Status == storage.TaskPending {
				pending = true
				if task.ScheduledAt > now {
					f.store.RescheduleTask(task.ID, now, task.Error)
				}
			}
		}
		if !pending {
			return
		}
		f.relayer.Tick(context.Background())
	}
	t.Fatal("pipeline did not settle")
}

func TestHappyPath(t *testing.T) {
	f := newFixture(t)

	var statuses []storage.SwapStatus
	f.orch.OnSwapUpdated = func(s *storage.Swap) {
		if len(statuses) == 0 || statuses[len(statuses)-1] != s.Status {
			statuses = append(statuses, s.Status)
		}
	}

	swap, err := f.orch.Initiate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	if swap.Secret == "" || swap.SecretHash == "" {
		t.Fatal("secret pair not generated")
	}
	secret, err := helpers.DecodeHash32(swap.Secret)
	if err != nil {
		t.Fatalf("secret not 32 bytes: %v", err)
	}
	hash := sha256.Sum256(secret[:])
	if helpers.EncodeHex(hash[:]) != swap.SecretHash {
		t.Fatal("secret hash is not SHA-256 of secret")
	}

	f.pump(t, swap.SwapID)

	got, err := f.store.GetSwap(swap.SwapID)
	if err != nil {
		t.Fatalf("GetSwap failed: %v", err)
	}
	if got.Status != storage.SwapCompleted {
		t.Fatalf("status = %s, want completed (error: %s)", got.Status, got.Error)
	}
	if got.CompletedAt == 0 {
		t.Error("completed_at not recorded")
	}

	// Both legs completed on chain with the same secret.
	if f.evm.EscrowByID(got.EscrowA.ID).State != chains.EscrowCompleted {
		t.Error("EVM escrow not completed on chain")
	}
	if f.soroban.EscrowByID(got.EscrowB.ID).State != chains.EscrowCompleted {
		t.Error("Soroban escrow not completed on chain")
	}

	// Every observed status respects the DAG order.
	want := []storage.SwapStatus{
		storage.SwapInitiated, storage.SwapEscrowsCreated,
		storage.SwapEscrowsLocked, storage.SwapSecretsRevealed, storage.SwapCompleted,
	}
	idx := 0
	for _, st := range statuses {
		for idx < len(want) && want[idx] != st {
			idx++
		}
		if idx == len(want) {
			t.Fatalf("status sequence out of order: %v", statuses)
		}
	}
}

func TestTransientChainOutageRecovers(t *testing.T) {
	f := newFixture(t)

	// Soroban fails twice, then the third attempt succeeds inside the
	// retry loop; no task reschedule, no failure.
	f.soroban.FailNTimes("create_escrow",
		chains.NewError(chains.KindChainUnavailable, chains.TagSoroban, "create_escrow", errors.New("down")), 2)

	swap, err := f.orch.Initiate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	f.pump(t, swap.SwapID)

	got, _ := f.store.GetSwap(swap.SwapID)
	if got.Status != storage.SwapCompleted {
		t.Fatalf("status = %s, want completed (error: %s)", got.Status, got.Error)
	}
	if calls := f.soroban.Calls("create_escrow"); calls != 3 {
		t.Errorf("soroban create calls = %d, want 3 (2 failures + 1 success)", calls)
	}
}

func TestPermanentChainOutageFailsAndRefunds(t *testing.T) {
	f := newFixture(t)

	f.soroban.FailWith("create_escrow",
		chains.NewError(chains.KindChainUnavailable, chains.TagSoroban, "create_escrow", errors.New("down")))

	swap, err := f.orch.Initiate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}

	// Refunds can only land after the refund deadline.
	f.evm.Now = func() time.Time { return time.Now().Add(3 * time.Hour) }

	f.pump(t, swap.SwapID)

	got, _ := f.store.GetSwap(swap.SwapID)
	if got.Status != storage.SwapFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.EscrowA == nil {
		t.Fatal("EVM leg should have been created before the failure")
	}
	if got.EscrowA.Status != chains.EscrowRefunded {
		t.Errorf("EVM leg = %s, want refunded", got.EscrowA.Status)
	}
	if f.evm.EscrowByID(got.EscrowA.ID).State != chains.EscrowRefunded {
		t.Error("EVM escrow not refunded on chain")
	}
	if got.EscrowB != nil {
		t.Error("no Soroban leg should exist")
	}
}

func TestTimelockExpiryRefundsBothLegs(t *testing.T) {
	f := newFixture(t)

	// Locks never happen: drop the swap after escrow creation by making
	// lock tasks fail permanently on one chain? No: simply do not pump
	// past creation, then age the swap.
	swap, err := f.orch.Initiate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	f.relayer.Tick(context.Background()) // create both escrows only

	got, _ := f.store.GetSwap(swap.SwapID)
	if got.Status != storage.SwapEscrowsCreated {
		t.Fatalf("precondition: status = %s, want escrows_created", got.Status)
	}

	// Age the swap past 2x its timelock.
	got.CreatedAt = time.Now().UnixMilli() - 3*got.TimelockSec*1000
	if err := f.store.SaveSwap(got); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	f.orch.scanTimeouts()

	got, _ = f.store.GetSwap(swap.SwapID)
	if got.Status != storage.SwapTimedOut {
		t.Fatalf("status = %s, want timed_out", got.Status)
	}

	// The contract accepts refunds after the deadline.
	later := func() time.Time { return time.Now().Add(3 * time.Hour) }
	f.evm.Now = later
	f.soroban.Now = later

	f.pump(t, swap.SwapID)

	got, _ = f.store.GetSwap(swap.SwapID)
	if got.Status != storage.SwapRefunded {
		t.Fatalf("status = %s, want refunded", got.Status)
	}
	if got.EscrowA.Status != chains.EscrowRefunded || got.EscrowB.Status != chains.EscrowRefunded {
		t.Errorf("legs = %s / %s, want both refunded", got.EscrowA.Status, got.EscrowB.Status)
	}
}

func TestHashLockMismatchFailsSwap(t *testing.T) {
	f := newFixture(t)

	swap, err := f.orch.Initiate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	f.relayer.Tick(context.Background()) // create both escrows

	got, _ := f.store.GetSwap(swap.SwapID)

	// Monitor reports a created event whose hash lock is not ours.
	var wrong [32]byte
	wrong[0] = 0xff
	f.orch.HandleEvent(chains.Event{
		Chain:       chains.TagSoroban,
		Type:        chains.EventEscrowCreated,
		EscrowID:    got.EscrowB.ID,
		HashLockHex: helpers.EncodeHex(wrong[:]),
	})

	got, _ = f.store.GetSwap(swap.SwapID)
	if got.Status != storage.SwapFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}

	// Refund tasks were armed; no complete task must ever run.
	tasks, _ := f.store.TasksForSwap(swap.SwapID)
	var refunds int
	for _, task := range tasks {
		switch task.Type {
		case storage.TaskRefundEscrow:
			refunds++
		case storage.TaskCompleteEscrow, storage.TaskRevealSecret:
			if task.Status != storage.TaskFailed {
				t.Errorf("claim task %s should be cancelled, is %s", task.ID, task.Status)
			}
		}
	}
	if refunds == 0 {
		t.Error("no refund tasks enqueued")
	}
	if f.evm.Calls("complete_escrow")+f.soroban.Calls("complete_escrow") != 0 {
		t.Error("no complete_escrow must reach a chain")
	}
}

func TestInvalidPreimageFailsSwapAndRefunds(t *testing.T) {
	f := newFixture(t)

	// The destination claim hits an invalid-preimage revert (an external
	// actor interfered with the escrow before the relayer acted).
	f.soroban.FailWith("complete_escrow",
		chains.NewError(chains.KindInvalidPreimage, chains.TagSoroban, "complete_escrow", nil))

	swap, err := f.orch.Initiate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}

	later := func() time.Time { return time.Now().Add(3 * time.Hour) }
	f.evm.Now = later
	f.soroban.Now = later

	f.pump(t, swap.SwapID)

	got, _ := f.store.GetSwap(swap.SwapID)
	if got.Status != storage.SwapFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.EscrowA.Status != chains.EscrowRefunded {
		t.Errorf("EVM leg = %s, want refunded", got.EscrowA.Status)
	}
	if got.EscrowB.Status != chains.EscrowRefunded {
		t.Errorf("Soroban leg = %s, want refunded", got.EscrowB.Status)
	}
}

func TestEventReplayIsIdempotent(t *testing.T) {
	f := newFixture(t)

	swap, err := f.orch.Initiate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	f.pump(t, swap.SwapID)

	before, _ := f.store.GetSwap(swap.SwapID)
	if before.Status != storage.SwapCompleted {
		t.Fatalf("precondition: status = %s", before.Status)
	}

	// Replay a locked event long after completion.
	f.orch.HandleEvent(chains.Event{
		Chain:    chains.TagEVM,
		Type:     chains.EventEscrowLocked,
		EscrowID: before.EscrowA.ID,
		Resolver: "GRESOLVER",
	})

	after, _ := f.store.GetSwap(swap.SwapID)
	if after.Status != before.Status || after.EscrowA.Status != before.EscrowA.Status {
		t.Error("replayed event changed terminal state")
	}
}

func TestTimelockBounds(t *testing.T) {
	f := newFixture(t)

	for _, tl := range []int64{300, 86400} {
		req := testRequest()
		req.TimelockSec = tl
		if _, err := f.orch.Initiate(context.Background(), req); err != nil {
			t.Errorf("timelock %d should be accepted: %v", tl, err)
		}
	}
	for _, tl := range []int64{299, 86401} {
		req := testRequest()
		req.TimelockSec = tl
		if _, err := f.orch.Initiate(context.Background(), req); err == nil {
			t.Errorf("timelock %d should be rejected", tl)
		}
	}
}

func TestInitiateValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		mutate func(*InitiateRequest)
	}{
		{"same chain", func(r *InitiateRequest) { r.ToChain = r.FromChain }},
		{"unknown chain", func(r *InitiateRequest) { r.FromChain = "dogecoin" }},
		{"no user", func(r *InitiateRequest) { r.UserAddress = "" }},
		{"no counterparty", func(r *InitiateRequest) { r.CounterpartyAddress = "" }},
		{"zero amount", func(r *InitiateRequest) { r.FromAmount = "0" }},
		{"negative amount", func(r *InitiateRequest) { r.ToAmount = "-5" }},
		{"garbage amount", func(r *InitiateRequest) { r.FromAmount = "1.2.3" }},
		{"no token", func(r *InitiateRequest) { r.ToToken = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := testRequest()
			tt.mutate(req)
			if _, err := f.orch.Initiate(context.Background(), req); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestManualRefund(t *testing.T) {
	f := newFixture(t)

	swap, err := f.orch.Initiate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	f.relayer.Tick(context.Background()) // escrows created

	if _, err := f.orch.Refund(swap.SwapID); err != nil {
		t.Fatalf("Refund failed: %v", err)
	}

	got, _ := f.store.GetSwap(swap.SwapID)
	if got.Status != storage.SwapTimedOut {
		t.Fatalf("status = %s, want timed_out", got.Status)
	}

	// A second manual refund on the way out is rejected once terminal.
	later := func() time.Time { return time.Now().Add(3 * time.Hour) }
	f.evm.Now = later
	f.soroban.Now = later
	f.pump(t, swap.SwapID)

	got, _ = f.store.GetSwap(swap.SwapID)
	if got.Status != storage.SwapRefunded {
		t.Fatalf("status = %s, want refunded", got.Status)
	}
	if _, err := f.orch.Refund(swap.SwapID); err == nil {
		t.Error("refund of a terminal swap should be rejected")
	}
}

func TestTransitionDAG(t *testing.T) {
	legal := []struct{ from, to storage.SwapStatus }{
		{storage.SwapInitiated, storage.SwapEscrowsCreated},
		{storage.SwapEscrowsCreated, storage.SwapEscrowsLocked},
		{storage.SwapEscrowsLocked, storage.SwapSecretsRevealed},
		{storage.SwapSecretsRevealed, storage.SwapCompleted},
		{storage.SwapInitiated, storage.SwapTimedOut},
		{storage.SwapTimedOut, storage.SwapRefunded},
		{storage.SwapEscrowsLocked, storage.SwapFailed},
	}
	for _, tt := range legal {
		if !canTransition(tt.from, tt.to) {
			t.Errorf("%s -> %s should be legal", tt.from, tt.to)
		}
	}

	illegal := []struct{ from, to storage.SwapStatus }{
		{storage.SwapCompleted, storage.SwapInitiated},
		{storage.SwapCompleted, storage.SwapFailed},
		{storage.SwapRefunded, storage.SwapCompleted},
		{storage.SwapEscrowsLocked, storage.SwapEscrowsCreated},
		{storage.SwapInitiated, storage.SwapCompleted},
		{storage.SwapFailed, storage.SwapRefunded},
	}
	for _, tt := range illegal {
		if canTransition(tt.from, tt.to) {
			t.Errorf("%s -> %s must be forbidden", tt.from, tt.to)
		}
	}
}

func TestRetentionClearsSecretsThenDeletes(t *testing.T) {
	f := newFixture(t)

	swap, err := f.orch.Initiate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	f.pump(t, swap.SwapID)

	// Age the swap by shrinking the TTL instead of rewriting timestamps.
	f.orch.cfg.RetentionTTL = time.Millisecond
	time.Sleep(5 * time.Millisecond)

	f.orch.runRetention()

	if _, err := f.store.GetSwap(swap.SwapID); err != storage.ErrSwapNotFound {
		t.Errorf("aged terminal swap should be deleted, got %v", err)
	}
}

func TestRecoverReArmsStalledSwaps(t *testing.T) {
	f := newFixture(t)

	swap, err := f.orch.Initiate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	f.relayer.Tick(context.Background()) // escrows created

	// Simulate a crash after the creation callbacks: drop the lock tasks
	// the orchestrator enqueued.
	tasks, _ := f.store.TasksForSwap(swap.SwapID)
	for _, task := range tasks {
		if task.Status == storage.TaskPending {
			f.store.MarkTaskFailed(task.ID, "lost in crash")
		}
	}

	if err := f.orch.Recover(); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}

	tasks, _ = f.store.TasksForSwap(swap.SwapID)
	var pendingLocks int
	for _, task := range tasks {
		if task.Status == storage.TaskPending && task.Type == storage.TaskLockEscrow {
			pendingLocks++
		}
	}
	if pendingLocks != 2 {
		t.Errorf("pending lock tasks = %d, want 2", pendingLocks)
	}

	// The revived pipeline completes.
	f.pump(t, swap.SwapID)
	got, _ := f.store.GetSwap(swap.SwapID)
	if got.Status != storage.SwapCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
}
