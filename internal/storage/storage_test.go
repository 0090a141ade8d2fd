package storage

import (
	"testing"
	"time"

	"github.com/starbridge-labs/starbridge/internal/chains"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(&Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testSwap(id string) *Swap {
	return &Swap{
		SwapID:      id,
		FromChain:   chains.TagEVM,
		ToChain:     chains.TagSoroban,
		FromToken:   "ETH",
		ToToken:     "XLM",
		FromAmount:  "1.5",
		ToAmount:    "4200",
		UserAddress: "0xabc",
		Secret:      "deadbeef",
		SecretHash:  "cafebabe",
		TimelockSec: 3600,
		Status:      SwapInitiated,
	}
}

func TestSaveAndGetSwap(t *testing.T) {
	s := newTestStorage(t)

	swap := testSwap("swap-1")
	if err := s.SaveSwap(swap); err != nil {
		t.Fatalf("SaveSwap failed: %v", err)
	}
	if swap.CreatedAt == 0 || swap.LastUpdatedAt == 0 {
		t.Error("timestamps not set on save")
	}

	got, err := s.GetSwap("swap-1")
	if err != nil {
		t.Fatalf("GetSwap failed: %v", err)
	}
	if got.FromChain != chains.TagEVM || got.ToChain != chains.TagSoroban {
		t.Errorf("chains round-trip wrong: %s -> %s", got.FromChain, got.ToChain)
	}
	if got.Secret != "deadbeef" {
		t.Errorf("secret = %q, want deadbeef", got.Secret)
	}
	if got.Status != SwapInitiated {
		t.Errorf("status = %s, want initiated", got.Status)
	}
	if got.EscrowA != nil || got.EscrowB != nil {
		t.Error("expected nil escrows before creation")
	}
}

func TestGetSwapNotFound(t *testing.T) {
	s := newTestStorage(t)
	if _, err := s.GetSwap("missing"); err != ErrSwapNotFound {
		t.Errorf("expected ErrSwapNotFound, got %v", err)
	}
}

func TestSaveSwapUpsertWithEscrows(t *testing.T) {
	s := newTestStorage(t)

	swap := testSwap("swap-2")
	if err := s.SaveSwap(swap); err != nil {
		t.Fatalf("initial save failed: %v", err)
	}

	swap.Status = SwapEscrowsCreated
	swap.EscrowA = &Escrow{
		ID:     "esc-evm-1",
		Chain:  chains.TagEVM,
		Amount: "1.5",
		Asset:  "ETH",
		Status: chains.EscrowCreated,
		TxHash: "0xtx1",
		Deadlines: chains.Deadlines{
			WithdrawalDeadline: 1000,
			RefundDeadline:     2000,
		},
	}
	swap.EscrowB = &Escrow{
		ID:     "esc-srb-1",
		Chain:  chains.TagSoroban,
		Amount: "4200",
		Asset:  "XLM",
		Status: chains.EscrowCreated,
	}
	if err := s.SaveSwap(swap); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	got, err := s.GetSwap("swap-2")
	if err != nil {
		t.Fatalf("GetSwap failed: %v", err)
	}
	if got.Status != SwapEscrowsCreated {
		t.Errorf("status = %s, want escrows_created", got.Status)
	}
	if got.EscrowA == nil || got.EscrowA.ID != "esc-evm-1" {
		t.Fatalf("escrow A not persisted: %+v", got.EscrowA)
	}
	if got.EscrowA.Deadlines.RefundDeadline != 2000 {
		t.Errorf("deadline round-trip wrong: %d", got.EscrowA.Deadlines.RefundDeadline)
	}
	if got.EscrowB == nil || got.EscrowB.Chain != chains.TagSoroban {
		t.Fatalf("escrow B not persisted: %+v", got.EscrowB)
	}
}

func TestListSwapsByStatus(t *testing.T) {
	s := newTestStorage(t)

	for i, status := range []SwapStatus{SwapInitiated, SwapCompleted, SwapInitiated} {
		swap := testSwap("swap-" + string(rune('a'+i)))
		swap.Status = status
		if err := s.SaveSwap(swap); err != nil {
			t.Fatalf("save failed: %v", err)
		}
	}

	initiated, err := s.ListSwapsByStatus(SwapInitiated)
	if err != nil {
		t.Fatalf("ListSwapsByStatus failed: %v", err)
	}
	if len(initiated) != 2 {
		t.Errorf("initiated count = %d, want 2", len(initiated))
	}

	all, err := s.ListSwaps()
	if err != nil {
		t.Fatalf("ListSwaps failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("total count = %d, want 3", len(all))
	}

	active, err := s.ListActiveSwaps()
	if err != nil {
		t.Fatalf("ListActiveSwaps failed: %v", err)
	}
	if len(active) != 2 {
		t.Errorf("active count = %d, want 2", len(active))
	}
}

func TestRetentionQueries(t *testing.T) {
	s := newTestStorage(t)

	old := testSwap("swap-old")
	old.Status = SwapCompleted
	if err := s.SaveSwap(old); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	live := testSwap("swap-live")
	live.Status = SwapEscrowsLocked
	if err := s.SaveSwap(live); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	cutoff := time.Now().UnixMilli() + 1000

	cleared, err := s.ClearSecretsOlderThan(cutoff)
	if err != nil {
		t.Fatalf("ClearSecretsOlderThan failed: %v", err)
	}
	if cleared != 1 {
		t.Errorf("cleared = %d, want 1", cleared)
	}
	got, _ := s.GetSwap("swap-old")
	if got.Secret != "" {
		t.Errorf("secret not cleared: %q", got.Secret)
	}
	gotLive, _ := s.GetSwap("swap-live")
	if gotLive.Secret == "" {
		t.Error("active swap secret must survive retention")
	}

	deleted, err := s.DeleteTerminalOlderThan(cutoff)
	if err != nil {
		t.Fatalf("DeleteTerminalOlderThan failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
	if _, err := s.GetSwap("swap-old"); err != ErrSwapNotFound {
		t.Errorf("terminal swap should be gone, got %v", err)
	}
	if _, err := s.GetSwap("swap-live"); err != nil {
		t.Errorf("active swap should survive: %v", err)
	}
}

func TestStatusTerminal(t *testing.T) {
	terminal := []SwapStatus{SwapCompleted, SwapFailed, SwapRefunded}
	for _, st := range terminal {
		if !st.Terminal() {
			t.Errorf("%s should be terminal", st)
		}
	}
	active := []SwapStatus{SwapInitiated, SwapEscrowsCreated, SwapEscrowsLocked, SwapSecretsRevealed, SwapTimedOut}
	for _, st := range active {
		if st.Terminal() {
			t.Errorf("%s should not be terminal", st)
		}
	}
}
