package orchestrator

import (
	"time"

	"github.com/starbridge-labs/starbridge/internal/chains"
	"github.com/starbridge-labs/starbridge/internal/storage"
)

func nowMilli() int64 {
	return time.Now().UnixMilli()
}

// ============================================================================
// Timeout scanning
// ============================================================================

// scanTimeouts times out every active swap older than twice its
// timelock, the point where the refund deadline has passed on both legs.
func (o *Orchestrator) scanTimeouts() {
	active, err := o.store.ListActiveSwaps()
	if err != nil {
		o.log.Error("timeout scan failed", "err", err)
		return
	}

	now := nowMilli()
	for _, swap := range active {
		if swap.Status == storage.SwapTimedOut {
			continue
		}
		age := now - swap.CreatedAt
		if age <= 2*swap.TimelockSec*1000 {
			continue
		}

		lock := o.lockFor(swap.SwapID)
		lock.Lock()
		fresh, err := o.store.GetSwap(swap.SwapID)
		if err == nil && !fresh.Status.Terminal() && fresh.Status != storage.SwapTimedOut {
			if terr := o.timeOut(fresh, "timelock expired"); terr != nil {
				o.log.Error("timeout failed", "swap", fresh.SwapID, "err", terr)
			}
		}
		lock.Unlock()
	}
}

// timeOut transitions a swap to timed_out, cancels its outstanding work
// and schedules refunds for every leg that was created. Caller holds the
// swap lock.
func (o *Orchestrator) timeOut(swap *storage.Swap, reason string) error {
	if err := transition(swap, storage.SwapTimedOut); err != nil {
		return err
	}
	swap.Error = reason
	if err := o.save(swap); err != nil {
		return err
	}

	if n, err := o.store.CancelPendingForSwap(swap.SwapID, "swap timed out"); err == nil && n > 0 {
		o.log.Info("cancelled pending tasks", "swap", swap.SwapID, "count", n)
	}

	scheduled := false
	for _, leg := range []*storage.Escrow{swap.EscrowA, swap.EscrowB} {
		if leg == nil || leg.Status == chains.EscrowCompleted || leg.Status == chains.EscrowRefunded {
			continue
		}
		// The contract rejects refunds before the deadline; schedule just
		// past it.
		at := (leg.Deadlines.RefundDeadline + 1) * 1000
		if at < nowMilli() {
			at = 0
		}
		o.enqueueTask(swap.SwapID, leg.Chain, storage.TaskRefundEscrow, storage.PriorityMedium, at)
		scheduled = true
	}

	if !scheduled {
		// Nothing on chain to reclaim: the swap is refunded trivially.
		if err := transition(swap, storage.SwapRefunded); err != nil {
			return err
		}
		swap.CompletedAt = nowMilli()
		if err := o.save(swap); err != nil {
			return err
		}
	}

	o.log.Warn("swap timed out", "swap", swap.SwapID, "reason", reason)
	return nil
}

// ============================================================================
// Retention
// ============================================================================

// runRetention clears secrets from aging terminal swaps, then removes
// swaps past the full retention TTL. Secrets go first, at half the TTL,
// so completed swap rows linger for inspection without the preimage.
func (o *Orchestrator) runRetention() {
	if o.cfg.RetentionTTL <= 0 {
		return
	}
	now := nowMilli()

	cleared, err := o.store.ClearSecretsOlderThan(now - o.cfg.RetentionTTL.Milliseconds()/2)
	if err != nil {
		o.log.Error("secret clearing failed", "err", err)
	} else if cleared > 0 {
		o.log.Info("secrets cleared", "count", cleared)
	}

	deleted, err := o.store.DeleteTerminalOlderThan(now - o.cfg.RetentionTTL.Milliseconds())
	if err != nil {
		o.log.Error("retention delete failed", "err", err)
	} else if deleted > 0 {
		o.log.Info("old swaps removed", "count", deleted)
	}
}

// ============================================================================
// Restart recovery
// ============================================================================

// Recover re-arms the pipeline for swaps that were mid-flight when the
// daemon stopped. Pending tasks survive in the queue, so only swaps with
// no outstanding work need a nudge.
func (o *Orchestrator) Recover() error {
	active, err := o.store.ListActiveSwaps()
	if err != nil {
		return err
	}
	if len(active) == 0 {
		return nil
	}

	o.log.Info("recovering swaps", "count", len(active))

	for _, swap := range active {
		tasks, err := o.store.TasksForSwap(swap.SwapID)
		if err != nil {
			o.log.Error("task lookup failed", "swap", swap.SwapID, "err", err)
			continue
		}
		if hasOutstanding(tasks) {
			continue
		}

		// Tasks claimed as processing at crash time were lost; re-derive
		// the next step from the swap's status.
		switch swap.Status {
		case storage.SwapEscrowsCreated:
			o.enqueueLockTasks(swap)
		case storage.SwapEscrowsLocked:
			o.startReveal(swap)
		case storage.SwapSecretsRevealed:
			o.enqueueTask(swap.SwapID, swap.FromChain, storage.TaskCompleteEscrow, storage.PriorityHigh, 0)
		case storage.SwapTimedOut:
			o.rearmRefunds(swap)
		}
	}
	return nil
}

// rearmRefunds schedules refund tasks for unreclaimed legs of a timed
// out swap.
func (o *Orchestrator) rearmRefunds(swap *storage.Swap) {
	for _, leg := range []*storage.Escrow{swap.EscrowA, swap.EscrowB} {
		if leg == nil || leg.Status == chains.EscrowCompleted || leg.Status == chains.EscrowRefunded {
			continue
		}
		at := (leg.Deadlines.RefundDeadline + 1) * 1000
		if at < nowMilli() {
			at = 0
		}
		o.enqueueTask(swap.SwapID, leg.Chain, storage.TaskRefundEscrow, storage.PriorityMedium, at)
	}
}

func hasOutstanding(tasks []*storage.RelayTask) bool {
	for _, task := range tasks {
		if task.Status == storage.TaskPending || task.Status == storage.TaskProcessing {
			return true
		}
	}
	return false
}
