package orchestrator

import (
	"crypto/sha256"

	"github.com/starbridge-labs/starbridge/internal/chains"
	"github.com/starbridge-labs/starbridge/internal/storage"
	"github.com/starbridge-labs/starbridge/pkg/helpers"
)

// HandleEvent applies one normalized chain event to the swap it belongs
// to. Events are idempotent: replaying one the state already reflects
// changes nothing.
func (o *Orchestrator) HandleEvent(ev chains.Event) {
	if o.OnChainEvent != nil {
		o.OnChainEvent(ev)
	}

	swap, err := o.swapForEscrow(ev.Chain, ev.EscrowID)
	if err != nil {
		o.log.Error("swap lookup failed", "escrow", ev.EscrowID, "err", err)
		return
	}
	if swap == nil {
		// Not ours; another party's escrow on the shared contract.
		o.log.Debug("event for unknown escrow", "chain", ev.Chain, "escrow", ev.EscrowID, "type", ev.Type)
		return
	}

	lock := o.lockFor(swap.SwapID)
	lock.Lock()
	defer lock.Unlock()

	// Reload under the lock.
	swap, err = o.store.GetSwap(swap.SwapID)
	if err != nil {
		o.log.Error("swap reload failed", "err", err)
		return
	}
	if swap.Status.Terminal() {
		return
	}

	leg := swap.Escrow(ev.Chain)
	if leg == nil || leg.ID != ev.EscrowID {
		return
	}

	switch ev.Type {
	case chains.EventEscrowCreated:
		// Hash lock on chain must match what we committed to.
		if ev.HashLockHex != "" && ev.HashLockHex != swap.SecretHash {
			o.log.Error("hash lock mismatch on chain", "swap", swap.SwapID,
				"chain", ev.Chain, "escrow", ev.EscrowID)
			o.failSwap(swap, "hash lock mismatch on "+string(ev.Chain))
			return
		}
		if ev.Height > 0 && leg.BlockHeight == 0 {
			leg.BlockHeight = ev.Height
			if err := o.save(swap); err != nil {
				o.log.Error("save failed", "swap", swap.SwapID, "err", err)
			}
		}

	case chains.EventEscrowLocked:
		if legAtLeast(leg, chains.EscrowLocked) {
			return
		}
		leg.Status = chains.EscrowLocked
		if ev.Resolver != "" {
			swap.CounterpartyAddress = ev.Resolver
		}
		if bothLegs(swap, chains.EscrowLocked) && swap.Status == storage.SwapEscrowsCreated {
			if err := transition(swap, storage.SwapEscrowsLocked); err != nil {
				o.log.Error("transition rejected", "err", err)
				return
			}
			if err := o.save(swap); err != nil {
				o.log.Error("save failed", "swap", swap.SwapID, "err", err)
				return
			}
			o.startReveal(swap)
			return
		}
		if err := o.save(swap); err != nil {
			o.log.Error("save failed", "swap", swap.SwapID, "err", err)
		}

	case chains.EventEscrowCompleted:
		if ev.HasSecret {
			hash := sha256.Sum256(ev.Secret[:])
			if helpers.EncodeHex(hash[:]) != swap.SecretHash {
				o.log.Error("revealed secret does not match hash lock",
					"swap", swap.SwapID, "chain", ev.Chain)
				return
			}
		}
		if leg.Status == chains.EscrowCompleted {
			return
		}
		leg.Status = chains.EscrowCompleted
		if ev.TxHash != "" {
			leg.TxHash = ev.TxHash
		}

		// Destination leg completed on chain means the secret is public:
		// advance to secrets_revealed and claim the source leg.
		if ev.Chain == swap.ToChain && swap.Status == storage.SwapEscrowsLocked {
			if err := transition(swap, storage.SwapSecretsRevealed); err != nil {
				o.log.Error("transition rejected", "err", err)
				return
			}
			if err := o.save(swap); err != nil {
				o.log.Error("save failed", "swap", swap.SwapID, "err", err)
				return
			}
			o.enqueueTask(swap.SwapID, swap.FromChain, storage.TaskCompleteEscrow, storage.PriorityHigh, 0)
			return
		}

		if bothLegs(swap, chains.EscrowCompleted) && swap.Status == storage.SwapSecretsRevealed {
			o.completeSwap(swap)
			return
		}
		if err := o.save(swap); err != nil {
			o.log.Error("save failed", "swap", swap.SwapID, "err", err)
		}

	case chains.EventEscrowRefunded:
		if leg.Status == chains.EscrowRefunded {
			return
		}
		leg.Status = chains.EscrowRefunded
		if swap.Status == storage.SwapTimedOut && allRefundable(swap) {
			if err := transition(swap, storage.SwapRefunded); err == nil {
				swap.CompletedAt = nowMilli()
			}
		}
		if err := o.save(swap); err != nil {
			o.log.Error("save failed", "swap", swap.SwapID, "err", err)
		}
	}
}

// swapForEscrow finds the active swap owning an escrow id on a chain.
func (o *Orchestrator) swapForEscrow(chain chains.Tag, escrowID string) (*storage.Swap, error) {
	if escrowID == "" {
		return nil, nil
	}
	active, err := o.store.ListActiveSwaps()
	if err != nil {
		return nil, err
	}
	for _, swap := range active {
		if leg := swap.Escrow(chain); leg != nil && leg.ID == escrowID {
			return swap, nil
		}
	}
	return nil, nil
}

func (o *Orchestrator) failSwap(swap *storage.Swap, reason string) {
	if swap.Status.Terminal() {
		return
	}
	if err := transition(swap, storage.SwapFailed); err != nil {
		o.log.Error("transition rejected", "err", err)
		return
	}
	swap.Error = reason
	swap.CompletedAt = nowMilli()
	if err := o.save(swap); err != nil {
		o.log.Error("save failed", "swap", swap.SwapID, "err", err)
	}
	if n, err := o.store.CancelPendingForSwap(swap.SwapID, "swap failed: "+reason); err == nil && n > 0 {
		o.log.Info("cancelled pending tasks", "swap", swap.SwapID, "count", n)
	}
	// Reclaim any leg already escrowed.
	o.rearmRefunds(swap)
}
