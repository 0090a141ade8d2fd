package orchestrator

import (
	"errors"
	"fmt"

	"github.com/starbridge-labs/starbridge/internal/storage"
)

// ErrInvalidTransition is returned when a swap is asked to move along an
// edge the lifecycle DAG does not contain, or when an operation requires
// a state the swap is not in.
var ErrInvalidTransition = errors.New("invalid swap transition")

// allowedTransitions is the swap lifecycle DAG. Anything not listed is
// forbidden; terminal states have no outgoing edges.
var allowedTransitions = map[storage.SwapStatus][]storage.SwapStatus{
	storage.SwapInitiated: {
		storage.SwapEscrowsCreated, storage.SwapFailed, storage.SwapTimedOut,
	},
	storage.SwapEscrowsCreated: {
		storage.SwapEscrowsLocked, storage.SwapFailed, storage.SwapTimedOut,
	},
	storage.SwapEscrowsLocked: {
		storage.SwapSecretsRevealed, storage.SwapFailed, storage.SwapTimedOut,
	},
	storage.SwapSecretsRevealed: {
		storage.SwapCompleted, storage.SwapFailed, storage.SwapTimedOut,
	},
	storage.SwapTimedOut: {
		storage.SwapRefunded, storage.SwapFailed,
	},
}

// canTransition reports whether from -> to is an edge of the DAG.
func canTransition(from, to storage.SwapStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// transition moves a swap to a new status, enforcing the DAG. The same
// status twice is a no-op so replayed events stay idempotent.
func transition(swap *storage.Swap, to storage.SwapStatus) error {
	if swap.Status == to {
		return nil
	}
	if !canTransition(swap.Status, to) {
		return fmt.Errorf("%w: %s -> %s for %s", ErrInvalidTransition, swap.Status, to, swap.SwapID)
	}
	swap.Status = to
	return nil
}
