// Package orchestrator drives swaps through their lifecycle. It owns
// the state machine, reacts to chain events from the monitors, advances
// the pipeline when relay tasks complete and reclaims funds when a swap
// outlives its timelock.
package orchestrator

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/starbridge-labs/starbridge/internal/chains"
	"github.com/starbridge-labs/starbridge/internal/relayer"
	"github.com/starbridge-labs/starbridge/internal/storage"
	"github.com/starbridge-labs/starbridge/pkg/helpers"
	"github.com/starbridge-labs/starbridge/pkg/logging"
)

// lockHandoffDelay is how long after escrow creation the lock tasks are
// scheduled, giving the chains a moment to settle the creation txs.
const lockHandoffDelay = time.Second

// Config holds orchestrator tuning.
type Config struct {
	DefaultTimelockSec  int64
	MinTimelockSec      int64
	MaxTimelockSec      int64
	RetentionTTL        time.Duration
	TimeoutScanInterval time.Duration
	RetentionInterval   time.Duration
}

// InitiateRequest is the input to a new swap.
type InitiateRequest struct {
	FromChain           chains.Tag `json:"from_chain"`
	ToChain             chains.Tag `json:"to_chain"`
	FromToken           string     `json:"from_token"`
	ToToken             string     `json:"to_token"`
	FromAmount          string     `json:"from_amount"`
	ToAmount            string     `json:"to_amount"`
	UserAddress         string     `json:"user_address"`
	CounterpartyAddress string     `json:"counterparty_address"`
	TimelockSec         int64      `json:"timelock_sec,omitempty"`
}

// Orchestrator coordinates the swap lifecycle.
type Orchestrator struct {
	cfg     Config
	store   *storage.Storage
	relayer *relayer.Relayer
	events  <-chan chains.Event
	log     *logging.Logger

	// OnSwapUpdated, when set, fires after every persisted swap change.
	// The API layer uses it to push websocket updates.
	OnSwapUpdated func(*storage.Swap)
	// OnChainEvent mirrors monitor events out, for websocket streaming.
	OnChainEvent func(chains.Event)

	mu        sync.Mutex
	swapLocks map[string]*sync.Mutex

	stopOnce sync.Once
	done     chan struct{}
}

// New creates an orchestrator. It registers itself as the relayer's
// completion callback so task completions advance the pipeline.
func New(cfg Config, store *storage.Storage, rel *relayer.Relayer, events <-chan chains.Event) *Orchestrator {
	if cfg.TimeoutScanInterval <= 0 {
		cfg.TimeoutScanInterval = time.Minute
	}
	if cfg.RetentionInterval <= 0 {
		cfg.RetentionInterval = time.Hour
	}
	o := &Orchestrator{
		cfg:       cfg,
		store:     store,
		relayer:   rel,
		events:    events,
		log:       logging.Component("orchestrator"),
		swapLocks: make(map[string]*sync.Mutex),
		done:      make(chan struct{}),
	}
	rel.OnTaskCompleted = o.onTaskCompleted
	return o
}

// Run consumes chain events and runs the periodic scanners until ctx is
// cancelled. Blocks; run in a goroutine.
func (o *Orchestrator) Run(ctx context.Context) {
	defer o.stopOnce.Do(func() { close(o.done) })

	o.log.Info("orchestrator started")

	timeoutTicker := time.NewTicker(o.cfg.TimeoutScanInterval)
	defer timeoutTicker.Stop()
	retentionTicker := time.NewTicker(o.cfg.RetentionInterval)
	defer retentionTicker.Stop()

	for {
		select {
		case ev, ok := <-o.events:
			if !ok {
				o.log.Info("event channel closed")
				return
			}
			o.HandleEvent(ev)
		case <-timeoutTicker.C:
			o.scanTimeouts()
		case <-retentionTicker.C:
			o.runRetention()
		case <-ctx.Done():
			o.log.Info("orchestrator stopped")
			return
		}
	}
}

// Done is closed when Run has returned.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

// lockFor returns the per-swap mutex, creating it on first use.
func (o *Orchestrator) lockFor(swapID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.swapLocks[swapID]
	if !ok {
		l = &sync.Mutex{}
		o.swapLocks[swapID] = l
	}
	return l
}

// save persists the swap and notifies subscribers.
func (o *Orchestrator) save(swap *storage.Swap) error {
	if err := o.store.SaveSwap(swap); err != nil {
		return err
	}
	if o.OnSwapUpdated != nil {
		o.OnSwapUpdated(swap)
	}
	return nil
}

// ============================================================================
// Initiation
// ============================================================================

// Initiate validates the request, generates the secret pair and enqueues
// escrow creation on both chains in parallel.
func (o *Orchestrator) Initiate(ctx context.Context, req *InitiateRequest) (*storage.Swap, error) {
	if err := o.validate(req); err != nil {
		return nil, err
	}

	timelock := req.TimelockSec
	if timelock == 0 {
		timelock = o.cfg.DefaultTimelockSec
	}

	var secret [32]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return nil, fmt.Errorf("failed to generate secret: %w", err)
	}
	hash := sha256.Sum256(secret[:])

	now := time.Now()
	swap := &storage.Swap{
		SwapID:              newSwapID(now),
		FromChain:           req.FromChain,
		ToChain:             req.ToChain,
		FromToken:           req.FromToken,
		ToToken:             req.ToToken,
		FromAmount:          req.FromAmount,
		ToAmount:            req.ToAmount,
		UserAddress:         req.UserAddress,
		CounterpartyAddress: req.CounterpartyAddress,
		Secret:              helpers.EncodeHex(secret[:]),
		SecretHash:          helpers.EncodeHex(hash[:]),
		TimelockSec:         timelock,
		Status:              storage.SwapInitiated,
	}

	if err := o.save(swap); err != nil {
		return nil, fmt.Errorf("failed to persist swap: %w", err)
	}

	deadlines := chains.Deadlines{
		WithdrawalDeadline: now.Unix() + timelock,
		RefundDeadline:     now.Unix() + 2*timelock,
	}

	legs := []struct {
		chain  chains.Tag
		maker  string
		amount string
		asset  string
	}{
		{swap.FromChain, swap.UserAddress, swap.FromAmount, swap.FromToken},
		{swap.ToChain, swap.CounterpartyAddress, swap.ToAmount, swap.ToToken},
	}
	for _, leg := range legs {
		payload, _ := json.Marshal(relayer.CreateEscrowPayload{
			Maker:              leg.maker,
			Amount:             leg.amount,
			Asset:              leg.asset,
			WithdrawalDeadline: deadlines.WithdrawalDeadline,
			RefundDeadline:     deadlines.RefundDeadline,
		})
		task := &storage.RelayTask{
			SwapID:   swap.SwapID,
			Chain:    leg.chain,
			Type:     storage.TaskCreateEscrow,
			Priority: storage.PriorityHigh,
			Payload:  string(payload),
		}
		if err := o.store.EnqueueTask(task); err != nil {
			return nil, fmt.Errorf("failed to enqueue escrow creation: %w", err)
		}
	}

	o.log.Info("swap initiated", "swap", swap.SwapID,
		"from", swap.FromChain, "to", swap.ToChain, "timelock", timelock)
	return swap, nil
}

func (o *Orchestrator) validate(req *InitiateRequest) error {
	if !chains.Known(req.FromChain) || !chains.Known(req.ToChain) {
		return fmt.Errorf("unknown chain pair %s -> %s", req.FromChain, req.ToChain)
	}
	if req.FromChain == req.ToChain {
		return fmt.Errorf("from and to chain must differ")
	}
	if req.UserAddress == "" || req.CounterpartyAddress == "" {
		return fmt.Errorf("user and counterparty addresses required")
	}
	if req.FromToken == "" || req.ToToken == "" {
		return fmt.Errorf("both tokens required")
	}
	if !helpers.IsPositiveDecimal(req.FromAmount) || !helpers.IsPositiveDecimal(req.ToAmount) {
		return fmt.Errorf("amounts must be positive decimals")
	}
	if req.TimelockSec != 0 &&
		(req.TimelockSec < o.cfg.MinTimelockSec || req.TimelockSec > o.cfg.MaxTimelockSec) {
		return fmt.Errorf("timelock %d out of range [%d, %d]",
			req.TimelockSec, o.cfg.MinTimelockSec, o.cfg.MaxTimelockSec)
	}
	return nil
}

func newSwapID(now time.Time) string {
	return fmt.Sprintf("swap-%d-%s", now.UnixMilli(), uuid.New().String()[:8])
}

// ============================================================================
// Pipeline progression on task completion
// ============================================================================

// onTaskCompleted advances the swap after the relayer finishes a task.
func (o *Orchestrator) onTaskCompleted(task *storage.RelayTask, swap *storage.Swap) {
	lock := o.lockFor(swap.SwapID)
	lock.Lock()
	defer lock.Unlock()

	// Reload under the lock; the callback's copy may be stale.
	swap, err := o.store.GetSwap(swap.SwapID)
	if err != nil {
		o.log.Error("swap reload failed", "swap", task.SwapID, "err", err)
		return
	}

	switch task.Type {
	case storage.TaskCreateEscrow:
		if swap.Status == storage.SwapEscrowsCreated {
			o.enqueueLockTasks(swap)
		}

	case storage.TaskLockEscrow:
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
		}

	case storage.TaskRevealSecret:
		// The counterparty leg released; reveal is now public. Claim the
		// remaining leg with the same secret.
		if swap.Status == storage.SwapEscrowsLocked {
			if err := transition(swap, storage.SwapSecretsRevealed); err != nil {
				o.log.Error("transition rejected", "err", err)
				return
			}
			if err := o.save(swap); err != nil {
				o.log.Error("save failed", "swap", swap.SwapID, "err", err)
				return
			}
			o.enqueueTask(swap.SwapID, swap.FromChain, storage.TaskCompleteEscrow, storage.PriorityHigh, 0)
		}

	case storage.TaskCompleteEscrow:
		if bothLegs(swap, chains.EscrowCompleted) && swap.Status == storage.SwapSecretsRevealed {
			o.completeSwap(swap)
		}

	case storage.TaskRefundEscrow:
		if allRefundable(swap) && swap.Status == storage.SwapTimedOut {
			if err := transition(swap, storage.SwapRefunded); err != nil {
				o.log.Error("transition rejected", "err", err)
				return
			}
			swap.CompletedAt = time.Now().UnixMilli()
			if err := o.save(swap); err != nil {
				o.log.Error("save failed", "swap", swap.SwapID, "err", err)
			}
			o.log.Info("swap refunded", "swap", swap.SwapID)
		}
	}
}

// enqueueLockTasks schedules the lock step on both chains after a short
// settlement delay.
func (o *Orchestrator) enqueueLockTasks(swap *storage.Swap) {
	at := time.Now().Add(lockHandoffDelay).UnixMilli()
	o.enqueueTask(swap.SwapID, swap.FromChain, storage.TaskLockEscrow, storage.PriorityHigh, at)
	o.enqueueTask(swap.SwapID, swap.ToChain, storage.TaskLockEscrow, storage.PriorityHigh, at)
}

// startReveal begins the claim phase. The destination leg is claimed
// first so the secret becomes public on the chain the user receives on;
// only then is the source leg claimable by the counterparty.
func (o *Orchestrator) startReveal(swap *storage.Swap) {
	o.enqueueTask(swap.SwapID, swap.ToChain, storage.TaskRevealSecret, storage.PriorityHigh, 0)
}

func (o *Orchestrator) completeSwap(swap *storage.Swap) {
	if err := transition(swap, storage.SwapCompleted); err != nil {
		o.log.Error("transition rejected", "err", err)
		return
	}
	swap.CompletedAt = time.Now().UnixMilli()
	if err := o.save(swap); err != nil {
		o.log.Error("save failed", "swap", swap.SwapID, "err", err)
		return
	}
	o.log.Info("swap completed", "swap", swap.SwapID,
		"took", time.Duration(swap.CompletedAt-swap.CreatedAt)*time.Millisecond)
}

func (o *Orchestrator) enqueueTask(swapID string, chain chains.Tag, taskType storage.TaskType, priority storage.TaskPriority, atMS int64) {
	task := &storage.RelayTask{
		SwapID:      swapID,
		Chain:       chain,
		Type:        taskType,
		Priority:    priority,
		ScheduledAt: atMS,
	}
	if err := o.store.EnqueueTask(task); err != nil {
		o.log.Error("failed to enqueue task", "swap", swapID, "type", taskType, "err", err)
	}
}

// bothLegs reports whether both escrow legs exist and are at least in
// the given state.
func bothLegs(swap *storage.Swap, state chains.EscrowState) bool {
	return legAtLeast(swap.EscrowA, state) && legAtLeast(swap.EscrowB, state)
}

var escrowOrder = map[chains.EscrowState]int{
	chains.EscrowCreated:   1,
	chains.EscrowLocked:    2,
	chains.EscrowCompleted: 3,
	chains.EscrowRefunded:  3,
}

func legAtLeast(leg *storage.Escrow, state chains.EscrowState) bool {
	if leg == nil {
		return false
	}
	return escrowOrder[leg.Status] >= escrowOrder[state]
}

// allRefundable reports whether every leg that exists has been refunded
// (completed legs cannot be refunded and block nothing).
func allRefundable(swap *storage.Swap) bool {
	for _, leg := range []*storage.Escrow{swap.EscrowA, swap.EscrowB} {
		if leg == nil {
			continue
		}
		if leg.Status != chains.EscrowRefunded && leg.Status != chains.EscrowCompleted {
			return false
		}
	}
	return true
}

// ============================================================================
// Manual operations (API surface)
// ============================================================================

// Complete forces the claim phase for a swap whose escrows are locked.
func (o *Orchestrator) Complete(swapID string) (*storage.Swap, error) {
	lock := o.lockFor(swapID)
	lock.Lock()
	defer lock.Unlock()

	swap, err := o.store.GetSwap(swapID)
	if err != nil {
		return nil, err
	}
	if swap.Status != storage.SwapEscrowsLocked {
		return nil, fmt.Errorf("%w: swap %s is %s, not escrows_locked", ErrInvalidTransition, swapID, swap.Status)
	}
	o.startReveal(swap)
	return swap, nil
}

// Refund times out a swap and schedules refunds for its escrow legs.
func (o *Orchestrator) Refund(swapID string) (*storage.Swap, error) {
	lock := o.lockFor(swapID)
	lock.Lock()
	defer lock.Unlock()

	swap, err := o.store.GetSwap(swapID)
	if err != nil {
		return nil, err
	}
	if swap.Status.Terminal() {
		return nil, fmt.Errorf("%w: swap %s already %s", ErrInvalidTransition, swapID, swap.Status)
	}
	if err := o.timeOut(swap, "refund requested"); err != nil {
		return nil, err
	}
	return swap, nil
}

// Get returns one swap.
func (o *Orchestrator) Get(swapID string) (*storage.Swap, error) {
	return o.store.GetSwap(swapID)
}

// List returns all swaps, newest first.
func (o *Orchestrator) List() ([]*storage.Swap, error) {
	return o.store.ListSwaps()
}

// Tasks returns the relay tasks of one swap, oldest first.
func (o *Orchestrator) Tasks(swapID string) ([]*storage.RelayTask, error) {
	return o.store.TasksForSwap(swapID)
}
