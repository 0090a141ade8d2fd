// Package relayer drains the persistent task queue. Every tick it claims
// a batch of due tasks and executes each against the right chain adapter
// through the resilience chain. Transient failures reschedule the task
// with linear backoff; permanent failures fail the task and its swap.
package relayer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/starbridge-labs/starbridge/internal/chains"
	"github.com/starbridge-labs/starbridge/internal/resilience"
	"github.com/starbridge-labs/starbridge/internal/storage"
	"github.com/starbridge-labs/starbridge/pkg/helpers"
	"github.com/starbridge-labs/starbridge/pkg/logging"
)

// rescheduleSlack is added past the refund deadline before retrying a
// refund the contract rejected as premature.
const rescheduleSlack = 30 * time.Second

// Config holds relayer loop tuning.
type Config struct {
	TickInterval time.Duration
	MaxParallel  int
	MaxAttempts  int
	RetryDelay   time.Duration
}

// CreateEscrowPayload is the payload of create_escrow tasks.
type CreateEscrowPayload struct {
	Maker              string `json:"maker"`
	Amount             string `json:"amount"`
	Asset              string `json:"asset"`
	WithdrawalDeadline int64  `json:"withdrawal_deadline"`
	RefundDeadline     int64  `json:"refund_deadline"`
}

// Relayer executes relay tasks against the chain adapters.
type Relayer struct {
	cfg      Config
	store    *storage.Storage
	adapters map[chains.Tag]chains.Adapter
	execs    map[chains.Tag]*resilience.Executor
	log      *logging.Logger

	// OnTaskCompleted, when set, fires after a task finishes successfully.
	// The orchestrator uses it to advance the swap pipeline.
	OnTaskCompleted func(task *storage.RelayTask, swap *storage.Swap)

	metrics  metrics
	stopOnce sync.Once
	done     chan struct{}

	mu        sync.Mutex
	swapLocks map[string]*sync.Mutex
}

// New creates a relayer over the given adapters and executors.
func New(cfg Config, store *storage.Storage, adapters map[chains.Tag]chains.Adapter, execs map[chains.Tag]*resilience.Executor) *Relayer {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 5
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 5 * time.Second
	}
	return &Relayer{
		cfg:       cfg,
		store:     store,
		adapters:  adapters,
		execs:     execs,
		log:       logging.Component("relayer"),
		done:      make(chan struct{}),
		swapLocks: make(map[string]*sync.Mutex),
	}
}

// Run ticks until ctx is cancelled. Blocks; run in a goroutine.
func (r *Relayer) Run(ctx context.Context) {
	defer r.stopOnce.Do(func() { close(r.done) })

	r.log.Info("relayer started", "tick", r.cfg.TickInterval, "max_parallel", r.cfg.MaxParallel)

	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Tick(ctx)
		case <-ctx.Done():
			r.log.Info("relayer stopped")
			return
		}
	}
}

// Done is closed when Run has returned.
func (r *Relayer) Done() <-chan struct{} {
	return r.done
}

// Tick claims and executes one batch of due tasks. Exported so tests and
// the orchestrator can drive the queue without waiting for the ticker.
func (r *Relayer) Tick(ctx context.Context) {
	tasks, err := r.store.DuePending(time.Now().UnixMilli(), r.cfg.MaxParallel)
	if err != nil {
		r.log.Error("failed to fetch due tasks", "err", err)
		return
	}
	if len(tasks) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, task := range tasks {
		if err := r.store.MarkTaskProcessing(task.ID); err != nil {
			// Claimed elsewhere or no longer pending.
			continue
		}
		task.Attempts++

		wg.Add(1)
		go func(task *storage.RelayTask) {
			defer wg.Done()
			r.execute(ctx, task)
		}(task)
	}
	wg.Wait()
}

// lockFor returns the per-swap mutex, creating it on first use. Chain
// calls for the same swap run in parallel; only the read-modify-write
// of the swap row is serialized.
func (r *Relayer) lockFor(swapID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.swapLocks[swapID]
	if !ok {
		l = &sync.Mutex{}
		r.swapLocks[swapID] = l
	}
	return l
}

// updateSwap applies a change to the freshly loaded swap under its lock,
// so two tasks of the same swap cannot clobber each other's legs.
func (r *Relayer) updateSwap(swapID string, apply func(*storage.Swap) error) error {
	lock := r.lockFor(swapID)
	lock.Lock()
	defer lock.Unlock()

	swap, err := r.store.GetSwap(swapID)
	if err != nil {
		return err
	}
	if err := apply(swap); err != nil {
		return err
	}
	return r.store.SaveSwap(swap)
}

// execute runs one claimed task end to end.
func (r *Relayer) execute(ctx context.Context, task *storage.RelayTask) {
	start := time.Now()

	swap, err := r.store.GetSwap(task.SwapID)
	if err != nil {
		r.failTask(task, false, fmt.Sprintf("swap lookup failed: %v", err))
		return
	}
	if swap.Status.Terminal() && task.Type != storage.TaskRefundEscrow {
		r.failTask(task, false, "swap already terminal")
		return
	}

	err = r.dispatch(ctx, task, swap)

	// Idempotent replay: the contract already holds the target state.
	if chains.IsKind(err, chains.KindAlreadyInState) {
		err = nil
	}

	if err == nil {
		if err := r.store.MarkTaskCompleted(task.ID); err != nil {
			r.log.Error("failed to mark task completed", "task", task.ID, "err", err)
		}
		r.metrics.record(task.Type, true, time.Since(start))
		r.log.Info("task completed", "task", task.ID, "type", task.Type, "swap", task.SwapID,
			"attempt", task.Attempts, "took", time.Since(start))
		if r.OnTaskCompleted != nil {
			// Reload so the callback sees the state the task wrote.
			if fresh, gerr := r.store.GetSwap(task.SwapID); gerr == nil {
				swap = fresh
			}
			r.OnTaskCompleted(task, swap)
		}
		return
	}

	r.metrics.record(task.Type, false, time.Since(start))
	r.handleFailure(task, swap, err)
}

// dispatch routes a task to the chain operation it performs.
func (r *Relayer) dispatch(ctx context.Context, task *storage.RelayTask, swap *storage.Swap) error {
	adapter, ok := r.adapters[task.Chain]
	if !ok {
		return chains.NewError(chains.KindValidation, task.Chain, string(task.Type),
			fmt.Errorf("no adapter for chain %s", task.Chain))
	}
	exec := r.execs[task.Chain]

	switch task.Type {
	case storage.TaskCreateEscrow:
		return r.createEscrow(ctx, task, swap, adapter, exec)

	case storage.TaskLockEscrow:
		return r.lockEscrow(ctx, task, swap, adapter, exec)

	case storage.TaskRevealSecret, storage.TaskCompleteEscrow:
		return r.completeEscrow(ctx, task, swap, adapter, exec)

	case storage.TaskRefundEscrow:
		return r.refundEscrow(ctx, task, swap, adapter, exec)
	}

	return chains.NewError(chains.KindValidation, task.Chain, string(task.Type),
		fmt.Errorf("unknown task type %q", task.Type))
}

func (r *Relayer) createEscrow(ctx context.Context, task *storage.RelayTask, swap *storage.Swap, adapter chains.Adapter, exec *resilience.Executor) error {
	// Idempotent replay: this leg already exists.
	if swap.Escrow(task.Chain) != nil {
		return nil
	}

	var payload CreateEscrowPayload
	if err := json.Unmarshal([]byte(task.Payload), &payload); err != nil {
		return chains.NewError(chains.KindValidation, task.Chain, "create_escrow",
			fmt.Errorf("bad payload: %w", err))
	}

	hashLock, err := helpers.DecodeHash32(swap.SecretHash)
	if err != nil {
		return chains.NewError(chains.KindValidation, task.Chain, "create_escrow",
			fmt.Errorf("bad secret hash: %w", err))
	}

	params := chains.EscrowParams{
		Maker:    payload.Maker,
		Amount:   payload.Amount,
		Asset:    payload.Asset,
		HashLock: hashLock,
		Deadlines: chains.Deadlines{
			WithdrawalDeadline: payload.WithdrawalDeadline,
			RefundDeadline:     payload.RefundDeadline,
		},
	}

	var escrowID, txHash string
	err = exec.Do(ctx, "create_escrow", func(ctx context.Context) error {
		var err error
		escrowID, txHash, err = adapter.CreateEscrow(ctx, params)
		return err
	})
	if err != nil {
		return err
	}

	return r.updateSwap(swap.SwapID, func(fresh *storage.Swap) error {
		if fresh.Escrow(task.Chain) != nil {
			return nil
		}
		fresh.SetEscrow(task.Chain, &storage.Escrow{
			ID:        escrowID,
			Chain:     task.Chain,
			Amount:    payload.Amount,
			Asset:     payload.Asset,
			HashLock:  fresh.SecretHash,
			Deadlines: params.Deadlines,
			Status:    chains.EscrowCreated,
			TxHash:    txHash,
		})
		if fresh.EscrowA != nil && fresh.EscrowB != nil && fresh.Status == storage.SwapInitiated {
			fresh.Status = storage.SwapEscrowsCreated
		}
		return nil
	})
}

func (r *Relayer) lockEscrow(ctx context.Context, task *storage.RelayTask, swap *storage.Swap, adapter chains.Adapter, exec *resilience.Executor) error {
	leg := swap.Escrow(task.Chain)
	if leg == nil {
		return chains.NewError(chains.KindInvariantViolation, task.Chain, "lock_escrow",
			fmt.Errorf("no escrow on %s to lock", task.Chain))
	}
	if leg.Status != chains.EscrowCreated {
		return nil // already past created
	}

	var txHash string
	err := exec.Do(ctx, "lock_escrow", func(ctx context.Context) error {
		var err error
		txHash, err = adapter.LockEscrow(ctx, leg.ID, swap.CounterpartyAddress)
		return err
	})
	if err != nil && !chains.IsKind(err, chains.KindAlreadyInState) {
		return err
	}

	return r.updateSwap(swap.SwapID, func(fresh *storage.Swap) error {
		if leg := fresh.Escrow(task.Chain); leg != nil && leg.Status == chains.EscrowCreated {
			leg.Status = chains.EscrowLocked
			if txHash != "" {
				leg.TxHash = txHash
			}
		}
		return nil
	})
}

func (r *Relayer) completeEscrow(ctx context.Context, task *storage.RelayTask, swap *storage.Swap, adapter chains.Adapter, exec *resilience.Executor) error {
	leg := swap.Escrow(task.Chain)
	if leg == nil {
		return chains.NewError(chains.KindInvariantViolation, task.Chain, "complete_escrow",
			fmt.Errorf("no escrow on %s to complete", task.Chain))
	}
	if leg.Status == chains.EscrowCompleted {
		return nil
	}

	secret, err := helpers.DecodeHash32(swap.Secret)
	if err != nil {
		return chains.NewError(chains.KindValidation, task.Chain, "complete_escrow",
			fmt.Errorf("bad secret: %w", err))
	}

	var txHash string
	err = exec.Do(ctx, "complete_escrow", func(ctx context.Context) error {
		var err error
		txHash, err = adapter.CompleteEscrow(ctx, leg.ID, secret, swap.CounterpartyAddress)
		return err
	})
	if err != nil && !chains.IsKind(err, chains.KindAlreadyInState) {
		return err
	}

	return r.updateSwap(swap.SwapID, func(fresh *storage.Swap) error {
		if leg := fresh.Escrow(task.Chain); leg != nil && leg.Status != chains.EscrowCompleted {
			leg.Status = chains.EscrowCompleted
			if txHash != "" {
				leg.TxHash = txHash
			}
		}
		return nil
	})
}

func (r *Relayer) refundEscrow(ctx context.Context, task *storage.RelayTask, swap *storage.Swap, adapter chains.Adapter, exec *resilience.Executor) error {
	leg := swap.Escrow(task.Chain)
	if leg == nil {
		// Nothing was created on this chain; nothing to refund.
		return nil
	}
	if leg.Status == chains.EscrowRefunded || leg.Status == chains.EscrowCompleted {
		return nil
	}

	var txHash string
	err := exec.Do(ctx, "refund_escrow", func(ctx context.Context) error {
		var err error
		txHash, err = adapter.RefundEscrow(ctx, leg.ID)
		return err
	})
	if err != nil && !chains.IsKind(err, chains.KindAlreadyInState) {
		return err
	}

	return r.updateSwap(swap.SwapID, func(fresh *storage.Swap) error {
		if leg := fresh.Escrow(task.Chain); leg != nil && leg.Status != chains.EscrowRefunded {
			leg.Status = chains.EscrowRefunded
			if txHash != "" {
				leg.TxHash = txHash
			}
		}
		return nil
	})
}

// handleFailure decides between reschedule, permanent task failure and
// failing the whole swap.
func (r *Relayer) handleFailure(task *storage.RelayTask, swap *storage.Swap, err error) {
	kind := chains.KindOf(err)
	now := time.Now()

	switch {
	case kind == chains.KindTimelockNotExpired:
		// The contract knows best: come back just after the deadline.
		// Waiting out a deadline is not an attempt.
		next := now.Add(rescheduleSlack)
		if leg := swap.Escrow(task.Chain); leg != nil {
			deadline := time.Unix(leg.Deadlines.RefundDeadline, 0)
			if deadline.After(now) {
				next = deadline.Add(rescheduleSlack)
			}
		}
		r.release(task, next, err)

	case kind == chains.KindCircuitOpen:
		// No chain call ran; waiting out the breaker is not an attempt.
		r.release(task, now.Add(r.cfg.RetryDelay), err)

	case chains.Transient(kind) || kind == chains.KindRetryExhausted:
		if task.Attempts >= maxAttempts(task, r.cfg.MaxAttempts) {
			r.failTask(task, true, fmt.Sprintf("gave up after %d attempts: %v", task.Attempts, err))
			return
		}
		delay := time.Duration(task.Attempts) * r.cfg.RetryDelay
		r.reschedule(task, now.Add(delay), err)

	default:
		// Validation, preimage, invariant: retrying cannot help.
		r.failTask(task, true, err.Error())
	}
}

func (r *Relayer) reschedule(task *storage.RelayTask, next time.Time, cause error) {
	if err := r.store.RescheduleTask(task.ID, next.UnixMilli(), cause.Error()); err != nil {
		r.log.Error("failed to reschedule task", "task", task.ID, "err", err)
		return
	}
	r.metrics.rescheduled.Add(1)
	r.log.Warn("task rescheduled", "task", task.ID, "type", task.Type, "next", next, "cause", cause)
}

// release puts a claimed task back in the queue without consuming an
// attempt, keeping attempts bounded by max_attempts while a task only
// waits for the breaker or a deadline.
func (r *Relayer) release(task *storage.RelayTask, next time.Time, cause error) {
	if err := r.store.ReleaseTask(task.ID, next.UnixMilli(), cause.Error()); err != nil {
		r.log.Error("failed to release task", "task", task.ID, "err", err)
		return
	}
	r.metrics.rescheduled.Add(1)
	r.log.Warn("task rescheduled", "task", task.ID, "type", task.Type, "next", next, "cause", cause)
}

// failTask fails a task permanently. When doomSwap is set, the swap is
// reloaded under its lock, failed, its remaining tasks cancelled and
// refunds armed for every leg already holding funds. The reload matters:
// the other leg's task may have written an escrow since this task loaded
// the swap, and a stale save would erase it along with its refund.
func (r *Relayer) failTask(task *storage.RelayTask, doomSwap bool, reason string) {
	if err := r.store.MarkTaskFailed(task.ID, reason); err != nil {
		r.log.Error("failed to mark task failed", "task", task.ID, "err", err)
	}
	r.log.Error("task failed", "task", task.ID, "type", task.Type, "swap", task.SwapID, "reason", reason)

	// A failed refund leaves the swap waiting for a later refund attempt;
	// anything else failing permanently dooms the swap.
	if !doomSwap || task.Type == storage.TaskRefundEscrow {
		return
	}

	lock := r.lockFor(task.SwapID)
	lock.Lock()
	defer lock.Unlock()

	swap, err := r.store.GetSwap(task.SwapID)
	if err != nil {
		r.log.Error("swap lookup failed", "swap", task.SwapID, "err", err)
		return
	}
	if swap.Status.Terminal() {
		return
	}

	swap.Status = storage.SwapFailed
	swap.Error = reason
	swap.CompletedAt = time.Now().UnixMilli()
	if err := r.store.SaveSwap(swap); err != nil {
		r.log.Error("failed to fail swap", "swap", swap.SwapID, "err", err)
	}
	if n, err := r.store.CancelPendingForSwap(swap.SwapID, "swap failed: "+reason); err == nil && n > 0 {
		r.log.Info("cancelled pending tasks", "swap", swap.SwapID, "count", n)
	}

	// Funds already escrowed must come back to their makers once the
	// refund deadline passes.
	for _, leg := range []*storage.Escrow{swap.EscrowA, swap.EscrowB} {
		if leg == nil || leg.Status == chains.EscrowCompleted || leg.Status == chains.EscrowRefunded {
			continue
		}
		at := (leg.Deadlines.RefundDeadline + 1) * 1000
		if at < time.Now().UnixMilli() {
			at = 0
		}
		refund := &storage.RelayTask{
			SwapID:      swap.SwapID,
			Chain:       leg.Chain,
			Type:        storage.TaskRefundEscrow,
			Priority:    storage.PriorityMedium,
			ScheduledAt: at,
		}
		if err := r.store.EnqueueTask(refund); err != nil {
			r.log.Error("failed to enqueue refund", "swap", swap.SwapID, "chain", leg.Chain, "err", err)
		}
	}
}

func maxAttempts(task *storage.RelayTask, fallback int) int {
	if task.MaxAttempts > 0 {
		return task.MaxAttempts
	}
	return fallback
}
