// Package chaintest provides an in-memory chain adapter for tests.
// The fake keeps escrows in a map, advances its height manually and can
// be programmed to fail specific operations with classified errors.
package chaintest

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/starbridge-labs/starbridge/internal/chains"
	"github.com/starbridge-labs/starbridge/pkg/helpers"
)

// Fake is an in-memory chains.Adapter.
type Fake struct {
	tag chains.Tag

	mu      sync.Mutex
	escrows map[string]*chains.EscrowRecord
	events  []chains.Event
	height  uint64
	seq     int

	// failures maps op name to the error its next calls return.
	failures map[string]error
	// failCounts limits how many times an op fails; 0 means forever.
	failCounts map[string]int

	calls map[string]int

	// Now lets tests control deadline checks.
	Now func() time.Time
}

// New creates a fake adapter for the given chain.
func New(tag chains.Tag) *Fake {
	return &Fake{
		tag:        tag,
		escrows:    make(map[string]*chains.EscrowRecord),
		failures:   make(map[string]error),
		failCounts: make(map[string]int),
		calls:      make(map[string]int),
		height:     100,
		Now:        time.Now,
	}
}

// FailWith makes op fail with err until cleared.
func (f *Fake) FailWith(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = err
	delete(f.failCounts, op)
}

// FailNTimes makes op fail with err for the next n calls, then succeed.
func (f *Fake) FailNTimes(op string, err error, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = err
	f.failCounts[op] = n
}

// ClearFailure removes a programmed failure.
func (f *Fake) ClearFailure(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.failures, op)
	delete(f.failCounts, op)
}

// Calls returns how many times op was invoked.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// AdvanceHeight moves the chain head forward.
func (f *Fake) AdvanceHeight(n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.height += n
}

// PushEvent records an event at the current height.
func (f *Fake) PushEvent(ev chains.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev.Chain = f.tag
	if ev.Height == 0 {
		ev.Height = f.height
	}
	if ev.Ts.IsZero() {
		ev.Ts = time.Now().UTC()
	}
	f.events = append(f.events, ev)
}

// EscrowByID returns a stored escrow for assertions.
func (f *Fake) EscrowByID(id string) *chains.EscrowRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.escrows[id]
}

// check records the call and returns the programmed failure, if any.
func (f *Fake) check(op string) error {
	f.calls[op]++
	err, ok := f.failures[op]
	if !ok {
		return nil
	}
	if n, limited := f.failCounts[op]; limited {
		if n <= 0 {
			delete(f.failures, op)
			delete(f.failCounts, op)
			return nil
		}
		f.failCounts[op] = n - 1
	}
	return err
}

func (f *Fake) Chain() chains.Tag { return f.tag }
func (f *Fake) Close()            {}

func (f *Fake) CreateEscrow(ctx context.Context, p chains.EscrowParams) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check("create_escrow"); err != nil {
		return "", "", err
	}
	if _, err := helpers.ParseDecimal(p.Amount, chains.Decimals(f.tag)); err != nil {
		return "", "", chains.NewError(chains.KindValidation, f.tag, "create_escrow", err)
	}

	f.seq++
	id := fmt.Sprintf("%s-esc-%d", f.tag, f.seq)
	tx := fmt.Sprintf("%s-tx-%d", f.tag, f.seq)
	f.escrows[id] = &chains.EscrowRecord{
		ID:          id,
		Chain:       f.tag,
		Maker:       p.Maker,
		Amount:      p.Amount,
		Asset:       p.Asset,
		HashLock:    p.HashLock,
		Deadlines:   p.Deadlines,
		State:       chains.EscrowCreated,
		TxHash:      tx,
		BlockHeight: f.height,
	}
	return id, tx, nil
}

func (f *Fake) LockEscrow(ctx context.Context, escrowID, resolver string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check("lock_escrow"); err != nil {
		return "", err
	}
	esc, ok := f.escrows[escrowID]
	if !ok {
		return "", chains.NewError(chains.KindValidation, f.tag, "lock_escrow", fmt.Errorf("unknown escrow %s", escrowID))
	}
	if esc.State == chains.EscrowLocked {
		return "", chains.NewError(chains.KindAlreadyInState, f.tag, "lock_escrow", nil)
	}
	if esc.State != chains.EscrowCreated {
		return "", chains.NewError(chains.KindInvariantViolation, f.tag, "lock_escrow",
			fmt.Errorf("escrow in state %s", esc.State))
	}
	esc.State = chains.EscrowLocked
	esc.Resolver = resolver
	f.seq++
	return fmt.Sprintf("%s-tx-%d", f.tag, f.seq), nil
}

func (f *Fake) CompleteEscrow(ctx context.Context, escrowID string, secret [32]byte, resolver string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check("complete_escrow"); err != nil {
		return "", err
	}
	esc, ok := f.escrows[escrowID]
	if !ok {
		return "", chains.NewError(chains.KindValidation, f.tag, "complete_escrow", fmt.Errorf("unknown escrow %s", escrowID))
	}
	if esc.State == chains.EscrowCompleted {
		return "", chains.NewError(chains.KindAlreadyInState, f.tag, "complete_escrow", nil)
	}
	if sha256.Sum256(secret[:]) != esc.HashLock {
		return "", chains.NewError(chains.KindInvalidPreimage, f.tag, "complete_escrow", nil)
	}
	esc.State = chains.EscrowCompleted
	f.seq++
	return fmt.Sprintf("%s-tx-%d", f.tag, f.seq), nil
}

func (f *Fake) RefundEscrow(ctx context.Context, escrowID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check("refund_escrow"); err != nil {
		return "", err
	}
	esc, ok := f.escrows[escrowID]
	if !ok {
		return "", chains.NewError(chains.KindValidation, f.tag, "refund_escrow", fmt.Errorf("unknown escrow %s", escrowID))
	}
	if esc.State == chains.EscrowRefunded {
		return "", chains.NewError(chains.KindAlreadyInState, f.tag, "refund_escrow", nil)
	}
	if f.Now().Unix() < esc.Deadlines.RefundDeadline {
		return "", chains.NewError(chains.KindTimelockNotExpired, f.tag, "refund_escrow", nil)
	}
	esc.State = chains.EscrowRefunded
	f.seq++
	return fmt.Sprintf("%s-tx-%d", f.tag, f.seq), nil
}

func (f *Fake) GetEscrow(ctx context.Context, escrowID string) (*chains.EscrowRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check("get_escrow"); err != nil {
		return nil, err
	}
	esc, ok := f.escrows[escrowID]
	if !ok {
		return nil, nil
	}
	cp := *esc
	return &cp, nil
}

func (f *Fake) LatestHeight(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check("latest_height"); err != nil {
		return 0, err
	}
	return f.height, nil
}

func (f *Fake) TxReceipt(ctx context.Context, txHash string) (chains.ReceiptStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check("tx_receipt"); err != nil {
		return chains.ReceiptUnknown, err
	}
	return chains.ReceiptSuccess, nil
}

func (f *Fake) EventsInRange(ctx context.Context, from, to uint64) ([]chains.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check("events_in_range"); err != nil {
		return nil, err
	}
	var out []chains.Event
	for _, ev := range f.events {
		if ev.Height > from && ev.Height <= to {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *Fake) Stats(ctx context.Context) (chains.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check("stats"); err != nil {
		return chains.Stats{}, err
	}
	var stats chains.Stats
	for _, esc := range f.escrows {
		stats.Total++
		switch esc.State {
		case chains.EscrowCreated:
			stats.Pending++
		case chains.EscrowLocked:
			stats.Locked++
		case chains.EscrowCompleted:
			stats.Completed++
		case chains.EscrowRefunded:
			stats.Refunded++
		}
	}
	return stats, nil
}

var _ chains.Adapter = (*Fake)(nil)
