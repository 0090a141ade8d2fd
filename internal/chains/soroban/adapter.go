package soroban

import (
	"context"
	"fmt"
	"time"

	"github.com/starbridge-labs/starbridge/internal/chains"
	"github.com/starbridge-labs/starbridge/pkg/helpers"
	"github.com/starbridge-labs/starbridge/pkg/logging"
)

const stroops = 7

// Adapter implements chains.Adapter against a Soroban RPC gateway.
type Adapter struct {
	rpc      *client
	contract string
	adminKey string // source account seed for invocations
	log      *logging.Logger
}

// Config holds the Soroban adapter settings.
type Config struct {
	RPCURL   string
	Contract string
	AdminKey string
}

// New creates a Soroban adapter. The connection is stateless HTTP, so no
// handshake happens here.
func New(cfg *Config) (*Adapter, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("soroban rpc url required")
	}
	return &Adapter{
		rpc:      newClient(cfg.RPCURL),
		contract: cfg.Contract,
		adminKey: cfg.AdminKey,
		log:      logging.Component("soroban"),
	}, nil
}

// Chain returns the ledger tag.
func (a *Adapter) Chain() chains.Tag {
	return chains.TagSoroban
}

// Close releases the underlying transport. HTTP keep-alives are closed
// by the client's transport on GC; nothing to do explicitly.
func (a *Adapter) Close() {}

// invokeResult is the gateway's answer to a contract invocation.
type invokeResult struct {
	TxHash   string `json:"txHash"`
	EscrowID string `json:"escrowId,omitempty"`
}

// invoke submits a signed contract invocation through the gateway.
func (a *Adapter) invoke(ctx context.Context, function string, args map[string]interface{}) (*invokeResult, error) {
	params := map[string]interface{}{
		"contractId": a.contract,
		"function":   function,
		"args":       args,
		"sourceKey":  a.adminKey,
	}
	var res invokeResult
	if err := a.rpc.call(ctx, "invokeContractFunction", params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// view performs a read-only simulation of a contract function.
func (a *Adapter) view(ctx context.Context, function string, args map[string]interface{}, out interface{}) error {
	params := map[string]interface{}{
		"contractId": a.contract,
		"function":   function,
		"args":       args,
	}
	return a.rpc.call(ctx, "simulateContractFunction", params, out)
}

// CreateEscrow funds a new escrow on the contract.
func (a *Adapter) CreateEscrow(ctx context.Context, p chains.EscrowParams) (string, string, error) {
	amount, err := helpers.ParseDecimal(p.Amount, stroops)
	if err != nil {
		return "", "", chains.NewError(chains.KindValidation, chains.TagSoroban, "create_escrow", err)
	}
	if !p.Deadlines.Valid() {
		return "", "", chains.NewError(chains.KindValidation, chains.TagSoroban, "create_escrow",
			fmt.Errorf("withdrawal deadline must precede refund deadline"))
	}

	res, err := a.invoke(ctx, "create_escrow", map[string]interface{}{
		"maker":               p.Maker,
		"amount":              amount.String(), // stroops
		"asset":               p.Asset,
		"hash_lock":           helpers.EncodeHex(p.HashLock[:]),
		"withdrawal_deadline": p.Deadlines.WithdrawalDeadline,
		"refund_deadline":     p.Deadlines.RefundDeadline,
	})
	if err != nil {
		return "", "", a.classify("create_escrow", err)
	}

	a.log.Info("escrow created", "escrow_id", res.EscrowID, "tx", res.TxHash, "amount", p.Amount)
	return res.EscrowID, res.TxHash, nil
}

// LockEscrow assigns a resolver to a created escrow.
func (a *Adapter) LockEscrow(ctx context.Context, escrowID, resolver string) (string, error) {
	res, err := a.invoke(ctx, "lock_escrow", map[string]interface{}{
		"escrow_id": escrowID,
		"resolver":  resolver,
	})
	if err != nil {
		return "", a.classify("lock_escrow", err)
	}
	return res.TxHash, nil
}

// CompleteEscrow reveals the secret, releasing funds to the resolver.
func (a *Adapter) CompleteEscrow(ctx context.Context, escrowID string, secret [32]byte, resolver string) (string, error) {
	res, err := a.invoke(ctx, "complete_escrow", map[string]interface{}{
		"escrow_id": escrowID,
		"secret":    helpers.EncodeHex(secret[:]),
		"resolver":  resolver,
	})
	if err != nil {
		return "", a.classify("complete_escrow", err)
	}
	a.log.Info("escrow completed", "escrow_id", escrowID, "tx", res.TxHash)
	return res.TxHash, nil
}

// RefundEscrow returns funds to the maker after the refund deadline.
func (a *Adapter) RefundEscrow(ctx context.Context, escrowID string) (string, error) {
	res, err := a.invoke(ctx, "refund_escrow", map[string]interface{}{
		"escrow_id": escrowID,
	})
	if err != nil {
		return "", a.classify("refund_escrow", err)
	}
	a.log.Info("escrow refunded", "escrow_id", escrowID, "tx", res.TxHash)
	return res.TxHash, nil
}

// escrowView is the contract's escrow representation on the wire.
type escrowView struct {
	EscrowID           string `json:"escrow_id"`
	Maker              string `json:"maker"`
	Resolver           string `json:"resolver"`
	Amount             string `json:"amount"` // stroops
	Asset              string `json:"asset"`
	HashLock           string `json:"hash_lock"`
	WithdrawalDeadline int64  `json:"withdrawal_deadline"`
	RefundDeadline     int64  `json:"refund_deadline"`
	State              string `json:"state"`
}

// GetEscrow reads the current escrow state from the contract.
func (a *Adapter) GetEscrow(ctx context.Context, escrowID string) (*chains.EscrowRecord, error) {
	var view escrowView
	err := a.view(ctx, "get_escrow", map[string]interface{}{"escrow_id": escrowID}, &view)
	if err != nil {
		cerr := a.classify("get_escrow", err)
		if chains.IsKind(cerr, chains.KindInternal) && isNotFound(err) {
			return nil, nil
		}
		return nil, cerr
	}
	return viewToRecord(&view)
}

func viewToRecord(view *escrowView) (*chains.EscrowRecord, error) {
	hashLock, err := helpers.DecodeHash32(view.HashLock)
	if err != nil {
		return nil, chains.NewError(chains.KindInternal, chains.TagSoroban, "get_escrow",
			fmt.Errorf("bad hash lock on wire: %w", err))
	}

	amount, err := helpers.ParseDecimal(view.Amount, 0)
	if err != nil {
		return nil, chains.NewError(chains.KindInternal, chains.TagSoroban, "get_escrow",
			fmt.Errorf("bad amount on wire: %w", err))
	}

	return &chains.EscrowRecord{
		ID:       view.EscrowID,
		Chain:    chains.TagSoroban,
		Maker:    view.Maker,
		Resolver: view.Resolver,
		Amount:   helpers.FormatDecimal(amount, stroops),
		Asset:    view.Asset,
		HashLock: hashLock,
		Deadlines: chains.Deadlines{
			WithdrawalDeadline: view.WithdrawalDeadline,
			RefundDeadline:     view.RefundDeadline,
		},
		State: chains.EscrowState(view.State),
	}, nil
}

// LatestHeight returns the latest closed ledger sequence.
func (a *Adapter) LatestHeight(ctx context.Context) (uint64, error) {
	var res struct {
		Sequence uint64 `json:"sequence"`
	}
	if err := a.rpc.call(ctx, "getLatestLedger", nil, &res); err != nil {
		return 0, a.classify("latest_height", err)
	}
	return res.Sequence, nil
}

// TxReceipt reports the status of a submitted transaction.
func (a *Adapter) TxReceipt(ctx context.Context, txHash string) (chains.ReceiptStatus, error) {
	var res struct {
		Status string `json:"status"`
	}
	err := a.rpc.call(ctx, "getTransaction", map[string]interface{}{"hash": txHash}, &res)
	if err != nil {
		return chains.ReceiptUnknown, a.classify("tx_receipt", err)
	}

	switch res.Status {
	case "SUCCESS":
		return chains.ReceiptSuccess, nil
	case "FAILED":
		return chains.ReceiptFailed, nil
	case "NOT_FOUND", "PENDING":
		return chains.ReceiptPending, nil
	}
	return chains.ReceiptUnknown, nil
}

// ledgerEvent is one contract event as the gateway reports it.
type ledgerEvent struct {
	Ledger         uint64     `json:"ledger"`
	LedgerClosedAt string     `json:"ledgerClosedAt"`
	TxHash         string     `json:"txHash"`
	Topic          []string   `json:"topic"`
	Value          eventValue `json:"value"`
}

type eventValue struct {
	EscrowID string `json:"escrow_id"`
	Maker    string `json:"maker"`
	Resolver string `json:"resolver"`
	Amount   string `json:"amount"` // stroops
	Asset    string `json:"asset"`
	HashLock string `json:"hash_lock"`
	Secret   string `json:"secret"`
	Timelock int64  `json:"timelock"`
}

// EventsInRange fetches contract events for the half-open ledger
// interval (from, to] and normalizes them.
func (a *Adapter) EventsInRange(ctx context.Context, from, to uint64) ([]chains.Event, error) {
	if to <= from {
		return nil, nil
	}

	var res struct {
		Events []ledgerEvent `json:"events"`
	}
	err := a.rpc.call(ctx, "getEvents", map[string]interface{}{
		"startLedger": from + 1,
		"endLedger":   to,
		"filters": []map[string]interface{}{
			{"type": "contract", "contractIds": []string{a.contract}},
		},
	}, &res)
	if err != nil {
		return nil, a.classify("events_in_range", err)
	}

	var events []chains.Event
	for _, le := range res.Events {
		ev, ok, err := normalizeEvent(le)
		if err != nil {
			a.log.Warn("skipping undecodable event", "tx", le.TxHash, "err", err)
			continue
		}
		if ok {
			events = append(events, ev)
		}
	}
	return events, nil
}

// normalizeEvent converts a gateway event into the shared schema.
// Events with unknown topics are skipped, not errors.
func normalizeEvent(le ledgerEvent) (chains.Event, bool, error) {
	if len(le.Topic) == 0 {
		return chains.Event{}, false, nil
	}

	var evType chains.EventType
	switch le.Topic[0] {
	case "escrow_created":
		evType = chains.EventEscrowCreated
	case "escrow_locked":
		evType = chains.EventEscrowLocked
	case "escrow_completed":
		evType = chains.EventEscrowCompleted
	case "escrow_refunded":
		evType = chains.EventEscrowRefunded
	case "bridge_initiated":
		evType = chains.EventBridgeInitiated
	default:
		return chains.Event{}, false, nil
	}

	ev := chains.Event{
		Chain:    chains.TagSoroban,
		Type:     evType,
		EscrowID: le.Value.EscrowID,
		Maker:    le.Value.Maker,
		Resolver: le.Value.Resolver,
		Asset:    le.Value.Asset,
		Timelock: le.Value.Timelock,
		TxHash:   le.TxHash,
		Height:   le.Ledger,
	}

	if ts, err := time.Parse(time.RFC3339, le.LedgerClosedAt); err == nil {
		ev.Ts = ts
	} else {
		ev.Ts = time.Now().UTC()
	}

	if le.Value.Amount != "" {
		amount, err := helpers.ParseDecimal(le.Value.Amount, 0)
		if err != nil {
			return chains.Event{}, false, fmt.Errorf("bad amount: %w", err)
		}
		ev.Amount = helpers.FormatDecimal(amount, stroops)
	}

	if le.Value.HashLock != "" {
		hashLock, err := helpers.DecodeHash32(le.Value.HashLock)
		if err != nil {
			return chains.Event{}, false, fmt.Errorf("bad hash lock: %w", err)
		}
		ev.HashLock = hashLock
		ev.HashLockHex = helpers.EncodeHex(hashLock[:])
	}

	if le.Value.Secret != "" {
		secret, err := helpers.DecodeHash32(le.Value.Secret)
		if err != nil {
			return chains.Event{}, false, fmt.Errorf("bad secret: %w", err)
		}
		ev.Secret = secret
		ev.HasSecret = true
	}

	return ev, true, nil
}

// Stats aggregates escrow counts from the contract.
func (a *Adapter) Stats(ctx context.Context) (chains.Stats, error) {
	var stats chains.Stats
	if err := a.view(ctx, "escrow_counts", nil, &stats); err != nil {
		return chains.Stats{}, a.classify("stats", err)
	}
	return stats, nil
}
