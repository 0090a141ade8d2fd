// Package chains defines the uniform adapter surface over the two ledgers
// the bridge coordinates: an EVM chain and a Soroban-style contract ledger.
// Adapters convert between decimal-string amounts and chain-native units
// and normalize contract events into a single schema.
package chains

import (
	"context"
	"time"
)

// Tag identifies one of the two supported ledgers.
type Tag string

const (
	TagEVM     Tag = "evm"
	TagSoroban Tag = "soroban"
)

// Known returns true if t is a member of the closed chain set.
func Known(t Tag) bool {
	return t == TagEVM || t == TagSoroban
}

// Decimals returns the native unit precision for a chain
// (wei for EVM, stroops for Soroban).
func Decimals(t Tag) uint8 {
	if t == TagSoroban {
		return 7
	}
	return 18
}

// EscrowState represents the on-chain state of one HTLC leg.
type EscrowState string

const (
	EscrowCreated   EscrowState = "created"
	EscrowLocked    EscrowState = "locked"
	EscrowCompleted EscrowState = "completed"
	EscrowRefunded  EscrowState = "refunded"
)

// Deadlines holds the two absolute timestamps of an HTLC leg.
// WithdrawalDeadline must be strictly before RefundDeadline.
type Deadlines struct {
	WithdrawalDeadline int64 // unix seconds; completion allowed before this
	RefundDeadline     int64 // unix seconds; maker may reclaim after this
}

// Valid reports whether the deadlines are strictly ordered.
func (d Deadlines) Valid() bool {
	return d.WithdrawalDeadline > 0 && d.WithdrawalDeadline < d.RefundDeadline
}

// EscrowParams are the inputs to escrow creation.
type EscrowParams struct {
	Maker     string
	Amount    string // decimal string; adapter converts to native units
	Asset     string
	HashLock  [32]byte
	Deadlines Deadlines
}

// EscrowRecord is the adapter's view of an on-chain escrow.
type EscrowRecord struct {
	ID          string
	Chain       Tag
	Maker       string
	Resolver    string
	Amount      string // decimal string
	Asset       string
	HashLock    [32]byte
	Deadlines   Deadlines
	State       EscrowState
	TxHash      string
	BlockHeight uint64
}

// ReceiptStatus is the outcome of a submitted transaction.
type ReceiptStatus string

const (
	ReceiptPending ReceiptStatus = "pending"
	ReceiptSuccess ReceiptStatus = "success"
	ReceiptFailed  ReceiptStatus = "failed"
	ReceiptUnknown ReceiptStatus = "unknown"
)

// Stats aggregates escrow counts by state for a chain.
type Stats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Locked    int `json:"locked"`
	Completed int `json:"completed"`
	Refunded  int `json:"refunded"`
}

// EventType classifies a normalized chain event.
type EventType string

const (
	EventEscrowCreated   EventType = "escrow_created"
	EventEscrowLocked    EventType = "escrow_locked"
	EventEscrowCompleted EventType = "escrow_completed"
	EventEscrowRefunded  EventType = "escrow_refunded"
	EventBridgeInitiated EventType = "bridge_initiated"
)

// Event is the normalized schema monitors emit for both chains.
// Fields the underlying ledger does not provide default to zero values
// rather than aborting decode.
type Event struct {
	Chain       Tag       `json:"chain"`
	Type        EventType `json:"type"`
	EscrowID    string    `json:"escrow_id"`
	Maker       string    `json:"maker"`
	Resolver    string    `json:"resolver,omitempty"`
	Amount      string    `json:"amount"`
	Asset       string    `json:"asset"`
	HashLock    [32]byte  `json:"-"`
	HashLockHex string    `json:"hash_lock"`
	Secret      [32]byte  `json:"-"` // revealed preimage on completion events
	HasSecret   bool      `json:"-"`
	Timelock    int64     `json:"timelock"`
	TxHash      string    `json:"tx_hash"`
	Height      uint64    `json:"block_height"`
	Ts          time.Time `json:"ts"`
}

// Adapter is the uniform facade over one chain's HTLC contract and RPC.
// All operations are idempotent at the intent layer: re-submitting an
// operation the contract has already applied yields a KindAlreadyInState
// error, which callers treat as success.
type Adapter interface {
	// Chain returns the ledger this adapter serves.
	Chain() Tag

	// CreateEscrow funds a new escrow and returns its id and tx hash.
	CreateEscrow(ctx context.Context, p EscrowParams) (escrowID, txHash string, err error)

	// LockEscrow transitions a created escrow to locked for a resolver.
	LockEscrow(ctx context.Context, escrowID, resolver string) (txHash string, err error)

	// CompleteEscrow reveals the secret and releases funds to the resolver.
	CompleteEscrow(ctx context.Context, escrowID string, secret [32]byte, resolver string) (txHash string, err error)

	// RefundEscrow returns funds to the maker after the refund deadline.
	RefundEscrow(ctx context.Context, escrowID string) (txHash string, err error)

	// GetEscrow reads the current escrow state; nil if unknown.
	GetEscrow(ctx context.Context, escrowID string) (*EscrowRecord, error)

	// LatestHeight returns the current block or ledger height.
	LatestHeight(ctx context.Context) (uint64, error)

	// TxReceipt reports the status of a submitted transaction.
	TxReceipt(ctx context.Context, txHash string) (ReceiptStatus, error)

	// EventsInRange fetches and normalizes contract events for the
	// half-open height interval (from, to].
	EventsInRange(ctx context.Context, from, to uint64) ([]Event, error)

	// Stats aggregates escrow counts for health reporting.
	Stats(ctx context.Context) (Stats, error)

	// Close releases the underlying RPC connection.
	Close()
}
