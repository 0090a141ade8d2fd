// Package storage - Swap aggregate persistence.
// CRUD for the swap table plus the retention queries used by the cleaner.
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/starbridge-labs/starbridge/internal/chains"
)

// Swap persistence errors
var (
	ErrSwapNotFound = errors.New("swap not found")
	ErrSwapExists   = errors.New("swap already exists")
)

// SwapStatus represents the lifecycle state of a swap.
type SwapStatus string

const (
	SwapInitiated       SwapStatus = "initiated"
	SwapEscrowsCreated  SwapStatus = "escrows_created"
	SwapEscrowsLocked   SwapStatus = "escrows_locked"
	SwapSecretsRevealed SwapStatus = "secrets_revealed"
	SwapCompleted       SwapStatus = "completed"
	SwapFailed          SwapStatus = "failed"
	SwapRefunded        SwapStatus = "refunded"
	SwapTimedOut        SwapStatus = "timed_out"
)

// Terminal reports whether no further transitions are permitted.
func (s SwapStatus) Terminal() bool {
	switch s {
	case SwapCompleted, SwapFailed, SwapRefunded:
		return true
	}
	return false
}

// Escrow is one leg of the HTLC, persisted as JSON inside the swap row.
type Escrow struct {
	ID              string             `json:"id"`
	Chain           chains.Tag         `json:"chain"`
	ContractAddress string             `json:"contract_address"`
	Amount          string             `json:"amount"`
	Asset           string             `json:"asset"`
	HashLock        string             `json:"hash_lock"` // hex
	Deadlines       chains.Deadlines   `json:"deadlines"`
	Status          chains.EscrowState `json:"status"`
	TxHash          string             `json:"tx_hash,omitempty"`
	BlockHeight     uint64             `json:"block_height,omitempty"`
}

// Swap is the primary aggregate: one cross-chain atomic swap.
type Swap struct {
	SwapID string `json:"swap_id"`

	FromChain chains.Tag `json:"from_chain"`
	ToChain   chains.Tag `json:"to_chain"`

	FromToken  string `json:"from_token"`
	ToToken    string `json:"to_token"`
	FromAmount string `json:"from_amount"`
	ToAmount   string `json:"to_amount"`

	UserAddress         string `json:"user_address"`
	CounterpartyAddress string `json:"counterparty_address,omitempty"`

	// Secret is held server-side until reveal is safe, hex-encoded,
	// never returned by status queries.
	Secret     string `json:"-"`
	SecretHash string `json:"secret_hash"`

	TimelockSec int64      `json:"timelock_sec"`
	Status      SwapStatus `json:"status"`

	EscrowA *Escrow `json:"escrow_a,omitempty"` // EVM leg
	EscrowB *Escrow `json:"escrow_b,omitempty"` // Soroban leg

	Error string `json:"error,omitempty"`

	CreatedAt     int64 `json:"created_at"` // unix ms
	CompletedAt   int64 `json:"completed_at,omitempty"`
	LastUpdatedAt int64 `json:"last_updated_at"`
}

// Escrow returns the leg on the given chain, nil if not yet created.
func (s *Swap) Escrow(chain chains.Tag) *Escrow {
	if chain == chains.TagEVM {
		return s.EscrowA
	}
	return s.EscrowB
}

// SetEscrow assigns the leg for the given chain.
func (s *Swap) SetEscrow(chain chains.Tag, e *Escrow) {
	if chain == chains.TagEVM {
		s.EscrowA = e
	} else {
		s.EscrowB = e
	}
}

// SaveSwap saves or updates a swap record (UPSERT).
func (s *Storage) SaveSwap(swap *Swap) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	if swap.CreatedAt == 0 {
		swap.CreatedAt = now
	}
	swap.LastUpdatedAt = now

	escrowA, err := marshalEscrow(swap.EscrowA)
	if err != nil {
		return err
	}
	escrowB, err := marshalEscrow(swap.EscrowB)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO swaps (
			swap_id, from_chain, to_chain, from_token, to_token,
			from_amount, to_amount, user_address, counterparty_address,
			secret, secret_hash, timelock_sec, status,
			escrow_a, escrow_b, error,
			created_at, completed_at, last_updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(swap_id) DO UPDATE SET
			status = excluded.status,
			secret = excluded.secret,
			escrow_a = excluded.escrow_a,
			escrow_b = excluded.escrow_b,
			error = excluded.error,
			completed_at = excluded.completed_at,
			last_updated_at = excluded.last_updated_at
	`

	_, err = s.db.Exec(query,
		swap.SwapID,
		string(swap.FromChain),
		string(swap.ToChain),
		swap.FromToken,
		swap.ToToken,
		swap.FromAmount,
		swap.ToAmount,
		swap.UserAddress,
		swap.CounterpartyAddress,
		swap.Secret,
		swap.SecretHash,
		swap.TimelockSec,
		string(swap.Status),
		escrowA,
		escrowB,
		swap.Error,
		swap.CreatedAt,
		nullableInt64(swap.CompletedAt),
		swap.LastUpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save swap: %w", err)
	}
	return nil
}

// GetSwap retrieves a swap by id.
func (s *Storage) GetSwap(swapID string) (*Swap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(swapSelect+" WHERE swap_id = ?", swapID)
	swap, err := scanSwap(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSwapNotFound
	}
	return swap, err
}

// ListSwaps returns all swaps ordered by creation time, newest first.
func (s *Storage) ListSwaps() ([]*Swap, error) {
	return s.querySwaps(swapSelect + " ORDER BY created_at DESC")
}

// ListSwapsByStatus returns swaps in the given status.
func (s *Storage) ListSwapsByStatus(status SwapStatus) ([]*Swap, error) {
	return s.querySwaps(swapSelect+" WHERE status = ? ORDER BY created_at DESC", string(status))
}

// ListActiveSwaps returns all non-terminal swaps, for restart recovery.
func (s *Storage) ListActiveSwaps() ([]*Swap, error) {
	return s.querySwaps(swapSelect+" WHERE status NOT IN (?, ?, ?) ORDER BY created_at ASC",
		string(SwapCompleted), string(SwapFailed), string(SwapRefunded))
}

// ClearSecretsOlderThan blanks the secret on terminal swaps whose
// completion is older than the cutoff (unix ms). Returns affected rows.
func (s *Storage) ClearSecretsOlderThan(cutoffMS int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE swaps SET secret = ''
		WHERE status IN (?, ?, ?) AND last_updated_at < ? AND secret != ''
	`, string(SwapCompleted), string(SwapFailed), string(SwapRefunded), cutoffMS)
	if err != nil {
		return 0, fmt.Errorf("failed to clear secrets: %w", err)
	}
	return res.RowsAffected()
}

// DeleteTerminalOlderThan removes terminal swaps older than the cutoff
// (unix ms). Returns the number of rows removed.
func (s *Storage) DeleteTerminalOlderThan(cutoffMS int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		DELETE FROM swaps
		WHERE status IN (?, ?, ?) AND last_updated_at < ?
	`, string(SwapCompleted), string(SwapFailed), string(SwapRefunded), cutoffMS)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old swaps: %w", err)
	}
	return res.RowsAffected()
}

const swapSelect = `
	SELECT swap_id, from_chain, to_chain, from_token, to_token,
	       from_amount, to_amount, user_address, counterparty_address,
	       secret, secret_hash, timelock_sec, status,
	       escrow_a, escrow_b, error,
	       created_at, completed_at, last_updated_at
	FROM swaps`

func (s *Storage) querySwaps(query string, args ...interface{}) ([]*Swap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query swaps: %w", err)
	}
	defer rows.Close()

	var swaps []*Swap
	for rows.Next() {
		swap, err := scanSwap(rows)
		if err != nil {
			return nil, err
		}
		swaps = append(swaps, swap)
	}
	return swaps, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSwap(row rowScanner) (*Swap, error) {
	var (
		swap                         Swap
		fromChain, toChain           string
		status                       string
		counterparty, secret, errMsg sql.NullString
		escrowA, escrowB             sql.NullString
		completedAt                  sql.NullInt64
	)

	err := row.Scan(
		&swap.SwapID, &fromChain, &toChain, &swap.FromToken, &swap.ToToken,
		&swap.FromAmount, &swap.ToAmount, &swap.UserAddress, &counterparty,
		&secret, &swap.SecretHash, &swap.TimelockSec, &status,
		&escrowA, &escrowB, &errMsg,
		&swap.CreatedAt, &completedAt, &swap.LastUpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	swap.FromChain = chains.Tag(fromChain)
	swap.ToChain = chains.Tag(toChain)
	swap.Status = SwapStatus(status)
	swap.CounterpartyAddress = counterparty.String
	swap.Secret = secret.String
	swap.Error = errMsg.String
	swap.CompletedAt = completedAt.Int64

	if swap.EscrowA, err = unmarshalEscrow(escrowA); err != nil {
		return nil, err
	}
	if swap.EscrowB, err = unmarshalEscrow(escrowB); err != nil {
		return nil, err
	}
	return &swap, nil
}

func marshalEscrow(e *Escrow) (interface{}, error) {
	if e == nil {
		return nil, nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal escrow: %w", err)
	}
	return string(data), nil
}

func unmarshalEscrow(v sql.NullString) (*Escrow, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	var e Escrow
	if err := json.Unmarshal([]byte(v.String), &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal escrow: %w", err)
	}
	return &e, nil
}

func nullableInt64(v int64) interface{} {
	if v == 0 {
		return nil
	}
	return v
}
