package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/starbridge-labs/starbridge/internal/chains"
)

// GetCursor returns the last processed height for a chain, 0 if the
// chain has never been scanned.
func (s *Storage) GetCursor(chain chains.Tag) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var height uint64
	err := s.db.QueryRow(
		`SELECT last_processed_height FROM cursors WHERE chain = ?`,
		string(chain),
	).Scan(&height)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read cursor: %w", err)
	}
	return height, nil
}

// SetCursor persists the last processed height for a chain.
func (s *Storage) SetCursor(chain chains.Tag, height uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO cursors (chain, last_processed_height, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(chain) DO UPDATE SET
			last_processed_height = excluded.last_processed_height,
			updated_at = excluded.updated_at
	`, string(chain), height, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to set cursor: %w", err)
	}
	return nil
}
