package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lu-zhengda/mailsync/internal/store"
)

// GetSyncState retrieves the refresh bookkeeping for an owner.
// If no state exists, it returns an empty SyncState with the OwnerID set.
func (s *DB) GetSyncState(ctx context.Context, ownerID string) (*store.SyncState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var state store.SyncState
	var lastSync, lastAttempt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT owner_id, last_sync, last_attempt, consecutive_failures FROM sync_state WHERE owner_id = ?`,
		ownerID,
	).Scan(&state.OwnerID, &lastSync, &lastAttempt, &state.ConsecutiveFailures)

	if errors.Is(err, sql.ErrNoRows) {
		return &store.SyncState{OwnerID: ownerID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync state for %s: %w", ownerID, err)
	}

	state.LastSync = fromMillis(lastSync)
	state.LastAttempt = fromMillis(lastAttempt)
	return &state, nil
}

// SetSyncState inserts or updates the refresh bookkeeping for an owner.
func (s *DB) SetSyncState(ctx context.Context, state *store.SyncState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (owner_id, last_sync, last_attempt, consecutive_failures)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(owner_id) DO UPDATE SET
			last_sync            = excluded.last_sync,
			last_attempt         = excluded.last_attempt,
			consecutive_failures = excluded.consecutive_failures`,
		state.OwnerID, toMillis(state.LastSync), toMillis(state.LastAttempt), state.ConsecutiveFailures,
	)
	if err != nil {
		return fmt.Errorf("failed to set sync state for %s: %w", state.OwnerID, err)
	}
	return nil
}
