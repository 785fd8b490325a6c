package cockroach

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// BlockedUserRepository reads the contact blocking policy from CockroachDB
type BlockedUserRepository struct {
	db DBTX
}

// NewBlockedUserRepository creates a new BlockedUserRepository
func NewBlockedUserRepository(db DBTX) *BlockedUserRepository {
	return &BlockedUserRepository{db: db}
}

// IsBlocked checks if a user is blocked by another user
func (r *BlockedUserRepository) IsBlocked(ctx context.Context, blockerID, blockedID uuid.UUID) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM blocked_users WHERE blocker_id = $1 AND blocked_id = $2)`

	var exists bool
	err := r.db.QueryRow(ctx, query, blockerID, blockedID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check if user is blocked: %w", err)
	}

	return exists, nil
}
