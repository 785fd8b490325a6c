package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

type blockKey struct {
	blocker uuid.UUID
	blocked uuid.UUID
}

// ContactRepository holds block relationships and chat memberships in memory
type ContactRepository struct {
	mu      sync.RWMutex
	blocks  map[blockKey]struct{}
	members map[uuid.UUID][]uuid.UUID
}

// NewContactRepository creates an empty contact repository
func NewContactRepository() *ContactRepository {
	return &ContactRepository{
		blocks:  make(map[blockKey]struct{}),
		members: make(map[uuid.UUID][]uuid.UUID),
	}
}

// Block records that blockerID blocked blockedID
func (r *ContactRepository) Block(blockerID, blockedID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocks[blockKey{blocker: blockerID, blocked: blockedID}] = struct{}{}
}

// IsBlocked checks if blockedID is blocked by blockerID
func (r *ContactRepository) IsBlocked(ctx context.Context, blockerID, blockedID uuid.UUID) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.blocks[blockKey{blocker: blockerID, blocked: blockedID}]
	return ok, nil
}

// SetMembers replaces the member list of a chat
func (r *ContactRepository) SetMembers(chatID uuid.UUID, memberIDs ...uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[chatID] = append([]uuid.UUID(nil), memberIDs...)
}

// MemberIDs returns the members of a chat. Unknown chats have no members.
func (r *ContactRepository) MemberIDs(ctx context.Context, chatID uuid.UUID) ([]uuid.UUID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]uuid.UUID(nil), r.members[chatID]...), nil
}
