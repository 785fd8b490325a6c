package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"chatcall-backend/internal/database"
	"chatcall-backend/pkg/logger"
)

// DefaultMemberTTL bounds how long a removed chat member can still be rung
const DefaultMemberTTL = 30 * time.Second

// MemberSource is the authoritative chat membership lookup
type MemberSource interface {
	MemberIDs(ctx context.Context, chatID uuid.UUID) ([]uuid.UUID, error)
}

// MemberCache keeps chat member lists in Redis in front of the database.
// Cache failures (including degraded mode) fall through to the source.
type MemberCache struct {
	client *database.RedisClient
	source MemberSource
	ttl    time.Duration
}

// NewMemberCache creates a new MemberCache
func NewMemberCache(client *database.RedisClient, source MemberSource, ttl time.Duration) *MemberCache {
	if ttl <= 0 {
		ttl = DefaultMemberTTL
	}
	return &MemberCache{client: client, source: source, ttl: ttl}
}

func memberKey(chatID uuid.UUID) string {
	return fmt.Sprintf("chat:%s:members", chatID)
}

// MemberIDs returns the cached member list, loading it from the source on a miss
func (c *MemberCache) MemberIDs(ctx context.Context, chatID uuid.UUID) ([]uuid.UUID, error) {
	raw, err := c.client.SafeGet(ctx, memberKey(chatID)).Bytes()
	if err == nil {
		var members []uuid.UUID
		if err := json.Unmarshal(raw, &members); err == nil {
			return members, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		logger.FromContext(ctx).Debug("Member cache read failed", zap.Error(err))
	}

	members, err := c.source.MemberIDs(ctx, chatID)
	if err != nil {
		return nil, err
	}

	if payload, err := json.Marshal(members); err == nil {
		if err := c.client.SafeSet(ctx, memberKey(chatID), payload, c.ttl).Err(); err != nil {
			logger.FromContext(ctx).Debug("Member cache write failed", zap.Error(err))
		}
	}

	return members, nil
}

// Invalidate drops the cached list of chatID
func (c *MemberCache) Invalidate(ctx context.Context, chatID uuid.UUID) error {
	if err := c.client.SafeDel(ctx, memberKey(chatID)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate chat members: %w", err)
	}
	return nil
}
