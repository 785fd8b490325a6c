package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"chatcall-backend/internal/database"
	"chatcall-backend/internal/domain"
)

// UserChannel is the pub/sub channel a user's socket connection subscribes to
func UserChannel(userID uuid.UUID) string {
	return fmt.Sprintf("user:%s:calls", userID)
}

// RedisSink publishes each event on the channel of every recipient
type RedisSink struct {
	client *database.RedisClient
}

func NewRedisSink(client *database.RedisClient) *RedisSink {
	return &RedisSink{client: client}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Publish(ctx context.Context, event domain.CallEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal call event: %w", err)
	}

	var errs []error
	for _, recipient := range event.Recipients {
		if err := s.client.SafePublish(ctx, UserChannel(recipient), payload).Err(); err != nil {
			errs = append(errs, fmt.Errorf("publish to %s: %w", recipient, err))
		}
	}
	return errors.Join(errs...)
}
