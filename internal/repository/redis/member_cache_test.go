package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcall-backend/internal/database"
)

type countingSource struct {
	members []uuid.UUID
	err     error
	calls   int
}

func (s *countingSource) MemberIDs(context.Context, uuid.UUID) ([]uuid.UUID, error) {
	s.calls++
	return s.members, s.err
}

func newCache(t *testing.T, source MemberSource) (*miniredis.Miniredis, *database.RedisClient, *MemberCache) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := database.NewRedisClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return mr, client, NewMemberCache(client, source, time.Minute)
}

func TestMemberCache_HitAfterMiss(t *testing.T) {
	source := &countingSource{members: []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}}
	mr, _, cache := newCache(t, source)
	chatID := uuid.New()

	got, err := cache.MemberIDs(context.Background(), chatID)
	require.NoError(t, err)
	assert.Equal(t, source.members, got)

	got, err = cache.MemberIDs(context.Background(), chatID)
	require.NoError(t, err)
	assert.Equal(t, source.members, got)
	assert.Equal(t, 1, source.calls)

	mr.FastForward(2 * time.Minute)
	_, err = cache.MemberIDs(context.Background(), chatID)
	require.NoError(t, err)
	assert.Equal(t, 2, source.calls)

	require.NoError(t, cache.Invalidate(context.Background(), chatID))
	_, err = cache.MemberIDs(context.Background(), chatID)
	require.NoError(t, err)
	assert.Equal(t, 3, source.calls)
}

func TestMemberCache_DegradedFallsThrough(t *testing.T) {
	source := &countingSource{members: []uuid.UUID{uuid.New()}}
	mr, client, cache := newCache(t, source)

	mr.Close()
	require.Error(t, client.HealthCheck(context.Background()))

	for i := 0; i < 2; i++ {
		got, err := cache.MemberIDs(context.Background(), uuid.New())
		require.NoError(t, err)
		assert.Equal(t, source.members, got)
	}
	assert.Equal(t, 2, source.calls)
}

func TestMemberCache_SourceError(t *testing.T) {
	source := &countingSource{err: errors.New("db down")}
	_, _, cache := newCache(t, source)

	_, err := cache.MemberIDs(context.Background(), uuid.New())
	assert.Error(t, err)
}
