package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chatcall-backend/internal/database"
	"chatcall-backend/pkg/logger"
	"chatcall-backend/pkg/response"
)

// RateLimiter counts requests per authenticated user in fixed Redis windows.
// It fails open while Redis is degraded.
type RateLimiter struct {
	client   *database.RedisClient
	scope    string
	requests int
	window   time.Duration
	now      func() time.Time
}

// NewRateLimiter allows requests per window for every user, in scope.
// scope keeps counters of different routes apart.
func NewRateLimiter(client *database.RedisClient, scope string, requests int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client:   client,
		scope:    scope,
		requests: requests,
		window:   window,
		now:      time.Now,
	}
}

// Middleware returns a Gin middleware for rate limiting. It must run after
// AuthMiddleware; anonymous requests pass through.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := UserID(c)
		if !ok || rl.requests <= 0 {
			c.Next()
			return
		}

		allowed, remaining, resetAt, err := rl.check(c.Request.Context(), userID.String())
		if err != nil {
			logger.FromContext(c.Request.Context()).Warn("Rate limit check failed, allowing request",
				zap.String("scope", rl.scope),
				zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.requests))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(resetAt, 10))

		if !allowed {
			response.Error(c, http.StatusTooManyRequests, "RATE_LIMITED", "Rate limit exceeded")
			c.Abort()
			return
		}

		c.Next()
	}
}

func (rl *RateLimiter) check(ctx context.Context, identifier string) (bool, int, int64, error) {
	if rl.client.IsDegraded() {
		return false, 0, 0, fmt.Errorf("redis is in degraded mode")
	}

	windowSeconds := int64(rl.window.Seconds())
	if windowSeconds <= 0 {
		windowSeconds = 1
	}
	windowStart := rl.now().Unix() / windowSeconds * windowSeconds
	key := fmt.Sprintf("ratelimit:%s:%s:%d", rl.scope, identifier, windowStart)

	pipe := rl.client.Client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, rl.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, 0, fmt.Errorf("failed to increment rate limit: %w", err)
	}

	count := int(incr.Val())
	remaining := rl.requests - count
	if remaining < 0 {
		remaining = 0
	}

	return count <= rl.requests, remaining, windowStart + windowSeconds, nil
}
