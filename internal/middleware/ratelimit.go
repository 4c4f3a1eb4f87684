package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"skillswap-backend/internal/database"
	"skillswap-backend/pkg/logger"
)

// RateLimiter is a fixed-window limiter backed by Redis
type RateLimiter struct {
	redis    *database.RedisClient
	requests int
	window   time.Duration
	now      func() time.Time
}

// NewRateLimiter allows requests per window for each caller
func NewRateLimiter(redisClient *database.RedisClient, requests int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		redis:    redisClient,
		requests: requests,
		window:   window,
		now:      time.Now,
	}
}

// Middleware limits by the "user_id" context value, falling back to the
// client IP
func (rl *RateLimiter) Middleware(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		identifier := "ip:" + c.ClientIP()
		if userID := c.GetString("user_id"); userID != "" {
			identifier = "user:" + userID
		}

		allowed, remaining, resetAt, err := rl.check(c.Request.Context(), scope, identifier)
		if err != nil {
			// Fail open while Redis is unavailable
			logger.Debug("Rate limit check skipped", zap.String("scope", scope), zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.requests))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(resetAt, 10))

		if !allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":    "Rate limit exceeded",
				"limit":    rl.requests,
				"reset_at": resetAt,
			})
			return
		}

		c.Next()
	}
}

func (rl *RateLimiter) check(ctx context.Context, scope, identifier string) (bool, int, int64, error) {
	windowSeconds := int64(rl.window / time.Second)
	if windowSeconds <= 0 {
		windowSeconds = 1
	}
	windowStart := rl.now().Unix() / windowSeconds * windowSeconds
	key := fmt.Sprintf("ratelimit:%s:%s:%d", scope, identifier, windowStart)

	if rl.redis.IsDegraded() {
		return false, 0, 0, fmt.Errorf("redis degraded")
	}
	pipe := rl.redis.Client.TxPipeline()
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
