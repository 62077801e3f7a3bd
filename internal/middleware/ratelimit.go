package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/redis/go-redis/v9"

	"github.com/jamcrm/api/internal/logger"
	"github.com/jamcrm/api/pkg/response"
)

// RateLimiter counts requests per client IP in fixed windows. With a Redis
// client the counters are shared by every instance; without one they live
// in process memory.
type RateLimiter struct {
	redis *redis.Client
	log   *logger.Logger
}

func NewRateLimiter(redisClient *redis.Client, log *logger.Logger) *RateLimiter {
	return &RateLimiter{redis: redisClient, log: log}
}

// Limit creates a rate limiting middleware
func (rl *RateLimiter) Limit(keyPrefix string, maxRequests int, window time.Duration) fiber.Handler {
	if rl.redis == nil {
		return limiter.New(limiter.Config{
			Max:        maxRequests,
			Expiration: window,
			KeyGenerator: func(c *fiber.Ctx) string {
				return keyPrefix + ":" + c.IP()
			},
			LimitReached: func(c *fiber.Ctx) error {
				return response.RateLimited(c)
			},
		})
	}

	return func(c *fiber.Ctx) error {
		key := fmt.Sprintf("ratelimit:%s:%s", keyPrefix, c.IP())
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		count, err := rl.redis.Incr(ctx, key).Result()
		if err != nil {
			// Fail open: an unavailable Redis must not block moves.
			rl.log.Warn("rate limiter unavailable", "error", err)
			return c.Next()
		}

		if count == 1 {
			rl.redis.Expire(ctx, key, window)
		}

		if count > int64(maxRequests) {
			ttl, _ := rl.redis.TTL(ctx, key).Result()
			c.Set("Retry-After", fmt.Sprintf("%d", int(ttl.Seconds())))
			return response.RateLimited(c)
		}

		c.Set("X-RateLimit-Limit", fmt.Sprintf("%d", maxRequests))
		c.Set("X-RateLimit-Remaining", fmt.Sprintf("%d", maxRequests-int(count)))

		return c.Next()
	}
}

// BulkMoveLimit limits job submissions per client per minute.
func (rl *RateLimiter) BulkMoveLimit(maxPerMin int) fiber.Handler {
	return rl.Limit("bulk-move", maxPerMin, time.Minute)
}
