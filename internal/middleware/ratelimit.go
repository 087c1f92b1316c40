package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/makeanote/api/pkg/response"
	"github.com/redis/go-redis/v9"
)

type RateLimiter struct {
	redis redis.Cmdable
}

func NewRateLimiter(redisClient redis.Cmdable) *RateLimiter {
	return &RateLimiter{redis: redisClient}
}

// Limit creates a fixed-window rate limiting middleware. A zero max disables it.
func (rl *RateLimiter) Limit(keyPrefix string, maxRequests int, window time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if maxRequests <= 0 {
			return c.Next()
		}

		key := fmt.Sprintf("ratelimit:%s:%s", keyPrefix, Subject(c))
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		count, err := rl.redis.Incr(ctx, key).Result()
		if err != nil {
			// Fail open.
			slog.Warn("rate limiter unavailable", slog.String("key", key), slog.Any("error", err))
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

// OutlineLimit guards the text generation endpoints.
func (rl *RateLimiter) OutlineLimit(maxPerMin int) fiber.Handler {
	return rl.Limit("outline", maxPerMin, time.Minute)
}

// ImageLimit guards image generation and regeneration.
func (rl *RateLimiter) ImageLimit(maxPerHour int) fiber.Handler {
	return rl.Limit("image", maxPerHour, time.Hour)
}

func (rl *RateLimiter) VideoLimit(maxPerHour int) fiber.Handler {
	return rl.Limit("video", maxPerHour, time.Hour)
}
