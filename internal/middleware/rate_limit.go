package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

const rateLimitPrefix = "rl:v1:"

// RateLimit allows at most max requests per window for each requester within
// scope. Requests are keyed by the authenticated user, falling back to the
// client IP. Without Redis, or when Redis fails, requests pass through.
func RateLimit(cache *redis.Client, scope string, max int, window time.Duration, logger *slog.Logger) fiber.Handler {
	if max <= 0 {
		max = 5
	}
	if window <= 0 {
		window = time.Minute
	}
	return func(c *fiber.Ctx) error {
		if cache == nil {
			return c.Next()
		}
		who, _ := c.Locals("user_id").(string)
		if who == "" {
			who = c.IP()
		}
		key := fmt.Sprintf("%s%s:%s", rateLimitPrefix, scope, who)

		ctx := c.UserContext()
		cnt, err := cache.Incr(ctx, key).Result()
		if err == nil && cnt == 1 {
			err = cache.Expire(ctx, key, window).Err()
		}
		if err != nil {
			if logger != nil {
				logger.Warn("rate limit check failed", slog.String("scope", scope), slog.Any("error", err))
			}
			return c.Next()
		}
		if cnt > int64(max) {
			return fiber.NewError(http.StatusTooManyRequests, "too many attempts, try again later")
		}
		return c.Next()
	}
}
