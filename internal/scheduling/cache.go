package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const cachePrefix = "scheduled:v1:"

// Cache holds read-through copies of scheduled transfers. Misses and
// backend errors are indistinguishable to callers.
type Cache interface {
	Get(ctx context.Context, id string) (Transfer, bool)
	Set(ctx context.Context, t Transfer)
	Evict(ctx context.Context, ids ...string)
}

// NopCache disables caching.
type NopCache struct{}

func (NopCache) Get(context.Context, string) (Transfer, bool) { return Transfer{}, false }
func (NopCache) Set(context.Context, Transfer)                {}
func (NopCache) Evict(context.Context, ...string)             {}

// RedisCache stores JSON copies of rows in Redis with a fixed TTL.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisCache builds a cache on client.
func NewRedisCache(client *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisCache{client: client, ttl: ttl, logger: logger}
}

func (c *RedisCache) Get(ctx context.Context, id string) (Transfer, bool) {
	raw, err := c.client.Get(ctx, cachePrefix+id).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("scheduled transfer cache read failed", slog.String("transfer_id", id), slog.Any("error", err))
		}
		return Transfer{}, false
	}
	var t Transfer
	if err := json.Unmarshal(raw, &t); err != nil {
		return Transfer{}, false
	}
	return t, true
}

func (c *RedisCache) Set(ctx context.Context, t Transfer) {
	raw, err := json.Marshal(t)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, cachePrefix+t.ID, raw, c.ttl).Err(); err != nil {
		c.logger.Warn("scheduled transfer cache write failed", slog.String("transfer_id", t.ID), slog.Any("error", err))
	}
}

func (c *RedisCache) Evict(ctx context.Context, ids ...string) {
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			keys = append(keys, cachePrefix+id)
		}
	}
	if len(keys) == 0 {
		return
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.logger.Warn("scheduled transfer cache evict failed", slog.Any("error", err))
	}
}
