package storage

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

// Cache wraps a Membership with a Redis read-through cache.
type Cache struct {
	base  Membership
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching Membership using the provided Redis client and TTL.
func NewCache(base Membership, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base membership is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func (c *Cache) ProjectIDs(ctx context.Context, userID string) ([]string, error) {
	if ids, ok := c.load(ctx, userID); ok {
		return ids, nil
	}
	ids, err := c.base.ProjectIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	c.store(ctx, userID, ids)
	return ids, nil
}

// Evict drops the cached membership of userID, typically after a project
// membership mutation.
func (c *Cache) Evict(ctx context.Context, userID string) {
	if c.redis == nil {
		return
	}
	_ = c.redis.Del(ctx, membershipCacheKey(userID)).Err()
}

func (c *Cache) load(ctx context.Context, userID string) ([]string, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, membershipCacheKey(userID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing store without failing.
			_ = c.redis.Del(ctx, membershipCacheKey(userID)).Err()
		}
		return nil, false
	}
	var ids []string
	if err := sonic.ConfigStd.Unmarshal(data, &ids); err != nil {
		_ = c.redis.Del(ctx, membershipCacheKey(userID)).Err()
		return nil, false
	}
	return ids, true
}

func (c *Cache) store(ctx context.Context, userID string, ids []string) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := sonic.ConfigStd.Marshal(ids)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, membershipCacheKey(userID), data, c.ttl).Err()
}

func membershipCacheKey(userID string) string {
	return "members:" + userID
}
