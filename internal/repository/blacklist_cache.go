package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	appErrors "github.com/noah-isme/recipe-auth-api/pkg/errors"
)

const blacklistKeyPrefix = "auth:blacklist:"

// BlacklistCache keeps revoked token keys in Redis so the middleware can skip
// the database for them. Only positive entries are cached; a miss means the
// caller must consult the database. A nil client disables the cache.
type BlacklistCache struct {
	client *redis.Client
}

// NewBlacklistCache constructs a blacklist cache. client may be nil.
func NewBlacklistCache(client *redis.Client) *BlacklistCache {
	return &BlacklistCache{client: client}
}

// Contains returns true when the key is cached, ErrCacheMiss otherwise.
func (c *BlacklistCache) Contains(ctx context.Context, tokenKey string) (bool, error) {
	if c == nil || c.client == nil {
		return false, appErrors.ErrCacheMiss
	}

	n, err := c.client.Exists(ctx, blacklistKeyPrefix+tokenKey).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	if n == 0 {
		return false, appErrors.ErrCacheMiss
	}
	return true, nil
}

// Add caches the key until the token it stands for expires.
func (c *BlacklistCache) Add(ctx context.Context, tokenKey string, ttl time.Duration) error {
	if c == nil || c.client == nil || ttl <= 0 {
		return nil
	}

	if err := c.client.Set(ctx, blacklistKeyPrefix+tokenKey, 1, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
