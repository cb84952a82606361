package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is the caching interface. All cache operations go through here.
// Implementations must be safe for concurrent use.
type Cache interface {
	Ping(ctx context.Context) error

	// Identity cache: business key -> remote employee id, rebuilt from
	// a bulk listing at the start of every step. Stale entries are
	// acceptable because unmatched keys fall back to a remote search.
	ReplaceIdentityMap(ctx context.Context, entries map[string]string, ttl time.Duration) error
	GetIdentity(ctx context.Context, businessKey string) (string, bool, error)
	SetIdentity(ctx context.Context, businessKey, remoteID string) error
	DropIdentityMap(ctx context.Context) error

	SetJobStatus(ctx context.Context, status string, ttl time.Duration) error
	GetJobStatus(ctx context.Context) (string, bool, error)

	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
}

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// ReplaceIdentityMap atomically swaps the identity hash for a fresh
// snapshot. The swap goes through a temporary key so readers never see
// a partially built map.
func (c *RedisCache) ReplaceIdentityMap(ctx context.Context, entries map[string]string, ttl time.Duration) error {
	tmp := IdentityMapKey() + ":building"

	pipe := c.client.TxPipeline()
	pipe.Del(ctx, tmp)
	if len(entries) > 0 {
		flat := make([]any, 0, len(entries)*2)
		for k, v := range entries {
			flat = append(flat, k, v)
		}
		pipe.HSet(ctx, tmp, flat...)
		pipe.Expire(ctx, tmp, ttl)
		pipe.Rename(ctx, tmp, IdentityMapKey())
	} else {
		pipe.Del(ctx, IdentityMapKey())
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (c *RedisCache) GetIdentity(ctx context.Context, businessKey string) (string, bool, error) {
	val, err := c.client.HGet(ctx, IdentityMapKey(), businessKey).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// SetIdentity backfills a single entry found via remote search.
func (c *RedisCache) SetIdentity(ctx context.Context, businessKey, remoteID string) error {
	return c.client.HSet(ctx, IdentityMapKey(), businessKey, remoteID).Err()
}

func (c *RedisCache) DropIdentityMap(ctx context.Context) error {
	return c.client.Del(ctx, IdentityMapKey()).Err()
}

func (c *RedisCache) SetJobStatus(ctx context.Context, status string, ttl time.Duration) error {
	return c.client.Set(ctx, JobStatusKey(), status, ttl).Err()
}

func (c *RedisCache) GetJobStatus(ctx context.Context) (string, bool, error) {
	val, err := c.client.Get(ctx, JobStatusKey()).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}
