package cache

import (
	"context"
	"errors"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// Cache is the caching interface. All cache operations go through here.
// Implementations must be safe for concurrent use.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
	Close() error
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

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// IncrWithExpiry increments key and refreshes its TTL atomically.
func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

// LocalCache implements Cache in process memory. Used when no Redis is
// configured; counters are per process.
type LocalCache struct {
	items *gocache.Cache
}

// NewLocalCache creates a LocalCache that sweeps expired items every cleanup interval.
func NewLocalCache(cleanup time.Duration) *LocalCache {
	return &LocalCache{items: gocache.New(gocache.NoExpiration, cleanup)}
}

func (c *LocalCache) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (c *LocalCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.items.Set(key, append([]byte(nil), value...), ttl)
	return nil
}

func (c *LocalCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, ok := c.items.Get(key)
	if !ok {
		return nil, false, nil
	}
	b, ok := v.([]byte)
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), b...), true, nil
}

func (c *LocalCache) Delete(ctx context.Context, key string) error {
	c.items.Delete(key)
	return nil
}

// IncrWithExpiry starts a window on first use. Unlike Redis, it does not
// extend the window on later increments.
func (c *LocalCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	if err := c.items.Add(key, int64(1), expiry); err == nil {
		return 1, nil
	}
	n, err := c.items.IncrementInt64(key, 1)
	if err != nil {
		// expired between Add and Increment
		c.items.Set(key, int64(1), expiry)
		return 1, nil
	}
	return n, nil
}

func (c *LocalCache) Close() error {
	c.items.Flush()
	return nil
}
