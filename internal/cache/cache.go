package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned when a key does not exist.
var ErrMiss = errors.New("cache: miss")

// Cache wraps the Redis client used for rate counters, step-up grants and
// reset lockouts. All operations carry a bounded timeout so a slow backend
// degrades to an error instead of blocking requests.
type Cache struct {
	client  *redis.Client
	timeout time.Duration
}

// New constructs a Cache around an existing client.
func New(client *redis.Client) *Cache {
	return &Cache{client: client, timeout: 2 * time.Second}
}

// Open dials Redis at addr and verifies connectivity lazily.
func Open(addr, password string, db int) *Cache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return New(client)
}

// Close releases the underlying client.
func (c *Cache) Close() error { return c.client.Close() }

// Ping verifies connectivity for readiness checks.
func (c *Cache) Ping(ctx context.Context) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.client.Ping(ctx).Err()
}

// GetJSON loads a JSON value into dest. Missing keys return ErrMiss.
func (c *Cache) GetJSON(ctx context.Context, key string, dest any) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return ErrMiss
	}
	if err != nil {
		return fmt.Errorf("cache get %s: %w", key, err)
	}
	return json.Unmarshal([]byte(val), dest)
}

// SetJSON stores a JSON value with a TTL.
func (c *Cache) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal value: %w", err)
	}
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.client.Set(ctx, key, data, ttl).Err()
}

// IncrWindow atomically increments key and, when this call created it, applies
// the window TTL. The increment and expiry run in one pipeline so concurrent
// callers cannot observe an unexpiring counter.
func (c *Cache) IncrWindow(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("cache incr %s: %w", key, err)
	}
	return incr.Val(), nil
}

// Delete removes keys.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.client.Del(ctx, keys...).Err()
}

func (c *Cache) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}
