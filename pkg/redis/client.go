// Package redis wraps go-redis/v9 with the primitives the reconciler needs
// across processes: token-owned locks for passes and cache builds, and sets
// for the cleaner's per-version scan ledger.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/catalog-reconciler/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Client wraps a go-redis client.
type Client struct {
	rdb redis.UniversalClient
}

// NewClient creates a Redis client and verifies the connection with a PING.
func NewClient(cfg config.RedisConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, apperrors.Transient(fmt.Errorf("redis ping failed: %w", err))
	}
	return &Client{rdb: rdb}, nil
}

// releaseScript deletes the lock only if it still carries the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// TryLock sets key to token if it is absent. It reports false when another
// holder owns the key.
func (c *Client) TryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, classify(fmt.Errorf("acquiring lock %s: %w", key, err))
	}
	return ok, nil
}

// Unlock releases key if token still owns it. A lock that already expired
// or was taken over is left alone.
func (c *Client) Unlock(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, c.rdb, []string{key}, token).Err(); err != nil && !IsNilError(err) {
		return classify(fmt.Errorf("releasing lock %s: %w", key, err))
	}
	return nil
}

// SAdd adds members to the set at key and refreshes its TTL.
func (c *Client) SAdd(ctx context.Context, key string, ttl time.Duration, members ...any) error {
	pipe := c.rdb.TxPipeline()
	pipe.SAdd(ctx, key, members...)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return classify(fmt.Errorf("adding to set %s: %w", key, err))
	}
	return nil
}

func (c *Client) SIsMember(ctx context.Context, key string, member any) (bool, error) {
	ok, err := c.rdb.SIsMember(ctx, key, member).Result()
	if err != nil {
		return false, classify(fmt.Errorf("checking set %s: %w", key, err))
	}
	return ok, nil
}

func (c *Client) SCard(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.SCard(ctx, key).Result()
	if err != nil {
		return 0, classify(fmt.Errorf("counting set %s: %w", key, err))
	}
	return n, nil
}

// IsNilError reports whether err is a Redis nil (key-not-found) error.
func IsNilError(err error) bool {
	return errors.Is(err, redis.Nil)
}

// Close closes the underlying Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping sends a PING to Redis and returns any error.
func (c *Client) Ping(ctx context.Context) error {
	return classify(c.rdb.Ping(ctx).Err())
}

// classify treats every Redis failure other than a missing key as
// transient; the reconciler only uses Redis for coordination state.
func classify(err error) error {
	if err == nil || IsNilError(err) {
		return err
	}
	return apperrors.Transient(err)
}
