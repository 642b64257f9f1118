// Package lock provides non-blocking, TTL-bounded locks used to keep passes
// and cache builds single-flight across reconciler processes.
package lock

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/pkg/redis"
	"github.com/google/uuid"
)

// Release frees a held lock.
type Release func(ctx context.Context) error

// Locker tries to take key without waiting. acquired is false when someone
// else holds it.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (release Release, acquired bool, err error)
}

// RedisLocker stores a random token under key with SET NX and releases only
// its own token.
type RedisLocker struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

func NewRedisLocker(client *redis.Client, prefix string) *RedisLocker {
	return &RedisLocker{
		client: client,
		prefix: prefix,
		logger: slog.Default().With("component", "redis-locker"),
	}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (Release, bool, error) {
	full := l.prefix + key
	token := uuid.NewString()
	ok, err := l.client.TryLock(ctx, full, token, ttl)
	if err != nil || !ok {
		return nil, false, err
	}
	l.logger.Debug("lock acquired", "key", full, "ttl", ttl)
	return func(ctx context.Context) error {
		return l.client.Unlock(ctx, full, token)
	}, true, nil
}

// Local is an in-process Locker. TTLs are ignored.
type Local struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocal() *Local {
	return &Local{held: make(map[string]struct{})}
}

func (l *Local) TryLock(_ context.Context, key string, _ time.Duration) (Release, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[key]; busy {
		return nil, false, nil
	}
	l.held[key] = struct{}{}
	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
		return nil
	}, true, nil
}
