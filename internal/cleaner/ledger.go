package cleaner

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/pkg/redis"
)

// Ledger remembers which catalog entries were already scanned at a given
// index version, so an interrupted cleaning pass resumes where it stopped.
type Ledger interface {
	Scanned(ctx context.Context, version, entryID int64) (bool, error)
	MarkScanned(ctx context.Context, version, entryID int64) error
}

type MemoryLedger struct {
	mu   sync.Mutex
	seen map[int64]map[int64]struct{}
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{seen: make(map[int64]map[int64]struct{})}
}

func (l *MemoryLedger) Scanned(_ context.Context, version, entryID int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.seen[version][entryID]
	return ok, nil
}

func (l *MemoryLedger) MarkScanned(_ context.Context, version, entryID int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	// Older versions are never consulted again.
	for v := range l.seen {
		if v < version {
			delete(l.seen, v)
		}
	}
	if l.seen[version] == nil {
		l.seen[version] = make(map[int64]struct{})
	}
	l.seen[version][entryID] = struct{}{}
	return nil
}

// RedisLedger keeps one set per index version. Sets expire after ttl, so
// stale versions clean themselves up.
type RedisLedger struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisLedger(client *redis.Client, ttl time.Duration) *RedisLedger {
	return &RedisLedger{client: client, prefix: "reconciler:cleaner:scanned", ttl: ttl}
}

func (l *RedisLedger) key(version int64) string {
	return fmt.Sprintf("%s:v%d", l.prefix, version)
}

func (l *RedisLedger) Scanned(ctx context.Context, version, entryID int64) (bool, error) {
	return l.client.SIsMember(ctx, l.key(version), strconv.FormatInt(entryID, 10))
}

func (l *RedisLedger) MarkScanned(ctx context.Context, version, entryID int64) error {
	return l.client.SAdd(ctx, l.key(version), l.ttl, strconv.FormatInt(entryID, 10))
}

// Progress reports how many entries were scanned at version.
func (l *RedisLedger) Progress(ctx context.Context, version int64) (int64, error) {
	return l.client.SCard(ctx, l.key(version))
}
