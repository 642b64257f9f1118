package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/internal/cachestate"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/internal/catalog"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/internal/catalog/httpstore"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/internal/catalog/memstore"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/internal/catalog/pgstore"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/internal/cleaner"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/internal/events"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/internal/lock"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/internal/matcher"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/internal/scheduler"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/internal/semindex"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/internal/semindex/memindex"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/internal/semindex/qdrant"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/pkg/ollama"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/pkg/postgres"
	pkgredis "github.com/Adithya-Monish-Kumar-K/catalog-reconciler/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/pkg/resilience"
	"github.com/prometheus/client_golang/prometheus"
)

const lockPrefix = "reconciler:lock:"

// app is the wired process: backends, the three pass components and the
// scheduler over them. Every command builds one and closes it on exit.
type app struct {
	cfg      *config.Config
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	checker  *health.Checker

	store  catalog.Store
	index  semindex.Index
	states cachestate.Store

	locker    lock.Locker
	ledger    cleaner.Ledger
	publisher events.Publisher

	initializer *cachestate.Initializer
	matcher     *matcher.Matcher
	cleaner     *cleaner.Cleaner
	scheduler   *scheduler.Scheduler

	breakers []*resilience.CircuitBreaker
	closers  []func() error
	logger   *slog.Logger
}

func newApp(cfg *config.Config) (*app, error) {
	registry := prometheus.NewRegistry()
	a := &app{
		cfg:       cfg,
		registry:  registry,
		metrics:   metrics.New(registry),
		checker:   health.NewChecker(),
		publisher: events.Nop{},
		logger:    slog.Default().With("component", "app"),
	}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	if err := a.openCatalog(); err != nil {
		return nil, err
	}
	if err := a.openIndex(); err != nil {
		return nil, err
	}
	if err := a.openRedis(); err != nil {
		return nil, err
	}
	if cfg.Kafka.Enabled {
		producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.ReconcileEvents)
		publisher := events.NewKafkaPublisher(producer, a.metrics)
		a.publisher = publisher
		a.onClose(publisher.Close)
		a.logger.Info("reconcile events enabled", "topic", cfg.Kafka.Topics.ReconcileEvents)
	}

	retry := resilience.RetryFromConfig(cfg.Retry)
	a.initializer = cachestate.NewInitializer(a.store, a.index, a.states, cachestate.Options{
		Retry:     retry,
		Locker:    a.locker,
		LockTTL:   cfg.Redis.LockTTL,
		Publisher: a.publisher,
		Metrics:   a.metrics,
	})
	a.matcher = matcher.New(a.store, a.index, a.initializer, matcher.Options{
		Config:    cfg.Matching,
		Retry:     retry,
		Publisher: a.publisher,
		Metrics:   a.metrics,
	})
	a.cleaner = cleaner.New(a.store, a.index, a.initializer, cleaner.Options{
		Config:    cfg.Cleaning,
		Retry:     retry,
		Ledger:    a.ledger,
		Publisher: a.publisher,
		Metrics:   a.metrics,
	})
	sched, err := scheduler.New(a.matcher, a.cleaner, a.initializer, scheduler.Options{
		Config:  cfg.Scheduler,
		Locker:  a.locker,
		LockTTL: cfg.Redis.LockTTL,
		Metrics: a.metrics,
	})
	if err != nil {
		return nil, err
	}
	a.scheduler = sched
	a.checker.Register("cache", a.initializer.HealthCheck())
	ok = true
	return a, nil
}

// openCatalog selects the catalog backend. Cache state lives in Postgres
// unless the catalog itself is in memory.
func (a *app) openCatalog() error {
	cfg := a.cfg
	if cfg.CatalogStore.Backend == "memory" {
		a.store = memstore.New()
		a.states = cachestate.NewMemoryStore(cachestate.State{})
		a.logger.Warn("using in-memory catalog and cache state; nothing survives a restart")
		return nil
	}

	db, err := postgres.New(cfg.Postgres)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	a.onClose(db.Close)
	a.checker.Register("postgres", health.PingCheck(db.Ping))
	a.states = cachestate.NewPostgresStore(db)

	switch cfg.CatalogStore.Backend {
	case "postgres":
		a.store = pgstore.New(db)
	case "http":
		a.store = httpstore.New(cfg.CatalogStore.HTTP, a.breaker("catalog-api"))
		a.logger.Info("using remote catalog api", "base_url", cfg.CatalogStore.HTTP.BaseURL)
	}
	return nil
}

func (a *app) openIndex() error {
	cfg := a.cfg.SemanticIndex
	if cfg.Backend == "memory" {
		a.index = memindex.New(nil)
		return nil
	}
	embedder := &guardedEmbedder{
		client:  ollama.NewEmbedClient(cfg.Embedder),
		breaker: a.breaker("embedder"),
	}
	idx, err := qdrant.New(cfg.Qdrant, embedder)
	if err != nil {
		return err
	}
	a.index = idx
	a.onClose(idx.Close)
	a.checker.Register("qdrant", health.PingCheck(idx.Ping))
	a.logger.Info("using qdrant index",
		"addr", cfg.Qdrant.Addr,
		"collection", cfg.Qdrant.Collection,
		"embed_model", cfg.Embedder.Model,
	)
	return nil
}

// openRedis wires the cross-process locks and the scan ledger. Without
// Redis both stay in-process.
func (a *app) openRedis() error {
	if !a.cfg.Redis.Enabled {
		a.ledger = cleaner.NewMemoryLedger()
		return nil
	}
	client, err := pkgredis.NewClient(a.cfg.Redis)
	if err != nil {
		return fmt.Errorf("redis enabled but unreachable: %w", err)
	}
	a.onClose(client.Close)
	a.locker = lock.NewRedisLocker(client, lockPrefix)
	a.ledger = cleaner.NewRedisLedger(client, a.cfg.Redis.LedgerTTL)
	a.checker.Register("redis", health.PingCheck(client.Ping))
	a.logger.Info("redis locks and scan ledger enabled", "addr", a.cfg.Redis.Addr)
	return nil
}

// migrate applies the schemas of the Postgres-backed components.
func (a *app) migrate(ctx context.Context) error {
	type migrator interface {
		Migrate(ctx context.Context) error
	}
	for _, c := range []any{a.store, a.states} {
		if m, ok := c.(migrator); ok {
			if err := m.Migrate(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// breaker builds a named circuit breaker whose state is exported as a gauge
// and which the ops API can reset.
func (a *app) breaker(name string) *resilience.CircuitBreaker {
	cbCfg := resilience.BreakerFromConfig(a.cfg.Breaker)
	gauge := a.metrics.CircuitBreakerState
	cbCfg.OnStateChange = func(name string, to resilience.State) {
		gauge.WithLabelValues(name).Set(float64(to))
	}
	gauge.WithLabelValues(name).Set(float64(resilience.StateClosed))
	cb := resilience.NewCircuitBreaker(name, cbCfg)
	a.breakers = append(a.breakers, cb)
	return cb
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// close releases resources in reverse order of acquisition.
func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// guardedEmbedder trips a breaker when the embedding endpoint keeps failing
// so an index rebuild stops hammering it.
type guardedEmbedder struct {
	client  *ollama.EmbedClient
	breaker *resilience.CircuitBreaker
}

func (g *guardedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return resilience.ExecuteValue(g.breaker, func() ([]float32, error) {
		return g.client.Embed(ctx, text)
	})
}
