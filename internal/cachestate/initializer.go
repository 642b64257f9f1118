package cachestate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/internal/catalog"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/internal/events"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/internal/lock"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/internal/semindex"
	apperrors "github.com/Adithya-Monish-Kumar-K/catalog-reconciler/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/pkg/resilience"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/pkg/tracing"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

const buildLockKey = "cache-build"

var errInvalidatedDuringBuild = errors.New("cache invalidated during build")

type Options struct {
	Retry     resilience.RetryConfig
	Locker    lock.Locker // optional, for builds across processes
	LockTTL   time.Duration
	Publisher events.Publisher
	Metrics   *metrics.Metrics
}

// Initializer is the only writer of State. Builds are serialized by an
// in-process mutex and, when a Locker is configured, a cross-process lock.
type Initializer struct {
	catalog catalog.Store
	index   semindex.Index
	states  Store
	opts    Options

	buildMu  sync.Mutex
	building atomic.Bool
	loads    singleflight.Group
	now      func() time.Time
	logger   *slog.Logger
}

func NewInitializer(store catalog.Store, index semindex.Index, states Store, opts Options) *Initializer {
	if opts.Publisher == nil {
		opts.Publisher = events.Nop{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewUnregistered()
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 2 * time.Hour
	}
	return &Initializer{
		catalog: store,
		index:   index,
		states:  states,
		opts:    opts,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  slog.Default().With("component", "cache-initializer"),
	}
}

// Current loads the persisted state. Concurrent callers share one load.
func (i *Initializer) Current(ctx context.Context) (State, error) {
	v, err, _ := i.loads.Do("state", func() (any, error) {
		return resilience.RetryValue(ctx, "load cache state", i.opts.Retry, func() (State, error) {
			return i.states.Load(ctx)
		})
	})
	if err != nil {
		return State{}, fmt.Errorf("loading cache state: %w", err)
	}
	return v.(State), nil
}

// Building reports whether this process is rebuilding the index right now.
func (i *Initializer) Building() bool {
	return i.building.Load()
}

// InitializeCache brings the index in line with the catalog. Without force
// it is a no-op on an initialized cache. Any failure leaves the cache
// uninitialized and returns an error wrapping ErrCacheBuildFailed, or
// ErrBuildInProgress when another process holds the build lock.
func (i *Initializer) InitializeCache(ctx context.Context, force bool) (State, error) {
	if !force {
		st, err := i.Current(ctx)
		if err != nil {
			return st, fmt.Errorf("%w: %w", apperrors.ErrCacheBuildFailed, err)
		}
		if st.Initialized {
			return st, nil
		}
	}

	i.buildMu.Lock()
	defer i.buildMu.Unlock()

	if i.opts.Locker != nil {
		release, ok, err := i.opts.Locker.TryLock(ctx, buildLockKey, i.opts.LockTTL)
		if err != nil {
			i.opts.Metrics.CacheBuildsTotal.WithLabelValues("failed").Inc()
			return State{}, fmt.Errorf("%w: acquiring build lock: %w", apperrors.ErrCacheBuildFailed, err)
		}
		if !ok {
			i.opts.Metrics.CacheBuildsTotal.WithLabelValues("busy").Inc()
			st, _ := i.states.Load(ctx)
			return st, apperrors.ErrBuildInProgress
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				i.logger.Warn("releasing build lock failed", "error", err)
			}
		}()
	}

	// Another build may have finished while we waited for the locks.
	st, err := resilience.RetryValue(ctx, "load cache state", i.opts.Retry, func() (State, error) {
		return i.states.Load(ctx)
	})
	if err != nil {
		i.opts.Metrics.CacheBuildsTotal.WithLabelValues("failed").Inc()
		return State{}, fmt.Errorf("%w: %w", apperrors.ErrCacheBuildFailed, err)
	}
	if !force && st.Initialized {
		return st, nil
	}

	i.building.Store(true)
	defer i.building.Store(false)

	if st.Initialized {
		st.Initialized = false
		if err := i.save(ctx, st); err != nil {
			i.opts.Metrics.CacheBuildsTotal.WithLabelValues("failed").Inc()
			return st, fmt.Errorf("%w: invalidating before rebuild: %w", apperrors.ErrCacheBuildFailed, err)
		}
		i.opts.Metrics.CacheInitialized.Set(0)
	}

	built, err := i.build(ctx, st)
	if err != nil {
		i.opts.Metrics.CacheBuildsTotal.WithLabelValues("failed").Inc()
		i.logger.Error("cache build failed",
			"force", force,
			"index_version", st.IndexVersion,
			"error", err,
		)
		return st, fmt.Errorf("%w: %w", apperrors.ErrCacheBuildFailed, err)
	}

	events.Emit(ctx, i.opts.Publisher, events.Event{
		Type: events.TypeCacheRebuilt,
		Key:  strconv.FormatInt(built.IndexVersion, 10),
		Payload: events.CacheRebuilt{
			IndexVersion: built.IndexVersion,
			CorpusSize:   built.CorpusSize,
			Forced:       force,
			BuiltAt:      *built.LastFullIndexAt,
		},
	})
	return built, nil
}

func (i *Initializer) build(ctx context.Context, prev State) (State, error) {
	start := time.Now()
	ctx, span := tracing.Start(ctx, "cache-build", uuid.NewString())
	span.Set("from_version", prev.IndexVersion)
	defer span.Log(i.logger)

	_, fetch := tracing.Child(ctx, "fetch-catalog")
	entries, err := resilience.RetryValue(ctx, "fetch catalog", i.opts.Retry, func() ([]catalog.CatalogEntry, error) {
		return i.catalog.FetchAllCatalogEntries(ctx)
	})
	fetch.Set("entries", len(entries))
	fetch.End()
	if err != nil {
		span.Set("error", err.Error())
		return prev, fmt.Errorf("fetching catalog: %w", err)
	}
	if len(entries) == 0 {
		span.Set("error", apperrors.ErrEmptyCatalog.Error())
		return prev, apperrors.ErrEmptyCatalog
	}

	docs := make([]semindex.Document, len(entries))
	ids := make([]int64, len(entries))
	for n, e := range entries {
		docs[n] = semindex.Document{ID: e.ID, Text: e.CanonicalText}
		ids[n] = e.ID
	}
	_, indexing := tracing.Child(ctx, "index-corpus")
	err = resilience.Retry(ctx, "index corpus", i.opts.Retry, func() error {
		return i.index.IndexCorpus(ctx, docs)
	})
	indexing.End()
	if err != nil {
		span.Set("error", err.Error())
		return prev, fmt.Errorf("indexing %d entries: %w", len(docs), err)
	}

	_, saving := tracing.Child(ctx, "persist")
	defer saving.End()
	cur, err := resilience.RetryValue(ctx, "load cache state", i.opts.Retry, func() (State, error) {
		return i.states.Load(ctx)
	})
	if err != nil {
		span.Set("error", err.Error())
		return prev, fmt.Errorf("re-reading cache state: %w", err)
	}
	now := i.now()
	next := State{
		Initialized:     true,
		IndexVersion:    prev.IndexVersion + 1,
		LastFullIndexAt: &now,
		CorpusSize:      len(docs),
		Generation:      prev.Generation,
	}
	if cur.Generation != prev.Generation {
		// Invalidated after the catalog was read; the corpus may miss that
		// change, so the new index stays unpublished.
		next.Initialized = false
		next.LastFullIndexAt = prev.LastFullIndexAt
		next.Generation = cur.Generation
		if err := i.save(ctx, next); err != nil {
			span.Set("error", err.Error())
			return prev, fmt.Errorf("persisting stale state: %w", err)
		}
		span.Set("error", errInvalidatedDuringBuild.Error())
		i.logger.Warn("cache invalidated during build, leaving it uninitialized",
			"index_version", next.IndexVersion,
			"generation", next.Generation,
		)
		return next, errInvalidatedDuringBuild
	}
	if err := i.save(ctx, next); err != nil {
		span.Set("error", err.Error())
		return prev, fmt.Errorf("persisting state: %w", err)
	}
	span.Set("index_version", next.IndexVersion)

	if err := i.catalog.MarkCatalogIndexed(ctx, ids, now); err != nil {
		i.logger.Warn("marking catalog entries indexed failed", "entries", len(ids), "error", err)
	}

	elapsed := time.Since(start)
	i.opts.Metrics.CacheBuildsTotal.WithLabelValues("success").Inc()
	i.opts.Metrics.CacheBuildDuration.Observe(elapsed.Seconds())
	i.opts.Metrics.CacheInitialized.Set(1)
	i.opts.Metrics.IndexVersion.Set(float64(next.IndexVersion))
	i.opts.Metrics.CorpusSize.Set(float64(next.CorpusSize))
	i.logger.Info("cache built",
		"index_version", next.IndexVersion,
		"entries", len(docs),
		"duration", elapsed,
	)
	return next, nil
}

// Invalidate marks the cache stale and moves its generation, so a build
// that read the catalog earlier cannot publish. The next scheduled pass
// rebuilds it.
func (i *Initializer) Invalidate(ctx context.Context, reason string) error {
	i.buildMu.Lock()
	defer i.buildMu.Unlock()

	st, wasInitialized, err := i.markStale(ctx)
	if err != nil {
		return err
	}
	if !wasInitialized {
		i.logger.Debug("cache already stale", "reason", reason, "generation", st.Generation)
		return nil
	}
	i.opts.Metrics.CacheInitialized.Set(0)
	i.logger.Info("cache invalidated", "reason", reason, "index_version", st.IndexVersion, "generation", st.Generation)
	events.Emit(ctx, i.opts.Publisher, events.Event{
		Type:    events.TypeCacheInvalidated,
		Key:     strconv.FormatInt(st.IndexVersion, 10),
		Payload: events.CacheInvalidated{IndexVersion: st.IndexVersion, Reason: reason, At: i.now()},
	})
	return nil
}

// markStale clears Initialized and bumps Generation. A save that loses to a
// concurrent writer is retried against the fresh state.
func (i *Initializer) markStale(ctx context.Context) (State, bool, error) {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		var st State
		st, err = resilience.RetryValue(ctx, "load cache state", i.opts.Retry, func() (State, error) {
			return i.states.Load(ctx)
		})
		if err != nil {
			return st, false, fmt.Errorf("loading cache state: %w", err)
		}
		was := st.Initialized
		st.Initialized = false
		st.Generation++
		if err = i.save(ctx, st); err == nil {
			return st, was, nil
		}
		if !errors.Is(err, ErrStaleWrite) {
			return st, false, err
		}
	}
	return State{}, false, err
}

func (i *Initializer) save(ctx context.Context, st State) error {
	return resilience.Retry(ctx, "save cache state", i.opts.Retry, func() error {
		return i.states.Save(ctx, st)
	})
}

// HealthCheck reports degraded while the cache is uninitialized.
func (i *Initializer) HealthCheck() health.Check {
	return func(ctx context.Context) health.ComponentHealth {
		st, err := i.states.Load(ctx)
		switch {
		case err != nil:
			return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
		case i.Building():
			return health.ComponentHealth{Status: health.StatusDegraded, Message: "rebuild in progress"}
		case !st.Initialized:
			return health.ComponentHealth{Status: health.StatusDegraded, Message: "semantic cache not initialized"}
		default:
			return health.ComponentHealth{Status: health.StatusUp, Message: "index version " + strconv.FormatInt(st.IndexVersion, 10)}
		}
	}
}

// IsBusy reports whether err means another build holds the lock.
func IsBusy(err error) bool {
	return errors.Is(err, apperrors.ErrBuildInProgress)
}
