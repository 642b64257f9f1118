// Package cleaner scans the catalog for near-duplicate entries and files
// merge suggestions for human review. It never merges anything itself.
package cleaner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/internal/cachestate"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/internal/catalog"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/internal/events"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/internal/pass"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/internal/semindex"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/pkg/resilience"
)

// CacheBuilder is the part of cachestate.Initializer the cleaner drives.
type CacheBuilder interface {
	Current(ctx context.Context) (cachestate.State, error)
	InitializeCache(ctx context.Context, force bool) (cachestate.State, error)
	Building() bool
}

type CleanReport struct {
	PassID       string      `json:"pass_id"`
	Status       pass.Status `json:"status"`
	Reindexed    bool        `json:"reindexed"`
	IndexVersion int64       `json:"index_version"`
	// Scanned counts entries queried in this pass; Skipped counts entries
	// already scanned at this index version by an earlier pass. Deferred
	// counts entries left for the next pass because a rebuild started.
	Scanned         int           `json:"scanned"`
	Skipped         int           `json:"skipped"`
	Deferred        int           `json:"deferred"`
	SuggestedMerges int           `json:"suggested_merges"`
	AlreadyPending  int           `json:"already_pending"`
	Failed          int           `json:"failed"`
	StartedAt       time.Time     `json:"started_at"`
	Elapsed         time.Duration `json:"elapsed_ns"`
	Error           string        `json:"error,omitempty"`
}

type Options struct {
	Config    config.CleaningConfig
	Retry     resilience.RetryConfig
	Ledger    Ledger
	Publisher events.Publisher
	Metrics   *metrics.Metrics
}

type Cleaner struct {
	store   catalog.Store
	index   semindex.Index
	cache   CacheBuilder
	cfg     config.CleaningConfig
	retry   resilience.RetryConfig
	ledger  Ledger
	pub     events.Publisher
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(store catalog.Store, index semindex.Index, cache CacheBuilder, opts Options) *Cleaner {
	if opts.Ledger == nil {
		opts.Ledger = NewMemoryLedger()
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Nop{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewUnregistered()
	}
	if opts.Config.TopK <= 0 {
		opts.Config.TopK = 5
	}
	return &Cleaner{
		store:   store,
		index:   index,
		cache:   cache,
		cfg:     opts.Config,
		retry:   opts.Retry,
		ledger:  opts.Ledger,
		pub:     opts.Publisher,
		metrics: opts.Metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// RunCleaningPass rebuilds the index when asked to (or when it was never
// built) and then looks for a duplicate of every entry not yet scanned at
// the current index version.
func (c *Cleaner) RunCleaningPass(ctx context.Context, forceReindex bool) CleanReport {
	report := CleanReport{
		PassID:    pass.NewID(),
		Status:    pass.StatusCompleted,
		StartedAt: c.now(),
	}
	ctx = logger.WithPassID(ctx, report.PassID)
	log := logger.FromContext(ctx).With("component", "cleaner")

	if c.cfg.PassTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.PassTimeout)
		defer cancel()
	}

	c.run(ctx, log, forceReindex, &report)

	report.Elapsed = time.Since(report.StartedAt)
	pass.Observe(c.metrics, pass.Cleaning, report.Status, report.Elapsed)
	log.Info("cleaning pass finished",
		"status", report.Status,
		"reindexed", report.Reindexed,
		"index_version", report.IndexVersion,
		"scanned", report.Scanned,
		"skipped", report.Skipped,
		"deferred", report.Deferred,
		"suggested_merges", report.SuggestedMerges,
		"failed", report.Failed,
		"elapsed", report.Elapsed,
	)
	events.Emit(ctx, c.pub, events.Event{
		Type: events.TypePassCompleted,
		Key:  report.PassID,
		Payload: events.PassCompleted{
			Pass:   pass.Cleaning,
			PassID: report.PassID,
			Status: string(report.Status),
			Report: report,
		},
	})
	return report
}

func (c *Cleaner) run(ctx context.Context, log *slog.Logger, forceReindex bool, report *CleanReport) {
	st, err := c.cache.Current(ctx)
	if err != nil {
		c.fail(log, report, fmt.Errorf("reading cache state: %w", err))
		return
	}

	switch {
	case forceReindex || st.LastFullIndexAt == nil:
		st, err = c.cache.InitializeCache(ctx, true)
		if err != nil {
			c.fail(log, report, fmt.Errorf("reindexing catalog: %w", err))
			return
		}
		report.Reindexed = true
	case !st.Initialized:
		prev := st.IndexVersion
		st, err = c.cache.InitializeCache(ctx, false)
		if err != nil {
			c.fail(log, report, fmt.Errorf("rebuilding stale cache: %w", err))
			return
		}
		report.Reindexed = st.IndexVersion != prev
	}
	report.IndexVersion = st.IndexVersion

	pending, err := resilience.RetryValue(ctx, "list pending merges", c.retry, func() ([]catalog.MergeSuggestion, error) {
		return c.store.ListPendingMergeSuggestions(ctx)
	})
	if err != nil {
		c.fail(log, report, fmt.Errorf("listing pending merge suggestions: %w", err))
		return
	}
	covered := make(map[catalog.Pair]struct{}, len(pending))
	for _, m := range pending {
		covered[m.Pair()] = struct{}{}
	}

	entries, err := resilience.RetryValue(ctx, "fetch catalog", c.retry, func() ([]catalog.CatalogEntry, error) {
		return c.store.FetchAllCatalogEntries(ctx)
	})
	if err != nil {
		c.fail(log, report, fmt.Errorf("fetching catalog: %w", err))
		return
	}

	for n, e := range entries {
		if err := ctx.Err(); err != nil {
			c.fail(log, report, fmt.Errorf("pass budget exhausted after %d entries: %w", report.Scanned+report.Skipped, err))
			return
		}
		ok, err := c.stillReady(ctx, st.IndexVersion)
		if err != nil {
			c.fail(log, report, fmt.Errorf("re-reading cache state: %w", err))
			return
		}
		if !ok {
			// Unscanned entries stay out of the ledger, so the next pass
			// picks them up against the rebuilt index.
			report.Deferred = len(entries) - n
			c.metrics.EntriesScanned.WithLabelValues("deferred").Add(float64(report.Deferred))
			log.Warn("semantic cache went stale mid-pass, stopping scan",
				"index_version", st.IndexVersion,
				"deferred", report.Deferred,
			)
			return
		}
		c.scanEntry(ctx, log.With("entry_id", e.ID), e, st.IndexVersion, covered, report)
	}
}

func (c *Cleaner) stillReady(ctx context.Context, version int64) (bool, error) {
	if c.cache.Building() {
		return false, nil
	}
	st, err := c.cache.Current(ctx)
	if err != nil {
		return false, err
	}
	return st.Initialized && st.IndexVersion == version, nil
}

func (c *Cleaner) scanEntry(ctx context.Context, log *slog.Logger, e catalog.CatalogEntry, version int64, covered map[catalog.Pair]struct{}, report *CleanReport) {
	done, err := c.ledger.Scanned(ctx, version, e.ID)
	if err != nil {
		log.Warn("scan ledger unavailable, scanning anyway", "error", err)
	}
	if done {
		report.Skipped++
		c.metrics.EntriesScanned.WithLabelValues("skipped").Inc()
		return
	}

	// One extra hit so the entry itself can be dropped.
	cands, err := resilience.RetryValue(ctx, "query index", c.retry, func() ([]semindex.Candidate, error) {
		return c.index.Query(ctx, e.CanonicalText, c.cfg.TopK+1)
	})
	if err != nil {
		report.Failed++
		c.metrics.EntriesScanned.WithLabelValues("failed").Inc()
		log.Error("querying semantic index failed", "error", err)
		return
	}

	best, ok := topOther(cands, e.ID)
	if ok && best.Score >= c.cfg.SuggestThreshold {
		if !c.suggest(ctx, log, e.ID, best, version, covered, report) {
			return
		}
	}

	report.Scanned++
	c.metrics.EntriesScanned.WithLabelValues("scanned").Inc()
	if err := c.ledger.MarkScanned(ctx, version, e.ID); err != nil {
		log.Warn("recording scanned entry failed", "error", err)
	}
}

// suggest files a merge of source into best unless the pair is already
// pending. It reports false when the entry must be scanned again.
func (c *Cleaner) suggest(ctx context.Context, log *slog.Logger, source int64, best semindex.Candidate, version int64, covered map[catalog.Pair]struct{}, report *CleanReport) bool {
	pair := catalog.NewPair(source, best.EntryID)
	if _, dup := covered[pair]; dup {
		report.AlreadyPending++
		return true
	}

	err := resilience.Retry(ctx, "create merge suggestion", c.retry, func() error {
		return c.store.CreateMergeSuggestion(ctx, source, best.EntryID, best.Score)
	})
	switch {
	case err == nil:
		covered[pair] = struct{}{}
		report.SuggestedMerges++
		c.metrics.MergesSuggested.Inc()
		log.Info("merge suggested", "target_entry_id", best.EntryID, "score", best.Score)
		events.Emit(ctx, c.pub, events.Event{
			Type: events.TypeMergeSuggested,
			Key:  strconv.FormatInt(pair.Low, 10) + "-" + strconv.FormatInt(pair.High, 10),
			Payload: events.MergeSuggested{
				SourceEntryID: source,
				TargetEntryID: best.EntryID,
				Score:         best.Score,
				IndexVersion:  version,
				SuggestedAt:   c.now(),
			},
		})
		return true
	case errors.Is(err, catalog.ErrSuggestionExists):
		covered[pair] = struct{}{}
		report.AlreadyPending++
		return true
	default:
		report.Failed++
		c.metrics.EntriesScanned.WithLabelValues("failed").Inc()
		log.Error("creating merge suggestion failed", "target_entry_id", best.EntryID, "score", best.Score, "error", err)
		return false
	}
}

// topOther returns the best-ranked candidate that is not self.
func topOther(cands []semindex.Candidate, self int64) (semindex.Candidate, bool) {
	for _, cand := range cands {
		if cand.EntryID != self {
			return cand, true
		}
	}
	return semindex.Candidate{}, false
}

func (c *Cleaner) fail(log *slog.Logger, report *CleanReport, err error) {
	report.Status = pass.StatusFailed
	report.Error = err.Error()
	log.Error("cleaning pass failed", "error", err)
}
