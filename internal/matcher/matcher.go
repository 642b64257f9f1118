// Package matcher links unlinked position items to catalog entries using
// the semantic index.
package matcher

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
	apperrors "github.com/Adithya-Monish-Kumar-K/catalog-reconciler/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/pkg/resilience"
)

// Gate tells the matcher whether the index may be queried.
type Gate interface {
	Current(ctx context.Context) (cachestate.State, error)
	Building() bool
}

type MatchReport struct {
	PassID       string        `json:"pass_id"`
	Status       pass.Status   `json:"status"`
	IndexVersion int64         `json:"index_version"`
	Processed    int           `json:"processed"`
	Matched      int           `json:"matched"`
	Unmatched    int           `json:"unmatched"`
	Deferred     int           `json:"deferred"`
	Pending      int           `json:"pending"`
	Failed       int           `json:"failed"`
	Conflicts    int           `json:"conflicts"`
	StartedAt    time.Time     `json:"started_at"`
	Elapsed      time.Duration `json:"elapsed_ns"`
	Error        string        `json:"error,omitempty"`
}

type Options struct {
	Config    config.MatchingConfig
	Retry     resilience.RetryConfig
	Publisher events.Publisher
	Metrics   *metrics.Metrics
}

type Matcher struct {
	store   catalog.Store
	index   semindex.Index
	gate    Gate
	cfg     config.MatchingConfig
	retry   resilience.RetryConfig
	pub     events.Publisher
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(store catalog.Store, index semindex.Index, gate Gate, opts Options) *Matcher {
	if opts.Publisher == nil {
		opts.Publisher = events.Nop{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewUnregistered()
	}
	if opts.Config.TopK <= 0 {
		opts.Config.TopK = 5
	}
	if opts.Config.BatchSize <= 0 {
		opts.Config.BatchSize = 100
	}
	return &Matcher{
		store:   store,
		index:   index,
		gate:    gate,
		cfg:     opts.Config,
		retry:   opts.Retry,
		pub:     opts.Publisher,
		metrics: opts.Metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// RunMatchingPass decides one batch of pending position items. It never
// returns an error: outcomes, including a failed pass, are in the report.
func (m *Matcher) RunMatchingPass(ctx context.Context) MatchReport {
	report := MatchReport{
		PassID:    pass.NewID(),
		Status:    pass.StatusCompleted,
		StartedAt: m.now(),
	}
	ctx = logger.WithPassID(ctx, report.PassID)
	log := logger.FromContext(ctx).With("component", "matcher")

	if m.cfg.PassTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.PassTimeout)
		defer cancel()
	}

	m.run(ctx, log, &report)

	report.Elapsed = time.Since(report.StartedAt)
	pass.Observe(m.metrics, pass.Matching, report.Status, report.Elapsed)
	log.Info("matching pass finished",
		"status", report.Status,
		"index_version", report.IndexVersion,
		"processed", report.Processed,
		"matched", report.Matched,
		"unmatched", report.Unmatched,
		"deferred", report.Deferred,
		"pending", report.Pending,
		"failed", report.Failed,
		"conflicts", report.Conflicts,
		"elapsed", report.Elapsed,
	)
	events.Emit(ctx, m.pub, events.Event{
		Type: events.TypePassCompleted,
		Key:  report.PassID,
		Payload: events.PassCompleted{
			Pass:   pass.Matching,
			PassID: report.PassID,
			Status: string(report.Status),
			Report: report,
		},
	})
	return report
}

func (m *Matcher) run(ctx context.Context, log *slog.Logger, report *MatchReport) {
	st, err := m.gate.Current(ctx)
	if err != nil {
		m.fail(log, report, fmt.Errorf("reading cache state: %w", err))
		return
	}
	report.IndexVersion = st.IndexVersion

	items, err := resilience.RetryValue(ctx, "fetch position items", m.retry, func() ([]catalog.PositionItem, error) {
		return m.store.FetchUnlinkedPositionItems(ctx, m.cfg.BatchSize, st.IndexVersion)
	})
	if err != nil {
		m.fail(log, report, fmt.Errorf("fetching position items: %w", err))
		return
	}

	if !st.Initialized || m.gate.Building() {
		m.deferItems(ctx, log, report, items, st.IndexVersion)
		return
	}

	for n, item := range items {
		if err := ctx.Err(); err != nil {
			m.fail(log, report, fmt.Errorf("pass budget exhausted after %d of %d items: %w", report.Processed, len(items), err))
			return
		}
		// A rebuild may start while the pass runs; the index must not be
		// queried again until it finishes.
		ok, err := m.stillReady(ctx, st.IndexVersion)
		if err != nil {
			m.fail(log, report, fmt.Errorf("re-reading cache state: %w", err))
			return
		}
		if !ok {
			m.deferItems(ctx, log, report, items[n:], st.IndexVersion)
			return
		}
		report.Processed++
		m.matchItem(ctx, log, item, st.IndexVersion, report)
	}
	if err := ctx.Err(); err != nil {
		m.fail(log, report, fmt.Errorf("pass budget exhausted: %w", err))
	}
}

// stillReady reports whether the index is initialized, idle and still at
// version.
func (m *Matcher) stillReady(ctx context.Context, version int64) (bool, error) {
	if m.gate.Building() {
		return false, nil
	}
	st, err := m.gate.Current(ctx)
	if err != nil {
		return false, err
	}
	return st.Initialized && st.IndexVersion == version, nil
}

// deferItems leaves items untouched for a later pass and records how many
// items are pending overall.
func (m *Matcher) deferItems(ctx context.Context, log *slog.Logger, report *MatchReport, items []catalog.PositionItem, version int64) {
	report.Processed += len(items)
	report.Deferred += len(items)
	report.Pending = report.Deferred
	if counter, ok := m.store.(catalog.PendingCounter); ok {
		n, err := counter.CountPendingPositionItems(ctx, version)
		if err != nil {
			log.Warn("counting pending position items failed", "error", err)
		} else {
			report.Pending = n
		}
	}
	m.metrics.ItemsTotal.WithLabelValues("deferred").Add(float64(len(items)))
	if len(items) > 0 {
		log.Warn("semantic cache not ready, deferring position items",
			"deferred", len(items),
			"pending", report.Pending,
			"error", apperrors.ErrCacheUninitialized,
		)
	}
}

func (m *Matcher) matchItem(ctx context.Context, log *slog.Logger, item catalog.PositionItem, version int64, report *MatchReport) {
	log = log.With("item_id", item.ID)

	cands, err := resilience.RetryValue(ctx, "query index", m.retry, func() ([]semindex.Candidate, error) {
		return m.index.Query(ctx, item.RichContextString, m.cfg.TopK)
	})
	if err != nil {
		// Left unlinked; the next pass picks it up again.
		report.Failed++
		m.metrics.ItemsTotal.WithLabelValues("failed").Inc()
		log.Error("querying semantic index failed", "error", err)
		return
	}

	d := Decide(cands, m.cfg.Threshold, m.cfg.TieEpsilon)
	if len(cands) > 0 {
		m.metrics.MatchScore.Observe(d.Score)
	}
	if d.Tie {
		log.Info("top candidates tied, keeping index order",
			"entry_id", d.EntryID,
			"runner_up_id", cands[1].EntryID,
			"score", d.Score,
		)
	}

	switch d.Outcome {
	case OutcomeLink:
		m.link(ctx, log, item, d, version, report)
	default:
		m.markUnmatched(ctx, log, item, d, version, report)
	}
}

func (m *Matcher) link(ctx context.Context, log *slog.Logger, item catalog.PositionItem, d Decision, version int64, report *MatchReport) {
	log = log.With("entry_id", d.EntryID)
	err := resilience.Retry(ctx, "link position item", m.retry, func() error {
		return m.store.LinkPositionItem(ctx, item.ID, d.EntryID, item.Hash)
	})
	switch {
	case err == nil:
		report.Matched++
		m.metrics.ItemsTotal.WithLabelValues("linked").Inc()
		log.Debug("position item linked", "score", d.Score)
		events.Emit(ctx, m.pub, events.Event{
			Type: events.TypePositionLinked,
			Key:  strconv.FormatInt(item.ID, 10),
			Payload: events.PositionLinked{
				ItemID:       item.ID,
				EntryID:      d.EntryID,
				Score:        d.Score,
				IndexVersion: version,
				LinkedAt:     m.now(),
			},
		})
	case errors.Is(err, apperrors.ErrItemWriteConflict):
		report.Conflicts++
		m.metrics.ItemsTotal.WithLabelValues("conflict").Inc()
		log.Info("position item already linked elsewhere", "error", err)
	case apperrors.IsTransient(err) || ctx.Err() != nil:
		report.Failed++
		m.metrics.ItemsTotal.WithLabelValues("failed").Inc()
		log.Error("linking position item failed", "score", d.Score, "error", err)
	default:
		// Rejected by the store; parked until the index changes.
		report.Failed++
		m.metrics.ItemsTotal.WithLabelValues("failed").Inc()
		log.Error("linking position item rejected", "score", d.Score, "error", err)
		if err := m.store.MarkPositionItem(ctx, item.ID, catalog.StatusFailed, version); err != nil {
			log.Warn("marking position item failed", "error", err)
		}
	}
}

func (m *Matcher) markUnmatched(ctx context.Context, log *slog.Logger, item catalog.PositionItem, d Decision, version int64, report *MatchReport) {
	err := resilience.Retry(ctx, "mark position item", m.retry, func() error {
		return m.store.MarkPositionItem(ctx, item.ID, catalog.StatusUnmatched, version)
	})
	switch {
	case err == nil:
		report.Unmatched++
		m.metrics.ItemsTotal.WithLabelValues("unmatched").Inc()
		log.Debug("position item unmatched", "best_entry_id", d.EntryID, "score", d.Score)
	case errors.Is(err, apperrors.ErrItemWriteConflict):
		report.Conflicts++
		m.metrics.ItemsTotal.WithLabelValues("conflict").Inc()
		log.Info("position item linked concurrently", "error", err)
	default:
		report.Failed++
		m.metrics.ItemsTotal.WithLabelValues("failed").Inc()
		log.Error("recording unmatched position item failed", "best_entry_id", d.EntryID, "score", d.Score, "error", err)
	}
}

func (m *Matcher) fail(log *slog.Logger, report *MatchReport, err error) {
	report.Status = pass.StatusFailed
	report.Error = err.Error()
	log.Error("matching pass failed", "error", err)
}
