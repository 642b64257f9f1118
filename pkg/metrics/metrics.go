// Package metrics defines the Prometheus collectors for reconciliation
// passes, cache builds and the ops HTTP API, and exposes a scrape handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "reconciler"

// Metrics holds all Prometheus collectors for the reconciler.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	PassRunsTotal   *prometheus.CounterVec
	PassDuration    *prometheus.HistogramVec
	ItemsTotal      *prometheus.CounterVec
	MatchScore      prometheus.Histogram
	EntriesScanned  *prometheus.CounterVec
	MergesSuggested prometheus.Counter

	CacheBuildsTotal   *prometheus.CounterVec
	CacheBuildDuration prometheus.Histogram
	CacheInitialized   prometheus.Gauge
	IndexVersion       prometheus.Gauge
	CorpusSize         prometheus.Gauge

	CircuitBreakerState *prometheus.GaugeVec
	EventsPublished     *prometheus.CounterVec
}

// New creates all collectors and registers them with reg. Tests pass a
// fresh prometheus.NewRegistry().
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of ops API requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Ops API request latency in seconds.",
				Buckets:   []float64{0.005, 0.05, 0.25, 1, 5, 30, 120, 600},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Number of ops API requests currently being processed.",
			},
		),
		PassRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pass_runs_total",
				Help:      "Pass executions by pass (matching, cleaning) and status (completed, failed, skipped).",
			},
			[]string{"pass", "status"},
		),
		PassDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pass_duration_seconds",
				Help:      "Wall-clock duration of executed passes.",
				Buckets:   prometheus.ExponentialBuckets(0.1, 4, 9),
			},
			[]string{"pass"},
		),
		ItemsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "position_items_total",
				Help:      "Position items handled by the matcher, by outcome.",
			},
			[]string{"outcome"},
		),
		MatchScore: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "match_best_score",
				Help:      "Best candidate score per queried position item.",
				Buckets:   []float64{0.5, 0.7, 0.8, 0.85, 0.9, 0.93, 0.95, 0.97, 0.98, 0.99, 1},
			},
		),
		EntriesScanned: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "catalog_entries_scanned_total",
				Help:      "Catalog entries visited by the cleaner, by outcome (scanned, skipped, deferred, failed).",
			},
			[]string{"outcome"},
		),
		MergesSuggested: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "merge_suggestions_total",
				Help:      "Merge suggestions created.",
			},
		),
		CacheBuildsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_builds_total",
				Help:      "Full semantic index builds by status (success, failed, busy).",
			},
			[]string{"status"},
		),
		CacheBuildDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cache_build_duration_seconds",
				Help:      "Duration of full semantic index builds.",
				Buckets:   prometheus.ExponentialBuckets(0.5, 3, 8),
			},
		),
		CacheInitialized: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cache_initialized",
				Help:      "1 when the semantic index reflects the catalog, 0 otherwise.",
			},
		),
		IndexVersion: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "index_version",
				Help:      "Current semantic index version.",
			},
		),
		CorpusSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "index_corpus_size",
				Help:      "Catalog entries submitted in the last successful build.",
			},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_published_total",
				Help:      "Reconciliation events published, by type and status.",
			},
			[]string{"type", "status"},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.PassRunsTotal,
		m.PassDuration,
		m.ItemsTotal,
		m.MatchScore,
		m.EntriesScanned,
		m.MergesSuggested,
		m.CacheBuildsTotal,
		m.CacheBuildDuration,
		m.CacheInitialized,
		m.IndexVersion,
		m.CorpusSize,
		m.CircuitBreakerState,
		m.EventsPublished,
	)

	return m
}

// NewUnregistered is New over a private registry, for one-shot commands
// and tests that do not scrape.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}

// Handler returns the Prometheus scrape HTTP handler for g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
