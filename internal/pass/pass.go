// Package pass holds what matching and cleaning passes share: their status
// vocabulary, ids and run accounting.
package pass

import (
	"time"

	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/pkg/metrics"
	"github.com/google/uuid"
)

const (
	Matching = "matching"
	Cleaning = "cleaning"
)

type Status string

const (
	// StatusCompleted means every fetched item was visited. Individual items
	// may still have failed; see the report counters.
	StatusCompleted Status = "completed"
	// StatusFailed means the pass stopped early: its budget ran out, or a
	// prerequisite (state, batch fetch) was unavailable.
	StatusFailed Status = "failed"
	// StatusSkipped means another pass of the same kind was already running.
	StatusSkipped Status = "skipped"
)

func NewID() string {
	return uuid.NewString()
}

// Observe records one pass run. Skipped runs have no duration.
func Observe(m *metrics.Metrics, name string, status Status, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.PassRunsTotal.WithLabelValues(name, string(status)).Inc()
	if status != StatusSkipped {
		m.PassDuration.WithLabelValues(name).Observe(elapsed.Seconds())
	}
}
