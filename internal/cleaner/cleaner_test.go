package cleaner

import (
	"context"
	"errors"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/internal/cachestate"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/internal/catalog"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/internal/catalog/memstore"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/internal/events"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/internal/pass"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/internal/semindex"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/internal/semindex/memindex"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/catalog-reconciler/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/pkg/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastRetry = resilience.RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}

type harness struct {
	store  *memstore.Store
	index  *memindex.Index
	states *cachestate.MemoryStore
	init   *cachestate.Initializer
	rec    *events.Recorder
	clean  *Cleaner
}

func newHarness(t *testing.T, scorer memindex.Scorer, entries ...catalog.CatalogEntry) *harness {
	t.Helper()
	h := &harness{
		store:  memstore.New(),
		index:  memindex.New(scorer),
		states: cachestate.NewMemoryStore(cachestate.State{}),
		rec:    &events.Recorder{},
	}
	for _, e := range entries {
		h.store.PutEntry(e)
	}
	h.init = cachestate.NewInitializer(h.store, h.index, h.states, cachestate.Options{Retry: fastRetry})
	h.clean = New(h.store, h.index, h.init, Options{
		Config:    config.CleaningConfig{SuggestThreshold: 0.98, TopK: 5},
		Retry:     fastRetry,
		Publisher: h.rec,
	})
	return h
}

// crossMatch scores every text against itself at 1 and the listed pairs
// symmetrically.
func crossMatch(texts []string, pairs map[[2]string]float64) memindex.Scorer {
	scores := make(map[[2]string]float64)
	for _, s := range texts {
		scores[[2]string{s, s}] = 1
	}
	for k, v := range pairs {
		scores[k] = v
		scores[[2]string{k[1], k[0]}] = v
	}
	return memindex.Table(scores)
}

func scenarioD(t *testing.T) *harness {
	return newHarness(t,
		crossMatch([]string{"C1", "C2", "C3"}, map[[2]string]float64{{"C1", "C2"}: 0.99, {"C1", "C3"}: 0.5}),
		catalog.CatalogEntry{ID: 1, CanonicalText: "C1"},
		catalog.CatalogEntry{ID: 2, CanonicalText: "C2"},
		catalog.CatalogEntry{ID: 3, CanonicalText: "C3"},
	)
}

func TestScenarioDSingleSuggestionPerPair(t *testing.T) {
	h := scenarioD(t)

	report := h.clean.RunCleaningPass(context.Background(), false)

	assert.Equal(t, pass.StatusCompleted, report.Status)
	assert.True(t, report.Reindexed, "first run builds the index")
	assert.Equal(t, int64(1), report.IndexVersion)
	assert.Equal(t, 3, report.Scanned)
	assert.Equal(t, 1, report.SuggestedMerges)
	assert.Equal(t, 1, report.AlreadyPending)

	got := h.store.Suggestions()
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].SourceEntryID)
	assert.Equal(t, int64(2), got[0].TargetEntryID)
	assert.Equal(t, 0.99, got[0].Score)
	assert.Equal(t, catalog.SuggestionPending, got[0].Status)
	assert.Len(t, h.rec.OfType(events.TypeMergeSuggested), 1)
}

func TestNoSelfMerge(t *testing.T) {
	// Identical texts score 1 against each other and against themselves.
	h := newHarness(t, memindex.Jaccard,
		catalog.CatalogEntry{ID: 1, CanonicalText: "steel pipe 20mm"},
		catalog.CatalogEntry{ID: 2, CanonicalText: "steel pipe 20mm"},
		catalog.CatalogEntry{ID: 3, CanonicalText: "steel pipe 20mm"},
		catalog.CatalogEntry{ID: 4, CanonicalText: "copper wire"},
	)

	h.clean.RunCleaningPass(context.Background(), false)

	for _, s := range h.store.Suggestions() {
		assert.NotEqual(t, s.SourceEntryID, s.TargetEntryID)
	}
	assert.NotEmpty(t, h.store.Suggestions())
}

func TestSecondPassSkipsScannedEntries(t *testing.T) {
	h := scenarioD(t)
	require.Equal(t, 1, h.clean.RunCleaningPass(context.Background(), false).SuggestedMerges)
	queries := h.index.Queries()

	report := h.clean.RunCleaningPass(context.Background(), false)
	assert.False(t, report.Reindexed)
	assert.Equal(t, 3, report.Skipped)
	assert.Equal(t, 0, report.Scanned)
	assert.Equal(t, 0, report.SuggestedMerges)
	assert.Equal(t, queries, h.index.Queries())
}

func TestForcedReindexRescansWithoutDuplicates(t *testing.T) {
	h := scenarioD(t)
	h.clean.RunCleaningPass(context.Background(), false)

	report := h.clean.RunCleaningPass(context.Background(), true)
	assert.True(t, report.Reindexed)
	assert.Equal(t, int64(2), report.IndexVersion)
	assert.Equal(t, 3, report.Scanned)
	assert.Equal(t, 0, report.SuggestedMerges)
	assert.Equal(t, 2, report.AlreadyPending)
	assert.Len(t, h.store.Suggestions(), 1)
}

func TestReviewedPairMayBeSuggestedAgain(t *testing.T) {
	h := scenarioD(t)
	h.clean.RunCleaningPass(context.Background(), false)
	h.store.SetSuggestionStatus(h.store.Suggestions()[0].ID, catalog.SuggestionRejected)

	report := h.clean.RunCleaningPass(context.Background(), true)
	assert.Equal(t, 1, report.SuggestedMerges)
	assert.Len(t, h.store.Suggestions(), 2)
}

func TestBelowThresholdSuggestsNothing(t *testing.T) {
	h := newHarness(t,
		crossMatch([]string{"C1", "C2"}, map[[2]string]float64{{"C1", "C2"}: 0.97}),
		catalog.CatalogEntry{ID: 1, CanonicalText: "C1"},
		catalog.CatalogEntry{ID: 2, CanonicalText: "C2"},
	)
	report := h.clean.RunCleaningPass(context.Background(), false)
	assert.Equal(t, 2, report.Scanned)
	assert.Equal(t, 0, report.SuggestedMerges)
	assert.Empty(t, h.store.Suggestions())
}

func TestEntryFailureIsSkippedAndRetried(t *testing.T) {
	h := scenarioD(t)
	h.index.QueryErr = func(text string) error {
		if text == "C3" {
			return apperrors.Transient(errors.New("qdrant unavailable"))
		}
		return nil
	}

	report := h.clean.RunCleaningPass(context.Background(), false)
	assert.Equal(t, pass.StatusCompleted, report.Status)
	assert.Equal(t, 2, report.Scanned)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.SuggestedMerges)

	h.index.QueryErr = nil
	report = h.clean.RunCleaningPass(context.Background(), false)
	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, 2, report.Skipped)
}

func TestSuggestionWriteFailureIsPartial(t *testing.T) {
	h := scenarioD(t)
	h.store.SetFaults(memstore.Faults{Suggest: func(int64, int64) error {
		return apperrors.Transient(errors.New("503"))
	}})

	report := h.clean.RunCleaningPass(context.Background(), false)
	assert.Equal(t, pass.StatusCompleted, report.Status)
	// C1 and C2 both find each other and both fail to write.
	assert.Equal(t, 2, report.Failed)
	assert.Equal(t, 1, report.Scanned)
	assert.Empty(t, h.store.Suggestions())
}

func TestReindexFailureFailsPass(t *testing.T) {
	h := scenarioD(t)
	h.index.IndexErr = func([]semindex.Document) error { return errors.New("corpus rejected") }

	report := h.clean.RunCleaningPass(context.Background(), true)
	assert.Equal(t, pass.StatusFailed, report.Status)
	assert.False(t, report.Reindexed)
	assert.Contains(t, report.Error, "cache build failed")
	assert.Empty(t, h.store.Suggestions())
}

func TestStaleCacheIsRebuiltBeforeScanning(t *testing.T) {
	h := scenarioD(t)
	h.clean.RunCleaningPass(context.Background(), false)
	require.NoError(t, h.init.Invalidate(context.Background(), "catalog changed"))

	report := h.clean.RunCleaningPass(context.Background(), false)
	assert.True(t, report.Reindexed)
	assert.Equal(t, int64(2), report.IndexVersion)
	assert.Equal(t, 3, report.Scanned)
}

func TestMemoryLedgerForgetsOldVersions(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	require.NoError(t, l.MarkScanned(ctx, 1, 10))
	ok, _ := l.Scanned(ctx, 1, 10)
	assert.True(t, ok)

	require.NoError(t, l.MarkScanned(ctx, 2, 11))
	ok, _ = l.Scanned(ctx, 1, 10)
	assert.False(t, ok)
	ok, _ = l.Scanned(ctx, 2, 10)
	assert.False(t, ok)
}

func TestRedisLedger(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	client, err := redis.NewClient(config.RedisConfig{Addr: addr, PoolSize: 2})
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	defer client.Close()

	ctx := context.Background()
	l := NewRedisLedger(client, time.Minute)
	l.prefix = "reconciler:test:" + t.Name() + ":" + strconv.FormatInt(time.Now().UnixNano(), 10)

	ok, err := l.Scanned(ctx, 7, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.MarkScanned(ctx, 7, 1))
	require.NoError(t, l.MarkScanned(ctx, 7, 2))
	ok, err = l.Scanned(ctx, 7, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := l.Progress(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

// rebuildingIndex starts a forced rebuild from inside the first query it
// serves once armed and holds it in IndexCorpus until release is closed.
type rebuildingIndex struct {
	*memindex.Index
	init    *cachestate.Initializer
	states  *cachestate.MemoryStore
	armed   atomic.Bool
	release chan struct{}
	rebuilt chan error
	once    sync.Once
	stale   atomic.Int32
}

func (x *rebuildingIndex) IndexCorpus(ctx context.Context, docs []semindex.Document) error {
	if x.armed.Load() {
		<-x.release
	}
	return x.Index.IndexCorpus(ctx, docs)
}

func (x *rebuildingIndex) Query(ctx context.Context, text string, topK int) ([]semindex.Candidate, error) {
	if st, _ := x.states.Load(ctx); !st.Initialized {
		x.stale.Add(1)
	}
	if x.armed.Load() {
		x.once.Do(func() {
			go func() {
				_, err := x.init.InitializeCache(context.Background(), true)
				x.rebuilt <- err
			}()
			for {
				if st, _ := x.states.Load(ctx); !st.Initialized {
					return
				}
				time.Sleep(time.Millisecond)
			}
		})
	}
	return x.Index.Query(ctx, text, topK)
}

func TestRebuildMidPassStopsScan(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	store.PutEntry(catalog.CatalogEntry{ID: 1, CanonicalText: "C1"})
	store.PutEntry(catalog.CatalogEntry{ID: 2, CanonicalText: "C2"})
	store.PutEntry(catalog.CatalogEntry{ID: 3, CanonicalText: "C3"})
	states := cachestate.NewMemoryStore(cachestate.State{})
	idx := &rebuildingIndex{
		Index:   memindex.New(crossMatch([]string{"C1", "C2", "C3"}, map[[2]string]float64{{"C1", "C2"}: 0.99})),
		states:  states,
		release: make(chan struct{}),
		rebuilt: make(chan error, 1),
	}
	idx.init = cachestate.NewInitializer(store, idx, states, cachestate.Options{Retry: fastRetry})
	clean := New(store, idx, idx.init, Options{
		Config: config.CleaningConfig{SuggestThreshold: 0.98, TopK: 5},
		Retry:  fastRetry,
	})
	_, err := idx.init.InitializeCache(ctx, false)
	require.NoError(t, err)
	idx.armed.Store(true)

	report := clean.RunCleaningPass(ctx, false)

	assert.Equal(t, pass.StatusCompleted, report.Status)
	assert.False(t, report.Reindexed)
	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, 2, report.Deferred)
	assert.Zero(t, idx.stale.Load(), "no query may run while the cache is uninitialized")

	close(idx.release)
	require.NoError(t, <-idx.rebuilt)
	report = clean.RunCleaningPass(ctx, false)
	assert.Equal(t, int64(2), report.IndexVersion)
	assert.Equal(t, 3, report.Scanned)
	assert.Zero(t, report.Deferred)
	assert.Zero(t, idx.stale.Load())
}
