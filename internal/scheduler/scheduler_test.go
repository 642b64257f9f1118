package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/internal/cachestate"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/internal/cleaner"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/internal/lock"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/internal/matcher"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/internal/pass"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/catalog-reconciler/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMatcher struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
	panics  bool
}

func (f *fakeMatcher) RunMatchingPass(ctx context.Context) matcher.MatchReport {
	f.calls.Add(1)
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	if f.panics {
		panic("index client nil")
	}
	return matcher.MatchReport{PassID: "m", Status: pass.StatusCompleted, Processed: 1, Matched: 1}
}

type fakeCleaner struct {
	calls   atomic.Int32
	forced  atomic.Bool
	started chan struct{}
	release chan struct{}
}

func (f *fakeCleaner) RunCleaningPass(ctx context.Context, force bool) cleaner.CleanReport {
	f.calls.Add(1)
	f.forced.Store(force)
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	return cleaner.CleanReport{PassID: "c", Status: pass.StatusCompleted, Reindexed: force}
}

type fakeCache struct {
	mu     sync.Mutex
	state  cachestate.State
	builds int
	err    error
}

func (f *fakeCache) Current(context.Context) (cachestate.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, nil
}

func (f *fakeCache) InitializeCache(_ context.Context, force bool) (cachestate.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builds++
	if f.err != nil {
		return f.state, f.err
	}
	f.state.Initialized = true
	f.state.IndexVersion++
	return f.state, nil
}

func (f *fakeCache) Builds() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.builds
}

func schedCfg() config.SchedulerConfig {
	return config.SchedulerConfig{MatchingInterval: time.Minute, CleaningTime: "03:00"}
}

func newScheduler(t *testing.T, m MatchRunner, c CleanRunner, cache CacheWarmer, opts Options) *Scheduler {
	t.Helper()
	if opts.Config.MatchingInterval == 0 {
		opts.Config = schedCfg()
	}
	s, err := New(m, c, cache, opts)
	require.NoError(t, err)
	return s
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(&fakeMatcher{}, &fakeCleaner{}, &fakeCache{}, Options{Config: config.SchedulerConfig{MatchingInterval: time.Minute, CleaningTime: "25:99"}})
	assert.ErrorIs(t, err, apperrors.ErrConfiguration)

	_, err = New(&fakeMatcher{}, &fakeCleaner{}, &fakeCache{}, Options{Config: config.SchedulerConfig{CleaningTime: "03:00"}})
	assert.ErrorIs(t, err, apperrors.ErrConfiguration)
}

func TestTriggerMatchingSingleFlight(t *testing.T) {
	m := &fakeMatcher{started: make(chan struct{}, 1), release: make(chan struct{})}
	s := newScheduler(t, m, &fakeCleaner{}, &fakeCache{state: cachestate.State{Initialized: true}}, Options{})

	first := make(chan matcher.MatchReport)
	go func() { first <- s.TriggerMatching(context.Background()) }()
	<-m.started

	second := s.TriggerMatching(context.Background())
	assert.Equal(t, pass.StatusSkipped, second.Status)
	assert.NotEmpty(t, second.PassID)

	close(m.release)
	assert.Equal(t, pass.StatusCompleted, (<-first).Status)
	assert.Equal(t, int32(1), m.calls.Load())

	// Guard is released afterwards.
	m.started, m.release = nil, nil
	assert.Equal(t, pass.StatusCompleted, s.TriggerMatching(context.Background()).Status)
}

func TestMatchingAndCleaningMayOverlap(t *testing.T) {
	m := &fakeMatcher{started: make(chan struct{}, 1), release: make(chan struct{})}
	c := &fakeCleaner{}
	s := newScheduler(t, m, c, &fakeCache{state: cachestate.State{Initialized: true}}, Options{})

	done := make(chan struct{})
	go func() {
		s.TriggerMatching(context.Background())
		close(done)
	}()
	<-m.started

	report := s.TriggerCleaning(context.Background(), true)
	assert.Equal(t, pass.StatusCompleted, report.Status)
	assert.True(t, c.forced.Load())

	close(m.release)
	<-done
}

func TestTriggerCleaningSingleFlight(t *testing.T) {
	c := &fakeCleaner{started: make(chan struct{}, 1), release: make(chan struct{})}
	s := newScheduler(t, &fakeMatcher{}, c, &fakeCache{}, Options{})

	go s.TriggerCleaning(context.Background(), false)
	<-c.started
	assert.Equal(t, pass.StatusSkipped, s.TriggerCleaning(context.Background(), true).Status)
	close(c.release)
}

func TestMatchingBuildsCacheFirst(t *testing.T) {
	cache := &fakeCache{}
	s := newScheduler(t, &fakeMatcher{}, &fakeCleaner{}, cache, Options{})

	s.TriggerMatching(context.Background())
	assert.Equal(t, 1, cache.Builds())

	s.TriggerMatching(context.Background())
	assert.Equal(t, 1, cache.Builds(), "initialized cache is not rebuilt")
}

func TestMatchingRunsWhenCacheBuildFails(t *testing.T) {
	cache := &fakeCache{err: apperrors.ErrCacheBuildFailed}
	m := &fakeMatcher{}
	s := newScheduler(t, m, &fakeCleaner{}, cache, Options{})

	report := s.TriggerMatching(context.Background())
	assert.Equal(t, pass.StatusCompleted, report.Status)
	assert.Equal(t, int32(1), m.calls.Load())
}

func TestPanicBecomesFailedReport(t *testing.T) {
	m := &fakeMatcher{panics: true}
	s := newScheduler(t, m, &fakeCleaner{}, &fakeCache{state: cachestate.State{Initialized: true}}, Options{})

	report := s.TriggerMatching(context.Background())
	assert.Equal(t, pass.StatusFailed, report.Status)
	assert.Contains(t, report.Error, "index client nil")

	m.panics = false
	assert.Equal(t, pass.StatusCompleted, s.TriggerMatching(context.Background()).Status)
}

func TestDistributedLockSkipsWhenHeldElsewhere(t *testing.T) {
	locker := lock.NewLocal()
	release, ok, err := locker.TryLock(context.Background(), "pass:matching", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	m := &fakeMatcher{}
	s := newScheduler(t, m, &fakeCleaner{}, &fakeCache{}, Options{Locker: locker})
	assert.Equal(t, pass.StatusSkipped, s.TriggerMatching(context.Background()).Status)
	assert.Equal(t, int32(0), m.calls.Load())

	require.NoError(t, release(context.Background()))
	assert.Equal(t, pass.StatusCompleted, s.TriggerMatching(context.Background()).Status)
}

type brokenLocker struct{}

func (brokenLocker) TryLock(context.Context, string, time.Duration) (lock.Release, bool, error) {
	return nil, false, apperrors.Transient(errors.New("redis down"))
}

func TestLockErrorFailsTrigger(t *testing.T) {
	s := newScheduler(t, &fakeMatcher{}, &fakeCleaner{}, &fakeCache{}, Options{Locker: brokenLocker{}})
	report := s.TriggerCleaning(context.Background(), false)
	assert.Equal(t, pass.StatusFailed, report.Status)
	assert.Contains(t, report.Error, "redis down")
}

func TestKickMatchingQueuesOnce(t *testing.T) {
	s := newScheduler(t, &fakeMatcher{}, &fakeCleaner{}, &fakeCache{}, Options{})
	assert.True(t, s.KickMatching("import"))
	assert.False(t, s.KickMatching("import again"))
}

func TestRunTicksAndStops(t *testing.T) {
	m := &fakeMatcher{}
	cache := &fakeCache{}
	opts := Options{Config: config.SchedulerConfig{MatchingInterval: 10 * time.Millisecond, CleaningTime: "03:00", WarmOnStart: true}}
	s := newScheduler(t, m, &fakeCleaner{}, cache, opts)

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Run(ctx))

	assert.GreaterOrEqual(t, m.calls.Load(), int32(2))
	assert.GreaterOrEqual(t, cache.Builds(), 1)
}

func TestRunServesKicks(t *testing.T) {
	m := &fakeMatcher{}
	s := newScheduler(t, m, &fakeCleaner{}, &fakeCache{state: cachestate.State{Initialized: true}}, Options{Config: config.SchedulerConfig{MatchingInterval: time.Hour, CleaningTime: "03:00"}})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	require.True(t, s.KickMatching("positions ingested"))
	require.Eventually(t, func() bool { return m.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-errCh)
}

func TestNextDailyRun(t *testing.T) {
	loc := time.FixedZone("test", 3*3600)
	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"before today's slot", time.Date(2024, 5, 1, 1, 30, 0, 0, loc), time.Date(2024, 5, 1, 3, 0, 0, 0, loc)},
		{"exactly at slot", time.Date(2024, 5, 1, 3, 0, 0, 0, loc), time.Date(2024, 5, 2, 3, 0, 0, 0, loc)},
		{"after slot", time.Date(2024, 5, 1, 22, 0, 0, 0, loc), time.Date(2024, 5, 2, 3, 0, 0, 0, loc)},
		{"month rollover", time.Date(2024, 5, 31, 4, 0, 0, 0, loc), time.Date(2024, 6, 1, 3, 0, 0, 0, loc)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, nextDailyRun(tt.now, 3, 0))
		})
	}
}
