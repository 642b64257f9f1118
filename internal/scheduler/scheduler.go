// Package scheduler runs matching passes on a fixed interval and cleaning
// passes once a day, and serves the synchronous manual triggers. Each pass
// type is single-flight: a trigger while the same pass runs is skipped.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/internal/cachestate"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/internal/cleaner"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/internal/lock"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/internal/matcher"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/internal/pass"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/catalog-reconciler/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/pkg/metrics"
	"golang.org/x/sync/errgroup"
)

type MatchRunner interface {
	RunMatchingPass(ctx context.Context) matcher.MatchReport
}

type CleanRunner interface {
	RunCleaningPass(ctx context.Context, forceReindex bool) cleaner.CleanReport
}

type CacheWarmer interface {
	Current(ctx context.Context) (cachestate.State, error)
	InitializeCache(ctx context.Context, force bool) (cachestate.State, error)
}

type Options struct {
	Config config.SchedulerConfig
	// Locker extends single-flight across processes. Optional.
	Locker  lock.Locker
	LockTTL time.Duration
	Metrics *metrics.Metrics
}

type Scheduler struct {
	matcher MatchRunner
	cleaner CleanRunner
	cache   CacheWarmer
	opts    Options

	cleanHour, cleanMinute int

	matching atomic.Bool
	cleaning atomic.Bool
	kick     chan string
	inflight sync.WaitGroup

	now    func() time.Time
	logger *slog.Logger
}

func New(m MatchRunner, c CleanRunner, cache CacheWarmer, opts Options) (*Scheduler, error) {
	if opts.Config.MatchingInterval <= 0 {
		return nil, fmt.Errorf("%w: matching interval must be positive", apperrors.ErrConfiguration)
	}
	hour, minute, err := config.ParseClock(opts.Config.CleaningTime)
	if err != nil {
		return nil, fmt.Errorf("%w: cleaning time: %v", apperrors.ErrConfiguration, err)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewUnregistered()
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 2 * time.Hour
	}
	return &Scheduler{
		matcher:     m,
		cleaner:     c,
		cache:       cache,
		opts:        opts,
		cleanHour:   hour,
		cleanMinute: minute,
		kick:        make(chan string, 1),
		now:         time.Now,
		logger:      slog.Default().With("component", "scheduler"),
	}, nil
}

// TriggerMatching runs a matching pass now and waits for its report. It
// returns a skipped report when a matching pass is already running.
func (s *Scheduler) TriggerMatching(ctx context.Context) (report matcher.MatchReport) {
	if !s.matching.CompareAndSwap(false, true) {
		s.logger.Info("matching pass already running, trigger skipped")
		pass.Observe(s.opts.Metrics, pass.Matching, pass.StatusSkipped, 0)
		return matcher.MatchReport{PassID: pass.NewID(), Status: pass.StatusSkipped, StartedAt: time.Now().UTC()}
	}
	defer s.matching.Store(false)

	release, ok, err := s.acquire(ctx, pass.Matching)
	if !ok || err != nil {
		r := matcher.MatchReport{PassID: pass.NewID(), Status: pass.StatusSkipped, StartedAt: time.Now().UTC()}
		if err != nil {
			r.Status = pass.StatusFailed
			r.Error = err.Error()
		}
		pass.Observe(s.opts.Metrics, pass.Matching, r.Status, 0)
		return r
	}
	defer release()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("matching pass panicked", "panic", r, "stack", string(debug.Stack()))
			report = matcher.MatchReport{PassID: pass.NewID(), Status: pass.StatusFailed, Error: fmt.Sprint("panic: ", r)}
			pass.Observe(s.opts.Metrics, pass.Matching, pass.StatusFailed, 0)
		}
	}()

	s.ensureCache(ctx)
	return s.matcher.RunMatchingPass(ctx)
}

// TriggerCleaning runs a cleaning pass now and waits for its report. It
// returns a skipped report when a cleaning pass is already running.
func (s *Scheduler) TriggerCleaning(ctx context.Context, forceReindex bool) (report cleaner.CleanReport) {
	if !s.cleaning.CompareAndSwap(false, true) {
		s.logger.Info("cleaning pass already running, trigger skipped", "force_reindex", forceReindex)
		pass.Observe(s.opts.Metrics, pass.Cleaning, pass.StatusSkipped, 0)
		return cleaner.CleanReport{PassID: pass.NewID(), Status: pass.StatusSkipped, StartedAt: time.Now().UTC()}
	}
	defer s.cleaning.Store(false)

	release, ok, err := s.acquire(ctx, pass.Cleaning)
	if !ok || err != nil {
		r := cleaner.CleanReport{PassID: pass.NewID(), Status: pass.StatusSkipped, StartedAt: time.Now().UTC()}
		if err != nil {
			r.Status = pass.StatusFailed
			r.Error = err.Error()
		}
		pass.Observe(s.opts.Metrics, pass.Cleaning, r.Status, 0)
		return r
	}
	defer release()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("cleaning pass panicked", "panic", r, "stack", string(debug.Stack()))
			report = cleaner.CleanReport{PassID: pass.NewID(), Status: pass.StatusFailed, Error: fmt.Sprint("panic: ", r)}
			pass.Observe(s.opts.Metrics, pass.Cleaning, pass.StatusFailed, 0)
		}
	}()

	return s.cleaner.RunCleaningPass(ctx, forceReindex)
}

// KickMatching asks the run loop for an extra matching pass. It reports
// false when one is already queued.
func (s *Scheduler) KickMatching(reason string) bool {
	select {
	case s.kick <- reason:
		return true
	default:
		return false
	}
}

// acquire takes the cross-process lock for name when a Locker is set.
func (s *Scheduler) acquire(ctx context.Context, name string) (func(), bool, error) {
	if s.opts.Locker == nil {
		return func() {}, true, nil
	}
	release, ok, err := s.opts.Locker.TryLock(ctx, "pass:"+name, s.opts.LockTTL)
	if err != nil {
		s.logger.Error("acquiring pass lock failed", "pass", name, "error", err)
		return nil, false, fmt.Errorf("acquiring %s lock: %w", name, err)
	}
	if !ok {
		s.logger.Info("pass running in another process, trigger skipped", "pass", name)
		return nil, false, nil
	}
	return func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("releasing pass lock failed", "pass", name, "error", err)
		}
	}, true, nil
}

// ensureCache builds the index before matching when it is not ready. A
// failure here only means the matcher defers its batch.
func (s *Scheduler) ensureCache(ctx context.Context) {
	st, err := s.cache.Current(ctx)
	if err != nil {
		s.logger.Warn("reading cache state failed", "error", err)
		return
	}
	if st.Initialized {
		return
	}
	if _, err := s.cache.InitializeCache(ctx, false); err != nil {
		if errors.Is(err, apperrors.ErrBuildInProgress) {
			s.logger.Info("cache build running elsewhere, matching will defer")
			return
		}
		s.logger.Error("cache build before matching failed", "error", err)
	}
}

// Run drives both schedules until ctx is cancelled, then waits for
// in-flight passes to return.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if s.opts.Config.WarmOnStart {
		s.spawn(func() {
			if _, err := s.cache.InitializeCache(ctx, false); err != nil {
				s.logger.Error("startup cache build failed", "error", err)
				return
			}
			s.logger.Info("startup cache build finished")
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(s.opts.Config.MatchingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.spawn(func() { s.TriggerMatching(ctx) })
			case reason := <-s.kick:
				s.logger.Info("matching pass requested", "reason", reason)
				s.spawn(func() { s.TriggerMatching(ctx) })
			case <-ctx.Done():
				return nil
			}
		}
	})

	g.Go(func() error {
		for {
			next := nextDailyRun(s.now(), s.cleanHour, s.cleanMinute)
			s.logger.Info("next cleaning pass scheduled", "at", next)
			timer := time.NewTimer(time.Until(next))
			select {
			case <-timer.C:
				s.spawn(func() { s.TriggerCleaning(ctx, false) })
			case <-ctx.Done():
				timer.Stop()
				return nil
			}
		}
	})

	s.logger.Info("scheduler started",
		"matching_interval", s.opts.Config.MatchingInterval,
		"cleaning_time", fmt.Sprintf("%02d:%02d", s.cleanHour, s.cleanMinute),
	)
	err := g.Wait()
	s.inflight.Wait()
	s.logger.Info("scheduler stopped")
	return err
}

func (s *Scheduler) spawn(fn func()) {
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("scheduled job panicked", "panic", r, "stack", string(debug.Stack()))
			}
		}()
		fn()
	}()
}

// nextDailyRun returns the first hour:minute strictly after now, in now's
// location.
func nextDailyRun(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
