// Package scheduler drives periodic resolution sweeps and trend sampling.
//
// A sweep closes markets whose close time has passed, then hands every
// unresolved market whose resolve time has passed to the resolution engine.
// Sweeps may overlap (a timer tick and an admin trigger): the store's
// conditional updates keep every transition single-shot.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/atmx/pointsmarket/internal/metrics"
	"github.com/atmx/pointsmarket/internal/resolution"
	"github.com/atmx/pointsmarket/internal/store"
)

const (
	DefaultResolveSpec = "@every 1m"
	DefaultTrendSpec   = "@every 5m"
	DefaultConcurrency = 4
)

// TrendRecorder samples market pools.
type TrendRecorder interface {
	Record(ctx context.Context) (int, error)
}

// Options configures a Scheduler.
type Options struct {
	ResolveSpec string
	TrendSpec   string // empty disables trend sampling
	Concurrency int
}

// SweepSummary reports one sweep.
type SweepSummary struct {
	Closed int `json:"closed"`
	resolution.Summary
	Duration time.Duration `json:"duration_ns"`
}

// Scheduler runs sweeps on demand and on a cron timer.
type Scheduler struct {
	store    store.Store
	engine   *resolution.Engine
	recorder TrendRecorder
	opts     Options
	now      func() time.Time

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
}

// New creates a scheduler. recorder may be nil.
func New(st store.Store, engine *resolution.Engine, recorder TrendRecorder, opts Options) *Scheduler {
	if opts.ResolveSpec == "" {
		opts.ResolveSpec = DefaultResolveSpec
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	return &Scheduler{
		store:    st,
		engine:   engine,
		recorder: recorder,
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source. Intended for tests.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Sweep closes expired markets and resolves every due market.
func (s *Scheduler) Sweep(ctx context.Context) (SweepSummary, error) {
	start := time.Now()
	now := s.now()

	closed, err := s.closeExpired(ctx, now)
	if err != nil {
		return SweepSummary{}, err
	}

	due, err := s.store.ListDueMarkets(ctx, now)
	if err != nil {
		return SweepSummary{}, fmt.Errorf("list due markets: %w", err)
	}

	summary := SweepSummary{
		Closed:  closed,
		Summary: s.engine.ResolveAll(ctx, due, s.opts.Concurrency),
	}
	summary.Duration = time.Since(start)
	metrics.SweepDuration.Observe(summary.Duration.Seconds())

	slog.Info("resolution sweep complete",
		"closed", summary.Closed,
		"checked", summary.Checked,
		"resolved", summary.Resolved,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
		"elapsed", summary.Duration.Round(time.Millisecond),
	)
	return summary, nil
}

func (s *Scheduler) closeExpired(ctx context.Context, now time.Time) (int, error) {
	closing, err := s.store.ListClosingMarkets(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list closing markets: %w", err)
	}

	closed := 0
	for _, m := range closing {
		ok, err := s.store.CloseMarket(ctx, m.ID)
		if err != nil {
			slog.Warn("close market failed", "market_id", m.ID, "err", err)
			continue
		}
		if ok {
			closed++
			slog.Info("market closed", "market_id", m.ID, "close_time", m.CloseTime)
		}
	}
	return closed, nil
}

// ResolveNow runs one automatic attempt on a single market.
func (s *Scheduler) ResolveNow(ctx context.Context, marketID string) (resolution.Result, error) {
	return s.engine.ResolveByID(ctx, marketID)
}

// Start schedules the sweep and the trend recorder. Jobs run with a context
// that is cancelled by Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return fmt.Errorf("scheduler already started")
	}

	jobCtx, cancel := context.WithCancel(ctx)
	c := cron.New()

	if _, err := c.AddFunc(s.opts.ResolveSpec, func() {
		if _, err := s.Sweep(jobCtx); err != nil {
			slog.Error("resolution sweep failed", "err", err)
		}
	}); err != nil {
		cancel()
		return fmt.Errorf("schedule sweep %q: %w", s.opts.ResolveSpec, err)
	}

	if s.recorder != nil && s.opts.TrendSpec != "" {
		if _, err := c.AddFunc(s.opts.TrendSpec, func() {
			if _, err := s.recorder.Record(jobCtx); err != nil {
				slog.Error("trend recording failed", "err", err)
			}
		}); err != nil {
			cancel()
			return fmt.Errorf("schedule trend %q: %w", s.opts.TrendSpec, err)
		}
	}

	c.Start()
	s.cron = c
	s.cancel = cancel
	slog.Info("scheduler started",
		"resolve_spec", s.opts.ResolveSpec,
		"trend_spec", s.opts.TrendSpec,
		"concurrency", s.opts.Concurrency,
	)
	return nil
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil {
		return
	}
	s.cancel()
	<-s.cron.Stop().Done()
	s.cron = nil
	slog.Info("scheduler stopped")
}
