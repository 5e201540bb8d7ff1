// Package cron runs the periodic housekeeping passes over the event
// store: retention cleanup of delivered rows and a safety-net capacity
// sweep, both driven by a standard 5-field cron expression.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/tamerWagih/adherence-monitoring-system-sub001/internal/buffer"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the housekeeping scheduler.
type Config struct {
	Store         *buffer.Store
	Logger        *slog.Logger
	Schedule      string        // cron expression; defaults to 03:00 daily
	RetentionDays int           // defaults to 7
	Interval      time.Duration // tick interval; defaults to 1 minute if zero
}

// Scheduler fires the retention and capacity passes whenever the cron
// schedule comes due.
type Scheduler struct {
	store         *buffer.Store
	logger        *slog.Logger
	schedule      cronlib.Schedule
	retentionDays int
	interval      time.Duration

	mu      sync.Mutex
	nextRun time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler with the given config. An invalid cron
// expression is an error; housekeeping silently never firing would let
// the store grow without bound.
func NewScheduler(cfg Config) (*Scheduler, error) {
	expr := cfg.Schedule
	if expr == "" {
		expr = "0 3 * * *"
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, err
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	retention := cfg.RetentionDays
	if retention <= 0 {
		retention = 7
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:         cfg.Store,
		logger:        logger,
		schedule:      schedule,
		retentionDays: retention,
		interval:      interval,
		nextRun:       schedule.Next(time.Now()),
	}, nil
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("housekeeping scheduler started", "next_run", s.NextRun())
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("housekeeping scheduler stopped")
}

// NextRun returns the next scheduled housekeeping time.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRun
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, time.Now())
		}
	}
}

// tick fires housekeeping if the schedule has come due.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	due := !now.Before(s.nextRun)
	if due {
		s.nextRun = s.schedule.Next(now)
	}
	s.mu.Unlock()
	if !due {
		return
	}
	s.RunOnce(ctx)
}

// RunOnce executes one housekeeping pass immediately.
func (s *Scheduler) RunOnce(ctx context.Context) {
	deleted, err := s.store.Cleanup(ctx, s.retentionDays)
	if err != nil {
		s.logger.Error("housekeeping: retention cleanup", "error", err)
	} else if deleted > 0 {
		s.logger.Info("housekeeping: retention cleanup",
			"deleted", deleted,
			"retention_days", s.retentionDays,
		)
	}

	evicted, err := s.store.EnforceCapacity(ctx)
	if err != nil {
		s.logger.Error("housekeeping: capacity sweep", "error", err)
	} else if evicted > 0 {
		s.logger.Warn("housekeeping: capacity sweep evicted events", "evicted", evicted)
	}
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
