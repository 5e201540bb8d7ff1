package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tamerWagih/adherence-monitoring-system-sub001/internal/audit"
	"github.com/tamerWagih/adherence-monitoring-system-sub001/internal/bus"
)

// Config holds the dependencies for the supervisor.
type Config struct {
	Launcher Launcher
	Logger   *slog.Logger
	Bus      *bus.Bus
	Interval time.Duration // poll interval; defaults to 30 seconds if zero
}

// Supervisor polls for interactive sessions and launches the companion
// in any that lack one. Failures are logged and retried on the next
// tick; the supervisor itself never gives up.
type Supervisor struct {
	launcher Launcher
	logger   *slog.Logger
	bus      *bus.Bus
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSupervisor creates a Supervisor with the given config.
func NewSupervisor(cfg Config) *Supervisor {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		launcher: cfg.Launcher,
		logger:   logger,
		bus:      cfg.Bus,
		interval: interval,
	}
}

// Start begins the supervision loop in a background goroutine.
func (s *Supervisor) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("session supervisor started", "interval", s.interval)
}

// Stop cancels the loop and waits for it to exit.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("session supervisor stopped")
}

func (s *Supervisor) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick reconciles companion processes against active sessions once.
func (s *Supervisor) tick(ctx context.Context) {
	sessions, err := s.launcher.ActiveSessions(ctx)
	if err != nil {
		s.logger.Error("session: list active sessions", "error", err)
		return
	}
	for _, sess := range sessions {
		s.reconcile(ctx, sess)
	}
}

func (s *Supervisor) reconcile(ctx context.Context, sess Session) {
	running, err := s.launcher.CompanionRunning(ctx, sess)
	if err != nil {
		s.logger.Error("session: check companion",
			"session_id", sess.ID,
			"user", sess.User,
			"error", err,
		)
		return
	}
	if running {
		return
	}

	if err := s.launcher.Launch(ctx, sess); err != nil {
		s.logger.Error("session: launch companion",
			"session_id", sess.ID,
			"user", sess.User,
			"error", err,
		)
		return
	}

	s.logger.Info("companion launched", "session_id", sess.ID, "user", sess.User)
	audit.Record(audit.ActionCompanionLaunched, "session "+sess.ID+" user "+sess.User)
	if s.bus != nil {
		s.bus.Publish(bus.TopicCompanionLaunched, bus.CompanionLaunched{
			SessionID: sess.ID,
			User:      sess.User,
		})
	}
}
