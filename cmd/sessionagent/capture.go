package main

import (
	"context"
	"log/slog"
	"os/user"
	"strings"
	"sync"
	"time"

	"github.com/tamerWagih/adherence-monitoring-system-sub001/internal/buffer"
	"github.com/tamerWagih/adherence-monitoring-system-sub001/internal/configsync"
)

// WindowSample is one observation of the foreground window.
type WindowSample struct {
	ApplicationName string
	ApplicationPath string
	WindowTitle     string
}

// Source abstracts the platform capture hooks so the pollers can run
// against a fake in tests and a per-OS implementation in production.
type Source interface {
	// ForegroundWindow samples the currently focused window. ok=false when
	// nothing is focused (lock screen, display off).
	ForegroundWindow(ctx context.Context) (WindowSample, bool, error)
	// IdleDuration reports how long the session has been without input.
	IdleDuration(ctx context.Context) (time.Duration, error)
}

// Capture polls the source and writes events into the shared buffer. One
// Capture runs per interactive session.
type Capture struct {
	store    *buffer.Store
	source   Source
	syncer   *configsync.Syncer
	logger   *slog.Logger
	subject  string
	interval time.Duration

	mu         sync.Mutex
	lastSample WindowSample
	haveSample bool
	idle       bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// CaptureConfig holds the dependencies for the capture pollers.
type CaptureConfig struct {
	Store    *buffer.Store
	Source   Source
	Syncer   *configsync.Syncer
	Logger   *slog.Logger
	Interval time.Duration // sampling interval; defaults to 5 seconds
}

// NewCapture builds the capture pollers for the current OS user.
func NewCapture(cfg CaptureConfig) *Capture {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	subject := "unknown"
	if u, err := user.Current(); err == nil && u.Username != "" {
		subject = u.Username
	}
	return &Capture{
		store:    cfg.Store,
		source:   cfg.Source,
		syncer:   cfg.Syncer,
		logger:   logger,
		subject:  subject,
		interval: interval,
	}
}

// Subject returns the identity attached to captured events.
func (c *Capture) Subject() string {
	return c.subject
}

// Start begins the sampling loop.
func (c *Capture) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.loop(ctx)
	c.logger.Info("capture started", "subject", c.subject, "interval", c.interval)
}

// Stop cancels the loop and waits for it to exit.
func (c *Capture) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.logger.Info("capture stopped")
}

func (c *Capture) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	heartbeat := time.NewTicker(time.Minute)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sample(ctx)
		case <-heartbeat.C:
			c.emit(ctx, buffer.Event{
				Type:            buffer.EventHeartbeat,
				Timestamp:       time.Now(),
				SubjectIdentity: c.subject,
			})
		}
	}
}

// sample takes one observation: focus changes become app_focus events,
// idle-threshold crossings become idle_start/idle_end pairs.
func (c *Capture) sample(ctx context.Context) {
	threshold := c.idleThreshold()
	if idle, err := c.source.IdleDuration(ctx); err == nil {
		c.observeIdle(ctx, idle >= threshold)
	} else {
		c.logger.Debug("idle probe failed", "error", err)
	}

	win, ok, err := c.source.ForegroundWindow(ctx)
	if err != nil {
		c.logger.Debug("window probe failed", "error", err)
		return
	}
	if !ok {
		return
	}

	c.mu.Lock()
	changed := !c.haveSample || win != c.lastSample
	c.lastSample = win
	c.haveSample = true
	c.mu.Unlock()
	if !changed {
		return
	}

	c.emit(ctx, buffer.Event{
		Type:            buffer.EventAppFocus,
		Timestamp:       time.Now(),
		SubjectIdentity: c.subject,
		ApplicationName: win.ApplicationName,
		ApplicationPath: win.ApplicationPath,
		WindowTitle:     win.WindowTitle,
		WorkFlag:        c.classify(win),
	})
}

func (c *Capture) observeIdle(ctx context.Context, idle bool) {
	c.mu.Lock()
	changed := idle != c.idle
	c.idle = idle
	c.mu.Unlock()
	if !changed {
		return
	}

	evType := buffer.EventIdleEnd
	if idle {
		evType = buffer.EventIdleStart
	}
	c.emit(ctx, buffer.Event{
		Type:            evType,
		Timestamp:       time.Now(),
		SubjectIdentity: c.subject,
	})
}

func (c *Capture) emit(ctx context.Context, ev buffer.Event) {
	if _, err := c.store.Add(ctx, ev); err != nil {
		// Capture carries on; a failed write loses one sample, not the loop.
		c.logger.Error("capture: buffer event", "type", ev.Type, "error", err)
	}
}

// classify applies the remote classification rules to a sample.
func (c *Capture) classify(win WindowSample) buffer.WorkFlag {
	if c.syncer == nil {
		return buffer.WorkUnknown
	}
	for _, rule := range c.syncer.Latest().ClassificationRules {
		var field string
		switch rule.Field {
		case "application_name":
			field = win.ApplicationName
		case "application_path":
			field = win.ApplicationPath
		case "window_title":
			field = win.WindowTitle
		default:
			continue
		}
		if field == "" || !containsFold(field, rule.Pattern) {
			continue
		}
		if rule.WorkRelated {
			return buffer.WorkRelated
		}
		return buffer.WorkUnrelated
	}
	return buffer.WorkUnknown
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// idleThreshold reads the remote idle threshold, defaulting to 5 minutes.
func (c *Capture) idleThreshold() time.Duration {
	if c.syncer != nil {
		if secs := c.syncer.Latest().IdleThresholdSeconds; secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 5 * time.Minute
}
