// Command sessionagent is the per-session companion process. It samples
// foreground-window and idle activity, writes events into the shared
// durable buffer, and shows a coarse status view when run on a terminal.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"

	"github.com/tamerWagih/adherence-monitoring-system-sub001/internal/buffer"
	"github.com/tamerWagih/adherence-monitoring-system-sub001/internal/config"
	"github.com/tamerWagih/adherence-monitoring-system-sub001/internal/configsync"
	"github.com/tamerWagih/adherence-monitoring-system-sub001/internal/credential"
	"github.com/tamerWagih/adherence-monitoring-system-sub001/internal/shared"
	"github.com/tamerWagih/adherence-monitoring-system-sub001/internal/telemetry"
)

func main() {
	interactive := isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("ADHERENCE_NO_TUI") == ""

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "sessionagent: config load: %v\n", err)
		os.Exit(1)
	}

	// File-only logs on a TTY so the status view stays clean.
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, interactive)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sessionagent: logger init: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger = logger.With("process", "sessionagent")

	// Same store file as the daemon; the buffer package serializes access.
	store, err := buffer.Open(cfg.BufferPath(), buffer.Options{
		Capacity:            cfg.Buffer.Capacity,
		Headroom:            cfg.Buffer.Headroom,
		EnforcementInterval: time.Duration(cfg.Buffer.EnforcementIntervalSeconds) * time.Second,
	})
	if err != nil {
		logger.Error("open shared store", "error", err)
		fmt.Fprintf(os.Stderr, "sessionagent: open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	credentials := credential.NewMachineStore(cfg.HomeDir)

	syncer, err := configsync.New(configsync.Config{
		Endpoint:    strings.TrimRight(cfg.Endpoint, "/") + "/config",
		HomeDir:     cfg.HomeDir,
		Credentials: credentials,
		Logger:      logger,
		Interval:    time.Duration(cfg.Sync.IntervalSeconds) * time.Second,
	})
	if err != nil {
		logger.Error("config sync init", "error", err)
		os.Exit(1)
	}

	capture := NewCapture(CaptureConfig{
		Store:  store,
		Source: newPlatformSource(),
		Syncer: syncer,
		Logger: logger,
	})

	capture.Start(ctx)
	defer capture.Stop()

	if interactive {
		p := tea.NewProgram(newStatusModel(store, credentials, capture.Subject()))
		go func() {
			<-ctx.Done()
			p.Quit()
		}()
		if _, err := p.Run(); err != nil {
			logger.Error("status view", "error", err)
		}
		return
	}

	// Headless: print the summary once, then run until signalled.
	if summary, err := summarize(ctx, store, credentials); err == nil {
		fmt.Println(summary.String())
	}
	<-ctx.Done()
}

func summarize(ctx context.Context, store *buffer.Store, creds credential.Store) (shared.Summary, error) {
	_, registered, err := creds.Load()
	if err != nil {
		return shared.Summary{}, err
	}
	pending, err := store.CountPending(ctx)
	if err != nil {
		return shared.Summary{}, err
	}
	failed, err := store.CountFailed(ctx)
	if err != nil {
		return shared.Summary{}, err
	}
	return shared.Summarize(registered, pending, failed), nil
}
