// Command adherenced is the workstation pipeline daemon. It buffers
// captured activity events durably in SQLite and drains them to the
// remote collector with adaptive batching, keeps the remote configuration
// cache fresh, and supervises the per-session companion process.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/tamerWagih/adherence-monitoring-system-sub001/internal/audit"
	"github.com/tamerWagih/adherence-monitoring-system-sub001/internal/buffer"
	"github.com/tamerWagih/adherence-monitoring-system-sub001/internal/bus"
	"github.com/tamerWagih/adherence-monitoring-system-sub001/internal/config"
	"github.com/tamerWagih/adherence-monitoring-system-sub001/internal/configsync"
	"github.com/tamerWagih/adherence-monitoring-system-sub001/internal/credential"
	"github.com/tamerWagih/adherence-monitoring-system-sub001/internal/cron"
	otelPkg "github.com/tamerWagih/adherence-monitoring-system-sub001/internal/otel"
	"github.com/tamerWagih/adherence-monitoring-system-sub001/internal/session"
	"github.com/tamerWagih/adherence-monitoring-system-sub001/internal/telemetry"
	"github.com/tamerWagih/adherence-monitoring-system-sub001/internal/uploader"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Run the pipeline loops in the foreground

SUBCOMMANDS:
  %s bootstrap --device-id <id> --device-key <key>
                              Store the provisioning credential
  %s status                   Show coarse pipeline health
  %s doctor [-json]           Run diagnostic checks

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  ADHERENCE_HOME              Data directory (default: ~/.adherenced)
  ADHERENCE_ENDPOINT          Collector base URL
  ADHERENCE_LOG_LEVEL         debug, info, warn, error
`)
}

func main() {
	quiet := flag.Bool("quiet", false, "log to file only, keep stdout clean")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "bootstrap":
			os.Exit(runBootstrapCommand(args[1:]))
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version)

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.OTel.Enabled,
		Exporter:    cfg.OTel.Exporter,
		Endpoint:    cfg.OTel.Endpoint,
		ServiceName: cfg.OTel.ServiceName,
		SampleRate:  cfg.OTel.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	pipelineBus := bus.New()
	go meterBusEvents(ctx, pipelineBus, metrics)

	// Losing buffered events is the one failure this daemon exists to
	// prevent; without the store there is nothing to run.
	store, err := buffer.Open(cfg.BufferPath(), buffer.Options{
		Bus:                 pipelineBus,
		Capacity:            cfg.Buffer.Capacity,
		Headroom:            cfg.Buffer.Headroom,
		EnforcementInterval: time.Duration(cfg.Buffer.EnforcementIntervalSeconds) * time.Second,
		Staleness:           time.Duration(cfg.Buffer.StalenessMinutes) * time.Minute,
	})
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "store_open", "path", cfg.BufferPath())

	credentials := credential.NewMachineStore(cfg.HomeDir)
	if _, registered, _ := credentials.Load(); !registered {
		logger.Warn("device not registered, buffering only",
			"hint", "run: adherenced bootstrap --device-id <id> --device-key <key>",
		)
	}

	syncer, err := configsync.New(configsync.Config{
		Endpoint:    strings.TrimRight(cfg.Endpoint, "/") + "/config",
		HomeDir:     cfg.HomeDir,
		Credentials: credentials,
		Logger:      logger,
		Interval:    time.Duration(cfg.Sync.IntervalSeconds) * time.Second,
	})
	if err != nil {
		fatalStartup(logger, "E_CONFIGSYNC_INIT", err)
	}

	sched := uploader.NewScheduler(uploader.Config{
		Store:         store,
		Sender:        uploader.NewClient(strings.TrimRight(cfg.Endpoint, "/")+"/events", time.Duration(cfg.Upload.RequestTimeoutSeconds)*time.Second),
		Credentials:   credentials,
		Logger:        logger,
		Bus:           pipelineBus,
		Metrics:       metrics,
		Tracer:        otelProvider.Tracer,
		Control:       controlConfig(cfg.Upload, syncer.Latest()),
		MaxRetry:      cfg.Buffer.MaxRetry,
		StaggerSpread: time.Duration(cfg.Upload.StaggerSpreadSeconds) * time.Second,
	})

	housekeeping, err := cron.NewScheduler(cron.Config{
		Store:         store,
		Logger:        logger,
		Schedule:      cfg.Buffer.CleanupSchedule,
		RetentionDays: cfg.Buffer.RetentionDays,
	})
	if err != nil {
		fatalStartup(logger, "E_CRON_INIT", err)
	}

	supervisor := session.NewSupervisor(session.Config{
		Launcher: newLauncher(cfg, logger),
		Logger:   logger,
		Bus:      pipelineBus,
		Interval: time.Duration(cfg.Session.PollSeconds) * time.Second,
	})

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go logReloads(ctx, watcher, logger)
	}

	syncer.Start(ctx)
	sched.Start(ctx)
	housekeeping.Start(ctx)
	if cfg.SessionEnabled() {
		supervisor.Start(ctx)
	} else {
		logger.Info("session supervisor disabled by config")
	}
	logger.Info("startup phase", "phase", "running")

	<-ctx.Done()
	logger.Info("shutdown requested")

	if cfg.SessionEnabled() {
		supervisor.Stop()
	}
	housekeeping.Stop()
	sched.Stop()
	syncer.Stop()
	logger.Info("shutdown complete")
}

// controlConfig layers the remote document's overrides over the local
// upload defaults.
func controlConfig(u config.UploadConfig, remote configsync.RemoteConfig) uploader.ControlConfig {
	cc := uploader.ControlConfig{
		BatchSize:       u.BatchSize,
		BatchCeiling:    u.BatchCeiling,
		BatchFloor:      u.BatchFloor,
		BatchIncrement:  u.BatchIncrement,
		Interval:        time.Duration(u.IntervalSeconds) * time.Second,
		MinInterval:     time.Duration(u.MinIntervalSeconds) * time.Second,
		MaxInterval:     time.Duration(u.MaxIntervalSeconds) * time.Second,
		OutageThreshold: u.OutageThreshold,
		OutageSpread:    time.Duration(u.OutageSpreadSeconds) * time.Second,
	}
	if remote.BatchSize > 0 {
		cc.BatchSize = min(remote.BatchSize, cc.BatchCeiling)
	}
	return cc
}

// newLauncher picks the platform session launcher. The companion binary is
// expected next to our own executable.
func newLauncher(cfg config.Config, logger *slog.Logger) session.Launcher {
	if runtime.GOOS != "linux" {
		logger.Warn("session supervision unsupported on this platform", "os", runtime.GOOS)
		return session.NoopLauncher{}
	}
	exe, err := os.Executable()
	if err != nil {
		logger.Warn("cannot locate own executable, session supervision disabled", "error", err)
		return session.NoopLauncher{}
	}
	return session.NewLoginctlLauncher(filepath.Join(filepath.Dir(exe), cfg.Session.CompanionName))
}

// meterBusEvents bridges buffer lifecycle events onto the otel
// instruments. The buffer package stays metrics-free; it only publishes.
func meterBusEvents(ctx context.Context, b *bus.Bus, m *otelPkg.Metrics) {
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			switch ev.Topic {
			case bus.TopicEventAdded:
				m.EventsBuffered.Add(ctx, 1)
				m.BufferDepth.Add(ctx, 1)
			case bus.TopicCapacityEvicted:
				if payload, ok := ev.Payload.(bus.CapacityEvicted); ok {
					m.EventsEvicted.Add(ctx, int64(payload.Deleted))
					m.BufferDepth.Add(ctx, -int64(payload.Deleted))
				}
			case bus.TopicStaleRequeued:
				if n, ok := ev.Payload.(int); ok {
					m.EventsRequeued.Add(ctx, int64(n))
				}
			case bus.TopicBatchSent:
				if payload, ok := ev.Payload.(bus.BatchOutcome); ok {
					m.BufferDepth.Add(ctx, -int64(payload.Size))
				}
			}
		}
	}
}

func logReloads(ctx context.Context, w *config.Watcher, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			// Interval and batch-size changes apply on the next daemon
			// restart; the log line tells the operator the edit was seen.
			logger.Info("configuration change detected", "path", ev.Path)
		}
	}
}

// fatalStartup reports an unrecoverable initialization failure and exits.
func fatalStartup(logger *slog.Logger, code string, err error) {
	if logger != nil {
		logger.Error("startup failed", "code", code, "error", err)
	}
	fmt.Fprintf(os.Stderr, "adherenced: %s: %v\n", code, err)
	os.Exit(1)
}
