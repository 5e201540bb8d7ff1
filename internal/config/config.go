// Package config loads the local YAML configuration for the adherence
// pipeline. Values from <home>/config.yaml are layered over defaults, then
// environment overrides are applied on top. The remote configuration
// document fetched by configsync seeds only the upload defaults; it never
// touches this file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// BufferConfig controls the local event store.
type BufferConfig struct {
	// Path overrides the store file location. Empty means <home>/buffer.db.
	Path string `yaml:"path"`

	// Capacity is the hard ceiling for rows in PENDING, FAILED or
	// PROCESSING. Headroom is how far below capacity an eviction pass
	// drains, so sweeps do not run on every insert.
	Capacity int `yaml:"capacity"`
	Headroom int `yaml:"headroom"`

	RetentionDays int `yaml:"retention_days"`
	MaxRetry      int `yaml:"max_retry"`

	// StalenessMinutes is how long a row may sit in PROCESSING before the
	// next GetPending treats it as abandoned and requeues it.
	StalenessMinutes int `yaml:"staleness_minutes"`

	// EnforcementIntervalSeconds gates the capacity sweep triggered as a
	// side effect of Add.
	EnforcementIntervalSeconds int `yaml:"enforcement_interval_seconds"`

	// CleanupSchedule is a 5-field cron expression for the retention pass.
	CleanupSchedule string `yaml:"cleanup_schedule"`
}

// UploadConfig seeds the scheduler's adaptive control state.
type UploadConfig struct {
	BatchSize      int `yaml:"batch_size"`
	BatchCeiling   int `yaml:"batch_ceiling"`
	BatchFloor     int `yaml:"batch_floor"`
	BatchIncrement int `yaml:"batch_increment"`

	IntervalSeconds    int `yaml:"interval_seconds"`
	MinIntervalSeconds int `yaml:"min_interval_seconds"`
	MaxIntervalSeconds int `yaml:"max_interval_seconds"`

	// OutageThreshold is the consecutive-network-error count that flips the
	// scheduler into outage mode; OutageSpreadSeconds is the window the
	// identity-derived reconnect delay is spread across.
	OutageThreshold     int `yaml:"outage_threshold"`
	OutageSpreadSeconds int `yaml:"outage_spread_seconds"`

	StaggerSpreadSeconds  int `yaml:"stagger_spread_seconds"`
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
}

// SessionConfig controls the companion-process supervisor.
type SessionConfig struct {
	Enabled       *bool  `yaml:"enabled"`
	PollSeconds   int    `yaml:"poll_seconds"`
	CompanionName string `yaml:"companion_name"`
}

// SyncConfig controls the remote configuration refresh loop.
type SyncConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
}

// OTelConfig mirrors the telemetry exporter settings.
type OTelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	// Endpoint is the base URL of the remote collector.
	Endpoint string `yaml:"endpoint"`
	LogLevel string `yaml:"log_level"`

	Buffer  BufferConfig  `yaml:"buffer"`
	Upload  UploadConfig  `yaml:"upload"`
	Session SessionConfig `yaml:"session"`
	Sync    SyncConfig    `yaml:"config_sync"`
	OTel    OTelConfig    `yaml:"otel"`
}

// HomeDir resolves the pipeline data directory. ADHERENCE_HOME overrides the
// default of ~/.adherenced.
func HomeDir() string {
	if override := os.Getenv("ADHERENCE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".adherenced")
}

// Load reads <home>/config.yaml, applies defaults and env overrides. A
// missing config file is not an error; defaults apply.
func Load() (Config, error) {
	cfg := Config{HomeDir: HomeDir()}

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create pipeline home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// BufferPath returns the effective store file path.
func (c Config) BufferPath() string {
	if c.Buffer.Path != "" {
		return c.Buffer.Path
	}
	return filepath.Join(c.HomeDir, "buffer.db")
}

// SessionEnabled reports whether the companion supervisor should run.
// Defaults to on.
func (c Config) SessionEnabled() bool {
	if c.Session.Enabled == nil {
		return true
	}
	return *c.Session.Enabled
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	b := &cfg.Buffer
	if b.Capacity <= 0 {
		b.Capacity = 10000
	}
	if b.Headroom <= 0 {
		b.Headroom = 500
	}
	if b.Headroom >= b.Capacity {
		b.Headroom = b.Capacity / 10
	}
	if b.RetentionDays <= 0 {
		b.RetentionDays = 7
	}
	if b.MaxRetry <= 0 {
		b.MaxRetry = 5
	}
	if b.StalenessMinutes <= 0 {
		b.StalenessMinutes = 5
	}
	if b.EnforcementIntervalSeconds <= 0 {
		b.EnforcementIntervalSeconds = 60
	}
	if b.CleanupSchedule == "" {
		b.CleanupSchedule = "0 3 * * *"
	}

	u := &cfg.Upload
	if u.BatchSize <= 0 {
		u.BatchSize = 50
	}
	if u.BatchCeiling <= 0 {
		u.BatchCeiling = 500
	}
	if u.BatchFloor <= 0 {
		u.BatchFloor = 5
	}
	if u.BatchIncrement <= 0 {
		u.BatchIncrement = 10
	}
	if u.IntervalSeconds <= 0 {
		u.IntervalSeconds = int((60 * time.Second).Seconds())
	}
	if u.MinIntervalSeconds <= 0 {
		u.MinIntervalSeconds = 15
	}
	if u.MaxIntervalSeconds <= 0 {
		u.MaxIntervalSeconds = int((15 * time.Minute).Seconds())
	}
	if u.OutageThreshold <= 0 {
		u.OutageThreshold = 5
	}
	if u.OutageSpreadSeconds <= 0 {
		u.OutageSpreadSeconds = int((15 * time.Minute).Seconds())
	}
	if u.StaggerSpreadSeconds <= 0 {
		u.StaggerSpreadSeconds = int((5 * time.Minute).Seconds())
	}
	if u.RequestTimeoutSeconds <= 0 {
		u.RequestTimeoutSeconds = 30
	}

	if cfg.Session.PollSeconds <= 0 {
		cfg.Session.PollSeconds = 30
	}
	if cfg.Session.CompanionName == "" {
		cfg.Session.CompanionName = "sessionagent"
	}

	if cfg.Sync.IntervalSeconds <= 0 {
		cfg.Sync.IntervalSeconds = int((5 * time.Minute).Seconds())
	}

	if cfg.OTel.ServiceName == "" {
		cfg.OTel.ServiceName = "adherenced"
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("ADHERENCE_ENDPOINT"); raw != "" {
		cfg.Endpoint = raw
	}
	if raw := os.Getenv("ADHERENCE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("ADHERENCE_BUFFER_PATH"); raw != "" {
		cfg.Buffer.Path = raw
	}
	if raw := os.Getenv("ADHERENCE_BUFFER_CAPACITY"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Buffer.Capacity = v
		}
	}
	if raw := os.Getenv("ADHERENCE_UPLOAD_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Upload.IntervalSeconds = v
		}
	}
	if raw := os.Getenv("ADHERENCE_UPLOAD_BATCH_SIZE"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Upload.BatchSize = v
		}
	}
	if raw := os.Getenv("ADHERENCE_SESSION_POLL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Session.PollSeconds = v
		}
	}
}
