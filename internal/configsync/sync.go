// Package configsync periodically refreshes the remote configuration
// document (batch sizing, idle threshold, classification rules, break
// schedules) and caches the last valid copy on disk so the pipeline keeps
// its tuning across restarts and offline stretches.
package configsync

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/tamerWagih/adherence-monitoring-system-sub001/internal/credential"
)

//go:embed schema.json
var schemaJSON []byte

// CacheFileName is the on-disk cache of the last valid remote document.
const CacheFileName = "remote-config.yaml"

// ClassificationRule tags captured events as work related or not by
// matching a substring against one event field.
type ClassificationRule struct {
	Pattern     string `json:"pattern" yaml:"pattern"`
	Field       string `json:"field" yaml:"field"`
	WorkRelated bool   `json:"work_related" yaml:"work_related"`
}

// BreakSchedule is a recurring window during which idle time is expected.
type BreakSchedule struct {
	Name  string `json:"name" yaml:"name"`
	Start string `json:"start" yaml:"start"`
	End   string `json:"end" yaml:"end"`
	Days  []int  `json:"days,omitempty" yaml:"days,omitempty"`
}

// RemoteConfig is the server-provided tuning document. Zero fields mean
// the server did not override the local default.
type RemoteConfig struct {
	BatchSize            int                  `json:"batch_size,omitempty" yaml:"batch_size,omitempty"`
	SyncIntervalSeconds  int                  `json:"sync_interval_seconds,omitempty" yaml:"sync_interval_seconds,omitempty"`
	IdleThresholdSeconds int                  `json:"idle_threshold_seconds,omitempty" yaml:"idle_threshold_seconds,omitempty"`
	ClassificationRules  []ClassificationRule `json:"classification_rules,omitempty" yaml:"classification_rules,omitempty"`
	BreakSchedules       []BreakSchedule      `json:"break_schedules,omitempty" yaml:"break_schedules,omitempty"`
}

// Config holds the dependencies for the sync loop.
type Config struct {
	// Endpoint is the full URL of the configuration resource.
	Endpoint    string
	HomeDir     string
	Credentials credential.Store
	Logger      *slog.Logger
	Interval    time.Duration
	Timeout     time.Duration
}

// Syncer fetches, validates and caches the remote configuration.
type Syncer struct {
	endpoint    string
	cachePath   string
	credentials credential.Store
	logger      *slog.Logger
	interval    time.Duration
	http        *http.Client
	schema      *jsonschema.Schema

	mu     sync.RWMutex
	latest RemoteConfig

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Syncer and loads the cached document if one exists, so
// Latest() is useful before the first successful fetch.
func New(cfg Config) (*Syncer, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal config schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add config schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile config schema: %w", err)
	}

	s := &Syncer{
		endpoint:    cfg.Endpoint,
		cachePath:   filepath.Join(cfg.HomeDir, CacheFileName),
		credentials: cfg.Credentials,
		logger:      logger,
		interval:    interval,
		http:        &http.Client{Timeout: timeout},
		schema:      schema,
	}
	s.loadCache()
	return s, nil
}

// Latest returns a snapshot of the most recent valid configuration.
func (s *Syncer) Latest() RemoteConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}

// Start begins the refresh loop. It fetches once immediately, then on
// each tick.
func (s *Syncer) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("config sync started", "interval", s.interval)
}

// Stop cancels the loop and waits for it to exit.
func (s *Syncer) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("config sync stopped")
}

func (s *Syncer) loop(ctx context.Context) {
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

func (s *Syncer) tick(ctx context.Context) {
	if err := s.Refresh(ctx); err != nil {
		// The last valid document keeps applying; a failed refresh is an
		// ordinary offline condition, not an error state.
		s.logger.Debug("config refresh failed", "error", err)
	}
}

// Refresh fetches and applies the remote document once. An invalid or
// unreachable document leaves the current configuration untouched.
func (s *Syncer) Refresh(ctx context.Context) error {
	cred, ok, err := s.credentials.Load()
	if err != nil {
		return fmt.Errorf("load credential: %w", err)
	}
	if !ok {
		return fmt.Errorf("device not registered")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-Device-Id", cred.DeviceID)
	req.Header.Set("X-Device-Key", cred.DeviceKey)

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("fetch config: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("fetch config: %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read config body: %w", err)
	}

	cfg, err := s.parse(body)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.latest = cfg
	s.mu.Unlock()

	if err := s.writeCache(cfg); err != nil {
		s.logger.Warn("config cache write failed", "error", err)
	}
	s.logger.Info("remote config applied",
		"batch_size", cfg.BatchSize,
		"rules", len(cfg.ClassificationRules),
		"break_schedules", len(cfg.BreakSchedules),
	)
	return nil
}

// parse validates the raw document against the schema before decoding.
func (s *Syncer) parse(body []byte) (RemoteConfig, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return RemoteConfig{}, fmt.Errorf("parse config document: %w", err)
	}
	if err := s.schema.Validate(doc); err != nil {
		return RemoteConfig{}, fmt.Errorf("validate config document: %w", err)
	}
	var cfg RemoteConfig
	if err := json.Unmarshal(body, &cfg); err != nil {
		return RemoteConfig{}, fmt.Errorf("decode config document: %w", err)
	}
	return cfg, nil
}

// loadCache restores the last valid document from disk. A missing or
// corrupt cache is silently ignored; the next refresh rebuilds it.
func (s *Syncer) loadCache() {
	data, err := os.ReadFile(s.cachePath)
	if err != nil {
		return
	}
	var cfg RemoteConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		s.logger.Warn("discarding corrupt config cache", "path", s.cachePath, "error", err)
		return
	}
	s.latest = cfg
}

// writeCache replaces the cache atomically so a crash mid-write never
// leaves a truncated document.
func (s *Syncer) writeCache(cfg RemoteConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.cachePath), ".remote-config-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, s.cachePath)
}
