package configsync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/tamerWagih/adherence-monitoring-system-sub001/internal/credential"
)

// staticCreds is a fixed credential backend for tests.
type staticCreds struct {
	id  string
	key string
	set bool
}

func (s *staticCreds) Save(credential.Credential) error { return nil }
func (s *staticCreds) Delete() error                    { return nil }
func (s *staticCreds) Load() (credential.Credential, bool, error) {
	return credential.Credential{DeviceID: s.id, DeviceKey: s.key}, s.set, nil
}

func registered() *staticCreds {
	return &staticCreds{id: "dev-1", key: "k", set: true}
}

func TestRefreshAppliesValidDocument(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Device-Id") != "dev-1" {
			t.Errorf("missing device id header")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"batch_size": 100,
			"sync_interval_seconds": 300,
			"idle_threshold_seconds": 180,
			"classification_rules": [
				{"pattern": "editor", "field": "application_name", "work_related": true}
			],
			"break_schedules": [
				{"name": "lunch", "start": "12:00", "end": "13:00", "days": [1,2,3,4,5]}
			]
		}`))
	}))
	defer srv.Close()

	s := newTestSyncer(t, srv.URL, registered())
	if err := s.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	got := s.Latest()
	if got.BatchSize != 100 || got.IdleThresholdSeconds != 180 {
		t.Fatalf("unexpected config: %+v", got)
	}
	if len(got.ClassificationRules) != 1 || got.ClassificationRules[0].Pattern != "editor" {
		t.Fatalf("rules not decoded: %+v", got.ClassificationRules)
	}
	if len(got.BreakSchedules) != 1 || got.BreakSchedules[0].Name != "lunch" {
		t.Fatalf("break schedules not decoded: %+v", got.BreakSchedules)
	}
}

func TestRefreshRejectsInvalidDocument(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		// batch_size below the schema minimum.
		_, _ = w.Write([]byte(`{"batch_size": 0}`))
	}))
	defer srv.Close()

	s := newTestSyncer(t, srv.URL, registered())
	// Seed a known-good state first.
	s.mu.Lock()
	s.latest = RemoteConfig{BatchSize: 75}
	s.mu.Unlock()

	if err := s.Refresh(context.Background()); err == nil {
		t.Fatal("expected validation error")
	}
	if got := s.Latest(); got.BatchSize != 75 {
		t.Fatalf("invalid document must not replace current config, got %+v", got)
	}
}

func TestRefreshRejectsMalformedRule(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"classification_rules": [{"pattern": "x", "field": "not_a_field", "work_related": true}]}`))
	}))
	defer srv.Close()

	s := newTestSyncer(t, srv.URL, registered())
	if err := s.Refresh(context.Background()); err == nil {
		t.Fatal("expected validation error for unknown field selector")
	}
}

func TestRefreshUnregisteredFails(t *testing.T) {
	s := newTestSyncer(t, "http://localhost:0", &staticCreds{})
	if err := s.Refresh(context.Background()); err == nil {
		t.Fatal("expected error before registration")
	}
}

func TestRefreshServerErrorKeepsState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := newTestSyncer(t, srv.URL, registered())
	s.mu.Lock()
	s.latest = RemoteConfig{BatchSize: 42}
	s.mu.Unlock()

	if err := s.Refresh(context.Background()); err == nil {
		t.Fatal("expected error on 500")
	}
	if got := s.Latest(); got.BatchSize != 42 {
		t.Fatalf("server error must not clear config, got %+v", got)
	}
}

func TestCacheSurvivesRestart(t *testing.T) {
	home := t.TempDir()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"batch_size": 200, "idle_threshold_seconds": 240}`))
	}))
	defer srv.Close()

	s1, err := New(Config{Endpoint: srv.URL, HomeDir: home, Credentials: registered()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s1.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	if _, err := os.Stat(filepath.Join(home, CacheFileName)); err != nil {
		t.Fatalf("expected cache file: %v", err)
	}

	// A fresh syncer over the same home sees the cached document without
	// touching the network.
	s2, err := New(Config{Endpoint: "http://localhost:0", HomeDir: home, Credentials: registered()})
	if err != nil {
		t.Fatalf("New (restart): %v", err)
	}
	got := s2.Latest()
	if got.BatchSize != 200 || got.IdleThresholdSeconds != 240 {
		t.Fatalf("cache not restored: %+v", got)
	}
}

func TestCorruptCacheIgnored(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(filepath.Join(home, CacheFileName), []byte(":\n\t- not yaml"), 0o644); err != nil {
		t.Fatalf("write corrupt cache: %v", err)
	}
	s, err := New(Config{Endpoint: "http://localhost:0", HomeDir: home, Credentials: registered()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := s.Latest(); got.BatchSize != 0 {
		t.Fatalf("corrupt cache must yield zero config, got %+v", got)
	}
}

func newTestSyncer(t *testing.T, endpoint string, creds *staticCreds) *Syncer {
	t.Helper()
	s, err := New(Config{Endpoint: endpoint, HomeDir: t.TempDir(), Credentials: creds})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}
