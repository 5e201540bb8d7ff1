package main

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tamerWagih/adherence-monitoring-system-sub001/internal/buffer"
)

// fakeSource scripts window and idle observations.
type fakeSource struct {
	mu     sync.Mutex
	window WindowSample
	focus  bool
	idle   time.Duration
}

func (f *fakeSource) ForegroundWindow(context.Context) (WindowSample, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.window, f.focus, nil
}

func (f *fakeSource) IdleDuration(context.Context) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.idle, nil
}

func (f *fakeSource) set(win WindowSample, focus bool, idle time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.window, f.focus, f.idle = win, focus, idle
}

func openTestStore(t *testing.T) *buffer.Store {
	t.Helper()
	store, err := buffer.Open(filepath.Join(t.TempDir(), "buffer.db"), buffer.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func eventTypes(t *testing.T, store *buffer.Store) []string {
	t.Helper()
	rows, err := store.DB().Query(`SELECT event_type FROM events ORDER BY id`)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer rows.Close()
	var types []string
	for rows.Next() {
		var et string
		if err := rows.Scan(&et); err != nil {
			t.Fatalf("scan: %v", err)
		}
		types = append(types, et)
	}
	return types
}

func TestSampleEmitsFocusChangeOnce(t *testing.T) {
	store := openTestStore(t)
	src := &fakeSource{}
	src.set(WindowSample{ApplicationName: "editor", WindowTitle: "main.go"}, true, 0)

	c := NewCapture(CaptureConfig{Store: store, Source: src})
	ctx := context.Background()

	c.sample(ctx)
	c.sample(ctx) // same window, no new event
	if types := eventTypes(t, store); len(types) != 1 || types[0] != "app_focus" {
		t.Fatalf("expected one app_focus, got %v", types)
	}

	src.set(WindowSample{ApplicationName: "browser", WindowTitle: "docs"}, true, 0)
	c.sample(ctx)
	if types := eventTypes(t, store); len(types) != 2 {
		t.Fatalf("expected second app_focus after focus change, got %v", types)
	}
}

func TestSampleNoFocusEmitsNothing(t *testing.T) {
	store := openTestStore(t)
	src := &fakeSource{}
	src.set(WindowSample{}, false, 0)

	c := NewCapture(CaptureConfig{Store: store, Source: src})
	c.sample(context.Background())
	if types := eventTypes(t, store); len(types) != 0 {
		t.Fatalf("expected no events without focus, got %v", types)
	}
}

func TestSampleIdleTransitions(t *testing.T) {
	store := openTestStore(t)
	src := &fakeSource{}
	src.set(WindowSample{}, false, 0)

	c := NewCapture(CaptureConfig{Store: store, Source: src})
	ctx := context.Background()

	// Crossing the threshold fires idle_start exactly once.
	src.set(WindowSample{}, false, 10*time.Minute)
	c.sample(ctx)
	c.sample(ctx)
	if types := eventTypes(t, store); len(types) != 1 || types[0] != "idle_start" {
		t.Fatalf("expected one idle_start, got %v", types)
	}

	// Activity resumes: idle_end.
	src.set(WindowSample{}, false, 0)
	c.sample(ctx)
	types := eventTypes(t, store)
	if len(types) != 2 || types[1] != "idle_end" {
		t.Fatalf("expected idle_end, got %v", types)
	}
}

func TestClassifyWithoutSyncerIsUnknown(t *testing.T) {
	c := NewCapture(CaptureConfig{Store: openTestStore(t), Source: &fakeSource{}})
	if got := c.classify(WindowSample{ApplicationName: "editor"}); got != buffer.WorkUnknown {
		t.Fatalf("expected WorkUnknown without rules, got %v", got)
	}
}

func TestContainsFold(t *testing.T) {
	if !containsFold("Visual Studio Code", "studio") {
		t.Fatal("expected case-insensitive substring match")
	}
	if containsFold("terminal", "editor") {
		t.Fatal("unexpected match")
	}
}
