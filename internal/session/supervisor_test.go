package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tamerWagih/adherence-monitoring-system-sub001/internal/bus"
)

// fakeLauncher scripts session discovery and records launches.
type fakeLauncher struct {
	mu        sync.Mutex
	sessions  []Session
	running   map[string]bool
	listErr   error
	checkErr  error
	launches  []Session
	launchErr error
}

func (f *fakeLauncher) ActiveSessions(context.Context) ([]Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions, f.listErr
}

func (f *fakeLauncher) CompanionRunning(_ context.Context, sess Session) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[sess.ID], f.checkErr
}

func (f *fakeLauncher) Launch(_ context.Context, sess Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.launchErr != nil {
		return f.launchErr
	}
	f.launches = append(f.launches, sess)
	if f.running == nil {
		f.running = make(map[string]bool)
	}
	f.running[sess.ID] = true
	return nil
}

func (f *fakeLauncher) launched() []Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Session(nil), f.launches...)
}

func TestTickLaunchesMissingCompanion(t *testing.T) {
	l := &fakeLauncher{sessions: []Session{{ID: "3", User: "alice"}}}
	s := NewSupervisor(Config{Launcher: l})

	s.tick(context.Background())

	got := l.launched()
	if len(got) != 1 || got[0].User != "alice" {
		t.Fatalf("expected one launch for alice, got %v", got)
	}

	// The companion is now running, so another tick must not relaunch.
	s.tick(context.Background())
	if got := l.launched(); len(got) != 1 {
		t.Fatalf("expected exactly one launch, got %d", len(got))
	}
}

func TestTickSkipsRunningCompanion(t *testing.T) {
	l := &fakeLauncher{
		sessions: []Session{{ID: "3", User: "alice"}},
		running:  map[string]bool{"3": true},
	}
	s := NewSupervisor(Config{Launcher: l})

	s.tick(context.Background())
	if got := l.launched(); len(got) != 0 {
		t.Fatalf("expected no launches, got %v", got)
	}
}

func TestTickRetriesAfterLaunchFailure(t *testing.T) {
	l := &fakeLauncher{
		sessions:  []Session{{ID: "3", User: "alice"}},
		launchErr: errors.New("runuser: permission denied"),
	}
	s := NewSupervisor(Config{Launcher: l})

	s.tick(context.Background())
	if got := l.launched(); len(got) != 0 {
		t.Fatalf("launch should have failed, got %v", got)
	}

	// The failure clears; the next tick succeeds.
	l.mu.Lock()
	l.launchErr = nil
	l.mu.Unlock()
	s.tick(context.Background())
	if got := l.launched(); len(got) != 1 {
		t.Fatalf("expected launch on retry, got %v", got)
	}
}

func TestTickListFailureIsNonFatal(t *testing.T) {
	l := &fakeLauncher{listErr: errors.New("loginctl: not found")}
	s := NewSupervisor(Config{Launcher: l})
	s.tick(context.Background()) // must not panic

	l.mu.Lock()
	l.listErr = nil
	l.sessions = []Session{{ID: "7", User: "bob"}}
	l.mu.Unlock()
	s.tick(context.Background())
	if got := l.launched(); len(got) != 1 {
		t.Fatalf("expected recovery after list failure, got %v", got)
	}
}

func TestSupervisorPublishesLaunchEvents(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("session.")
	defer b.Unsubscribe(sub)

	l := &fakeLauncher{sessions: []Session{{ID: "9", User: "carol"}}}
	s := NewSupervisor(Config{Launcher: l, Bus: b})
	s.tick(context.Background())

	select {
	case msg := <-sub.Ch():
		if msg.Topic != bus.TopicCompanionLaunched {
			t.Fatalf("expected %s, got %s", bus.TopicCompanionLaunched, msg.Topic)
		}
		payload, ok := msg.Payload.(bus.CompanionLaunched)
		if !ok || payload.User != "carol" {
			t.Fatalf("unexpected payload: %#v", msg.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no session event published")
	}
}

func TestSupervisorStartStop(t *testing.T) {
	l := &fakeLauncher{sessions: []Session{{ID: "1", User: "alice"}}}
	s := NewSupervisor(Config{Launcher: l, Interval: 10 * time.Millisecond})

	s.Start(context.Background())
	deadline := time.After(2 * time.Second)
	for len(l.launched()) == 0 {
		select {
		case <-deadline:
			t.Fatal("supervisor never launched")
		case <-time.After(5 * time.Millisecond):
		}
	}
	s.Stop()
}

func TestNoopLauncher(t *testing.T) {
	var l NoopLauncher
	sessions, err := l.ActiveSessions(context.Background())
	if err != nil || sessions != nil {
		t.Fatalf("noop sessions: %v %v", sessions, err)
	}
	s := NewSupervisor(Config{Launcher: l})
	s.tick(context.Background()) // no sessions, nothing to do
}
