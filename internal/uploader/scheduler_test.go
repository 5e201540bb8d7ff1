package uploader

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tamerWagih/adherence-monitoring-system-sub001/internal/buffer"
	"github.com/tamerWagih/adherence-monitoring-system-sub001/internal/bus"
	"github.com/tamerWagih/adherence-monitoring-system-sub001/internal/credential"
)

// memCredentials is an in-memory credential backend for tests.
type memCredentials struct {
	mu   sync.Mutex
	cred credential.Credential
	set  bool
	err  error
}

func (m *memCredentials) Save(c credential.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cred, m.set = c, true
	return nil
}

func (m *memCredentials) Load() (credential.Credential, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cred, m.set, m.err
}

func (m *memCredentials) Delete() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set = false
	return nil
}

// fakeSender records delivered batches and replays scripted results.
type fakeSender struct {
	mu      sync.Mutex
	results []Result
	err     error
	batches [][]buffer.Event
}

func (f *fakeSender) Deliver(_ context.Context, _ credential.Credential, _ string, events []buffer.Event) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, events)
	if f.err != nil {
		return Result{}, f.err
	}
	if len(f.results) == 0 {
		return Result{Outcome: OutcomeSuccess}, nil
	}
	res := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return res, nil
}

func (f *fakeSender) deliveredBatches() [][]buffer.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batches
}

func newTestScheduler(t *testing.T, sender BatchSender, creds credential.Store) (*Scheduler, *buffer.Store) {
	t.Helper()
	store, err := buffer.Open(filepath.Join(t.TempDir(), "buffer.db"), buffer.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return NewScheduler(Config{
		Store:       store,
		Sender:      sender,
		Credentials: creds,
		Control:     testControlConfig(),
		MaxRetry:    5,
	}), store
}

func seedEvents(t *testing.T, store *buffer.Store, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := store.Add(context.Background(), buffer.Event{
			Type:            buffer.EventHeartbeat,
			Timestamp:       time.Now().Add(time.Duration(i) * time.Second),
			SubjectIdentity: "alice",
		})
		if err != nil {
			t.Fatalf("seed event %d: %v", i, err)
		}
	}
}

func registeredCreds() *memCredentials {
	return &memCredentials{cred: credential.Credential{DeviceID: "dev-1", DeviceKey: "k"}, set: true}
}

func TestRunCycleDeliversAndMarksSent(t *testing.T) {
	sender := &fakeSender{}
	sched, store := newTestScheduler(t, sender, registeredCreds())
	seedEvents(t, store, 3)

	res := sched.runCycle(context.Background())
	if res.Outcome != OutcomeSuccess {
		t.Fatalf("expected success cycle, got %s", res.Outcome)
	}
	if got := sender.deliveredBatches(); len(got) != 1 || len(got[0]) != 3 {
		t.Fatalf("expected one batch of 3, got %v", got)
	}

	pending, err := store.CountPending(context.Background())
	if err != nil {
		t.Fatalf("count pending: %v", err)
	}
	if pending != 0 {
		t.Fatalf("expected all events marked sent, %d still pending", pending)
	}
}

func TestRunCycleUnregisteredSkipsQuietly(t *testing.T) {
	sender := &fakeSender{}
	sched, store := newTestScheduler(t, sender, &memCredentials{})
	seedEvents(t, store, 2)

	res := sched.runCycle(context.Background())
	if res.Outcome != OutcomeSuccess {
		t.Fatalf("unregistered cycle must be a quiet no-op, got %s", res.Outcome)
	}
	if len(sender.deliveredBatches()) != 0 {
		t.Fatal("nothing should be delivered before registration")
	}
	pending, err := store.CountPending(context.Background())
	if err != nil {
		t.Fatalf("count pending: %v", err)
	}
	if pending != 2 {
		t.Fatalf("events must keep accumulating, pending=%d", pending)
	}
}

func TestRunCycleNetworkFailureReleasesForRetry(t *testing.T) {
	sender := &fakeSender{results: []Result{{Outcome: OutcomeNetworkError, Reason: "dial tcp: timeout"}}}
	sched, store := newTestScheduler(t, sender, registeredCreds())
	seedEvents(t, store, 2)

	res := sched.runCycle(context.Background())
	if res.Outcome != OutcomeNetworkError {
		t.Fatalf("expected network-error cycle, got %s", res.Outcome)
	}
	pending, err := store.CountPending(context.Background())
	if err != nil {
		t.Fatalf("count pending: %v", err)
	}
	if pending != 2 {
		t.Fatalf("failed events must be retryable, pending=%d", pending)
	}

	// Next cycle succeeds and drains them.
	sender.mu.Lock()
	sender.results = nil
	sender.mu.Unlock()
	if res := sched.runCycle(context.Background()); res.Outcome != OutcomeSuccess {
		t.Fatalf("expected success on retry, got %s", res.Outcome)
	}
	pending, _ = store.CountPending(context.Background())
	if pending != 0 {
		t.Fatalf("expected drained buffer, pending=%d", pending)
	}
}

func TestRunCyclePermanentRejectRemovesFromRotation(t *testing.T) {
	sender := &fakeSender{results: []Result{{Outcome: OutcomePermanentReject, Reason: "409 Conflict"}}}
	sched, store := newTestScheduler(t, sender, registeredCreds())
	seedEvents(t, store, 2)

	if res := sched.runCycle(context.Background()); res.Outcome != OutcomePermanentReject {
		t.Fatalf("expected permanent reject, got %s", res.Outcome)
	}

	// Permanently rejected rows must never be selected again.
	events, err := store.GetPending(context.Background(), 10, 5)
	if err != nil {
		t.Fatalf("get pending: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("permanently failed rows reselected: %v", events)
	}
}

func TestRunCycleSenderErrorMarksFailed(t *testing.T) {
	sender := &fakeSender{err: errors.New("encode batch: boom")}
	sched, store := newTestScheduler(t, sender, registeredCreds())
	seedEvents(t, store, 1)

	res := sched.runCycle(context.Background())
	if res.Outcome != OutcomeOtherFailure {
		t.Fatalf("expected other-failure, got %s", res.Outcome)
	}
	pending, _ := store.CountPending(context.Background())
	if pending != 1 {
		t.Fatalf("row should be retryable after sender error, pending=%d", pending)
	}
}

func TestRunCyclePublishesBatchOutcomes(t *testing.T) {
	b := bus.New()
	sender := &fakeSender{}
	store, err := buffer.Open(filepath.Join(t.TempDir(), "buffer.db"), buffer.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	sched := NewScheduler(Config{
		Store:       store,
		Sender:      sender,
		Credentials: registeredCreds(),
		Bus:         b,
		Control:     testControlConfig(),
		MaxRetry:    5,
	})
	seedEvents(t, store, 1)

	sub := b.Subscribe("upload.")
	defer b.Unsubscribe(sub)
	sched.runCycle(context.Background())

	select {
	case msg := <-sub.Ch():
		if msg.Topic != bus.TopicBatchSent {
			t.Fatalf("expected %s, got %s", bus.TopicBatchSent, msg.Topic)
		}
		payload, ok := msg.Payload.(bus.BatchOutcome)
		if !ok || payload.Size != 1 || payload.Outcome != string(OutcomeSuccess) {
			t.Fatalf("unexpected payload: %#v", msg.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no upload event published")
	}
}

func TestSchedulerStartStop(t *testing.T) {
	sender := &fakeSender{}
	sched, store := newTestScheduler(t, sender, registeredCreds())
	seedEvents(t, store, 1)

	sched.Start(context.Background())
	deadline := time.After(3 * time.Second)
	for {
		if len(sender.deliveredBatches()) > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("scheduler never delivered")
		case <-time.After(10 * time.Millisecond):
		}
	}
	sched.Stop()
}
