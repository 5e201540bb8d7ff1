// Package uploader drains the event buffer in batches, delivers them to
// the remote ingestion endpoint, and self-tunes batch size and interval
// from delivery outcomes.
package uploader

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/tamerWagih/adherence-monitoring-system-sub001/internal/audit"
	"github.com/tamerWagih/adherence-monitoring-system-sub001/internal/buffer"
	"github.com/tamerWagih/adherence-monitoring-system-sub001/internal/bus"
	"github.com/tamerWagih/adherence-monitoring-system-sub001/internal/credential"
	otelpkg "github.com/tamerWagih/adherence-monitoring-system-sub001/internal/otel"
	"github.com/tamerWagih/adherence-monitoring-system-sub001/internal/shared"
)

// BatchSender delivers one claimed batch and reports the outcome.
type BatchSender interface {
	Deliver(ctx context.Context, cred credential.Credential, batchID string, events []buffer.Event) (Result, error)
}

// Config holds the dependencies for the upload scheduler.
type Config struct {
	Store       *buffer.Store
	Sender      BatchSender
	Credentials credential.Store
	Logger      *slog.Logger
	Bus         *bus.Bus
	Metrics     *otelpkg.Metrics
	Tracer      trace.Tracer

	Control ControlConfig

	// MaxRetry bounds per-event delivery attempts before a row is left in
	// FAILED for good.
	MaxRetry int

	// StaggerSpread is the window the startup delay is drawn from.
	StaggerSpread time.Duration
}

// Scheduler runs the periodic upload cycle. Its adaptive state lives on
// the scheduler value, never in package globals, so tests can run many
// schedulers side by side.
type Scheduler struct {
	store       *buffer.Store
	sender      BatchSender
	credentials credential.Store
	logger      *slog.Logger
	bus         *bus.Bus
	metrics     *otelpkg.Metrics
	tracer      trace.Tracer

	ctrl          *control
	maxRetry      int
	staggerSpread time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler with fresh adaptive state.
func NewScheduler(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxRetry := cfg.MaxRetry
	if maxRetry <= 0 {
		maxRetry = 5
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer("uploader")
	}
	return &Scheduler{
		store:         cfg.Store,
		sender:        cfg.Sender,
		credentials:   cfg.Credentials,
		logger:        logger,
		bus:           cfg.Bus,
		metrics:       cfg.Metrics,
		tracer:        tracer,
		ctrl:          newControl(cfg.Control),
		maxRetry:      maxRetry,
		staggerSpread: cfg.StaggerSpread,
	}
}

// Start begins the upload loop in a background goroutine. The first cycle
// waits out an identity-derived stagger delay so a fleet restarting at
// once does not hit the collector in lockstep.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("upload scheduler started",
		"batch_size", s.ctrl.BatchSize(),
		"interval", s.ctrl.Interval(),
	)
}

// Stop cancels the loop and waits for the in-flight cycle to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("upload scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	if s.staggerSpread > 0 {
		delay := StaggerDelay(s.deviceIdentity(ctx), s.staggerSpread)
		s.logger.Debug("upload start staggered", "delay", delay)
		if !sleep(ctx, delay) {
			return
		}
	}

	for {
		res := s.runCycle(ctx)
		delay := s.ctrl.nextDelay(res, s.deviceIdentity(ctx))
		if !sleep(ctx, delay) {
			return
		}
	}
}

// runCycle executes one Idle -> SelectBatch -> Uploading -> Idle pass and
// returns the delivery result that drives the next delay.
func (s *Scheduler) runCycle(ctx context.Context) Result {
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	cred, ok, err := s.credentials.Load()
	if err != nil {
		s.logger.ErrorContext(ctx, "upload: load credential", "error", err)
		return Result{Outcome: OutcomeOtherFailure, Reason: "credential load failed"}
	}
	if !ok {
		// Not registered yet. Events keep accumulating locally.
		s.logger.DebugContext(ctx, "upload skipped, device not registered")
		return Result{Outcome: OutcomeSuccess}
	}

	events, err := s.store.GetPending(ctx, s.ctrl.BatchSize(), s.maxRetry)
	if err != nil {
		s.logger.ErrorContext(ctx, "upload: select batch", "error", err)
		return Result{Outcome: OutcomeOtherFailure, Reason: "batch selection failed"}
	}
	if len(events) == 0 {
		return Result{Outcome: OutcomeSuccess}
	}

	batchID := shared.NewTraceID()
	ctx = shared.WithBatchID(ctx, batchID)
	ctx = shared.WithDeviceID(ctx, cred.DeviceID)
	log := s.logger.With("batch_size", len(events))

	spanCtx, span := otelpkg.StartClientSpan(ctx, s.tracer, "uploader.deliver",
		otelpkg.AttrBatchID.String(batchID),
		otelpkg.AttrBatchSize.Int(len(events)),
	)
	start := time.Now()
	res, err := s.sender.Deliver(spanCtx, cred, batchID, events)
	if err != nil {
		// The request could not even be built. Treated like any other
		// failure so the rows are released for the next cycle.
		log.ErrorContext(ctx, "upload: deliver", "error", err)
		res = Result{Outcome: OutcomeOtherFailure, Reason: err.Error()}
	}
	span.SetAttributes(otelpkg.AttrOutcome.String(string(res.Outcome)))
	span.End()
	s.recordDuration(ctx, time.Since(start), res.Outcome)

	ids := make([]int64, len(events))
	for i, ev := range events {
		ids[i] = ev.ID
	}

	switch res.Outcome {
	case OutcomeSuccess:
		if err := s.store.MarkSent(ctx, ids); err != nil {
			log.ErrorContext(ctx, "upload: mark sent", "error", err)
		}
		log.InfoContext(ctx, "batch delivered")
		audit.RecordBatch(audit.ActionBatchDelivered, batchID, string(res.Outcome), "", len(events))
		s.publish(bus.TopicBatchSent, bus.BatchOutcome{BatchID: batchID, Size: len(events), Outcome: string(res.Outcome)})

	case OutcomePermanentReject:
		if err := s.store.MarkFailedPermanent(ctx, ids, res.Reason); err != nil {
			log.ErrorContext(ctx, "upload: mark permanent failure", "error", err)
		}
		log.WarnContext(ctx, "batch rejected permanently", "reason", res.Reason)
		audit.RecordBatch(audit.ActionBatchFailed, batchID, string(res.Outcome), res.Reason, len(events))
		s.publish(bus.TopicBatchFailed, bus.BatchOutcome{BatchID: batchID, Size: len(events), Outcome: string(res.Outcome), Reason: res.Reason})

	default:
		if err := s.store.MarkFailed(ctx, ids, res.Reason); err != nil {
			log.ErrorContext(ctx, "upload: mark failed", "error", err)
		}
		log.WarnContext(ctx, "batch delivery failed", "outcome", res.Outcome, "reason", shared.Redact(res.Reason))
		audit.RecordBatch(audit.ActionBatchFailed, batchID, string(res.Outcome), res.Reason, len(events))
		s.publish(bus.TopicBatchFailed, bus.BatchOutcome{BatchID: batchID, Size: len(events), Outcome: string(res.Outcome), Reason: shared.Redact(res.Reason)})
	}

	if s.ctrl.observe(res) {
		s.noteOutageChange(ctx, cred.DeviceID)
	}
	return res
}

func (s *Scheduler) noteOutageChange(ctx context.Context, deviceID string) {
	if s.ctrl.InOutage() {
		delay := OutageDelay(deviceID, s.ctrl.cfg.OutageSpread)
		s.logger.Warn("entering outage mode",
			"consecutive_network_errors", s.ctrl.consecutiveNetErrs,
			"next_attempt_in", delay,
		)
		s.publish(bus.TopicOutageEntered, bus.OutageChange{
			ConsecutiveErrors: s.ctrl.consecutiveNetErrs,
			Delay:             delay.String(),
		})
		if s.metrics != nil {
			s.metrics.OutageEntries.Add(ctx, 1)
		}
		return
	}
	s.logger.Info("outage cleared")
	s.publish(bus.TopicOutageCleared, bus.OutageChange{})
}

func (s *Scheduler) recordDuration(ctx context.Context, d time.Duration, outcome Outcome) {
	if s.metrics == nil {
		return
	}
	s.metrics.UploadDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("outcome", string(outcome))),
	)
	s.metrics.BatchesUploaded.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", string(outcome))),
	)
}

func (s *Scheduler) publish(topic string, payload any) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}

// deviceIdentity feeds the stagger and outage hashes. Before registration
// the identity is empty, which still yields a stable delay.
func (s *Scheduler) deviceIdentity(_ context.Context) string {
	cred, ok, err := s.credentials.Load()
	if err != nil || !ok {
		return ""
	}
	return cred.DeviceID
}

// sleep waits for d or until the context ends, reporting whether the full
// wait completed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
