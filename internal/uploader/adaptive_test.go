package uploader

import (
	"testing"
	"time"
)

func testControlConfig() ControlConfig {
	return ControlConfig{
		BatchSize:       50,
		BatchCeiling:    500,
		BatchFloor:      5,
		BatchIncrement:  10,
		Interval:        60 * time.Second,
		MinInterval:     15 * time.Second,
		MaxInterval:     900 * time.Second,
		OutageThreshold: 3,
		OutageSpread:    900 * time.Second,
	}
}

func TestControlGrowsAfterTwoSuccesses(t *testing.T) {
	c := newControl(testControlConfig())

	c.observe(Result{Outcome: OutcomeSuccess})
	if c.BatchSize() != 50 || c.Interval() != 60*time.Second {
		t.Fatalf("one success must not change sizing, got batch=%d interval=%v", c.BatchSize(), c.Interval())
	}

	c.observe(Result{Outcome: OutcomeSuccess})
	if c.BatchSize() != 60 {
		t.Fatalf("expected batch size 60 after two successes, got %d", c.BatchSize())
	}
	if c.Interval() != 54*time.Second {
		t.Fatalf("expected interval 54s after two successes, got %v", c.Interval())
	}
}

func TestControlSuccessNeverShrinks(t *testing.T) {
	c := newControl(testControlConfig())
	for i := 0; i < 20; i++ {
		prevBatch, prevInterval := c.BatchSize(), c.Interval()
		c.observe(Result{Outcome: OutcomeSuccess})
		if c.BatchSize() < prevBatch {
			t.Fatalf("success decreased batch size %d -> %d", prevBatch, c.BatchSize())
		}
		if c.Interval() > prevInterval {
			t.Fatalf("success increased interval %v -> %v", prevInterval, c.Interval())
		}
	}
}

func TestControlRespectsCeilingAndMinInterval(t *testing.T) {
	c := newControl(testControlConfig())
	for i := 0; i < 500; i++ {
		c.observe(Result{Outcome: OutcomeSuccess})
	}
	if c.BatchSize() != 500 {
		t.Fatalf("expected batch size capped at 500, got %d", c.BatchSize())
	}
	if c.Interval() < 15*time.Second {
		t.Fatalf("expected interval floored at 15s, got %v", c.Interval())
	}
}

func TestControlThrottleShrinks(t *testing.T) {
	c := newControl(testControlConfig())
	c.observe(Result{Outcome: OutcomeRateLimited})
	if c.BatchSize() != 37 {
		t.Fatalf("expected batch size 37 after throttle, got %d", c.BatchSize())
	}
	if c.Interval() != 90*time.Second {
		t.Fatalf("expected interval 90s after throttle, got %v", c.Interval())
	}
}

func TestControlThrottleHoldsFloorAndCeiling(t *testing.T) {
	c := newControl(testControlConfig())
	for i := 0; i < 50; i++ {
		c.observe(Result{Outcome: OutcomeRateLimited})
	}
	if c.BatchSize() != 5 {
		t.Fatalf("expected batch size held at floor 5, got %d", c.BatchSize())
	}
	if c.Interval() != 900*time.Second {
		t.Fatalf("expected interval held at ceiling 900s, got %v", c.Interval())
	}
	if c.InOutage() {
		t.Fatal("throttle responses must never trip outage mode")
	}
}

func TestControlNetworkErrorsTripOutage(t *testing.T) {
	c := newControl(testControlConfig())

	c.observe(Result{Outcome: OutcomeNetworkError})
	c.observe(Result{Outcome: OutcomeNetworkError})
	if c.InOutage() {
		t.Fatal("outage before threshold")
	}
	changed := c.observe(Result{Outcome: OutcomeNetworkError})
	if !changed || !c.InOutage() {
		t.Fatal("expected outage at threshold 3")
	}

	changed = c.observe(Result{Outcome: OutcomeSuccess})
	if !changed || c.InOutage() {
		t.Fatal("expected success to clear outage")
	}
}

func TestControlThrottleResetsNetworkErrorStreak(t *testing.T) {
	c := newControl(testControlConfig())
	c.observe(Result{Outcome: OutcomeNetworkError})
	c.observe(Result{Outcome: OutcomeNetworkError})
	// A throttle proves the server is reachable.
	c.observe(Result{Outcome: OutcomeRateLimited})
	c.observe(Result{Outcome: OutcomeNetworkError})
	c.observe(Result{Outcome: OutcomeNetworkError})
	if c.InOutage() {
		t.Fatal("streak should have been reset by the throttle response")
	}
}

func TestControlPermanentRejectHoldsState(t *testing.T) {
	c := newControl(testControlConfig())
	c.observe(Result{Outcome: OutcomePermanentReject})
	if c.BatchSize() != 50 || c.Interval() != 60*time.Second {
		t.Fatalf("permanent reject changed control state: batch=%d interval=%v", c.BatchSize(), c.Interval())
	}
}

func TestControlOtherFailureResetsSuccessStreak(t *testing.T) {
	c := newControl(testControlConfig())
	c.observe(Result{Outcome: OutcomeSuccess})
	c.observe(Result{Outcome: OutcomeOtherFailure})
	c.observe(Result{Outcome: OutcomeSuccess})
	if c.BatchSize() != 50 {
		t.Fatalf("success streak survived a failure, batch=%d", c.BatchSize())
	}
}

func TestNextDelayHonorsRetryAfter(t *testing.T) {
	c := newControl(testControlConfig())
	d := c.nextDelay(Result{Outcome: OutcomeRateLimited, RetryAfter: 5 * time.Minute}, "dev-1")
	if d < 5*time.Minute {
		t.Fatalf("expected delay >= server hint 5m, got %v", d)
	}
}

func TestNextDelayOutageIsDeterministicPerIdentity(t *testing.T) {
	cfg := testControlConfig()
	c := newControl(cfg)
	for i := 0; i < cfg.OutageThreshold; i++ {
		c.observe(Result{Outcome: OutcomeNetworkError})
	}
	if !c.InOutage() {
		t.Fatal("expected outage mode")
	}

	d1 := c.nextDelay(Result{Outcome: OutcomeNetworkError}, "device-abc")
	d2 := c.nextDelay(Result{Outcome: OutcomeNetworkError}, "device-abc")
	if d1 != d2 {
		t.Fatalf("outage delay not deterministic: %v vs %v", d1, d2)
	}
	if d1 < cfg.OutageSpread/2 || d1 >= cfg.OutageSpread {
		t.Fatalf("outage delay %v outside [%v, %v)", d1, cfg.OutageSpread/2, cfg.OutageSpread)
	}
}

func TestStaggerDelayWithinSpread(t *testing.T) {
	spread := 5 * time.Minute
	for _, id := range []string{"", "dev-1", "dev-2", "a-much-longer-device-identity"} {
		d := StaggerDelay(id, spread)
		if d < 0 || d > spread+spread/20 {
			t.Fatalf("stagger delay %v for %q outside acceptable window", d, id)
		}
	}
	if d := StaggerDelay("dev-1", 0); d != 0 {
		t.Fatalf("zero spread must yield zero delay, got %v", d)
	}
}
