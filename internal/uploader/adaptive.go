package uploader

import (
	"hash/fnv"
	"math/rand/v2"
	"time"
)

// ControlConfig seeds the adaptive control state. Values come from the
// local config, optionally overridden by the last synced remote
// configuration.
type ControlConfig struct {
	BatchSize      int
	BatchCeiling   int
	BatchFloor     int
	BatchIncrement int

	Interval    time.Duration
	MinInterval time.Duration
	MaxInterval time.Duration

	OutageThreshold int
	OutageSpread    time.Duration
}

// control is the scheduler's AIMD state: additive ramp-up on sustained
// success, multiplicative backoff on throttle or network failure. It is a
// plain value owned by one scheduler, constructed fresh on restart. Losing
// tuning state across restarts is fine; losing buffered events is not.
type control struct {
	cfg ControlConfig

	batchSize int
	interval  time.Duration

	consecutiveSuccess int
	consecutiveNetErrs int
	outage             bool
}

func newControl(cfg ControlConfig) *control {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.BatchCeiling <= 0 {
		cfg.BatchCeiling = 500
	}
	if cfg.BatchFloor <= 0 {
		cfg.BatchFloor = 5
	}
	if cfg.BatchIncrement <= 0 {
		cfg.BatchIncrement = 10
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = 15 * time.Second
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 15 * time.Minute
	}
	if cfg.OutageThreshold <= 0 {
		cfg.OutageThreshold = 5
	}
	if cfg.OutageSpread <= 0 {
		cfg.OutageSpread = 15 * time.Minute
	}
	return &control{
		cfg:       cfg,
		batchSize: cfg.BatchSize,
		interval:  cfg.Interval,
	}
}

// BatchSize returns the current adaptive batch size.
func (c *control) BatchSize() int {
	return c.batchSize
}

// Interval returns the current adaptive base interval.
func (c *control) Interval() time.Duration {
	return c.interval
}

// InOutage reports whether the consecutive-network-error threshold has been
// crossed.
func (c *control) InOutage() bool {
	return c.outage
}

// observe folds one delivery outcome into the control state and reports
// whether the outage flag flipped.
func (c *control) observe(res Result) (outageChanged bool) {
	wasOutage := c.outage
	switch res.Outcome {
	case OutcomeSuccess:
		c.consecutiveNetErrs = 0
		c.outage = false
		c.consecutiveSuccess++
		// Gradual ramp-up: every second consecutive success widens the
		// batch and tightens the interval.
		if c.consecutiveSuccess >= 2 {
			c.consecutiveSuccess = 0
			c.batchSize = min(c.batchSize+c.cfg.BatchIncrement, c.cfg.BatchCeiling)
			c.interval = maxDuration(c.interval*9/10, c.cfg.MinInterval)
		}

	case OutcomeRateLimited:
		// The server answered, so the network is fine.
		c.consecutiveSuccess = 0
		c.consecutiveNetErrs = 0
		c.outage = false
		c.shrink()

	case OutcomeNetworkError:
		c.consecutiveSuccess = 0
		c.consecutiveNetErrs++
		c.shrink()
		if c.consecutiveNetErrs >= c.cfg.OutageThreshold {
			c.outage = true
		}

	case OutcomePermanentReject:
		// A configuration problem, not a load problem: the control state
		// stays where it is.
		c.consecutiveSuccess = 0
		c.consecutiveNetErrs = 0
		c.outage = false

	case OutcomeOtherFailure:
		c.consecutiveSuccess = 0
		c.consecutiveNetErrs = 0
		c.outage = false
	}
	return c.outage != wasOutage
}

// shrink applies the multiplicative-decrease half of AIMD.
func (c *control) shrink() {
	c.batchSize = max(c.batchSize*3/4, c.cfg.BatchFloor)
	c.interval = minDuration(c.interval*3/2, c.cfg.MaxInterval)
}

// nextDelay computes the wait before the next cycle given the last
// outcome. In outage mode the delay is long and identity-derived rather
// than a short fixed backoff, spreading fleet-wide reconnection load.
func (c *control) nextDelay(res Result, deviceID string) time.Duration {
	if c.outage {
		return OutageDelay(deviceID, c.cfg.OutageSpread)
	}
	delay := c.interval
	if res.Outcome == OutcomeRateLimited && res.RetryAfter > delay {
		delay = res.RetryAfter
	}
	return delay + jitter(delay/10)
}

// StaggerDelay derives the startup delay from a stable hash of the device
// identity plus small random jitter, so mass restarts do not produce a
// synchronized delivery spike.
func StaggerDelay(deviceID string, spread time.Duration) time.Duration {
	if spread <= 0 {
		return 0
	}
	base := identityOffset(deviceID, spread)
	return base + jitter(spread/20)
}

// OutageDelay is the reconnect delay used once the outage threshold is
// crossed: deterministic per device identity, landing in the upper half of
// the spread window.
func OutageDelay(deviceID string, spread time.Duration) time.Duration {
	if spread <= 0 {
		spread = 15 * time.Minute
	}
	half := spread / 2
	return half + identityOffset(deviceID, half)
}

func identityOffset(deviceID string, window time.Duration) time.Duration {
	if window <= 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(deviceID))
	return time.Duration(h.Sum64() % uint64(window))
}

func jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max)))
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
