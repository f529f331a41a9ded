// ============================================================================
// Wheel-Sorter Congestion & Throttle Controller
// ============================================================================
//
// Package: internal/throttle
// File: controller.go
// Purpose: Rolling congestion metrics, level classification and the
//          admission gate
//
// Inputs (rolling Policy.Window):
//   - assignment latency samples (ObserveLatency)
//   - assignment outcomes, success or failure (ObserveOutcome)
//   - current in-flight parcel count (SetInFlight)
//
// Level:
//   Each metric is classified on its own. The overall level is the worst of
//   the three, so any single metric at Severe forces Severe.
//
// Admission:
//   Admit(now) enforces the release interval of the current level between
//   admitted parcels. With PauseOnSevere, admission is refused outright
//   while the level is Severe.
//
// Loop:
//   Run(ctx) recomputes the snapshot every Policy.RecomputeEvery. Each
//   iteration recovers from panics so the loop never dies.
//
// ============================================================================

package throttle

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/wheel-sorter/pkg/types"
)

var log = slog.Default()

// PolicySource returns the current policy snapshot.
type PolicySource func() *Policy

// Refusal explains why Admit said no.
type Refusal string

const (
	Admitted        Refusal = ""
	RefusedInterval Refusal = "interval"
	RefusedPaused   Refusal = "paused_on_severe"
)

type latencySample struct {
	at time.Time
	d  time.Duration
}

type outcomeSample struct {
	at      time.Time
	success bool
}

// Controller holds rolling samples and the last computed snapshot.
type Controller struct {
	policy PolicySource

	mu        sync.Mutex
	latencies []latencySample
	outcomes  []outcomeSample

	inFlight  atomic.Int64
	snapshot  atomic.Pointer[types.CongestionSnapshot]
	lastAdmit time.Time
	admitMu   sync.Mutex

	onLevelChange func(from, to types.CongestionLevel)
}

// New creates a controller reading its policy from src.
func New(src PolicySource) *Controller {
	c := &Controller{policy: src}
	c.snapshot.Store(&types.CongestionSnapshot{Level: types.CongestionNormal, SuccessRate: 1})
	return c
}

// OnLevelChange registers a callback fired from Recompute when the level
// changes. Set it before Run.
func (c *Controller) OnLevelChange(fn func(from, to types.CongestionLevel)) {
	c.onLevelChange = fn
}

// ObserveLatency records how long one upstream assignment took.
func (c *Controller) ObserveLatency(at time.Time, d time.Duration) {
	c.mu.Lock()
	c.latencies = append(c.latencies, latencySample{at: at, d: d})
	c.mu.Unlock()
}

// ObserveOutcome records an assignment success or failure.
func (c *Controller) ObserveOutcome(at time.Time, success bool) {
	c.mu.Lock()
	c.outcomes = append(c.outcomes, outcomeSample{at: at, success: success})
	c.mu.Unlock()
}

// SetInFlight publishes the current number of non-terminal parcels.
func (c *Controller) SetInFlight(n int) {
	c.inFlight.Store(int64(n))
}

// Snapshot returns the last computed congestion snapshot.
func (c *Controller) Snapshot() types.CongestionSnapshot {
	return *c.snapshot.Load()
}

// Level returns the last computed congestion level.
func (c *Controller) Level() types.CongestionLevel {
	return c.snapshot.Load().Level
}

// Interval is the release interval for the current level.
func (c *Controller) Interval() time.Duration {
	return intervalFor(c.policy(), c.Level())
}

// Recompute prunes samples outside the window, reclassifies, and publishes
// a new snapshot.
func (c *Controller) Recompute(now time.Time) types.CongestionSnapshot {
	p := c.policy()
	cutoff := now.Add(-p.Window)

	c.mu.Lock()
	c.latencies = pruneLatencies(c.latencies, cutoff)
	c.outcomes = pruneOutcomes(c.outcomes, cutoff)

	var total time.Duration
	for _, s := range c.latencies {
		total += s.d
	}
	var ok int
	for _, s := range c.outcomes {
		if s.success {
			ok++
		}
	}
	snap := types.CongestionSnapshot{
		InFlight:       int(c.inFlight.Load()),
		LatencySamples: len(c.latencies),
		OutcomeSamples: len(c.outcomes),
		SuccessRate:    1,
		ComputedAt:     now,
	}
	if len(c.latencies) > 0 {
		snap.AvgLatency = total / time.Duration(len(c.latencies))
	}
	if len(c.outcomes) > 0 {
		snap.SuccessRate = float64(ok) / float64(len(c.outcomes))
	}
	c.mu.Unlock()

	snap.Level = Classify(p, snap)
	prev := c.snapshot.Swap(&snap)
	if prev.Level != snap.Level {
		log.Info("Congestion level changed",
			"from", prev.Level.String(),
			"to", snap.Level.String(),
			"avg_latency", snap.AvgLatency,
			"success_rate", snap.SuccessRate,
			"in_flight", snap.InFlight)
		if c.onLevelChange != nil {
			c.onLevelChange(prev.Level, snap.Level)
		}
	}
	return snap
}

// Admit is the admission gate. It records now as the last admission when
// the parcel is allowed in.
func (c *Controller) Admit(now time.Time) (bool, Refusal) {
	p := c.policy()
	level := c.Level()
	if level == types.CongestionSevere && p.PauseOnSevere {
		return false, RefusedPaused
	}

	c.admitMu.Lock()
	defer c.admitMu.Unlock()
	if !c.lastAdmit.IsZero() && now.Sub(c.lastAdmit) < intervalFor(p, level) {
		return false, RefusedInterval
	}
	c.lastAdmit = now
	return true, Admitted
}

// Run recomputes on every tick until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	every := c.policy().RecomputeEvery
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			c.safeRecompute(now)
			if next := c.policy().RecomputeEvery; next != every {
				every = next
				ticker.Reset(every)
			}
		}
	}
}

func (c *Controller) safeRecompute(now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Throttle recompute panicked", "panic", r)
		}
	}()
	c.Recompute(now)
}

// ============================================================================
// Classification
// ============================================================================

// Classify derives the level from a snapshot. Severe beats Warning beats
// Normal, and any one metric is enough to raise the level.
func Classify(p *Policy, s types.CongestionSnapshot) types.CongestionLevel {
	latency := types.CongestionNormal
	if s.LatencySamples > 0 {
		switch {
		case s.AvgLatency >= p.SevereLatency:
			latency = types.CongestionSevere
		case s.AvgLatency >= p.WarningLatency:
			latency = types.CongestionWarning
		}
	}

	success := types.CongestionNormal
	if s.OutcomeSamples > 0 && s.OutcomeSamples >= p.MinOutcomeSamples {
		switch {
		case s.SuccessRate < p.SevereSuccessRate:
			success = types.CongestionSevere
		case s.SuccessRate < p.WarningSuccessRate:
			success = types.CongestionWarning
		}
	}

	inFlight := types.CongestionNormal
	switch {
	case s.InFlight >= p.SevereInFlight:
		inFlight = types.CongestionSevere
	case s.InFlight >= p.WarningInFlight:
		inFlight = types.CongestionWarning
	}

	return max(latency, success, inFlight)
}

func intervalFor(p *Policy, level types.CongestionLevel) time.Duration {
	switch level {
	case types.CongestionSevere:
		return p.SevereInterval
	case types.CongestionWarning:
		return p.WarningInterval
	default:
		return p.NormalInterval
	}
}

func pruneLatencies(s []latencySample, cutoff time.Time) []latencySample {
	i := 0
	for i < len(s) && s[i].at.Before(cutoff) {
		i++
	}
	return append(s[:0], s[i:]...)
}

func pruneOutcomes(s []outcomeSample, cutoff time.Time) []outcomeSample {
	i := 0
	for i < len(s) && s[i].at.Before(cutoff) {
		i++
	}
	return append(s[:0], s[i:]...)
}
