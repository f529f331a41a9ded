// ============================================================================
// Wheel-Sorter Line Simulator - synthetic photo-eye triggers
// ============================================================================
//
// Package: internal/sensor
// File: simulator.go
// Purpose: Move virtual parcels along the configured line and emit the
//          triggers real photo-eyes would produce
//
// Model:
//   A parcel enters every Interval. It reaches each position after the
//   segment's nominal transit time, fires that position's sensor and, at a
//   diverter, waits SettleDelay before reading the wheel. A wheel turned
//   Left or Right takes the parcel off the line; Straight lets it continue.
//   LossRate is the chance that a parcel silently falls off in any segment.
//
// ============================================================================

package sensor

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/wheel-sorter/internal/topology"
	"github.com/ChuLiYu/wheel-sorter/pkg/types"
)

// SimulatorConfig shapes the synthetic traffic.
type SimulatorConfig struct {
	Interval    time.Duration `yaml:"interval"`     // spacing between entries
	Count       int           `yaml:"count"`        // parcels to send; 0 runs until cancelled
	LossRate    float64       `yaml:"loss_rate"`    // per-segment chance a parcel vanishes
	SettleDelay time.Duration `yaml:"settle_delay"` // time after a front trigger before the wheel is read
}

// DefaultSimulatorConfig returns a relaxed line cadence.
func DefaultSimulatorConfig() SimulatorConfig {
	return SimulatorConfig{
		Interval:    time.Second,
		SettleDelay: 50 * time.Millisecond,
	}
}

// WheelReader reports the current direction of a diverter's wheel.
type WheelReader func(ctx context.Context, id types.DiverterID) (types.Direction, error)

// SimulatorStats counts what happened to simulated parcels.
type SimulatorStats struct {
	Entered    int64 `json:"entered"`
	Diverted   int64 `json:"diverted"`
	ReachedEnd int64 `json:"reached_end"`
	Vanished   int64 `json:"vanished"`
}

// LineSimulator is a Source producing triggers for a virtual line.
type LineSimulator struct {
	cfg   SimulatorConfig
	topo  func() *topology.Topology
	wheel WheelReader

	entered    atomic.Int64
	diverted   atomic.Int64
	reachedEnd atomic.Int64
	vanished   atomic.Int64
}

// NewLineSimulator builds a simulator over the topology returned by topo.
func NewLineSimulator(cfg SimulatorConfig, topo func() *topology.Topology, wheel WheelReader) (*LineSimulator, error) {
	if topo == nil || wheel == nil {
		return nil, fmt.Errorf("line simulator needs a topology and a wheel reader")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("simulator interval must be positive")
	}
	if cfg.LossRate < 0 || cfg.LossRate > 1 {
		return nil, fmt.Errorf("simulator loss_rate %.2f not in [0,1]", cfg.LossRate)
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	return &LineSimulator{cfg: cfg, topo: topo, wheel: wheel}, nil
}

// Stats returns the counters so far.
func (s *LineSimulator) Stats() SimulatorStats {
	return SimulatorStats{
		Entered:    s.entered.Load(),
		Diverted:   s.diverted.Load(),
		ReachedEnd: s.reachedEnd.Load(),
		Vanished:   s.vanished.Load(),
	}
}

// Run implements Source. With Count > 0 it returns once every parcel has
// left the line.
func (s *LineSimulator) Run(ctx context.Context, out chan<- types.SensorEvent) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	// one emitter at a time keeps timestamps monotonic per position
	var emitMu sync.Mutex
	emit := func(pos int) bool {
		emitMu.Lock()
		defer emitMu.Unlock()
		return forward(ctx, out, types.SensorEvent{PositionIndex: pos, Timestamp: time.Now()})
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	sent := 0
	for {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.carry(ctx, emit)
		}()
		sent++
		if s.cfg.Count > 0 && sent >= s.cfg.Count {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// carry moves one parcel from the entry to wherever it leaves the line.
func (s *LineSimulator) carry(ctx context.Context, emit func(int) bool) {
	topo := s.topo()
	calc := topology.NewDeadlineCalculator(topo, 0)

	if !emit(0) {
		return
	}
	s.entered.Add(1)

	last := topo.DiverterCount()
	if topo.EndSensorID != "" {
		last = topo.EndPosition()
	}

	var settled time.Duration
	for pos := 1; pos <= last; pos++ {
		transit := calc.Fallback()
		if seg, ok := topo.SegmentInto(pos); ok {
			transit = calc.SegmentTransit(seg)
		}
		if !sleep(ctx, transit-settled) {
			return
		}
		settled = 0

		if s.cfg.LossRate > 0 && rand.Float64() < s.cfg.LossRate {
			s.vanished.Add(1)
			return
		}
		if !emit(pos) {
			return
		}
		if pos > topo.DiverterCount() {
			s.reachedEnd.Add(1)
			return
		}

		node, _ := topo.NodeAt(pos)
		if !sleep(ctx, s.cfg.SettleDelay) {
			return
		}
		settled = s.cfg.SettleDelay

		dir, err := s.wheel(ctx, node.DiverterID)
		if err != nil {
			dir = types.Straight
		}
		if dir == types.Left || dir == types.Right {
			s.diverted.Add(1)
			return
		}
	}
	// no end sensor: the parcel rides off the end unseen
	s.reachedEnd.Add(1)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
