package topology

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Safety factor bounds. 1.0 is the physical limit with zero margin.
const (
	MinSafetyFactor = 0.1
	MaxSafetyFactor = 1.0
)

// DefaultFallbackTimeout is used when the entry segment is missing.
const DefaultFallbackTimeout = 2 * time.Second

// ErrSafetyFactor is returned for a safety factor outside the allowed range.
var ErrSafetyFactor = errors.New("safety factor out of range")

// DeadlineCalculator derives time budgets from line geometry.
type DeadlineCalculator struct {
	topo     *Topology
	fallback time.Duration
}

// NewDeadlineCalculator binds a calculator to one topology snapshot.
func NewDeadlineCalculator(topo *Topology, fallback time.Duration) *DeadlineCalculator {
	if fallback <= 0 {
		fallback = DefaultFallbackTimeout
	}
	return &DeadlineCalculator{topo: topo, fallback: fallback}
}

// ChuteAssignmentTimeout is how long the upstream may take to answer for a
// parcel that just triggered the entry sensor: the transit time from entry to
// the first diverter scaled by safetyFactor.
//
// Returns the fallback timeout when the topology has no segment into the
// first diverter.
func (c *DeadlineCalculator) ChuteAssignmentTimeout(safetyFactor float64) (time.Duration, error) {
	if math.IsNaN(safetyFactor) || safetyFactor < MinSafetyFactor || safetyFactor > MaxSafetyFactor {
		return 0, fmt.Errorf("%w: %.3f not in [%.1f, %.1f]", ErrSafetyFactor, safetyFactor, MinSafetyFactor, MaxSafetyFactor)
	}
	if c.topo == nil {
		return c.fallback, nil
	}
	seg, ok := c.topo.SegmentInto(1)
	if !ok || seg.FromNode != EntryNode {
		return c.fallback, nil
	}
	return time.Duration(float64(c.SegmentTransit(seg)) * safetyFactor), nil
}

// TheoreticalLimit is the assignment timeout with zero margin. It is shown to
// operators and never used to schedule parcels.
func (c *DeadlineCalculator) TheoreticalLimit() time.Duration {
	d, _ := c.ChuteAssignmentTimeout(MaxSafetyFactor)
	return d
}

// SegmentTransit is the nominal time to cover a segment.
func (c *DeadlineCalculator) SegmentTransit(seg LineSegment) time.Duration {
	if seg.SpeedMmPerSec <= 0 {
		return 0
	}
	return time.Duration(seg.LengthMm / seg.SpeedMmPerSec * float64(time.Second))
}

// SegmentDeadline is the nominal transit plus the segment's tolerance.
func (c *DeadlineCalculator) SegmentDeadline(seg LineSegment) time.Duration {
	return c.SegmentTransit(seg) + time.Duration(seg.ToleranceMs)*time.Millisecond
}

// Fallback returns the configured fallback timeout.
func (c *DeadlineCalculator) Fallback() time.Duration {
	return c.fallback
}
