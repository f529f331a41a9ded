package throttle

import (
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Policy is the hot-swappable throttle configuration. Instances are treated
// as immutable once published.
type Policy struct {
	Window          time.Duration `yaml:"window" json:"window"`
	RecomputeEvery  time.Duration `yaml:"recompute_every" json:"recompute_every"`
	NormalInterval  time.Duration `yaml:"normal_interval" json:"normal_interval"`
	WarningInterval time.Duration `yaml:"warning_interval" json:"warning_interval"`
	SevereInterval  time.Duration `yaml:"severe_interval" json:"severe_interval"`

	WarningLatency time.Duration `yaml:"warning_latency" json:"warning_latency"`
	SevereLatency  time.Duration `yaml:"severe_latency" json:"severe_latency"`

	// success rate is in [0,1]; the level rises when the rate drops below
	WarningSuccessRate float64 `yaml:"warning_success_rate" json:"warning_success_rate"`
	SevereSuccessRate  float64 `yaml:"severe_success_rate" json:"severe_success_rate"`
	MinOutcomeSamples  int     `yaml:"min_outcome_samples" json:"min_outcome_samples"`

	WarningInFlight int `yaml:"warning_in_flight" json:"warning_in_flight"`
	SevereInFlight  int `yaml:"severe_in_flight" json:"severe_in_flight"`

	PauseOnSevere bool `yaml:"pause_on_severe" json:"pause_on_severe"`
}

// DefaultPolicy returns conservative defaults for a small line.
func DefaultPolicy() Policy {
	return Policy{
		Window:             30 * time.Second,
		RecomputeEvery:     500 * time.Millisecond,
		NormalInterval:     300 * time.Millisecond,
		WarningInterval:    600 * time.Millisecond,
		SevereInterval:     1200 * time.Millisecond,
		WarningLatency:     400 * time.Millisecond,
		SevereLatency:      800 * time.Millisecond,
		WarningSuccessRate: 0.9,
		SevereSuccessRate:  0.7,
		MinOutcomeSamples:  5,
		WarningInFlight:    20,
		SevereInFlight:     40,
		PauseOnSevere:      false,
	}
}

// Validate checks ordering of thresholds and intervals.
func (p Policy) Validate() error {
	var errs error
	if p.Window <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("throttle window must be positive"))
	}
	if p.RecomputeEvery <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("throttle recompute_every must be positive"))
	}
	if p.NormalInterval < 0 || !(p.NormalInterval < p.WarningInterval && p.WarningInterval < p.SevereInterval) {
		errs = multierr.Append(errs, fmt.Errorf("throttle intervals must satisfy 0 <= normal < warning < severe"))
	}
	if p.WarningLatency <= 0 || p.SevereLatency < p.WarningLatency {
		errs = multierr.Append(errs, fmt.Errorf("throttle latency thresholds must satisfy 0 < warning <= severe"))
	}
	if p.SevereSuccessRate < 0 || p.WarningSuccessRate > 1 || p.SevereSuccessRate > p.WarningSuccessRate {
		errs = multierr.Append(errs, fmt.Errorf("throttle success rates must satisfy 0 <= severe <= warning <= 1"))
	}
	if p.WarningInFlight <= 0 || p.SevereInFlight < p.WarningInFlight {
		errs = multierr.Append(errs, fmt.Errorf("throttle in-flight thresholds must satisfy 0 < warning <= severe"))
	}
	return errs
}
