// Package overload implements the per-parcel hard override that forces a
// parcel to the exception chute regardless of what the upstream answered.
//
// Conditions are independently toggleable. With Enabled=false the enforcer
// never forces anything. A forced decision is a safety outcome, not an
// error: callers log it at Warn as a policy override.
package overload

import (
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/ChuLiYu/wheel-sorter/pkg/types"
)

// Policy is the hot-swappable overload configuration.
type Policy struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	MaxInFlightParcels           int  `yaml:"max_in_flight_parcels" json:"max_in_flight_parcels"`
	ForceExceptionOnOverCapacity bool `yaml:"force_exception_on_over_capacity" json:"force_exception_on_over_capacity"`

	MinRequiredTTL          time.Duration `yaml:"min_required_ttl" json:"min_required_ttl"`
	ForceExceptionOnTimeout bool          `yaml:"force_exception_on_timeout" json:"force_exception_on_timeout"`

	MinArrivalWindow           time.Duration `yaml:"min_arrival_window" json:"min_arrival_window"`
	ForceExceptionOnWindowMiss bool          `yaml:"force_exception_on_window_miss" json:"force_exception_on_window_miss"`

	ForceExceptionOnSevere bool `yaml:"force_exception_on_severe" json:"force_exception_on_severe"`
}

// DefaultPolicy enables capacity and severe-congestion protection only.
func DefaultPolicy() Policy {
	return Policy{
		Enabled:                      true,
		MaxInFlightParcels:           60,
		ForceExceptionOnOverCapacity: true,
		MinRequiredTTL:               50 * time.Millisecond,
		ForceExceptionOnTimeout:      false,
		MinArrivalWindow:             100 * time.Millisecond,
		ForceExceptionOnWindowMiss:   false,
		ForceExceptionOnSevere:       true,
	}
}

// Validate rejects thresholds that can never be met.
func (p Policy) Validate() error {
	var errs error
	if p.ForceExceptionOnOverCapacity && p.MaxInFlightParcels <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("overload max_in_flight_parcels must be positive when over-capacity forcing is on"))
	}
	if p.MinRequiredTTL < 0 {
		errs = multierr.Append(errs, fmt.Errorf("overload min_required_ttl must not be negative"))
	}
	if p.MinArrivalWindow < 0 {
		errs = multierr.Append(errs, fmt.Errorf("overload min_arrival_window must not be negative"))
	}
	return errs
}

// Input is what the orchestrator knows about one parcel at decision time.
type Input struct {
	InFlight      int
	RemainingTTL  time.Duration // assignment deadline minus now
	ArrivalWindow time.Duration // expected arrival at the drop diverter minus now
	Level         types.CongestionLevel
}

// Decision is the enforcer's verdict.
type Decision struct {
	ForceException bool
	Reason         types.Reason
}

// Evaluate applies the policy to one parcel. Conditions are checked in a
// fixed order and the first match names the reason.
func Evaluate(p *Policy, in Input) Decision {
	if p == nil || !p.Enabled {
		return Decision{}
	}
	switch {
	case p.ForceExceptionOnOverCapacity && in.InFlight > p.MaxInFlightParcels:
		return Decision{ForceException: true, Reason: types.ReasonOverCapacity}
	case p.ForceExceptionOnTimeout && in.RemainingTTL < p.MinRequiredTTL:
		return Decision{ForceException: true, Reason: types.ReasonTTLTooShort}
	case p.ForceExceptionOnWindowMiss && in.ArrivalWindow < p.MinArrivalWindow:
		return Decision{ForceException: true, Reason: types.ReasonArrivalWindowMiss}
	case p.ForceExceptionOnSevere && in.Level == types.CongestionSevere:
		return Decision{ForceException: true, Reason: types.ReasonSevereCongestion}
	}
	return Decision{}
}
