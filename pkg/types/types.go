// Package types defines the core domain model shared by the wheel-sorter core.
package types

import (
	"time"
)

// ParcelID uniquely identifies a parcel on the line.
type ParcelID string

// ChuteID identifies a physical output chute.
type ChuteID int64

// DiverterID identifies a wheel-diverter.
type DiverterID string

// ============================================================================
// Parcel state machine
// ============================================================================

// ParcelState is the orchestrator-side lifecycle state of a parcel.
type ParcelState string

const (
	StateCreated            ParcelState = "created"             // entry sensor fired, record allocated
	StateAwaitingAssignment ParcelState = "awaiting_assignment" // upstream request in flight
	StateAssigned           ParcelState = "assigned"            // upstream replied with a chute
	StatePathCommitted      ParcelState = "path_committed"      // diverter actions resolved and planned
	StateInTransit          ParcelState = "in_transit"          // at least one diverter arrival confirmed
	StateCompleted          ParcelState = "completed"           // dropped into its effective chute
	StateExceptionRouted    ParcelState = "exception_routed"    // sent to the exception chute
	StateLost               ParcelState = "lost"                // expected arrival never happened
)

// IsTerminal reports whether no further transition is allowed from s.
func (s ParcelState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateExceptionRouted, StateLost:
		return true
	}
	return false
}

// Reason explains why a parcel ended up where it did.
type Reason string

const (
	ReasonNone               Reason = ""
	ReasonAssignmentTimeout  Reason = "assignment_timeout"
	ReasonUpstreamError      Reason = "upstream_error"
	ReasonShutdown           Reason = "shutdown"
	ReasonUnresolvedChute    Reason = "unresolved_chute"
	ReasonOverCapacity       Reason = "over_capacity"
	ReasonTTLTooShort        Reason = "ttl_too_short"
	ReasonArrivalWindowMiss  Reason = "arrival_window_miss"
	ReasonSevereCongestion   Reason = "severe_congestion"
	ReasonDiverterUnhealthy  Reason = "diverter_unhealthy"
	ReasonTransitLoss        Reason = "transit_loss"
	ReasonDropConfirmed      Reason = "drop_confirmed"
	ReasonEndOfLine          Reason = "end_of_line"
	ReasonActuationRefused   Reason = "actuation_refused"
	ReasonActuationFailed    Reason = "actuation_failed"
	ReasonOperatingStateStop Reason = "operating_state_stop"
	ReasonThrottled          Reason = "admission_throttled"
)

// ============================================================================
// Diverter actions
// ============================================================================

// Direction is what a diverter does with a passing parcel.
type Direction string

const (
	Straight Direction = "straight"
	Left     Direction = "left"
	Right    Direction = "right"
)

// DiverterAction is one step of a resolved path.
type DiverterAction struct {
	DiverterID    DiverterID `json:"diverter_id" yaml:"diverter_id"`
	PositionIndex int        `json:"position_index" yaml:"position_index"`
	Direction     Direction  `json:"direction" yaml:"direction"`
}

// Parcel is the orchestrator's record of a physical parcel.
type Parcel struct {
	ID                   ParcelID         `json:"id"`
	Seq                  uint64           `json:"seq"`
	CreatedAt            time.Time        `json:"created_at"`
	TargetChuteID        *ChuteID         `json:"target_chute_id,omitempty"`
	EffectiveChuteID     *ChuteID         `json:"effective_chute_id,omitempty"`
	ResolvedPath         []DiverterAction `json:"resolved_path,omitempty"`
	CurrentPositionIndex int              `json:"current_position_index"`
	State                ParcelState      `json:"state"`
	AssignmentDeadline   time.Time        `json:"assignment_deadline"`
	Reason               Reason           `json:"reason,omitempty"`
	UpdatedAt            time.Time        `json:"updated_at"`
	TerminalAt           time.Time        `json:"terminal_at,omitempty"`
}

// ============================================================================
// Sensors and tracking
// ============================================================================

// SensorEvent is one trigger from a photo-eye along the line.
// PositionIndex 0 is the entry sensor, 1..N the diverter front sensors and
// N+1 the optional end-of-line sensor.
type SensorEvent struct {
	PositionIndex int       `json:"position_index"`
	Timestamp     time.Time `json:"timestamp"`
}

// PositionQueueEntry is one trigger awaiting correlation at a position.
type PositionQueueEntry struct {
	PositionIndex int       `json:"position_index"`
	TriggeredAt   time.Time `json:"triggered_at"`
	ParcelID      ParcelID  `json:"parcel_id,omitempty"`
}

// ============================================================================
// Congestion and health
// ============================================================================

// CongestionLevel is the derived line health classification.
type CongestionLevel int

const (
	CongestionNormal CongestionLevel = iota
	CongestionWarning
	CongestionSevere
)

func (l CongestionLevel) String() string {
	switch l {
	case CongestionNormal:
		return "normal"
	case CongestionWarning:
		return "warning"
	case CongestionSevere:
		return "severe"
	default:
		return "unknown"
	}
}

// CongestionSnapshot is the rolling metric state the level was derived from.
type CongestionSnapshot struct {
	Level          CongestionLevel `json:"level"`
	AvgLatency     time.Duration   `json:"avg_latency"`
	SuccessRate    float64         `json:"success_rate"`
	InFlight       int             `json:"in_flight"`
	LatencySamples int             `json:"latency_samples"`
	OutcomeSamples int             `json:"outcome_samples"`
	ComputedAt     time.Time       `json:"computed_at"`
}

// DiverterHealthRecord is the monitor's view of one diverter.
type DiverterHealthRecord struct {
	DiverterID          DiverterID `json:"diverter_id"`
	IsHealthy           bool       `json:"is_healthy"`
	LastSuccessAt       time.Time  `json:"last_success_at"`
	ErrorMessage        string     `json:"error_message,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
}

// ============================================================================
// Operating state
// ============================================================================

// OperatingState is the system-wide run state. Only the rules that gate
// admission and actuation are modelled here.
type OperatingState string

const (
	OpBooting       OperatingState = "booting"
	OpReady         OperatingState = "ready"
	OpRunning       OperatingState = "running"
	OpPaused        OperatingState = "paused"
	OpFault         OperatingState = "fault"
	OpEmergencyStop OperatingState = "emergency_stop"
)

// AllowsAdmission reports whether new parcels may enter.
func (s OperatingState) AllowsAdmission() bool {
	return s == OpRunning
}

// AllowsActuation reports whether diverters may be commanded.
func (s OperatingState) AllowsActuation() bool {
	return s == OpRunning || s == OpPaused
}

// ParseOperatingState maps a string to a known state.
func ParseOperatingState(s string) (OperatingState, bool) {
	switch st := OperatingState(s); st {
	case OpBooting, OpReady, OpRunning, OpPaused, OpFault, OpEmergencyStop:
		return st, true
	}
	return "", false
}

// ============================================================================
// Chute change dispositions
// ============================================================================

// ChangeDisposition is the outcome code of a mid-flight chute change request.
type ChangeDisposition string

const (
	ChangeAccepted             ChangeDisposition = "accepted"
	ChangeIgnoredTerminal      ChangeDisposition = "ignored_terminal"
	ChangeRejectedTooLate      ChangeDisposition = "rejected_too_late"
	ChangeRejectedInvalidState ChangeDisposition = "rejected_invalid_state"
	ChangeRejectedUnknown      ChangeDisposition = "rejected_unknown_parcel"
	ChangeRejectedUnresolvable ChangeDisposition = "rejected_unresolvable_chute"
)
