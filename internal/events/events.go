// ============================================================================
// Wheel-Sorter Lifecycle Events
// ============================================================================
//
// Package: internal/events
// File: events.go
// Purpose: Publish terminal parcel dispositions to downstream consumers
//
// Publishers:
//   LogPublisher    writes each event as a structured log line
//   KafkaPublisher  buffers events and writes them to a Kafka topic from a
//                   background loop, behind a circuit breaker
//
// Publish never blocks the caller on the network. When the Kafka buffer is
// full the event is dropped and counted.
//
// ============================================================================

package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/ChuLiYu/wheel-sorter/pkg/types"
)

var log = slog.Default()

// Lifecycle is the terminal record of one parcel.
type Lifecycle struct {
	ParcelID       types.ParcelID    `json:"parcel_id"`
	State          types.ParcelState `json:"state"`
	Reason         types.Reason      `json:"reason,omitempty"`
	TargetChuteID  *types.ChuteID    `json:"target_chute_id,omitempty"`
	EffectiveChute *types.ChuteID    `json:"effective_chute_id,omitempty"`
	LastPosition   int               `json:"last_position"`
	CreatedAt      time.Time         `json:"created_at"`
	TerminalAt     time.Time         `json:"terminal_at"`
}

// FromParcel builds the event for a terminal parcel record.
func FromParcel(p types.Parcel) Lifecycle {
	return Lifecycle{
		ParcelID:       p.ID,
		State:          p.State,
		Reason:         p.Reason,
		TargetChuteID:  p.TargetChuteID,
		EffectiveChute: p.EffectiveChuteID,
		LastPosition:   p.CurrentPositionIndex,
		CreatedAt:      p.CreatedAt,
		TerminalAt:     p.TerminalAt,
	}
}

// Publisher accepts lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, ev Lifecycle) error
	Close() error
}

// LogPublisher logs events. It is the default when no broker is configured.
type LogPublisher struct {
	Logger *slog.Logger
}

// Publish implements Publisher.
func (p LogPublisher) Publish(_ context.Context, ev Lifecycle) error {
	l := p.Logger
	if l == nil {
		l = log
	}
	l.Info("Parcel lifecycle",
		"parcel_id", ev.ParcelID,
		"state", ev.State,
		"reason", ev.Reason,
		"last_position", ev.LastPosition,
		"dwell", ev.TerminalAt.Sub(ev.CreatedAt))
	return nil
}

// Close implements Publisher.
func (LogPublisher) Close() error { return nil }
