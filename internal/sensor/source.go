// Package sensor delivers photo-eye triggers to the orchestrator.
//
// A Source pushes (position, timestamp) pairs in the order the hardware
// produced them. Position 0 is the entry sensor, 1..N the diverter front
// sensors and N+1 the optional end-of-line sensor.
package sensor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ChuLiYu/wheel-sorter/pkg/types"
)

// ============================================================================
// Error definitions
// ============================================================================

var (
	// ErrSourceClosed is returned by Emit after Close.
	ErrSourceClosed = errors.New("sensor source closed")
)

// Source is a push stream of sensor triggers.
type Source interface {
	// Run forwards triggers into out until ctx is cancelled or the source
	// is exhausted. It never closes out.
	Run(ctx context.Context, out chan<- types.SensorEvent) error
}

// ChannelSource is fed by hand. Tests and hardware bridges call Emit.
type ChannelSource struct {
	ch        chan types.SensorEvent
	done      chan struct{}
	closeOnce sync.Once
}

// NewChannelSource creates a source buffering up to buffer triggers.
func NewChannelSource(buffer int) *ChannelSource {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelSource{
		ch:   make(chan types.SensorEvent, buffer),
		done: make(chan struct{}),
	}
}

// Emit queues one trigger. It blocks while the buffer is full.
func (s *ChannelSource) Emit(ev types.SensorEvent) error {
	select {
	case <-s.done:
		return ErrSourceClosed
	default:
	}
	select {
	case <-s.done:
		return ErrSourceClosed
	case s.ch <- ev:
		return nil
	}
}

// Trigger emits a trigger at position stamped with the current time.
func (s *ChannelSource) Trigger(position int) error {
	return s.Emit(types.SensorEvent{PositionIndex: position, Timestamp: time.Now()})
}

// Close stops the source. Triggers already queued are still delivered.
func (s *ChannelSource) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Run implements Source.
func (s *ChannelSource) Run(ctx context.Context, out chan<- types.SensorEvent) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-s.ch:
			if !forward(ctx, out, ev) {
				return nil
			}
		case <-s.done:
			for {
				select {
				case ev := <-s.ch:
					if !forward(ctx, out, ev) {
						return nil
					}
				default:
					return nil
				}
			}
		}
	}
}

func forward(ctx context.Context, out chan<- types.SensorEvent, ev types.SensorEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
