package diverter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ChuLiYu/wheel-sorter/pkg/types"
)

var errDisconnected = errors.New("simulated link down")

// Simulated is an in-memory diverter used by the demo line and tests.
// Faults can be injected at runtime.
type Simulated struct {
	id types.DiverterID

	mu        sync.Mutex
	latency   time.Duration
	fault     error
	connected bool
	direction types.Direction
	history   []types.Direction
	reconnErr error
}

// NewSimulated builds a simulated driver. Recognised opts:
//
//	latency_ms   actuation latency
func NewSimulated(id types.DiverterID, opts map[string]string) (*Simulated, error) {
	s := &Simulated{id: id, connected: true, direction: types.Straight}
	if v, ok := opts["latency_ms"]; ok && v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms < 0 {
			return nil, fmt.Errorf("invalid latency_ms %q", v)
		}
		s.latency = time.Duration(ms) * time.Millisecond
	}
	return s, nil
}

func (s *Simulated) ID() types.DiverterID { return s.id }

// SetFault makes every subsequent call fail with err; nil clears it.
func (s *Simulated) SetFault(err error) {
	s.mu.Lock()
	s.fault = err
	s.mu.Unlock()
}

// SetLatency changes how long each call takes.
func (s *Simulated) SetLatency(d time.Duration) {
	s.mu.Lock()
	s.latency = d
	s.mu.Unlock()
}

// Disconnect drops the link until Reconnect succeeds.
func (s *Simulated) Disconnect() {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
}

// SetReconnectError makes Reconnect fail with err.
func (s *Simulated) SetReconnectError(err error) {
	s.mu.Lock()
	s.reconnErr = err
	s.mu.Unlock()
}

// History returns the commands applied so far.
func (s *Simulated) History() []types.Direction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Direction(nil), s.history...)
}

func (s *Simulated) TurnLeft(ctx context.Context) error  { return s.apply(ctx, types.Left) }
func (s *Simulated) TurnRight(ctx context.Context) error { return s.apply(ctx, types.Right) }
func (s *Simulated) PassThrough(ctx context.Context) error {
	return s.apply(ctx, types.Straight)
}

func (s *Simulated) Status(ctx context.Context) (Status, error) {
	if err := s.wait(ctx); err != nil {
		return Status{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(); err != nil {
		return Status{Direction: s.direction, Connected: s.connected}, err
	}
	return Status{Direction: s.direction, Connected: true}, nil
}

func (s *Simulated) CheckHeartbeat(ctx context.Context) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure()
}

func (s *Simulated) Reconnect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reconnErr != nil {
		return s.reconnErr
	}
	s.connected = true
	return nil
}

func (s *Simulated) apply(ctx context.Context, dir types.Direction) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(); err != nil {
		return err
	}
	s.direction = dir
	s.history = append(s.history, dir)
	return nil
}

// failure must be called with s.mu held.
func (s *Simulated) failure() error {
	if !s.connected {
		return errDisconnected
	}
	return s.fault
}

func (s *Simulated) wait(ctx context.Context) error {
	s.mu.Lock()
	d := s.latency
	s.mu.Unlock()
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
