package upstream

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/wheel-sorter/pkg/types"
)

// Strategy selects how the simulator picks chutes.
type Strategy string

const (
	StrategyRoundRobin Strategy = "round_robin"
	StrategyRandom     Strategy = "random"
	StrategyFixed      Strategy = "fixed"
	// StrategySilent never answers; calls block until ctx is done.
	StrategySilent Strategy = "silent"
)

// SimulatorConfig describes the simulated rule engine.
type SimulatorConfig struct {
	Strategy    Strategy        `yaml:"strategy"`
	Chutes      []types.ChuteID `yaml:"chutes"`
	Latency     time.Duration   `yaml:"latency"`
	Jitter      time.Duration   `yaml:"jitter"`
	FailureRate float64         `yaml:"failure_rate"`
}

// Simulator is an in-process rule engine. It implements both Engine and
// Client.
type Simulator struct {
	cfg SimulatorConfig

	mu        sync.Mutex
	next      int
	overrides map[types.ParcelID]types.ChuteID

	requests  atomic.Int64
	connected atomic.Bool
	closed    atomic.Bool
}

// NewSimulator validates cfg and returns a simulator.
func NewSimulator(cfg SimulatorConfig) (*Simulator, error) {
	switch cfg.Strategy {
	case "":
		cfg.Strategy = StrategyRoundRobin
	case StrategyRoundRobin, StrategyRandom, StrategyFixed, StrategySilent:
	default:
		return nil, fmt.Errorf("unknown simulator strategy %q", cfg.Strategy)
	}
	if cfg.Strategy != StrategySilent && len(cfg.Chutes) == 0 {
		return nil, fmt.Errorf("simulator strategy %s needs at least one chute", cfg.Strategy)
	}
	if cfg.FailureRate < 0 || cfg.FailureRate > 1 {
		return nil, fmt.Errorf("simulator failure_rate %.2f not in [0,1]", cfg.FailureRate)
	}
	return &Simulator{cfg: cfg, overrides: make(map[types.ParcelID]types.ChuteID)}, nil
}

// Override pins the answer for one parcel.
func (s *Simulator) Override(id types.ParcelID, chute types.ChuteID) {
	s.mu.Lock()
	s.overrides[id] = chute
	s.mu.Unlock()
}

// Requests returns how many assignment requests were received.
func (s *Simulator) Requests() int64 {
	return s.requests.Load()
}

// Assign implements Engine.
func (s *Simulator) Assign(ctx context.Context, id types.ParcelID) (types.ChuteID, error) {
	s.requests.Add(1)

	if s.cfg.Strategy == StrategySilent {
		<-ctx.Done()
		return 0, ctx.Err()
	}

	delay := s.cfg.Latency
	if s.cfg.Jitter > 0 {
		delay += time.Duration(rand.Int64N(int64(s.cfg.Jitter)))
	}
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-timer.C:
		}
	}

	if s.cfg.FailureRate > 0 && rand.Float64() < s.cfg.FailureRate {
		return 0, ErrNoAssignment
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.overrides[id]; ok {
		return c, nil
	}
	switch s.cfg.Strategy {
	case StrategyRandom:
		return s.cfg.Chutes[rand.IntN(len(s.cfg.Chutes))], nil
	case StrategyFixed:
		return s.cfg.Chutes[0], nil
	default:
		c := s.cfg.Chutes[s.next%len(s.cfg.Chutes)]
		s.next++
		return c, nil
	}
}

// Connect implements Client.
func (s *Simulator) Connect(ctx context.Context) bool {
	if s.closed.Load() || ctx.Err() != nil {
		return false
	}
	s.connected.Store(true)
	return true
}

// NotifyParcelDetected implements Client.
func (s *Simulator) NotifyParcelDetected(ctx context.Context, id types.ParcelID) (Assignment, error) {
	if s.closed.Load() {
		return Assignment{}, ErrClosed
	}
	if !s.connected.Load() {
		return Assignment{}, ErrNotConnected
	}
	chute, err := s.Assign(ctx, id)
	if err != nil {
		return Assignment{}, err
	}
	return Assignment{ParcelID: id, ChuteID: chute, ReceivedAt: time.Now()}, nil
}

// Close implements Client.
func (s *Simulator) Close() error {
	s.closed.Store(true)
	s.connected.Store(false)
	return nil
}
