// Package breaker is a small Closed/Open/HalfOpen circuit breaker used to
// isolate one failing device or sink from the rest of the line.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State of a breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned while the breaker fast-fails.
var ErrOpen = errors.New("circuit breaker is open")

// Config controls when the breaker trips and when it checks again.
type Config struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// Breaker guards calls to one dependency.
type Breaker struct {
	name   string
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	state       State
	recentFails int
	openedAt    time.Time
	lastErr     error

	check         func(ctx context.Context) error
	onStateChange func(name string, from, to State)
}

// New creates a breaker. check, when set, runs before the first call after
// ResetTimeout; a failing check keeps the breaker open.
func New(name string, cfg Config, check func(ctx context.Context) error) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 5 * time.Second
	}
	b := &Breaker{
		name:   name,
		cfg:    cfg,
		logger: slog.Default().With("breaker", name),
		now:    time.Now,
		state:  Closed,
		check:  check,
	}
	b.logger.Debug("Breaker created", "max_failures", cfg.MaxFailures, "reset_timeout", cfg.ResetTimeout)
	return b
}

// OnStateChange registers a transition callback. It is called without the
// breaker lock held.
func (b *Breaker) OnStateChange(fn func(name string, from, to State)) {
	b.mu.Lock()
	b.onStateChange = fn
	b.mu.Unlock()
}

// Execute runs op unless the breaker is open.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	b.mu.Lock()
	state := b.state
	openedAt := b.openedAt
	b.mu.Unlock()

	if state == Open {
		if b.now().Sub(openedAt) < b.cfg.ResetTimeout {
			return ErrOpen
		}
		return b.tryCheckThenOp(ctx, op)
	}

	if err := op(ctx); err != nil {
		if b.onFailure(err) == Open {
			return errors.Join(ErrOpen, err)
		}
		return err
	}
	b.onSuccess()
	return nil
}

func (b *Breaker) tryCheckThenOp(ctx context.Context, op func(ctx context.Context) error) error {
	b.transition(HalfOpen, nil)
	b.logger.Info("Breaker probing")

	if b.check != nil {
		if err := b.check(ctx); err != nil {
			b.logger.Warn("Breaker health check failed", "error", err)
			b.transition(Open, err)
			return ErrOpen
		}
	}

	if err := op(ctx); err != nil {
		b.logger.Warn("Breaker half-open call failed", "error", err)
		b.transition(Open, err)
		return err
	}
	b.onSuccess()
	return nil
}

func (b *Breaker) onSuccess() {
	b.transition(Closed, nil)
}

func (b *Breaker) onFailure(err error) State {
	b.mu.Lock()
	b.recentFails++
	b.lastErr = err
	trip := b.recentFails >= b.cfg.MaxFailures
	fails := b.recentFails
	b.mu.Unlock()

	b.logger.Warn("Breaker call failed", "failures", fails, "error", err)
	if trip {
		b.transition(Open, err)
		return Open
	}
	return Closed
}

func (b *Breaker) transition(to State, err error) {
	b.mu.Lock()
	from := b.state
	b.state = to
	switch to {
	case Open:
		b.openedAt = b.now()
		if err != nil {
			b.lastErr = err
		}
	case Closed:
		b.recentFails = 0
		b.lastErr = nil
	}
	cb := b.onStateChange
	b.mu.Unlock()

	if from == to {
		return
	}
	if to == Open {
		b.logger.Error("Breaker opened", "from", from.String(), "error", err)
	} else {
		b.logger.Info("Breaker state changed", "from", from.String(), "to", to.String())
	}
	if cb != nil {
		cb(b.name, from, to)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// LastError returns the most recent failure, nil once closed again.
func (b *Breaker) LastError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}

// Reset forces the breaker closed, e.g. after a successful reconnect.
func (b *Breaker) Reset() {
	b.transition(Closed, nil)
}
