// ============================================================================
// Wheel-Sorter Diverter Coordinator - per-device actuation workers
// ============================================================================
//
// Package: internal/diverter
// File: coordinator.go
// Purpose: Run actuation commands asynchronously, one worker per diverter
//
// Model:
//   ┌──────────────┐
//   │ Orchestrator │ --Submit(cmd)--> queue[D1] --> worker D1 --breaker--> driver
//   └──────────────┘                   queue[D2] --> worker D2 --breaker--> driver
//          ↑                           queue[D3] --> worker D3 --breaker--> driver
//       Results() <──────────────────────────────────────┘
//
//   Each diverter has its own buffered queue, goroutine and circuit breaker,
//   so a hung or failing device only stalls its own queue. Submit never
//   blocks: a full queue is reported as ErrQueueFull.
//
// Lifecycle:
//   1. NewCoordinator() - bind drivers, create queues and breakers
//   2. Start()          - launch one worker per diverter
//   3. Submit(cmd)      - enqueue an actuation command
//   4. Results()        - read completed commands
//   5. Stop()           - close queues, wait for workers, close results
//
// ============================================================================

package diverter

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/wheel-sorter/internal/breaker"
	"github.com/ChuLiYu/wheel-sorter/pkg/types"
)

var log = slog.Default()

// ============================================================================
// Error definitions
// ============================================================================

var (
	// ErrCoordinatorStopped is returned by Submit after Stop.
	ErrCoordinatorStopped = errors.New("diverter coordinator is stopped")
	// ErrCoordinatorNotStarted is returned by Submit before Start.
	ErrCoordinatorNotStarted = errors.New("diverter coordinator not started")
	// ErrQueueFull is returned when a diverter's queue has no room.
	ErrQueueFull = errors.New("diverter command queue full")
)

// ============================================================================
// Data structures
// ============================================================================

// Command is one actuation request for one parcel.
type Command struct {
	ParcelID types.ParcelID
	Action   types.DiverterAction
	IssuedAt time.Time
	Timeout  time.Duration
}

// Result is the outcome of a command.
type Result struct {
	Command  Command
	Err      error
	Duration time.Duration
}

// CoordinatorConfig sizes queues and breakers.
type CoordinatorConfig struct {
	QueueSize      int            `yaml:"queue_size"`
	CommandTimeout time.Duration  `yaml:"command_timeout"`
	Breaker        breaker.Config `yaml:"breaker"`
}

// Coordinator owns the actuation workers.
type Coordinator struct {
	cfg      CoordinatorConfig
	drivers  map[types.DiverterID]Driver
	breakers map[types.DiverterID]*breaker.Breaker
	queues   map[types.DiverterID]chan Command
	results  chan Result
	stopCh   chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool

	onResult func(Result)
}

// NewCoordinator creates queues and breakers for every driver.
func NewCoordinator(drivers map[types.DiverterID]Driver, cfg CoordinatorConfig) *Coordinator {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 200 * time.Millisecond
	}
	c := &Coordinator{
		cfg:      cfg,
		drivers:  drivers,
		breakers: make(map[types.DiverterID]*breaker.Breaker, len(drivers)),
		queues:   make(map[types.DiverterID]chan Command, len(drivers)),
		results:  make(chan Result, cfg.QueueSize*max(len(drivers), 1)),
		stopCh:   make(chan struct{}),
	}
	for id, d := range drivers {
		var check func(ctx context.Context) error
		if hb, ok := d.(HeartbeatChecker); ok {
			check = hb.CheckHeartbeat
		}
		c.breakers[id] = breaker.New(string(id), cfg.Breaker, check)
		c.queues[id] = make(chan Command, cfg.QueueSize)
	}
	return c
}

// OnResult registers a hook invoked by the worker for every result before
// it is delivered on Results(). Set it before Start.
func (c *Coordinator) OnResult(fn func(Result)) {
	c.onResult = fn
}

// Start launches one worker goroutine per diverter.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New("coordinator already started")
	}
	for id := range c.drivers {
		c.wg.Add(1)
		go func(id types.DiverterID) {
			defer c.wg.Done()
			c.runWorker(id)
		}(id)
	}
	c.started = true
	log.Info("Diverter coordinator started", "diverters", len(c.drivers))
	return nil
}

// Submit enqueues a command without blocking.
func (c *Coordinator) Submit(cmd Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return ErrCoordinatorNotStarted
	}
	if c.stopped {
		return ErrCoordinatorStopped
	}
	q, ok := c.queues[cmd.Action.DiverterID]
	if !ok {
		return ErrUnknownDiverter
	}
	if cmd.Timeout <= 0 {
		cmd.Timeout = c.cfg.CommandTimeout
	}
	if cmd.IssuedAt.IsZero() {
		cmd.IssuedAt = time.Now()
	}

	// queues are only closed under c.mu in Stop, so this send is safe
	select {
	case q <- cmd:
		return nil
	default:
		return ErrQueueFull
	}
}

// Results delivers completed commands. Closed after Stop.
func (c *Coordinator) Results() <-chan Result {
	return c.results
}

// Breaker exposes the breaker for one diverter.
func (c *Coordinator) Breaker(id types.DiverterID) (*breaker.Breaker, bool) {
	b, ok := c.breakers[id]
	return b, ok
}

// Driver exposes the driver for one diverter.
func (c *Coordinator) Driver(id types.DiverterID) (Driver, bool) {
	d, ok := c.drivers[id]
	return d, ok
}

// IDs lists managed diverters in a stable order.
func (c *Coordinator) IDs() []types.DiverterID {
	ids := make([]types.DiverterID, 0, len(c.drivers))
	for id := range c.drivers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// QueueDepth returns the number of commands waiting for one diverter.
func (c *Coordinator) QueueDepth(id types.DiverterID) int {
	return len(c.queues[id])
}

// Stop closes every queue, waits for in-progress commands and closes
// Results().
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.started || c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	close(c.stopCh)
	for _, q := range c.queues {
		close(q)
	}
	c.mu.Unlock()

	c.wg.Wait()
	close(c.results)
	log.Info("Diverter coordinator stopped")
}

func (c *Coordinator) runWorker(id types.DiverterID) {
	d := c.drivers[id]
	b := c.breakers[id]
	for cmd := range c.queues[id] {
		res := c.execute(d, b, cmd)
		if c.onResult != nil {
			c.onResult(res)
		}
		select {
		case c.results <- res:
		case <-c.stopCh:
			// drain remaining commands without delivering
		}
	}
}

func (c *Coordinator) execute(d Driver, b *breaker.Breaker, cmd Command) (res Result) {
	start := time.Now()
	res.Command = cmd
	defer func() {
		if r := recover(); r != nil {
			log.Error("Diverter worker panicked", "diverter", d.ID(), "panic", r)
			res.Err = ErrHardwareFault
		}
		res.Duration = time.Since(start)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), cmd.Timeout)
	defer cancel()
	res.Err = b.Execute(ctx, func(ctx context.Context) error {
		return Apply(ctx, d, cmd.Action.Direction)
	})
	return res
}
