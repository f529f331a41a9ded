// ============================================================================
// Wheel-Sorter Orchestrator - parcel lifecycle driver
// ============================================================================
//
// Package: internal/orchestrator
// File: orchestrator.go
// Purpose: Correlate sensor triggers with parcels, request chute assignments,
//          issue diverter actions and drive every parcel to exactly one
//          terminal state
//
// Loops (supervised by an errgroup in Run):
//   ┌─────────────┐ Record ┌─────────┐ position ┌──────────────────┐  Submit   ┌─────────────┐
//   │ sensor.Src  │ ─────> │ ingest  │ ───────> │                  │ ────────> │ Coordinator │
//   └─────────────┘        └─────────┘          │   event loop     │ <──────── │  (workers)  │
//   ┌─────────────┐      assignments            │   (plans,        │  Results  └─────────────┘
//   │ upstream    │ ──────────────────────────> │    ticker)       │
//   └─────────────┘                             └──────────────────┘
//   throttle.Run and Monitor.Run recompute congestion and diverter health
//   on their own tickers. The upstream connection is opened in the
//   background so an unreachable rule engine never stalls the line.
//
// Correlation:
//   Every parcel carries a plan: for each position it still has to pass, a
//   nominal ExpectedAt and a static DeadlineAt derived from the segment
//   geometry. The plan is queued in the tracker's position queues, which
//   own both the triggers and the parcels due at each position under a
//   per-position lock. The event loop pops a trigger with tracker.Next and
//   receives it already stamped with the parcel it belongs to. An
//   expectation whose deadline passes without a trigger comes back from
//   tracker.Sweep and means the parcel left the line where it should not
//   have.
//
// Exception-routed parcels are terminal in the parcel table, but their plan
// stays alive until they physically leave the line so that the FIFOs of
// later parcels stay aligned.
//
// ============================================================================

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/wheel-sorter/internal/config"
	"github.com/ChuLiYu/wheel-sorter/internal/diverter"
	"github.com/ChuLiYu/wheel-sorter/internal/events"
	"github.com/ChuLiYu/wheel-sorter/internal/journal"
	"github.com/ChuLiYu/wheel-sorter/internal/metrics"
	"github.com/ChuLiYu/wheel-sorter/internal/parcel"
	"github.com/ChuLiYu/wheel-sorter/internal/sensor"
	"github.com/ChuLiYu/wheel-sorter/internal/throttle"
	"github.com/ChuLiYu/wheel-sorter/internal/topology"
	"github.com/ChuLiYu/wheel-sorter/internal/tracker"
	"github.com/ChuLiYu/wheel-sorter/internal/upstream"
	"github.com/ChuLiYu/wheel-sorter/pkg/types"
)

var log = slog.Default()

// ============================================================================
// Error definitions
// ============================================================================

var (
	// ErrAlreadyRunning is returned by a second call to Run.
	ErrAlreadyRunning = errors.New("orchestrator already running")
	// ErrStateChange is returned for a disallowed operating state move.
	ErrStateChange = errors.New("operating state change not allowed")
	// ErrMissingDependency is returned by New when a required part is nil.
	ErrMissingDependency = errors.New("orchestrator dependency missing")
)

// ============================================================================
// Data structures
// ============================================================================

// Options tunes the event loop.
type Options struct {
	TickInterval    time.Duration        // loss and housekeeping cadence
	ChangeMinWindow time.Duration        // a chute change needs this much time before the next diverter
	InitialState    types.OperatingState // state at construction
	EventBuffer     int                  // sensor and assignment channel capacity
}

// DefaultOptions returns the loop defaults.
func DefaultOptions() Options {
	return Options{
		TickInterval:    10 * time.Millisecond,
		ChangeMinWindow: 50 * time.Millisecond,
		InitialState:    types.OpRunning,
		EventBuffer:     1024,
	}
}

// Deps are the collaborators the orchestrator drives. Monitor, Journal,
// Publisher, Metrics and Source are optional.
type Deps struct {
	Store       *config.Store
	Parcels     *parcel.Manager
	Tracker     *tracker.Tracker
	Throttle    *throttle.Controller
	Upstream    upstream.Client
	Coordinator *diverter.Coordinator
	Monitor     *diverter.Monitor
	Journal     *journal.Journal
	Publisher   events.Publisher
	Metrics     *metrics.Collector
	Source      sensor.Source
}

// plan is the orchestrator's physical view of a parcel.
type plan struct {
	id        types.ParcelID
	seq       uint64
	createdAt time.Time
	path      topology.Path
	lastSeen  int // highest position with a matched trigger
	remaining int // expectations still queued
	actuating int // commands submitted and not yet reported
}

// assignmentResult is what a request goroutine reports back.
type assignmentResult struct {
	id         types.ParcelID
	assignment upstream.Assignment
	err        error
	latency    time.Duration
}

// Orchestrator drives parcels from entry to a terminal state.
type Orchestrator struct {
	opts Options

	store     *config.Store
	parcels   *parcel.Manager
	tracker   *tracker.Tracker
	throttle  *throttle.Controller
	upstream  upstream.Client
	coord     *diverter.Coordinator
	monitor   *diverter.Monitor
	journal   *journal.Journal
	publisher events.Publisher
	metrics   *metrics.Collector
	source    sensor.Source

	sensorCh  chan types.SensorEvent
	triggerCh chan int // positions with a recorded trigger
	assignCh  chan assignmentResult
	done      chan struct{}
	running   atomic.Bool

	state      atomic.Value // types.OperatingState
	upstreamUp atomic.Bool
	line       atomic.Pointer[topology.Topology] // topology the tracker cadence was learned on

	// mu guards everything below. Every handler runs with it held.
	mu      sync.Mutex
	plans   map[types.ParcelID]*plan
	pending map[types.ParcelID]context.CancelFunc
	runCtx  context.Context
	unknown uint64 // triggers that matched no expectation
}

// New wires an orchestrator. Required: Store, Parcels, Tracker, Throttle,
// Upstream and Coordinator.
func New(deps Deps, opts Options) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("%w: config store", ErrMissingDependency)
	case deps.Parcels == nil:
		return nil, fmt.Errorf("%w: parcel manager", ErrMissingDependency)
	case deps.Tracker == nil:
		return nil, fmt.Errorf("%w: tracker", ErrMissingDependency)
	case deps.Throttle == nil:
		return nil, fmt.Errorf("%w: throttle", ErrMissingDependency)
	case deps.Upstream == nil:
		return nil, fmt.Errorf("%w: upstream client", ErrMissingDependency)
	case deps.Coordinator == nil:
		return nil, fmt.Errorf("%w: diverter coordinator", ErrMissingDependency)
	}

	def := DefaultOptions()
	if opts.TickInterval <= 0 {
		opts.TickInterval = def.TickInterval
	}
	if opts.ChangeMinWindow <= 0 {
		opts.ChangeMinWindow = def.ChangeMinWindow
	}
	if opts.InitialState == "" {
		opts.InitialState = def.InitialState
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = def.EventBuffer
	}
	if deps.Publisher == nil {
		deps.Publisher = events.LogPublisher{}
	}

	o := &Orchestrator{
		opts:      opts,
		store:     deps.Store,
		parcels:   deps.Parcels,
		tracker:   deps.Tracker,
		throttle:  deps.Throttle,
		upstream:  deps.Upstream,
		coord:     deps.Coordinator,
		monitor:   deps.Monitor,
		journal:   deps.Journal,
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		source:    deps.Source,
		sensorCh:  make(chan types.SensorEvent, opts.EventBuffer),
		triggerCh: make(chan int, opts.EventBuffer),
		assignCh:  make(chan assignmentResult, opts.EventBuffer),
		done:      make(chan struct{}),
		plans:     make(map[types.ParcelID]*plan),
		pending:   make(map[types.ParcelID]context.CancelFunc),
		runCtx:    context.Background(),
	}
	o.state.Store(opts.InitialState)
	o.metrics.SetOperatingState(opts.InitialState)

	o.throttle.OnLevelChange(func(from, to types.CongestionLevel) {
		log.Warn("Congestion level changed", "from", from.String(), "to", to.String())
		o.metrics.SetCongestion(to)
	})
	if o.monitor != nil {
		o.monitor.OnChange(func(rec types.DiverterHealthRecord) {
			o.metrics.SetDiverterHealth(rec.DiverterID, rec.IsHealthy)
		})
		for _, rec := range o.monitor.Records() {
			o.metrics.SetDiverterHealth(rec.DiverterID, rec.IsHealthy)
		}
	}
	// runs on the diverter workers, so it must be set before the
	// coordinator starts
	o.coord.OnResult(o.observeActuation)

	o.line.Store(o.store.Topology())
	o.store.Guard(o.checkDrivers)
	o.store.OnChange(o.onConfigChange)
	return o, nil
}

// observeActuation feeds every command outcome to the health monitor and
// the metrics as soon as the worker reports it.
func (o *Orchestrator) observeActuation(res diverter.Result) {
	id := res.Command.Action.DiverterID
	o.metrics.ObserveActuation(id, res.Duration, res.Err)
	if o.monitor == nil {
		return
	}
	if res.Err == nil {
		o.monitor.RecordSuccess(id)
	} else {
		o.monitor.RecordFailure(id, res.Err)
	}
}

// ============================================================================
// Configuration updates
// ============================================================================

// checkDrivers refuses a topology whose diverter set differs from the
// drivers the coordinator was started with. Adding, removing or renaming a
// diverter needs a restart.
func (o *Orchestrator) checkDrivers(_ *config.Config, topo *topology.Topology) error {
	want := topo.DiverterIDs()
	have := o.coord.IDs()
	slices.Sort(want)
	slices.Sort(have)
	if !slices.Equal(want, have) {
		return fmt.Errorf("topology diverters %v do not match running drivers %v", want, have)
	}
	return nil
}

// onConfigChange drops the learned cadence of every position whose
// incoming segment changed; the old intervals no longer describe the belt.
func (o *Orchestrator) onConfigChange(*config.Config) {
	next := o.store.Topology()
	prev := o.line.Swap(next)
	if prev == nil {
		return
	}
	for pos := 1; pos <= next.EndPosition(); pos++ {
		was, _ := prev.SegmentInto(pos)
		now, _ := next.SegmentInto(pos)
		if was != now {
			o.tracker.Reset(pos)
			log.Info("Position cadence reset after segment change", "position", pos, "topology_version", next.Version)
		}
	}
}

// ============================================================================
// Lifecycle
// ============================================================================

// Run starts the event loop, sensor ingestion, throttle recomputation and
// health monitoring. It returns when ctx is cancelled, after every parcel
// still in flight has been resolved.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	g, gctx := errgroup.WithContext(ctx)
	o.mu.Lock()
	o.runCtx = gctx
	o.mu.Unlock()

	g.Go(func() error { return o.loop(gctx) })
	g.Go(func() error { return o.ingest(gctx) })
	if o.source != nil {
		g.Go(func() error {
			err := o.source.Run(gctx, o.sensorCh)
			if err != nil && gctx.Err() == nil {
				return fmt.Errorf("sensor source failed: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error { return o.throttle.Run(gctx) })
	if o.monitor != nil {
		g.Go(func() error { return o.monitor.Run(gctx) })
	}

	g.Go(func() error {
		o.connect(gctx)
		return nil
	})

	log.Info("Orchestrator started",
		"state", o.State(),
		"topology_version", o.store.Topology().Version,
		"diverters", o.store.Topology().DiverterCount())
	return g.Wait()
}

// Ingest hands one trigger to the event loop. It is the push entry point
// for callers that do not use a Source.
func (o *Orchestrator) Ingest(ctx context.Context, ev types.SensorEvent) error {
	select {
	case o.sensorCh <- ev:
		return nil
	case <-o.done:
		return errors.New("orchestrator stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// connect opens the upstream connection without holding up the loops.
// Assignments requested before it succeeds fail and go to the exception
// chute.
func (o *Orchestrator) connect(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, o.store.Deadlines().Fallback())
	defer cancel()
	if o.upstream.Connect(ctx) {
		o.upstreamUp.Store(true)
		log.Info("Upstream connected")
		return
	}
	log.Warn("Upstream not connected at start, assignments will fail until it is")
}

// ingest records each trigger in the tracker and wakes the event loop. It
// runs outside the loop lock so sensor bursts never wait on parcel
// handling.
func (o *Orchestrator) ingest(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-o.sensorCh:
			if _, err := o.tracker.Record(ev); err != nil {
				log.Warn("Sensor trigger rejected", "position", ev.PositionIndex, "error", err)
				continue
			}
			select {
			case o.triggerCh <- ev.PositionIndex:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (o *Orchestrator) loop(ctx context.Context) error {
	defer close(o.done)

	ticker := time.NewTicker(o.opts.TickInterval)
	defer ticker.Stop()
	results := o.coord.Results()

	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return nil
		case pos := <-o.triggerCh:
			o.safely("sensor", func() { o.onTrigger(pos) })
		case res := <-o.assignCh:
			o.safely("assignment", func() { o.onAssignment(res) })
		case res, ok := <-results:
			if !ok {
				results = nil
				continue
			}
			o.safely("actuation", func() { o.onActuation(res) })
		case now := <-ticker.C:
			o.safely("tick", func() { o.onTick(now) })
		}
	}
}

// safely runs one handler under the lock and keeps the loop alive if it
// panics.
func (o *Orchestrator) safely(name string, fn func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			log.Error("Orchestrator handler panicked", "handler", name, "panic", r)
		}
	}()
	fn()
}

// shutdown resolves every pending assignment and every active parcel.
func (o *Orchestrator) shutdown() {
	o.mu.Lock()
	defer o.mu.Unlock()

	for id, cancel := range o.pending {
		cancel()
		delete(o.pending, id)
	}
	for _, rec := range o.parcels.Active() {
		p := o.plans[rec.ID]
		if p == nil {
			p = &plan{id: rec.ID, seq: rec.Seq, createdAt: rec.CreatedAt}
		}
		o.routeToException(p, types.ReasonShutdown)
	}
	for id := range o.plans {
		o.tracker.Withdraw(id, -1)
	}
	o.plans = make(map[types.ParcelID]*plan)
	log.Info("Orchestrator stopped", "totals", o.parcels.Totals())
}

// ============================================================================
// Operating state
// ============================================================================

var stateTransitions = map[types.OperatingState][]types.OperatingState{
	types.OpBooting:       {types.OpReady, types.OpFault, types.OpEmergencyStop},
	types.OpReady:         {types.OpRunning, types.OpFault, types.OpEmergencyStop},
	types.OpRunning:       {types.OpPaused, types.OpReady, types.OpFault, types.OpEmergencyStop},
	types.OpPaused:        {types.OpRunning, types.OpReady, types.OpFault, types.OpEmergencyStop},
	types.OpFault:         {types.OpReady, types.OpEmergencyStop},
	types.OpEmergencyStop: {types.OpReady},
}

// State returns the current operating state.
func (o *Orchestrator) State() types.OperatingState {
	return o.state.Load().(types.OperatingState)
}

// SetOperatingState moves the system to a new operating state. Entering
// EmergencyStop resolves every pending assignment to the exception chute.
func (o *Orchestrator) SetOperatingState(to types.OperatingState) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	from := o.State()
	if from == to {
		return nil
	}
	ok := false
	for _, s := range stateTransitions[from] {
		if s == to {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrStateChange, from, to)
	}
	o.state.Store(to)
	o.metrics.SetOperatingState(to)
	log.Warn("Operating state changed", "from", from, "to", to)

	if to == types.OpEmergencyStop {
		for id, cancel := range o.pending {
			cancel()
			delete(o.pending, id)
			if p := o.plans[id]; p != nil {
				o.routeToException(p, types.ReasonOperatingStateStop)
			}
		}
	}
	return nil
}

// ============================================================================
// Status
// ============================================================================

// Status is a point-in-time view of the orchestrator.
type Status struct {
	OperatingState     types.OperatingState        `json:"operating_state"`
	InFlight           int                         `json:"in_flight"`
	Counts             map[types.ParcelState]int    `json:"counts"`
	Totals             map[types.ParcelState]uint64 `json:"totals"`
	Congestion         types.CongestionSnapshot    `json:"congestion"`
	CongestionLevel    string                      `json:"congestion_level"`
	PendingAssignments int                         `json:"pending_assignments"`
	TrackedParcels     int                         `json:"tracked_parcels"`
	Expected           map[int]int                 `json:"expected_per_position"`
	UnmatchedTriggers  uint64                      `json:"unmatched_triggers"`
	Positions          []tracker.PositionStats     `json:"positions"`
	UpstreamConnected  bool                        `json:"upstream_connected"`
	AssignmentTimeout  string                      `json:"assignment_timeout"`
	TheoreticalLimit   string                      `json:"theoretical_limit"`
	JournalSeq         uint64                      `json:"journal_seq"`
	ConfigGeneration   uint64                      `json:"config_generation"`
	TopologyVersion    string                      `json:"topology_version"`
}

// Status reports counts per state, congestion, queue depths and the
// assignment timing of the active topology.
func (o *Orchestrator) Status() Status {
	snap := o.throttle.Snapshot()
	st := Status{
		OperatingState:    o.State(),
		InFlight:          o.parcels.InFlight(),
		Counts:            o.parcels.Counts(),
		Totals:            o.parcels.Totals(),
		Congestion:        snap,
		CongestionLevel:   snap.Level.String(),
		Positions:         o.tracker.Stats(),
		UpstreamConnected: o.upstreamUp.Load(),
		JournalSeq:        o.journal.LastSeq(),
		ConfigGeneration:  o.store.Generation(),
		TopologyVersion:   o.store.Topology().Version,
		Expected:          make(map[int]int),
	}
	for _, ps := range st.Positions {
		if ps.Expected > 0 {
			st.Expected[ps.PositionIndex] = ps.Expected
		}
	}

	calc := o.store.Deadlines()
	st.TheoreticalLimit = calc.TheoreticalLimit().String()
	if timeout, err := calc.ChuteAssignmentTimeout(o.store.Assignment().SafetyFactor); err == nil {
		st.AssignmentTimeout = timeout.String()
	}

	o.mu.Lock()
	st.PendingAssignments = len(o.pending)
	st.TrackedParcels = len(o.plans)
	st.UnmatchedTriggers = o.unknown
	o.mu.Unlock()
	return st
}

// Parcel looks a parcel up among active and recently terminal records.
func (o *Orchestrator) Parcel(id types.ParcelID) (types.Parcel, bool) {
	return o.parcels.Lookup(id)
}

// Diverters returns every diverter's health record, or nil without a
// monitor.
func (o *Orchestrator) Diverters() []types.DiverterHealthRecord {
	if o.monitor == nil {
		return nil
	}
	return o.monitor.Records()
}

// ============================================================================
// Housekeeping
// ============================================================================

func (o *Orchestrator) onTick(now time.Time) {
	inFlight := o.parcels.InFlight()
	o.throttle.SetInFlight(inFlight)
	o.metrics.SetInFlight(inFlight)
	o.metrics.SetCongestion(o.throttle.Level())
	for _, id := range o.coord.IDs() {
		o.metrics.SetDiverterQueueDepth(id, o.coord.QueueDepth(id))
	}
	o.detectLoss(now)
}

// transition moves a parcel and records the move in the journal, the
// metrics and, for terminal states, the lifecycle stream.
func (o *Orchestrator) transition(id types.ParcelID, to types.ParcelState, reason types.Reason, mutate func(*types.Parcel)) (types.Parcel, error) {
	rec, err := o.parcels.Transition(id, to, func(p *types.Parcel) {
		if mutate != nil {
			mutate(p)
		}
		if reason != types.ReasonNone {
			p.Reason = reason
		}
	})
	if err != nil {
		log.Debug("Parcel transition skipped", "parcel", id, "to", to, "error", err)
		return rec, err
	}

	typ := journal.EventTerminal
	switch to {
	case types.StateAwaitingAssignment:
		typ = journal.EventAssignmentRequested
	case types.StateAssigned:
		typ = journal.EventAssigned
	case types.StatePathCommitted:
		typ = journal.EventPathCommitted
	case types.StateInTransit:
		typ = journal.EventArrival
	}
	o.record(typ, rec, "")

	if to.IsTerminal() {
		o.metrics.RecordTerminal(to, rec.Reason)
		if err := o.publisher.Publish(o.runCtx, events.FromParcel(rec)); err != nil {
			log.Warn("Lifecycle event not published", "parcel", id, "error", err)
		}
		log.Info("Parcel finished",
			"parcel", id,
			"state", to,
			"reason", rec.Reason,
			"effective_chute", chuteOf(rec.EffectiveChuteID),
			"position", rec.CurrentPositionIndex)
	}
	return rec, nil
}

// record appends one journal entry; journal failures are logged only.
func (o *Orchestrator) record(typ journal.EventType, rec types.Parcel, detail string) {
	if o.journal == nil {
		return
	}
	_, err := o.journal.Append(journal.Entry{
		Type:      typ,
		ParcelID:  rec.ID,
		State:     rec.State,
		Position:  rec.CurrentPositionIndex,
		ChuteID:   chuteOf(rec.EffectiveChuteID),
		Reason:    rec.Reason,
		Detail:    detail,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		log.Error("Journal append failed", "parcel", rec.ID, "type", typ, "error", err)
	}
}

func chuteOf(c *types.ChuteID) types.ChuteID {
	if c == nil {
		return 0
	}
	return *c
}
