// ============================================================================
// Wheel-Sorter Parcel Manager - parcel state machine
// ============================================================================
//
// Package: internal/parcel
// File: manager.go
// Purpose: Own every active parcel record and enforce its state transitions
//
// State machine:
//   Created
//      ↓ assignment requested
//   AwaitingAssignment
//      ↓ upstream replied
//   Assigned
//      ↓ path resolved
//   PathCommitted
//      ↓ first diverter arrival confirmed
//   InTransit
//      ↓
//   Completed | ExceptionRouted | Lost
//
// Transition rules:
//   - ExceptionRouted and Lost are reachable from every non-terminal state
//   - Completed is reachable from PathCommitted and InTransit
//   - terminal states never transition again
//
// Storage:
//   active map[ParcelID]*Parcel   non-terminal parcels, single source of truth
//   terminal ttlcache             evicted terminal records, kept for
//                                 TerminalTTL so late requests still get a
//                                 disposition
//
// Concurrency:
//   sync.RWMutex guards the active map. Callers receive copies, never the
//   stored pointer.
//
// ============================================================================

package parcel

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"

	"github.com/ChuLiYu/wheel-sorter/pkg/types"
)

// ============================================================================
// Error definitions
// ============================================================================

var (
	ErrParcelNotFound    = errors.New("parcel not found")
	ErrInvalidTransition = errors.New("invalid parcel state transition")
	ErrAlreadyTerminal   = errors.New("parcel already in a terminal state")
)

// allowed lists the non-terminal-to-any transitions. ExceptionRouted and
// Lost are handled separately since they are allowed from anywhere.
var allowed = map[types.ParcelState][]types.ParcelState{
	types.StateCreated:            {types.StateAwaitingAssignment},
	types.StateAwaitingAssignment: {types.StateAssigned},
	types.StateAssigned:           {types.StatePathCommitted},
	types.StatePathCommitted:      {types.StateInTransit, types.StateCompleted},
	types.StateInTransit:          {types.StateCompleted},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to types.ParcelState) bool {
	if from.IsTerminal() {
		return false
	}
	if to == types.StateExceptionRouted || to == types.StateLost {
		return true
	}
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// NewID returns a fresh parcel id.
func NewID() types.ParcelID {
	return types.ParcelID(uuid.NewString())
}

// ============================================================================
// Data structures
// ============================================================================

// Manager is the parcel table.
type Manager struct {
	mu       sync.RWMutex
	active   map[types.ParcelID]*types.Parcel
	seq      uint64
	terminal *ttlcache.Cache[types.ParcelID, types.Parcel]
	totals   map[types.ParcelState]uint64
	now      func() time.Time
}

// NewManager creates a manager. Terminal records are remembered for ttl.
func NewManager(ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Manager{
		active: make(map[types.ParcelID]*types.Parcel),
		terminal: ttlcache.New(
			ttlcache.WithTTL[types.ParcelID, types.Parcel](ttl),
			ttlcache.WithCapacity[types.ParcelID, types.Parcel](100_000),
			ttlcache.WithDisableTouchOnHit[types.ParcelID, types.Parcel](),
		),
		totals: make(map[types.ParcelState]uint64),
		now:    time.Now,
	}
}

// Start runs the terminal cache janitor. It blocks until Stop.
func (m *Manager) Start() {
	m.terminal.Start()
}

// Stop halts the janitor.
func (m *Manager) Stop() {
	m.terminal.Stop()
}

// ============================================================================
// Core methods
// ============================================================================

// Create registers a new parcel in state Created.
//
// Parameters:
//   - createdAt: entry sensor trigger time
//   - deadline: assignment deadline
//
// Returns:
//   - types.Parcel: a copy of the new record
func (m *Manager) Create(createdAt, deadline time.Time) types.Parcel {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	p := &types.Parcel{
		ID:                 NewID(),
		Seq:                m.seq,
		CreatedAt:          createdAt,
		State:              types.StateCreated,
		AssignmentDeadline: deadline,
		UpdatedAt:          createdAt,
	}
	m.active[p.ID] = p
	m.totals[types.StateCreated]++
	return clone(p)
}

// Get returns a copy of an active parcel.
func (m *Manager) Get(id types.ParcelID) (types.Parcel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.active[id]
	if !ok {
		return types.Parcel{}, false
	}
	return clone(p), true
}

// Lookup finds a parcel among active and recently terminal records.
func (m *Manager) Lookup(id types.ParcelID) (types.Parcel, bool) {
	if p, ok := m.Get(id); ok {
		return p, true
	}
	if item := m.terminal.Get(id); item != nil {
		return item.Value(), true
	}
	return types.Parcel{}, false
}

// Transition moves an active parcel to state to, applying mutate to the
// record under the lock first. A terminal target evicts the record into
// the terminal cache.
//
// Returns:
//   - types.Parcel: the record after the transition
//   - error: ErrParcelNotFound, ErrAlreadyTerminal or ErrInvalidTransition
func (m *Manager) Transition(id types.ParcelID, to types.ParcelState, mutate func(*types.Parcel)) (types.Parcel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.active[id]
	if !ok {
		if item := m.terminal.Get(id); item != nil {
			return item.Value(), ErrAlreadyTerminal
		}
		return types.Parcel{}, ErrParcelNotFound
	}
	if !CanTransition(p.State, to) {
		return clone(p), fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.State, to)
	}

	now := m.now()
	if mutate != nil {
		mutate(p)
	}
	p.State = to
	p.UpdatedAt = now
	m.totals[to]++

	if to.IsTerminal() {
		p.TerminalAt = now
		delete(m.active, id)
		m.terminal.Set(id, clone(p), ttlcache.DefaultTTL)
	}
	return clone(p), nil
}

// Update mutates an active parcel without changing its state.
func (m *Manager) Update(id types.ParcelID, mutate func(*types.Parcel)) (types.Parcel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.active[id]
	if !ok {
		if m.terminal.Has(id) {
			return types.Parcel{}, ErrAlreadyTerminal
		}
		return types.Parcel{}, ErrParcelNotFound
	}
	state := p.State
	mutate(p)
	p.State = state
	p.UpdatedAt = m.now()
	return clone(p), nil
}

// Active lists active parcels by creation order.
func (m *Manager) Active() []types.Parcel {
	m.mu.RLock()
	out := make([]types.Parcel, 0, len(m.active))
	for _, p := range m.active {
		out = append(out, clone(p))
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// InFlight is the number of non-terminal parcels.
func (m *Manager) InFlight() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// Counts returns active parcels per state.
func (m *Manager) Counts() map[types.ParcelState]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[types.ParcelState]int)
	for _, p := range m.active {
		out[p.State]++
	}
	return out
}

// Totals returns how many times each state has been entered.
func (m *Manager) Totals() map[types.ParcelState]uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[types.ParcelState]uint64, len(m.totals))
	for k, v := range m.totals {
		out[k] = v
	}
	return out
}

// clone copies a parcel including its slices and pointers.
func clone(p *types.Parcel) types.Parcel {
	c := *p
	if p.ResolvedPath != nil {
		c.ResolvedPath = append([]types.DiverterAction(nil), p.ResolvedPath...)
	}
	if p.TargetChuteID != nil {
		v := *p.TargetChuteID
		c.TargetChuteID = &v
	}
	if p.EffectiveChuteID != nil {
		v := *p.EffectiveChuteID
		c.EffectiveChuteID = &v
	}
	return c
}
