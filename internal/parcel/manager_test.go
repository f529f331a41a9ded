package parcel

// ============================================================================
// Parcel Manager tests: state machine, eviction, terminal cache
// ============================================================================

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/wheel-sorter/pkg/types"
)

var t0 = time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)

func chute(c types.ChuteID) *types.ChuteID { return &c }

func TestHappyPath(t *testing.T) {
	m := NewManager(time.Minute)
	p := m.Create(t0, t0.Add(500*time.Millisecond))
	assert.Equal(t, types.StateCreated, p.State)
	assert.Equal(t, uint64(1), p.Seq)
	assert.NotEmpty(t, p.ID)

	steps := []types.ParcelState{
		types.StateAwaitingAssignment,
		types.StateAssigned,
		types.StatePathCommitted,
		types.StateInTransit,
	}
	for _, s := range steps {
		_, err := m.Transition(p.ID, s, nil)
		require.NoError(t, err, "to %s", s)
	}
	assert.Equal(t, 1, m.InFlight())

	done, err := m.Transition(p.ID, types.StateCompleted, func(p *types.Parcel) {
		p.EffectiveChuteID = chute(4)
		p.Reason = types.ReasonDropConfirmed
	})
	require.NoError(t, err)
	assert.False(t, done.TerminalAt.IsZero())
	assert.Equal(t, 0, m.InFlight())

	_, active := m.Get(p.ID)
	assert.False(t, active)
	got, ok := m.Lookup(p.ID)
	require.True(t, ok)
	assert.Equal(t, types.StateCompleted, got.State)
	assert.Equal(t, types.ChuteID(4), *got.EffectiveChuteID)
}

func TestTerminalIsFinal(t *testing.T) {
	m := NewManager(time.Minute)
	p := m.Create(t0, t0)
	_, err := m.Transition(p.ID, types.StateExceptionRouted, nil)
	require.NoError(t, err)

	for _, s := range []types.ParcelState{types.StateCompleted, types.StateLost, types.StateExceptionRouted} {
		rec, err := m.Transition(p.ID, s, nil)
		assert.ErrorIs(t, err, ErrAlreadyTerminal)
		assert.Equal(t, types.StateExceptionRouted, rec.State)
	}
	_, err = m.Update(p.ID, func(*types.Parcel) {})
	assert.ErrorIs(t, err, ErrAlreadyTerminal)
}

func TestInvalidTransitions(t *testing.T) {
	m := NewManager(time.Minute)
	p := m.Create(t0, t0)

	_, err := m.Transition(p.ID, types.StateCompleted, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = m.Transition(p.ID, types.StateInTransit, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = m.Transition("nope", types.StateLost, nil)
	assert.ErrorIs(t, err, ErrParcelNotFound)

	assert.True(t, CanTransition(types.StateAssigned, types.StateLost))
	assert.False(t, CanTransition(types.StateLost, types.StateCompleted))
}

func TestUpdateKeepsState(t *testing.T) {
	m := NewManager(time.Minute)
	p := m.Create(t0, t0)
	got, err := m.Update(p.ID, func(p *types.Parcel) {
		p.CurrentPositionIndex = 2
		p.State = types.StateCompleted
	})
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentPositionIndex)
	assert.Equal(t, types.StateCreated, got.State)
}

func TestCopiesAreIsolated(t *testing.T) {
	m := NewManager(time.Minute)
	p := m.Create(t0, t0)
	_, err := m.Update(p.ID, func(p *types.Parcel) {
		p.ResolvedPath = []types.DiverterAction{{DiverterID: "D1", Direction: types.Left}}
		p.TargetChuteID = chute(2)
	})
	require.NoError(t, err)

	got, _ := m.Get(p.ID)
	got.ResolvedPath[0].Direction = types.Right
	*got.TargetChuteID = 9

	again, _ := m.Get(p.ID)
	assert.Equal(t, types.Left, again.ResolvedPath[0].Direction)
	assert.Equal(t, types.ChuteID(2), *again.TargetChuteID)
}

func TestActiveOrderAndCounts(t *testing.T) {
	m := NewManager(time.Minute)
	var ids []types.ParcelID
	for i := 0; i < 3; i++ {
		ids = append(ids, m.Create(t0.Add(time.Duration(i)*time.Second), t0).ID)
	}
	_, err := m.Transition(ids[1], types.StateAwaitingAssignment, nil)
	require.NoError(t, err)
	_, err = m.Transition(ids[2], types.StateLost, nil)
	require.NoError(t, err)

	active := m.Active()
	require.Len(t, active, 2)
	assert.Equal(t, ids[0], active[0].ID)
	assert.Equal(t, ids[1], active[1].ID)

	counts := m.Counts()
	assert.Equal(t, 1, counts[types.StateCreated])
	assert.Equal(t, 1, counts[types.StateAwaitingAssignment])

	totals := m.Totals()
	assert.Equal(t, uint64(3), totals[types.StateCreated])
	assert.Equal(t, uint64(1), totals[types.StateLost])
}

func TestTerminalCacheExpires(t *testing.T) {
	m := NewManager(20 * time.Millisecond)
	go m.Start()
	defer m.Stop()

	p := m.Create(t0, t0)
	_, err := m.Transition(p.ID, types.StateLost, nil)
	require.NoError(t, err)

	_, ok := m.Lookup(p.ID)
	assert.True(t, ok)
	assert.Eventually(t, func() bool {
		_, ok := m.Lookup(p.ID)
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestConcurrentTransitionsExactlyOneTerminal(t *testing.T) {
	m := NewManager(time.Minute)
	p := m.Create(t0, t0)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for _, s := range []types.ParcelState{types.StateExceptionRouted, types.StateLost, types.StateExceptionRouted, types.StateLost} {
		wg.Add(1)
		go func(s types.ParcelState) {
			defer wg.Done()
			if _, err := m.Transition(p.ID, s, nil); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else {
				assert.True(t, errors.Is(err, ErrAlreadyTerminal))
			}
		}(s)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}
