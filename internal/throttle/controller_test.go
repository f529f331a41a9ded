package throttle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/wheel-sorter/pkg/types"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func fixed(p Policy) PolicySource {
	return func() *Policy { return &p }
}

func TestClassifyInFlightAloneForcesSevere(t *testing.T) {
	p := DefaultPolicy()
	snap := types.CongestionSnapshot{
		AvgLatency:     50 * time.Millisecond,
		LatencySamples: 10,
		SuccessRate:    1,
		OutcomeSamples: 10,
		InFlight:       p.SevereInFlight,
	}
	assert.Equal(t, types.CongestionSevere, Classify(&p, snap))
}

func TestClassifyPrecedence(t *testing.T) {
	p := DefaultPolicy()
	tests := []struct {
		name string
		snap types.CongestionSnapshot
		want types.CongestionLevel
	}{
		{"idle", types.CongestionSnapshot{SuccessRate: 1}, types.CongestionNormal},
		{"warning latency", types.CongestionSnapshot{AvgLatency: p.WarningLatency, LatencySamples: 1, SuccessRate: 1}, types.CongestionWarning},
		{"warning latency severe success", types.CongestionSnapshot{AvgLatency: p.WarningLatency, LatencySamples: 1, SuccessRate: 0.5, OutcomeSamples: 10}, types.CongestionSevere},
		{"too few outcomes ignored", types.CongestionSnapshot{SuccessRate: 0, OutcomeSamples: 2}, types.CongestionNormal},
		{"warning in flight", types.CongestionSnapshot{SuccessRate: 1, InFlight: p.WarningInFlight}, types.CongestionWarning},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(&p, tt.snap))
		})
	}
}

func TestRecomputeWindow(t *testing.T) {
	p := DefaultPolicy()
	p.Window = 10 * time.Second
	c := New(fixed(p))

	var changes [][2]types.CongestionLevel
	c.OnLevelChange(func(from, to types.CongestionLevel) {
		changes = append(changes, [2]types.CongestionLevel{from, to})
	})

	c.ObserveLatency(t0, time.Second)
	c.ObserveOutcome(t0, false)
	snap := c.Recompute(t0.Add(time.Second))
	assert.Equal(t, types.CongestionSevere, snap.Level)
	assert.Equal(t, time.Second, snap.AvgLatency)
	assert.Equal(t, p.SevereInterval, c.Interval())

	// samples age out of the window
	snap = c.Recompute(t0.Add(20 * time.Second))
	assert.Equal(t, types.CongestionNormal, snap.Level)
	assert.Equal(t, 0, snap.LatencySamples)

	require.Len(t, changes, 2)
	assert.Equal(t, types.CongestionSevere, changes[0][1])
	assert.Equal(t, types.CongestionNormal, changes[1][1])
}

func TestAdmitEnforcesInterval(t *testing.T) {
	p := DefaultPolicy()
	c := New(fixed(p))

	ok, _ := c.Admit(t0)
	assert.True(t, ok)

	ok, why := c.Admit(t0.Add(p.NormalInterval / 2))
	assert.False(t, ok)
	assert.Equal(t, RefusedInterval, why)

	ok, _ = c.Admit(t0.Add(p.NormalInterval))
	assert.True(t, ok)
}

func TestAdmitPausedOnSevere(t *testing.T) {
	p := DefaultPolicy()
	p.PauseOnSevere = true
	c := New(fixed(p))

	c.SetInFlight(p.SevereInFlight + 1)
	c.Recompute(t0)
	ok, why := c.Admit(t0.Add(time.Hour))
	assert.False(t, ok)
	assert.Equal(t, RefusedPaused, why)

	c.SetInFlight(0)
	c.Recompute(t0.Add(time.Second))
	ok, _ = c.Admit(t0.Add(time.Hour))
	assert.True(t, ok)
}

func TestRunStopsOnCancel(t *testing.T) {
	p := DefaultPolicy()
	p.RecomputeEvery = 5 * time.Millisecond
	c := New(fixed(p))
	c.SetInFlight(p.WarningInFlight)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return c.Level() == types.CongestionWarning
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestPolicyValidate(t *testing.T) {
	assert.NoError(t, DefaultPolicy().Validate())

	p := DefaultPolicy()
	p.WarningInterval = p.SevereInterval
	p.SevereSuccessRate = 0.95
	assert.Error(t, p.Validate())
}
