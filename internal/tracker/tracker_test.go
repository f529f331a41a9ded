package tracker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/wheel-sorter/pkg/types"
)

var t0 = time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)

func feed(t *testing.T, tr *Tracker, pos int, start time.Time, interval time.Duration, n int) time.Time {
	t.Helper()
	ts := start
	for i := 0; i < n; i++ {
		_, err := tr.Record(types.SensorEvent{PositionIndex: pos, Timestamp: ts})
		require.NoError(t, err)
		ts = ts.Add(interval)
	}
	return ts.Add(-interval)
}

func TestFirstTriggerIsBaseline(t *testing.T) {
	tr := New(Config{})
	_, err := tr.Record(types.SensorEvent{PositionIndex: 1, Timestamp: t0})
	require.NoError(t, err)

	_, ok := tr.Median(1)
	assert.False(t, ok)

	v := tr.CheckDeadline(1, t0.Add(time.Hour))
	assert.True(t, v.Baseline)
	assert.False(t, v.Late)
}

func TestMedianConvergence(t *testing.T) {
	tr := New(Config{WindowSize: 10, ToleranceFactor: 1.5})

	// noisy start, then 11 identical intervals flush the window
	last := feed(t, tr, 2, t0, 3*time.Second, 4)
	last = feed(t, tr, 2, last.Add(400*time.Millisecond), 400*time.Millisecond, 11)

	m, ok := tr.Median(2)
	require.True(t, ok)
	assert.Equal(t, 400*time.Millisecond, m)

	v := tr.CheckDeadline(2, last.Add(500*time.Millisecond))
	assert.False(t, v.Late)
	assert.Equal(t, 600*time.Millisecond, v.Limit)

	v = tr.CheckDeadline(2, last.Add(700*time.Millisecond))
	assert.True(t, v.Late)
}

func TestMedianOddAndEven(t *testing.T) {
	assert.Equal(t, 2*time.Second, median([]time.Duration{3 * time.Second, time.Second, 2 * time.Second}))
	assert.Equal(t, 1500*time.Millisecond, median([]time.Duration{time.Second, 2 * time.Second}))
	assert.Equal(t, time.Duration(0), median(nil))
}

func TestQueueFIFO(t *testing.T) {
	tr := New(Config{})
	feed(t, tr, 3, t0, 100*time.Millisecond, 3)
	assert.Equal(t, 3, tr.Pending(3))

	for i := 0; i < 3; i++ {
		e, ok := tr.Next(3)
		require.True(t, ok)
		assert.Equal(t, t0.Add(time.Duration(i)*100*time.Millisecond), e.TriggeredAt)
	}
	_, ok := tr.Next(3)
	assert.False(t, ok)
}

func TestOutOfOrderRejected(t *testing.T) {
	tr := New(Config{})
	_, err := tr.Record(types.SensorEvent{PositionIndex: 1, Timestamp: t0})
	require.NoError(t, err)
	_, err = tr.Record(types.SensorEvent{PositionIndex: 1, Timestamp: t0.Add(-time.Millisecond)})
	assert.ErrorIs(t, err, ErrOutOfOrder)

	_, err = tr.Record(types.SensorEvent{PositionIndex: -1, Timestamp: t0})
	assert.ErrorIs(t, err, ErrInvalidPosition)
}

func TestQueueOverflowDropsOldest(t *testing.T) {
	tr := New(Config{MaxQueueDepth: 2})
	feed(t, tr, 0, t0, time.Second, 3)

	e, ok := tr.Next(0)
	require.True(t, ok)
	assert.Equal(t, t0.Add(time.Second), e.TriggeredAt)

	stats := tr.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, uint64(1), stats[0].Dropped)
	assert.Equal(t, uint64(3), stats[0].Triggers)
}

func TestPositionsIndependent(t *testing.T) {
	tr := New(Config{})
	var wg sync.WaitGroup
	for pos := 0; pos < 4; pos++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			ts := t0
			for i := 0; i < 100; i++ {
				_, _ = tr.Record(types.SensorEvent{PositionIndex: p, Timestamp: ts})
				ts = ts.Add(time.Duration(p+1) * time.Millisecond)
			}
		}(pos)
	}
	wg.Wait()

	for pos := 0; pos < 4; pos++ {
		m, ok := tr.Median(pos)
		require.True(t, ok)
		assert.Equal(t, time.Duration(pos+1)*time.Millisecond, m)
		assert.Equal(t, 100, tr.Pending(pos))
	}

	tr.Reset(2)
	_, ok := tr.Median(2)
	assert.False(t, ok, "cadence starts over")
	assert.Equal(t, 100, tr.Pending(2), "queued triggers survive a reset")
	_, ok = tr.Median(1)
	assert.True(t, ok)
}

func expect(id types.ParcelID, seq uint64, pos int, at time.Time) Expectation {
	return Expectation{
		ParcelID:   id,
		Seq:        seq,
		Position:   pos,
		ExpectedAt: at,
		DeadlineAt: at.Add(200 * time.Millisecond),
	}
}

func TestNextCorrelatesInSequenceOrder(t *testing.T) {
	tr := New(Config{})
	tr.Expect(expect("p-2", 2, 1, t0.Add(time.Second)))
	tr.Expect(expect("p-1", 1, 1, t0))
	tr.Expect(expect("p-3", 3, 1, t0.Add(2*time.Second)))
	assert.Equal(t, 3, tr.Expected(1))

	feed(t, tr, 1, t0, time.Second, 4)
	var got []types.ParcelID
	for {
		e, ok := tr.Next(1)
		if !ok {
			break
		}
		got = append(got, e.ParcelID)
	}
	assert.Equal(t, []types.ParcelID{"p-1", "p-2", "p-3", ""}, got, "the last trigger had no parcel")
	assert.Zero(t, tr.Expected(1))
}

func TestWithdrawOnlyDownstream(t *testing.T) {
	tr := New(Config{})
	for pos := 1; pos <= 3; pos++ {
		tr.Expect(expect("p-1", 1, pos, t0))
		tr.Expect(expect("p-2", 2, pos, t0))
	}
	assert.Equal(t, 2, tr.Withdraw("p-1", 1))
	assert.Equal(t, 2, tr.Expected(1))
	assert.Equal(t, 1, tr.Expected(2))
	assert.Equal(t, 1, tr.Withdraw("p-1", -1))
	assert.Equal(t, 0, tr.Withdraw("p-404", -1))

	stats := tr.Stats()
	require.Len(t, stats, 3)
	for _, st := range stats {
		assert.Equal(t, 1, st.Expected, "position %d", st.PositionIndex)
	}
}

func TestSweepStaticDeadline(t *testing.T) {
	tr := New(Config{})
	tr.Expect(expect("p-1", 1, 1, t0))
	tr.Expect(expect("p-2", 2, 1, t0.Add(time.Second)))

	assert.Empty(t, tr.Sweep(t0.Add(100*time.Millisecond)))

	misses := tr.Sweep(t0.Add(300 * time.Millisecond))
	require.Len(t, misses, 1)
	assert.Equal(t, types.ParcelID("p-1"), misses[0].ParcelID)
	assert.False(t, misses[0].Adaptive)
	assert.Equal(t, 1, tr.Expected(1))
}

func TestSweepAdaptiveBeforeDeadline(t *testing.T) {
	tr := New(Config{ToleranceFactor: 1.5})
	// cadence of 100ms at position 2, consumed as it arrives
	last := feed(t, tr, 2, t0, 100*time.Millisecond, 5)
	for tr.Pending(2) > 0 {
		tr.Next(2)
	}

	due := last.Add(100 * time.Millisecond)
	tr.Expect(Expectation{ParcelID: "p-9", Seq: 9, Position: 2, ExpectedAt: due, DeadlineAt: due.Add(time.Second)})

	// late by cadence but not yet past half the tolerance
	assert.Empty(t, tr.Sweep(due.Add(400*time.Millisecond)))

	misses := tr.Sweep(due.Add(600 * time.Millisecond))
	require.Len(t, misses, 1)
	assert.True(t, misses[0].Adaptive)
	assert.Equal(t, types.ParcelID("p-9"), misses[0].ParcelID)
}

func TestSweepLeavesHeadWithWaitingTrigger(t *testing.T) {
	tr := New(Config{})
	tr.Expect(expect("p-1", 1, 1, t0))
	_, err := tr.Record(types.SensorEvent{PositionIndex: 1, Timestamp: t0.Add(150 * time.Millisecond)})
	require.NoError(t, err)

	assert.Empty(t, tr.Sweep(t0.Add(time.Second)))
	e, ok := tr.Next(1)
	require.True(t, ok)
	assert.Equal(t, types.ParcelID("p-1"), e.ParcelID)
}
