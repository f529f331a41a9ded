// ============================================================================
// Wheel-Sorter Position Transit Tracker
// ============================================================================
//
// Package: internal/tracker
// File: tracker.go
// Purpose: Per-position trigger queues, parcel correlation and adaptive
//          inter-arrival expectations
//
// Model:
//   Every position index (entry, diverter front sensors, end sensor) owns a
//   positionQueue with its own mutex. A queue holds two FIFOs:
//
//     entries   triggers in physical order. Sensor ingestion is the
//               producer (Record), the orchestrator the consumer (Next).
//     expected  parcels due at the position, ordered by parcel sequence.
//               The orchestrator plans them (Expect, Withdraw); Next pairs
//               the oldest trigger with the head and stamps its ParcelID,
//               and the deadline check (Sweep) pops heads that can no
//               longer arrive.
//
//   Each queue also keeps a bounded window of the last WindowSize
//   inter-trigger intervals. The median of that window is the expected
//   interval at the position. CheckDeadline flags a position as late when
//   the time since its last trigger exceeds median x ToleranceFactor.
//
//   The first trigger at a position is a baseline: it records a timestamp
//   and produces no interval, so a position is never flagged before it has
//   seen at least two triggers.
//
// Locking:
//   - Tracker.mu guards only the positions map (lookup/insert)
//   - positionQueue.mu guards one position; unrelated positions never contend
//
// ============================================================================

package tracker

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/wheel-sorter/pkg/types"
)

var log = slog.Default()

// ============================================================================
// Error definitions
// ============================================================================

var (
	// ErrOutOfOrder is returned when a trigger is older than the last one
	// recorded at the same position.
	ErrOutOfOrder = errors.New("sensor trigger out of order")
	// ErrInvalidPosition is returned for negative position indices.
	ErrInvalidPosition = errors.New("invalid position index")
)

// ============================================================================
// Data structures
// ============================================================================

// Config tunes the adaptive expectation.
type Config struct {
	WindowSize      int     `yaml:"window_size"`      // inter-trigger samples kept per position
	ToleranceFactor float64 `yaml:"tolerance_factor"` // late when elapsed > median * ToleranceFactor
	MaxQueueDepth   int     `yaml:"max_queue_depth"`  // oldest unconsumed triggers are dropped beyond this
}

// DefaultConfig returns the tracker defaults.
func DefaultConfig() Config {
	return Config{
		WindowSize:      10,
		ToleranceFactor: 1.5,
		MaxQueueDepth:   256,
	}
}

// Verdict is the outcome of a deadline check at one position.
type Verdict struct {
	PositionIndex int           `json:"position_index"`
	Late          bool          `json:"late"`
	Baseline      bool          `json:"baseline"` // fewer than two triggers seen
	Elapsed       time.Duration `json:"elapsed"`
	Median        time.Duration `json:"median"`
	Limit         time.Duration `json:"limit"`
}

// Expectation is one parcel due at a position.
type Expectation struct {
	ParcelID   types.ParcelID
	Seq        uint64 // parcel creation order
	Position   int
	ExpectedAt time.Time // nominal arrival
	DeadlineAt time.Time // static limit from the segment tolerance
}

// Miss is an expectation the deadline check gave up on.
type Miss struct {
	Expectation
	Adaptive bool // declared from the position cadence before DeadlineAt
}

// PositionStats is a read-only view of one position for status reporting.
type PositionStats struct {
	PositionIndex int           `json:"position_index"`
	Triggers      uint64        `json:"triggers"`
	Pending       int           `json:"pending"`
	Expected      int           `json:"expected"`
	Median        time.Duration `json:"median"`
	Samples       int           `json:"samples"`
	LastTrigger   time.Time     `json:"last_trigger"`
	Dropped       uint64        `json:"dropped"`
}

type positionQueue struct {
	mu        sync.Mutex
	index     int
	entries   []types.PositionQueueEntry
	expected  []Expectation
	window    []time.Duration // ring buffer of intervals
	next      int             // ring write index
	filled    int             // samples in window
	last      time.Time
	triggers  uint64
	dropped   uint64
	medianVal time.Duration
}

// Tracker owns all position queues.
type Tracker struct {
	cfg       Config
	mu        sync.RWMutex
	positions map[int]*positionQueue
}

// ============================================================================
// Core methods
// ============================================================================

// New creates a tracker. Zero fields in cfg take the defaults.
func New(cfg Config) *Tracker {
	def := DefaultConfig()
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.ToleranceFactor <= 0 {
		cfg.ToleranceFactor = def.ToleranceFactor
	}
	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = def.MaxQueueDepth
	}
	return &Tracker{
		cfg:       cfg,
		positions: make(map[int]*positionQueue),
	}
}

// queue returns the queue for a position, creating it on first use.
func (t *Tracker) queue(pos int) *positionQueue {
	t.mu.RLock()
	q, ok := t.positions[pos]
	t.mu.RUnlock()
	if ok {
		return q
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if q, ok = t.positions[pos]; ok {
		return q
	}
	q = &positionQueue{
		index:  pos,
		window: make([]time.Duration, t.cfg.WindowSize),
	}
	t.positions[pos] = q
	return q
}

// Record ingests one sensor trigger. It appends the trigger to the
// position's FIFO and, unless this is the first trigger at the position,
// pushes the interval since the previous trigger into the window.
//
// Returns:
//   - types.PositionQueueEntry: the queued entry
//   - error: ErrOutOfOrder or ErrInvalidPosition; nothing is recorded
func (t *Tracker) Record(ev types.SensorEvent) (types.PositionQueueEntry, error) {
	if ev.PositionIndex < 0 {
		return types.PositionQueueEntry{}, ErrInvalidPosition
	}
	q := t.queue(ev.PositionIndex)

	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.last.IsZero() && ev.Timestamp.Before(q.last) {
		return types.PositionQueueEntry{}, ErrOutOfOrder
	}
	if !q.last.IsZero() {
		q.window[q.next] = ev.Timestamp.Sub(q.last)
		q.next = (q.next + 1) % len(q.window)
		if q.filled < len(q.window) {
			q.filled++
		}
		q.medianVal = median(q.window[:q.filled])
	}
	q.last = ev.Timestamp
	q.triggers++

	entry := types.PositionQueueEntry{
		PositionIndex: ev.PositionIndex,
		TriggeredAt:   ev.Timestamp,
	}
	q.entries = append(q.entries, entry)
	if len(q.entries) > t.cfg.MaxQueueDepth {
		q.entries = q.entries[1:]
		q.dropped++
		log.Warn("Position queue overflow, dropping oldest trigger",
			"position", ev.PositionIndex,
			"depth", t.cfg.MaxQueueDepth)
	}
	return entry, nil
}

// Next pops the oldest pending trigger at a position and correlates it with
// the oldest parcel expected there. The entry's ParcelID stays empty when
// no parcel was expected.
func (t *Tracker) Next(pos int) (types.PositionQueueEntry, bool) {
	q := t.queue(pos)
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return types.PositionQueueEntry{}, false
	}
	entry := q.entries[0]
	q.entries[0] = types.PositionQueueEntry{}
	q.entries = q.entries[1:]

	if len(q.expected) > 0 {
		entry.ParcelID = q.expected[0].ParcelID
		q.expected[0] = Expectation{}
		q.expected = q.expected[1:]
	}
	return entry, true
}

// Expect queues a parcel at its position, keeping the queue ordered by
// parcel sequence.
func (t *Tracker) Expect(e Expectation) {
	q := t.queue(e.Position)
	q.mu.Lock()
	defer q.mu.Unlock()

	i := len(q.expected)
	for i > 0 && q.expected[i-1].Seq > e.Seq {
		i--
	}
	q.expected = append(q.expected, Expectation{})
	copy(q.expected[i+1:], q.expected[i:])
	q.expected[i] = e
}

// Withdraw removes a parcel's expectations at positions after `after` and
// returns how many were removed.
func (t *Tracker) Withdraw(id types.ParcelID, after int) int {
	removed := 0
	for _, q := range t.queues() {
		if q.index <= after {
			continue
		}
		q.mu.Lock()
		kept := q.expected[:0]
		for _, e := range q.expected {
			if e.ParcelID == id {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		clear(q.expected[len(kept):])
		q.expected = kept
		q.mu.Unlock()
	}
	return removed
}

// Expected returns the number of parcels due at a position.
func (t *Tracker) Expected(pos int) int {
	q := t.queue(pos)
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.expected)
}

// Sweep pops, position by position in ascending order, every expected
// parcel that can no longer arrive. The static deadline always applies.
// The cadence check fires earlier when the position is late by its median
// and the parcel is already past half its segment tolerance. A position
// with a trigger still waiting for Next is skipped: that trigger belongs
// to its head.
func (t *Tracker) Sweep(now time.Time) []Miss {
	var out []Miss
	for _, q := range t.queues() {
		q.mu.Lock()
		for len(q.expected) > 0 && len(q.entries) == 0 {
			head := q.expected[0]
			late := now.After(head.DeadlineAt)
			adaptive := false
			if !late {
				slack := head.DeadlineAt.Sub(head.ExpectedAt) / 2
				v := t.verdictLocked(q, now)
				adaptive = !v.Baseline && v.Late && now.After(head.ExpectedAt.Add(slack))
			}
			if !late && !adaptive {
				break
			}
			q.expected[0] = Expectation{}
			q.expected = q.expected[1:]
			out = append(out, Miss{Expectation: head, Adaptive: adaptive})
		}
		q.mu.Unlock()
	}
	return out
}

// queues snapshots every position queue in ascending position order.
func (t *Tracker) queues() []*positionQueue {
	t.mu.RLock()
	out := make([]*positionQueue, 0, len(t.positions))
	for _, q := range t.positions {
		out = append(out, q)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].index < out[j].index })
	return out
}

// Pending returns the number of queued triggers at a position.
func (t *Tracker) Pending(pos int) int {
	q := t.queue(pos)
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Median returns the adaptive expected interval at a position. The bool is
// false until the position has produced at least one interval sample.
func (t *Tracker) Median(pos int) (time.Duration, bool) {
	q := t.queue(pos)
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.medianVal, q.filled > 0
}

// CheckDeadline compares the elapsed time since the last trigger at pos
// against median x ToleranceFactor.
func (t *Tracker) CheckDeadline(pos int, now time.Time) Verdict {
	q := t.queue(pos)
	q.mu.Lock()
	defer q.mu.Unlock()
	return t.verdictLocked(q, now)
}

func (t *Tracker) verdictLocked(q *positionQueue, now time.Time) Verdict {
	v := Verdict{PositionIndex: q.index}
	if q.filled == 0 {
		v.Baseline = true
		if !q.last.IsZero() {
			v.Elapsed = now.Sub(q.last)
		}
		return v
	}
	v.Elapsed = now.Sub(q.last)
	v.Median = q.medianVal
	v.Limit = time.Duration(float64(q.medianVal) * t.cfg.ToleranceFactor)
	v.Late = v.Elapsed > v.Limit
	return v
}

// Reset drops a position's cadence so the next trigger is a new baseline.
// Queued triggers and expected parcels stay. The orchestrator calls it for
// positions whose segment geometry changed.
func (t *Tracker) Reset(pos int) {
	q := t.queue(pos)
	q.mu.Lock()
	defer q.mu.Unlock()
	clear(q.window)
	q.next, q.filled = 0, 0
	q.medianVal = 0
	q.last = time.Time{}
}

// Stats reports every known position in ascending order.
func (t *Tracker) Stats() []PositionStats {
	queues := t.queues()
	out := make([]PositionStats, 0, len(queues))
	for _, q := range queues {
		q.mu.Lock()
		out = append(out, PositionStats{
			PositionIndex: q.index,
			Triggers:      q.triggers,
			Pending:       len(q.entries),
			Expected:      len(q.expected),
			Median:        q.medianVal,
			Samples:       q.filled,
			LastTrigger:   q.last,
			Dropped:       q.dropped,
		})
		q.mu.Unlock()
	}
	return out
}

// median of an unsorted sample set; even counts average the middle pair.
func median(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}
