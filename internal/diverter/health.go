// ============================================================================
// Wheel-Sorter Diverter Health Monitor
// ============================================================================
//
// Package: internal/diverter
// File: health.go
// Purpose: Heartbeat polling, health records, alarm outputs and background
//          reconnect for every diverter
//
// Health rules:
//   - a successful heartbeat or actuation refreshes LastSuccessAt
//   - failed heartbeats only mark a diverter unhealthy once nothing has
//     succeeded for SilenceWindow (loss confirmed)
//   - a tripped actuation breaker marks the diverter unhealthy immediately
//
// Alarm:
//   On a confirmed loss the red light and buzzer are switched on. The buzzer
//   switches itself off after BuzzerDuration; the red light stays on until
//   every diverter is healthy again.
//
// Polling:
//   Each diverter is checked in its own goroutine with HeartbeatTimeout. A
//   diverter whose previous check is still running is skipped, so a hung
//   device never delays the others.
//
// ============================================================================

package diverter

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/wheel-sorter/internal/backoff"
	"github.com/ChuLiYu/wheel-sorter/internal/breaker"
	"github.com/ChuLiYu/wheel-sorter/pkg/types"
)

// HealthConfig tunes the monitor.
type HealthConfig struct {
	Interval         time.Duration `yaml:"interval"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	SilenceWindow    time.Duration `yaml:"silence_window"`
	BuzzerDuration   time.Duration `yaml:"buzzer_duration"`
	ReconnectBase    time.Duration `yaml:"reconnect_base"`
}

// DefaultHealthConfig returns the monitor defaults.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		Interval:         time.Second,
		HeartbeatTimeout: 500 * time.Millisecond,
		SilenceWindow:    10 * time.Second,
		BuzzerDuration:   3 * time.Second,
		ReconnectBase:    500 * time.Millisecond,
	}
}

type healthState struct {
	rec               types.DiverterHealthRecord
	checking          bool
	reconnectAttempts int
	nextReconnect     time.Time
}

// Monitor owns the health records of every diverter.
type Monitor struct {
	cfg   HealthConfig
	coord *Coordinator
	alarm AlarmSink
	now   func() time.Time

	mu          sync.Mutex
	states      map[types.DiverterID]*healthState
	alarmActive bool
	buzzerTimer *time.Timer
	wg          sync.WaitGroup

	onChange func(types.DiverterHealthRecord)
}

// NewMonitor creates a monitor over the coordinator's diverters. Every
// diverter starts healthy.
func NewMonitor(coord *Coordinator, alarm AlarmSink, cfg HealthConfig) *Monitor {
	def := DefaultHealthConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if cfg.SilenceWindow <= 0 {
		cfg.SilenceWindow = def.SilenceWindow
	}
	if cfg.BuzzerDuration <= 0 {
		cfg.BuzzerDuration = def.BuzzerDuration
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = def.ReconnectBase
	}
	if alarm == nil {
		alarm = &LogAlarm{}
	}

	m := &Monitor{
		cfg:    cfg,
		coord:  coord,
		alarm:  alarm,
		now:    time.Now,
		states: make(map[types.DiverterID]*healthState),
	}
	now := m.now()
	for _, id := range coord.IDs() {
		m.states[id] = &healthState{rec: types.DiverterHealthRecord{
			DiverterID:    id,
			IsHealthy:     true,
			LastSuccessAt: now,
		}}
		if b, ok := coord.Breaker(id); ok {
			b.OnStateChange(func(name string, _, to breaker.State) {
				if to == breaker.Open {
					m.MarkUnhealthy(types.DiverterID(name), b.LastError())
				}
			})
		}
	}
	return m
}

// OnChange registers a callback fired whenever a record flips health.
func (m *Monitor) OnChange(fn func(types.DiverterHealthRecord)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// Run polls every Interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	defer m.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Poll(ctx)
		}
	}
}

// Poll starts a check for every diverter not already being checked.
func (m *Monitor) Poll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]types.DiverterID, 0, len(m.states))
	for id, st := range m.states {
		if st.checking {
			continue
		}
		st.checking = true
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.wg.Add(1)
		go func(id types.DiverterID) {
			defer m.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Error("Health check panicked", "diverter", id, "panic", r)
				}
				m.mu.Lock()
				m.states[id].checking = false
				m.mu.Unlock()
			}()
			m.check(ctx, id)
		}(id)
	}
}

// check runs one heartbeat, preceded by a reconnect attempt when the
// diverter is unhealthy and its backoff has elapsed.
func (m *Monitor) check(ctx context.Context, id types.DiverterID) {
	d, ok := m.coord.Driver(id)
	if !ok {
		return
	}

	m.mu.Lock()
	st := m.states[id]
	wantReconnect := !st.rec.IsHealthy && !m.now().Before(st.nextReconnect)
	m.mu.Unlock()

	if rc, ok := d.(Reconnector); ok && wantReconnect {
		rctx, cancel := context.WithTimeout(ctx, m.cfg.HeartbeatTimeout)
		err := rc.Reconnect(rctx)
		cancel()

		m.mu.Lock()
		if err != nil {
			st.reconnectAttempts++
			delay := backoff.Jittered(m.cfg.ReconnectBase, st.reconnectAttempts)
			st.nextReconnect = m.now().Add(delay)
			attempt := st.reconnectAttempts
			m.mu.Unlock()
			log.Warn("Diverter reconnect failed", "diverter", id, "attempt", attempt, "retry_in", delay, "error", err)
			return
		}
		m.mu.Unlock()
		log.Info("Diverter reconnected", "diverter", id)
	}

	hctx, cancel := context.WithTimeout(ctx, m.cfg.HeartbeatTimeout)
	defer cancel()
	var err error
	if hb, ok := d.(HeartbeatChecker); ok {
		err = hb.CheckHeartbeat(hctx)
	} else {
		_, err = d.Status(hctx)
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return
	}
	if err != nil {
		m.RecordFailure(id, err)
		return
	}
	m.RecordSuccess(id)
}

// RecordSuccess refreshes a diverter's liveness.
func (m *Monitor) RecordSuccess(id types.DiverterID) {
	m.mu.Lock()
	st, ok := m.states[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	st.rec.LastSuccessAt = m.now()
	st.rec.ConsecutiveFailures = 0
	st.rec.ErrorMessage = ""
	recovered := !st.rec.IsHealthy
	if recovered {
		st.rec.IsHealthy = true
		st.reconnectAttempts = 0
		st.nextReconnect = time.Time{}
	}
	rec := st.rec
	allHealthy := m.allHealthyLocked()
	cb := m.onChange
	if recovered && allHealthy && m.alarmActive {
		m.clearAlarmLocked()
	}
	m.mu.Unlock()

	if recovered {
		log.Info("Diverter healthy again", "diverter", id)
		if b, ok := m.coord.Breaker(id); ok {
			b.Reset()
		}
		if cb != nil {
			cb(rec)
		}
	}
}

// RecordFailure counts a failed check. The diverter turns unhealthy only
// once nothing has succeeded for SilenceWindow.
func (m *Monitor) RecordFailure(id types.DiverterID, err error) {
	m.mu.Lock()
	st, ok := m.states[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	st.rec.ConsecutiveFailures++
	if err != nil {
		st.rec.ErrorMessage = err.Error()
	}
	silent := m.now().Sub(st.rec.LastSuccessAt)
	m.mu.Unlock()

	if silent >= m.cfg.SilenceWindow {
		m.MarkUnhealthy(id, err)
	}
}

// MarkUnhealthy flags a diverter as lost and raises the alarm.
func (m *Monitor) MarkUnhealthy(id types.DiverterID, err error) {
	m.mu.Lock()
	st, ok := m.states[id]
	if !ok || !st.rec.IsHealthy {
		m.mu.Unlock()
		return
	}
	st.rec.IsHealthy = false
	if err != nil {
		st.rec.ErrorMessage = err.Error()
	}
	rec := st.rec
	cb := m.onChange
	m.raiseAlarmLocked()
	m.mu.Unlock()

	log.Error("Diverter marked unhealthy", "diverter", id, "error", rec.ErrorMessage)
	if cb != nil {
		cb(rec)
	}
}

// IsHealthy reports the current health of a diverter. Unknown ids are
// reported unhealthy.
func (m *Monitor) IsHealthy(id types.DiverterID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[id]
	return ok && st.rec.IsHealthy
}

// AllHealthy reports whether every diverter is healthy.
func (m *Monitor) AllHealthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allHealthyLocked()
}

// Records returns every health record ordered by diverter id.
func (m *Monitor) Records() []types.DiverterHealthRecord {
	m.mu.Lock()
	out := make([]types.DiverterHealthRecord, 0, len(m.states))
	for _, st := range m.states {
		out = append(out, st.rec)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DiverterID < out[j].DiverterID })
	return out
}

// Close stops the buzzer timer.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.buzzerTimer != nil {
		m.buzzerTimer.Stop()
	}
}

func (m *Monitor) allHealthyLocked() bool {
	for _, st := range m.states {
		if !st.rec.IsHealthy {
			return false
		}
	}
	return true
}

func (m *Monitor) raiseAlarmLocked() {
	m.alarmActive = true
	m.alarm.SetRedLight(true)
	m.alarm.SetBuzzer(true)
	if m.buzzerTimer != nil {
		m.buzzerTimer.Stop()
	}
	m.buzzerTimer = time.AfterFunc(m.cfg.BuzzerDuration, func() {
		m.alarm.SetBuzzer(false)
	})
}

func (m *Monitor) clearAlarmLocked() {
	m.alarmActive = false
	if m.buzzerTimer != nil {
		m.buzzerTimer.Stop()
		m.buzzerTimer = nil
	}
	m.alarm.SetBuzzer(false)
	m.alarm.SetRedLight(false)
	log.Info("All diverters healthy, alarm cleared")
}
