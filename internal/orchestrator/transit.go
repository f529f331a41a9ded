package orchestrator

// ============================================================================
// Transit: expected arrivals, actuation and loss
// ============================================================================

import (
	"time"

	"github.com/ChuLiYu/wheel-sorter/internal/diverter"
	"github.com/ChuLiYu/wheel-sorter/internal/journal"
	"github.com/ChuLiYu/wheel-sorter/internal/topology"
	"github.com/ChuLiYu/wheel-sorter/internal/tracker"
	"github.com/ChuLiYu/wheel-sorter/pkg/types"
)

// ============================================================================
// Planning
// ============================================================================

// lastPosition is the final trigger a parcel on path will produce.
func lastPosition(topo *topology.Topology, path topology.Path) int {
	if !path.EndOfLine() {
		return path.DropPosition
	}
	if topo.EndSensorID != "" {
		return topo.EndPosition()
	}
	return topo.DiverterCount()
}

// schedule returns the nominal arrival and the static deadline of a parcel
// at position, accumulated from its entry time. Missing segments use the
// fallback timeout for both.
func (o *Orchestrator) schedule(p *plan, position int) (time.Time, time.Time) {
	topo := o.store.Topology()
	calc := o.store.Deadlines()
	at, deadline := p.createdAt, p.createdAt
	for k := 1; k <= position; k++ {
		transit, limit := calc.Fallback(), calc.Fallback()
		if seg, ok := topo.SegmentInto(k); ok {
			transit, limit = calc.SegmentTransit(seg), calc.SegmentDeadline(seg)
		}
		at = at.Add(transit)
		deadline = deadline.Add(limit)
	}
	return at, deadline
}

// replan replaces every expectation of p beyond the last matched position
// with the ones its current path implies.
func (o *Orchestrator) replan(p *plan) {
	p.remaining -= o.tracker.Withdraw(p.id, p.lastSeen)
	last := lastPosition(o.store.Topology(), p.path)
	for k := p.lastSeen + 1; k <= last; k++ {
		at, deadline := o.schedule(p, k)
		o.tracker.Expect(tracker.Expectation{
			ParcelID:   p.id,
			Seq:        p.seq,
			Position:   k,
			ExpectedAt: at,
			DeadlineAt: deadline,
		})
		p.remaining++
	}
}

// finish forgets a parcel's plan once nothing more is expected of it.
func (o *Orchestrator) finish(p *plan) {
	p.remaining -= o.tracker.Withdraw(p.id, -1)
	delete(o.plans, p.id)
}

// settle finishes p when it has no queued arrival and no command in flight.
// An active parcel reaching that point has left the line without a
// confirmed drop.
func (o *Orchestrator) settle(p *plan) {
	if p.remaining > 0 || p.actuating > 0 {
		return
	}
	if rec, ok := o.parcels.Get(p.id); ok && !rec.State.IsTerminal() {
		log.Warn("Parcel left the line without confirmation", "parcel", p.id, "state", rec.State)
		o.routeToException(p, types.ReasonEndOfLine)
	}
	o.finish(p)
}

// ============================================================================
// Arrivals
// ============================================================================

// arrive handles a trigger at a diverter or end position that the tracker
// paired with the oldest parcel expected there.
func (o *Orchestrator) arrive(entry types.PositionQueueEntry) {
	pos, at := entry.PositionIndex, entry.TriggeredAt
	if entry.ParcelID == "" {
		o.unknown++
		log.Warn("Trigger matched no expected parcel", "position", pos, "at", at)
		return
	}

	p := o.plans[entry.ParcelID]
	if p == nil {
		return
	}
	p.remaining--
	p.lastSeen = pos

	rec, active := o.parcels.Get(p.id)
	if active {
		rec = o.markArrival(p, rec, pos)
	} else if rec, _ = o.parcels.Lookup(p.id); rec.ID != "" {
		rec.CurrentPositionIndex = pos
		o.record(journal.EventArrival, rec, "")
	}

	topo := o.store.Topology()
	if pos > topo.DiverterCount() {
		if rec, ok := o.parcels.Get(p.id); ok && !rec.State.IsTerminal() {
			if p.path.EndOfLine() {
				o.transition(p.id, types.StateCompleted, types.ReasonEndOfLine, nil)
			} else {
				o.routeToException(p, types.ReasonEndOfLine)
			}
		}
		o.finish(p)
		return
	}

	o.actuate(p, pos, at)
	o.settle(p)
}

// markArrival records the position on an active parcel, moving it into
// transit. A parcel still waiting for its assignment here has run out of
// time.
func (o *Orchestrator) markArrival(p *plan, rec types.Parcel, pos int) types.Parcel {
	switch rec.State {
	case types.StateCreated, types.StateAwaitingAssignment, types.StateAssigned:
		log.Warn("Parcel reached a diverter before its path was committed", "parcel", p.id, "position", pos)
		o.routeToException(p, types.ReasonAssignmentTimeout)
		return rec
	case types.StatePathCommitted:
		next, err := o.transition(p.id, types.StateInTransit, types.ReasonNone, func(r *types.Parcel) {
			r.CurrentPositionIndex = pos
		})
		if err == nil {
			return next
		}
	}
	next, err := o.parcels.Update(p.id, func(r *types.Parcel) { r.CurrentPositionIndex = pos })
	if err != nil {
		return rec
	}
	o.record(journal.EventArrival, next, "")
	return next
}

// actuate commands the diverter at pos for the parcel that just arrived.
func (o *Orchestrator) actuate(p *plan, pos int, at time.Time) {
	action, ok := p.path.ActionAt(pos)
	if !ok {
		return
	}

	if st := o.State(); !st.AllowsActuation() {
		log.Warn("Actuation refused by operating state", "parcel", p.id, "diverter", action.DiverterID, "state", st)
		// the wheel is not moved; the parcel rides on and is still
		// expected downstream
		o.passThrough(p, pos, types.ReasonActuationRefused)
		return
	}

	if action.Direction != types.Straight && o.monitor != nil && !o.monitor.IsHealthy(action.DiverterID) {
		log.Warn("Drop diverter unhealthy, rerouting to exception", "parcel", p.id, "diverter", action.DiverterID)
		o.passThrough(p, pos, types.ReasonDiverterUnhealthy)
		return
	}

	err := o.coord.Submit(diverter.Command{
		ParcelID: p.id,
		Action:   action,
		IssuedAt: at,
	})
	if err != nil {
		log.Error("Actuation command not queued", "parcel", p.id, "diverter", action.DiverterID, "error", err)
		o.metrics.ObserveActuation(action.DiverterID, 0, err)
		if action.Direction != types.Straight {
			o.passThrough(p, pos, types.ReasonActuationFailed)
		}
		return
	}
	p.actuating++
}

// passThrough re-plans p as if it went straight at pos and heads for the
// exception chute downstream.
func (o *Orchestrator) passThrough(p *plan, pos int, reason types.Reason) {
	straight := p.path
	straight.Actions = append([]types.DiverterAction(nil), p.path.Actions...)
	if pos >= 1 && pos <= len(straight.Actions) {
		straight.Actions[pos-1].Direction = types.Straight
	}
	p.path = o.store.Topology().ExceptionFrom(straight, pos)

	if rec, ok := o.parcels.Get(p.id); ok && !rec.State.IsTerminal() {
		o.routeToException(p, reason)
		return
	}
	o.replan(p)
}

// ============================================================================
// Actuation results
// ============================================================================

// onActuation advances the plan of the parcel a command was for. Health
// and metrics were already updated by observeActuation on the worker.
func (o *Orchestrator) onActuation(res diverter.Result) {
	action := res.Command.Action

	p := o.plans[res.Command.ParcelID]
	if p == nil {
		return
	}
	p.actuating--

	if rec, ok := o.parcels.Lookup(p.id); ok {
		detail := string(action.DiverterID) + ":" + string(action.Direction)
		if res.Err != nil {
			detail += ":" + res.Err.Error()
		}
		o.record(journal.EventActuated, rec, detail)
	}

	isDrop := action.Direction != types.Straight && action.PositionIndex == p.path.DropPosition
	switch {
	case res.Err == nil && isDrop:
		if rec, ok := o.parcels.Get(p.id); ok && !rec.State.IsTerminal() {
			o.transition(p.id, types.StateCompleted, types.ReasonDropConfirmed, nil)
		} else {
			log.Info("Parcel delivered to exception chute", "parcel", p.id, "diverter", action.DiverterID)
		}
		o.finish(p)
		return
	case res.Err != nil && isDrop:
		log.Error("Drop actuation failed, parcel continues downstream",
			"parcel", p.id, "diverter", action.DiverterID, "error", res.Err)
		o.passThrough(p, action.PositionIndex, types.ReasonActuationFailed)
	case res.Err != nil:
		// the wheel may be anywhere; the loss detector resolves where the
		// parcel really went
		log.Error("Pass-through actuation failed", "parcel", p.id, "diverter", action.DiverterID, "error", res.Err)
		if rec, ok := o.parcels.Get(p.id); ok && !rec.State.IsTerminal() {
			o.routeToException(p, types.ReasonActuationFailed)
		}
	}
	o.settle(p)
}

// ============================================================================
// Loss detection
// ============================================================================

// detectLoss resolves every expectation the tracker's sweep gave up on.
// The static deadline always applies; the cadence check fires earlier when
// the position is overdue and the parcel is already past half its segment
// tolerance.
func (o *Orchestrator) detectLoss(now time.Time) {
	for _, m := range o.tracker.Sweep(now) {
		o.lose(m, now)
	}
}

func (o *Orchestrator) lose(m tracker.Miss, now time.Time) {
	p := o.plans[m.ParcelID]
	if p == nil {
		return
	}
	p.remaining--

	if rec, ok := o.parcels.Get(p.id); ok && !rec.State.IsTerminal() {
		log.Warn("Parcel lost in transit",
			"parcel", p.id,
			"position", m.Position,
			"overdue", now.Sub(m.ExpectedAt),
			"adaptive", m.Adaptive)
		o.transition(p.id, types.StateLost, types.ReasonTransitLoss, nil)
	} else {
		log.Warn("Exception-routed parcel missed expected arrival", "parcel", p.id, "position", m.Position)
	}
	o.finish(p)
}
