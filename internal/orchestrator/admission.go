package orchestrator

// ============================================================================
// Admission and chute assignment
// ============================================================================
//
// An entry trigger always creates a parcel record: the parcel is physically
// on the belt whether or not it is admitted. A refused parcel goes straight
// to the exception chute. An admitted one gets exactly one upstream request
// bounded by the chute assignment timeout; there is no retry. Whatever the
// upstream answers, the overload enforcer has the last word.
//
// ============================================================================

import (
	"context"
	"errors"
	"time"

	"github.com/ChuLiYu/wheel-sorter/internal/journal"
	"github.com/ChuLiYu/wheel-sorter/internal/overload"
	"github.com/ChuLiYu/wheel-sorter/internal/topology"
	"github.com/ChuLiYu/wheel-sorter/internal/upstream"
	"github.com/ChuLiYu/wheel-sorter/pkg/types"
)

// onTrigger takes the oldest recorded trigger at pos, already correlated
// by the tracker, and dispatches it.
func (o *Orchestrator) onTrigger(pos int) {
	entry, ok := o.tracker.Next(pos)
	if !ok {
		// dropped by the tracker's queue bound
		return
	}
	if pos == 0 {
		o.admit(entry.TriggeredAt)
		return
	}
	o.arrive(entry)
}

// admit creates a parcel for an entry trigger and either requests its
// assignment or routes it to the exception chute.
func (o *Orchestrator) admit(at time.Time) {
	timeout, err := o.store.Deadlines().ChuteAssignmentTimeout(o.store.Assignment().SafetyFactor)
	if err != nil {
		timeout = o.store.Deadlines().Fallback()
		log.Error("Assignment timeout unavailable, using fallback", "fallback", timeout, "error", err)
	}
	deadline := at.Add(timeout)

	rec := o.parcels.Create(at, deadline)
	o.metrics.RecordCreated()
	o.record(journal.EventCreated, rec, "")

	p := &plan{
		id:        rec.ID,
		seq:       rec.Seq,
		createdAt: at,
		path:      o.store.Topology().ResolveException(),
	}
	o.plans[rec.ID] = p

	if st := o.State(); !st.AllowsAdmission() {
		o.metrics.RecordAdmissionRefused("operating_state")
		log.Info("Parcel refused at entry", "parcel", rec.ID, "operating_state", st)
		o.routeToException(p, types.ReasonOperatingStateStop)
		return
	}
	if ok, refusal := o.throttle.Admit(at); !ok {
		o.metrics.RecordAdmissionRefused(string(refusal))
		log.Info("Parcel throttled at entry", "parcel", rec.ID, "refusal", refusal, "level", o.throttle.Level().String())
		o.routeToException(p, types.ReasonThrottled)
		return
	}

	if _, err := o.transition(rec.ID, types.StateAwaitingAssignment, types.ReasonNone, nil); err != nil {
		return
	}
	// provisional plan toward the exception chute until the answer arrives
	o.replan(p)
	o.request(rec.ID, deadline)
}

// request starts the single upstream call for a parcel. The goroutine
// reports back no later than deadline even if the client ignores ctx.
func (o *Orchestrator) request(id types.ParcelID, deadline time.Time) {
	ctx, cancel := context.WithDeadline(o.runCtx, deadline)
	o.pending[id] = cancel

	go func() {
		defer cancel()
		start := time.Now()

		type reply struct {
			a   upstream.Assignment
			err error
		}
		replies := make(chan reply, 1)
		go func() {
			a, err := o.upstream.NotifyParcelDetected(ctx, id)
			replies <- reply{a, err}
		}()

		res := assignmentResult{id: id}
		select {
		case r := <-replies:
			res.assignment, res.err = r.a, r.err
		case <-ctx.Done():
			res.err = ctx.Err()
		}
		// a reply that raced the deadline still counts as late
		if res.err == nil && time.Now().After(deadline) {
			res.err = context.DeadlineExceeded
		}
		res.latency = time.Since(start)

		select {
		case o.assignCh <- res:
		case <-o.done:
		}
	}()
}

// onAssignment resolves the single request of a parcel.
func (o *Orchestrator) onAssignment(res assignmentResult) {
	cancel, ok := o.pending[res.id]
	if !ok {
		// already resolved by an emergency stop, a shutdown or a late arrival
		log.Debug("Stale assignment result dropped", "parcel", res.id, "error", res.err)
		return
	}
	delete(o.pending, res.id)
	cancel()

	now := time.Now()
	o.throttle.ObserveLatency(now, res.latency)
	o.throttle.ObserveOutcome(now, res.err == nil)
	o.metrics.ObserveAssignment(res.latency)
	switch {
	case res.err == nil:
		o.upstreamUp.Store(true)
	case errors.Is(res.err, upstream.ErrNotConnected):
		o.upstreamUp.Store(false)
	}

	p := o.plans[res.id]
	if p == nil {
		log.Error("Assignment for untracked parcel", "parcel", res.id)
		return
	}

	if res.err != nil {
		reason := types.ReasonUpstreamError
		if errors.Is(res.err, context.DeadlineExceeded) {
			reason = types.ReasonAssignmentTimeout
		}
		log.Warn("Chute assignment failed", "parcel", res.id, "reason", reason, "latency", res.latency, "error", res.err)
		o.routeToException(p, reason)
		return
	}

	chute := res.assignment.ChuteID
	rec, err := o.transition(res.id, types.StateAssigned, types.ReasonNone, func(rec *types.Parcel) {
		rec.TargetChuteID = &chute
	})
	if err != nil {
		return
	}

	topo := o.store.Topology()
	path, err := topo.Resolve(chute)
	if err != nil {
		log.Warn("Assigned chute not reachable", "parcel", res.id, "chute", chute, "error", err)
		o.routeToException(p, types.ReasonUnresolvedChute)
		return
	}

	arrivalAt, _ := o.schedule(p, path.DropPosition)
	dec := overload.Evaluate(o.store.Overload(), overload.Input{
		InFlight:      o.parcels.InFlight(),
		RemainingTTL:  rec.AssignmentDeadline.Sub(now),
		ArrivalWindow: arrivalAt.Sub(now),
		Level:         o.throttle.Level(),
	})
	if dec.ForceException {
		log.Warn("Policy override", "parcel", res.id, "reason", dec.Reason, "assigned_chute", chute)
		o.metrics.RecordPolicyOverride(dec.Reason)
		o.record(journal.EventPolicyOverride, rec, string(dec.Reason))
		o.routeToException(p, dec.Reason)
		return
	}

	o.commit(p, path)
}

// commit makes path the parcel's plan.
func (o *Orchestrator) commit(p *plan, path topology.Path) {
	chute := path.ChuteID
	if _, err := o.transition(p.id, types.StatePathCommitted, types.ReasonNone, func(rec *types.Parcel) {
		rec.EffectiveChuteID = &chute
		rec.ResolvedPath = append([]types.DiverterAction(nil), path.Actions...)
	}); err != nil {
		return
	}
	p.path = path
	o.replan(p)
}

// routeToException sends a parcel to the exception chute from wherever it
// is now. The record becomes terminal; the physical plan continues.
func (o *Orchestrator) routeToException(p *plan, reason types.Reason) {
	topo := o.store.Topology()
	path := topo.ExceptionFrom(p.path, p.lastSeen)
	exc := topo.ExceptionChuteID

	if cancel, ok := o.pending[p.id]; ok {
		cancel()
		delete(o.pending, p.id)
	}
	_, err := o.transition(p.id, types.StateExceptionRouted, reason, func(rec *types.Parcel) {
		rec.EffectiveChuteID = &exc
		rec.ResolvedPath = append([]types.DiverterAction(nil), path.Actions...)
	})
	if err != nil {
		return
	}
	if _, tracked := o.plans[p.id]; !tracked {
		return
	}
	p.path = path
	o.replan(p)
}
