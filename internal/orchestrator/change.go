package orchestrator

import (
	"time"

	"github.com/ChuLiYu/wheel-sorter/internal/journal"
	"github.com/ChuLiYu/wheel-sorter/pkg/types"
)

// ChangeChute re-targets a parcel in flight. The change is accepted only
// while the parcel is Assigned, PathCommitted or InTransit, the new drop
// diverter is still ahead of it and there is at least ChangeMinWindow
// before it reaches the next diverter. Every call yields a disposition.
func (o *Orchestrator) ChangeChute(id types.ParcelID, chute types.ChuteID) types.ChangeDisposition {
	o.mu.Lock()
	defer o.mu.Unlock()

	d := o.changeChute(id, chute, time.Now())
	o.metrics.RecordChuteChange(d)
	log.Info("Chute change requested", "parcel", id, "chute", chute, "disposition", d)
	return d
}

func (o *Orchestrator) changeChute(id types.ParcelID, chute types.ChuteID, now time.Time) types.ChangeDisposition {
	rec, ok := o.parcels.Lookup(id)
	if !ok {
		return types.ChangeRejectedUnknown
	}
	if rec.State.IsTerminal() {
		return types.ChangeIgnoredTerminal
	}
	switch rec.State {
	case types.StateAssigned, types.StatePathCommitted, types.StateInTransit:
	default:
		return types.ChangeRejectedInvalidState
	}

	p := o.plans[id]
	if p == nil {
		return types.ChangeRejectedInvalidState
	}
	path, err := o.store.Topology().Resolve(chute)
	if err != nil {
		return types.ChangeRejectedUnresolvable
	}
	if path.DropPosition <= p.lastSeen {
		return types.ChangeRejectedTooLate
	}
	if !p.path.EndOfLine() && p.path.DropPosition <= p.lastSeen {
		return types.ChangeRejectedTooLate
	}
	next, _ := o.schedule(p, p.lastSeen+1)
	if next.Sub(now) < o.opts.ChangeMinWindow {
		return types.ChangeRejectedTooLate
	}

	updated, err := o.parcels.Update(id, func(r *types.Parcel) {
		c := chute
		r.TargetChuteID = &c
		e := chute
		r.EffectiveChuteID = &e
		r.ResolvedPath = append([]types.DiverterAction(nil), path.Actions...)
	})
	if err != nil {
		return types.ChangeIgnoredTerminal
	}
	p.path = path
	o.replan(p)
	o.record(journal.EventChuteChanged, updated, "")
	return types.ChangeAccepted
}
