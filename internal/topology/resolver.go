package topology

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/wheel-sorter/pkg/types"
)

// ErrUnresolvedChute is returned when no diverter owns the requested chute.
var ErrUnresolvedChute = errors.New("chute is not bound to any diverter")

// Path is an ordered list of diverter actions ending at a chute.
type Path struct {
	ChuteID types.ChuteID          `json:"chute_id"`
	Actions []types.DiverterAction `json:"actions"`
	// DropPosition is the position of the diverter that turns the parcel
	// off the line, or 0 when the parcel rides to the end of the line.
	DropPosition int `json:"drop_position"`
}

// EndOfLine reports whether the path leaves through the terminal default.
func (p Path) EndOfLine() bool {
	return p.DropPosition == 0
}

// ActionAt returns the action planned for a position, if any.
func (p Path) ActionAt(position int) (types.DiverterAction, bool) {
	if position < 1 || position > len(p.Actions) {
		return types.DiverterAction{}, false
	}
	return p.Actions[position-1], true
}

// Resolve walks diverter nodes in ascending position and emits Straight up
// to the node owning chute, then Left or Right there. Nodes after the drop
// point are omitted.
//
// Returns ErrUnresolvedChute if no node owns chute; callers fall back to
// ResolveException.
func (t *Topology) Resolve(chute types.ChuteID) (Path, error) {
	pos, dir, ok := t.OwnerOf(chute)
	if !ok {
		return Path{}, fmt.Errorf("%w: %d", ErrUnresolvedChute, chute)
	}

	actions := make([]types.DiverterAction, 0, pos)
	for _, n := range t.Nodes[:pos-1] {
		actions = append(actions, types.DiverterAction{
			DiverterID:    n.DiverterID,
			PositionIndex: n.PositionIndex,
			Direction:     types.Straight,
		})
	}
	owner := t.Nodes[pos-1]
	actions = append(actions, types.DiverterAction{
		DiverterID:    owner.DiverterID,
		PositionIndex: owner.PositionIndex,
		Direction:     dir,
	})

	return Path{ChuteID: chute, Actions: actions, DropPosition: pos}, nil
}

// ResolveException returns the path to the exception chute. When the
// exception chute is not bound to any diverter it is the line's terminal
// default and every node passes the parcel straight.
func (t *Topology) ResolveException() Path {
	if p, err := t.Resolve(t.ExceptionChuteID); err == nil {
		return p
	}
	actions := make([]types.DiverterAction, len(t.Nodes))
	for i, n := range t.Nodes {
		actions[i] = types.DiverterAction{
			DiverterID:    n.DiverterID,
			PositionIndex: n.PositionIndex,
			Direction:     types.Straight,
		}
	}
	return Path{ChuteID: t.ExceptionChuteID, Actions: actions}
}

// ResolveOrException resolves chute and falls back to the exception path.
// The bool reports whether the fallback was taken.
func (t *Topology) ResolveOrException(chute types.ChuteID) (Path, bool) {
	if p, err := t.Resolve(chute); err == nil {
		return p, false
	}
	return t.ResolveException(), true
}

// ExceptionFrom re-plans a parcel that has already passed position `from`
// toward the exception chute. Actions at or before `from` are kept as they
// were; the remainder is whatever the exception path does downstream. If the
// exception chute hangs off a node the parcel already passed, the parcel
// rides to the end of the line.
func (t *Topology) ExceptionFrom(current Path, from int) Path {
	exc := t.ResolveException()
	if !exc.EndOfLine() && exc.DropPosition <= from {
		exc = Path{ChuteID: t.ExceptionChuteID}
	}

	actions := make([]types.DiverterAction, 0, len(t.Nodes))
	for i, n := range t.Nodes {
		pos := i + 1
		dir := types.Straight
		switch {
		case pos <= from:
			if a, ok := current.ActionAt(pos); ok {
				dir = a.Direction
			}
		case !exc.EndOfLine() && pos == exc.DropPosition:
			dir = exc.Actions[pos-1].Direction
		case !exc.EndOfLine() && pos > exc.DropPosition:
			return Path{ChuteID: t.ExceptionChuteID, Actions: actions, DropPosition: exc.DropPosition}
		}
		actions = append(actions, types.DiverterAction{
			DiverterID:    n.DiverterID,
			PositionIndex: n.PositionIndex,
			Direction:     dir,
		})
	}
	if !exc.EndOfLine() {
		return Path{ChuteID: t.ExceptionChuteID, Actions: actions, DropPosition: exc.DropPosition}
	}
	return Path{ChuteID: t.ExceptionChuteID, Actions: actions}
}
