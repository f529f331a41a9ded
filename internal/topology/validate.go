package topology

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"

	"github.com/ChuLiYu/wheel-sorter/pkg/types"
)

// ============================================================================
// Error definitions
// ============================================================================

var (
	// ErrValidation marks a malformed topology (duplicates, gaps, bad numbers).
	ErrValidation = errors.New("topology validation failed")
	// ErrConfiguration marks a reference that cannot be resolved.
	ErrConfiguration = errors.New("topology configuration error")
)

// ValidationError aggregates every problem found in one topology. It is
// returned whole so an operator sees all mistakes at once; the previous
// snapshot stays active.
type ValidationError struct {
	Version string
	Err     error
}

func (e *ValidationError) Error() string {
	problems := multierr.Errors(e.Err)
	return fmt.Sprintf("topology %q rejected (%d problems): %v", e.Version, len(problems), e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Problems lists the individual failures.
func (e *ValidationError) Problems() []error {
	return multierr.Errors(e.Err)
}

// Validate checks every invariant of a raw topology.
//
// Rules:
//   - at least one diverter; diverter ids unique and non-empty
//   - position indices unique and contiguous from 1
//   - each chute bound at most once across all left/right sets
//   - segment endpoints reference entry, an existing node or end
//   - segment geometry is positive
//   - exception chute id is set
func Validate(raw Topology) error {
	var errs error

	if len(raw.Nodes) == 0 {
		errs = multierr.Append(errs, fmt.Errorf("%w: no diverters defined", ErrConfiguration))
	}
	if raw.ExceptionChuteID <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("%w: exception_chute_id must be positive", ErrConfiguration))
	}

	seenPos := make(map[int]types.DiverterID, len(raw.Nodes))
	seenID := make(map[types.DiverterID]bool, len(raw.Nodes))
	chuteOwner := make(map[types.ChuteID]types.DiverterID)

	for _, n := range raw.Nodes {
		if n.DiverterID == "" {
			errs = multierr.Append(errs, fmt.Errorf("%w: diverter at position %d has no id", ErrValidation, n.PositionIndex))
		} else if seenID[n.DiverterID] {
			errs = multierr.Append(errs, fmt.Errorf("%w: duplicate diverter id %q", ErrValidation, n.DiverterID))
		}
		seenID[n.DiverterID] = true

		if prev, dup := seenPos[n.PositionIndex]; dup {
			errs = multierr.Append(errs, fmt.Errorf("%w: duplicate position index %d (%s, %s)", ErrValidation, n.PositionIndex, prev, n.DiverterID))
		}
		seenPos[n.PositionIndex] = n.DiverterID

		bind := func(c types.ChuteID) {
			if c <= 0 {
				errs = multierr.Append(errs, fmt.Errorf("%w: diverter %s binds non-positive chute %d", ErrValidation, n.DiverterID, c))
				return
			}
			if owner, dup := chuteOwner[c]; dup {
				errs = multierr.Append(errs, fmt.Errorf("%w: chute %d bound twice (%s, %s)", ErrValidation, c, owner, n.DiverterID))
				return
			}
			chuteOwner[c] = n.DiverterID
		}
		for _, c := range n.LeftChuteIDs {
			bind(c)
		}
		for _, c := range n.RightChuteIDs {
			bind(c)
		}
	}

	for i := 1; i <= len(raw.Nodes); i++ {
		if _, ok := seenPos[i]; !ok {
			errs = multierr.Append(errs, fmt.Errorf("%w: position indices must be contiguous from 1, missing %d", ErrValidation, i))
		}
	}

	validRef := func(r NodeRef) bool {
		return r == EntryNode || r == EndNode || (r >= 1 && int(r) <= len(raw.Nodes))
	}
	seenTo := make(map[NodeRef]bool, len(raw.Segments))
	for i, s := range raw.Segments {
		if !validRef(s.FromNode) || s.FromNode == EndNode {
			errs = multierr.Append(errs, fmt.Errorf("%w: segment %d starts at unknown node %s", ErrConfiguration, i, s.FromNode))
		}
		if !validRef(s.ToNode) || s.ToNode == EntryNode {
			errs = multierr.Append(errs, fmt.Errorf("%w: segment %d ends at unknown node %s", ErrConfiguration, i, s.ToNode))
		}
		if s.FromNode == s.ToNode {
			errs = multierr.Append(errs, fmt.Errorf("%w: segment %d is a self loop at %s", ErrValidation, i, s.FromNode))
		}
		if seenTo[s.ToNode] {
			errs = multierr.Append(errs, fmt.Errorf("%w: more than one segment ends at %s", ErrValidation, s.ToNode))
		}
		seenTo[s.ToNode] = true
		if s.LengthMm <= 0 || s.SpeedMmPerSec <= 0 {
			errs = multierr.Append(errs, fmt.Errorf("%w: segment %s->%s needs positive length and speed", ErrValidation, s.FromNode, s.ToNode))
		}
		if s.ToleranceMs < 0 {
			errs = multierr.Append(errs, fmt.Errorf("%w: segment %s->%s has negative tolerance", ErrValidation, s.FromNode, s.ToNode))
		}
	}

	if errs != nil {
		return &ValidationError{Version: raw.Version, Err: errs}
	}
	return nil
}
