// ============================================================================
// Wheel-Sorter Topology - physical line model
// ============================================================================
//
// Package: internal/topology
// File: topology.go
// Purpose: Immutable description of the sorting line: entry sensor, ordered
//          diverter nodes, line segments and chute bindings.
//
// Node references:
//   0      entry sensor
//   1..N   diverter nodes, by position index
//   end    terminal sentinel (parcels that pass every diverter)
//
//   Sensor trigger positions use the same numbering, with the end-of-line
//   sensor reported as position N+1 (see EndPosition).
//
// Lifecycle:
//   A Topology is built once by New(), which validates and indexes it. The
//   returned value is never mutated; configuration updates build a new one
//   and swap the pointer (see internal/config.Store).
//
// ============================================================================

package topology

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/wheel-sorter/pkg/types"
)

// NodeRef references a node in segment definitions.
type NodeRef int

const (
	EntryNode NodeRef = 0
	EndNode   NodeRef = -1
)

func (r NodeRef) String() string {
	switch r {
	case EntryNode:
		return "entry"
	case EndNode:
		return "end"
	default:
		return strconv.Itoa(int(r))
	}
}

// UnmarshalYAML accepts an integer position, "entry" or "end".
func (r *NodeRef) UnmarshalYAML(value *yaml.Node) error {
	switch strings.ToLower(strings.TrimSpace(value.Value)) {
	case "entry":
		*r = EntryNode
		return nil
	case "end":
		*r = EndNode
		return nil
	}
	n, err := strconv.Atoi(value.Value)
	if err != nil {
		return fmt.Errorf("invalid node reference %q: want a position index, \"entry\" or \"end\"", value.Value)
	}
	*r = NodeRef(n)
	return nil
}

// MarshalYAML writes sentinels by name.
func (r NodeRef) MarshalYAML() (interface{}, error) {
	if r == EntryNode || r == EndNode {
		return r.String(), nil
	}
	return int(r), nil
}

// DiverterNode is one wheel-diverter and the chutes on each side of it.
type DiverterNode struct {
	DiverterID    types.DiverterID `yaml:"diverter_id" json:"diverter_id"`
	PositionIndex int              `yaml:"position_index" json:"position_index"`
	FrontSensorID string           `yaml:"front_sensor_id,omitempty" json:"front_sensor_id,omitempty"`
	LeftChuteIDs  []types.ChuteID  `yaml:"left_chutes" json:"left_chutes"`
	RightChuteIDs []types.ChuteID  `yaml:"right_chutes" json:"right_chutes"`
}

// LineSegment is a stretch of conveyor between two nodes.
type LineSegment struct {
	FromNode      NodeRef `yaml:"from" json:"from"`
	ToNode        NodeRef `yaml:"to" json:"to"`
	LengthMm      float64 `yaml:"length_mm" json:"length_mm"`
	SpeedMmPerSec float64 `yaml:"speed_mm_per_sec" json:"speed_mm_per_sec"`
	ToleranceMs   int64   `yaml:"tolerance_ms" json:"tolerance_ms"`
}

// Topology is a validated, versioned snapshot of the line.
type Topology struct {
	Version          string         `yaml:"version" json:"version"`
	EntrySensorID    string         `yaml:"entry_sensor_id" json:"entry_sensor_id"`
	EndSensorID      string         `yaml:"end_sensor_id,omitempty" json:"end_sensor_id,omitempty"`
	Nodes            []DiverterNode `yaml:"diverters" json:"diverters"`
	Segments         []LineSegment  `yaml:"segments" json:"segments"`
	ExceptionChuteID types.ChuteID  `yaml:"exception_chute_id" json:"exception_chute_id"`

	bindings  map[types.ChuteID]binding
	segmentTo map[NodeRef]LineSegment
	byID      map[types.DiverterID]int
}

// binding records which node and side a chute hangs off.
type binding struct {
	position  int
	direction types.Direction
}

// New validates raw and returns an indexed, immutable copy of it.
//
// Returns:
//   - *Topology: the compiled topology
//   - error: a *ValidationError listing every problem found
func New(raw Topology) (*Topology, error) {
	if err := Validate(raw); err != nil {
		return nil, err
	}

	t := &Topology{
		Version:          raw.Version,
		EntrySensorID:    raw.EntrySensorID,
		EndSensorID:      raw.EndSensorID,
		ExceptionChuteID: raw.ExceptionChuteID,
		Nodes:            make([]DiverterNode, len(raw.Nodes)),
		Segments:         make([]LineSegment, len(raw.Segments)),
		bindings:         make(map[types.ChuteID]binding),
		segmentTo:        make(map[NodeRef]LineSegment, len(raw.Segments)),
		byID:             make(map[types.DiverterID]int, len(raw.Nodes)),
	}

	for i, n := range raw.Nodes {
		n.LeftChuteIDs = append([]types.ChuteID(nil), n.LeftChuteIDs...)
		n.RightChuteIDs = append([]types.ChuteID(nil), n.RightChuteIDs...)
		t.Nodes[i] = n
	}
	sort.Slice(t.Nodes, func(i, j int) bool {
		return t.Nodes[i].PositionIndex < t.Nodes[j].PositionIndex
	})
	copy(t.Segments, raw.Segments)

	for _, n := range t.Nodes {
		t.byID[n.DiverterID] = n.PositionIndex
		for _, c := range n.LeftChuteIDs {
			t.bindings[c] = binding{position: n.PositionIndex, direction: types.Left}
		}
		for _, c := range n.RightChuteIDs {
			t.bindings[c] = binding{position: n.PositionIndex, direction: types.Right}
		}
	}
	for _, s := range t.Segments {
		t.segmentTo[s.ToNode] = s
	}

	return t, nil
}

// DiverterCount returns N, the number of diverter nodes.
func (t *Topology) DiverterCount() int {
	return len(t.Nodes)
}

// EndPosition is the trigger position index of the end-of-line sensor.
func (t *Topology) EndPosition() int {
	return len(t.Nodes) + 1
}

// NodeAt returns the diverter at a 1-based position.
func (t *Topology) NodeAt(position int) (DiverterNode, bool) {
	if position < 1 || position > len(t.Nodes) {
		return DiverterNode{}, false
	}
	return t.Nodes[position-1], true
}

// PositionOf returns the position index of a diverter.
func (t *Topology) PositionOf(id types.DiverterID) (int, bool) {
	pos, ok := t.byID[id]
	return pos, ok
}

// DiverterIDs lists diverters in line order.
func (t *Topology) DiverterIDs() []types.DiverterID {
	ids := make([]types.DiverterID, len(t.Nodes))
	for i, n := range t.Nodes {
		ids[i] = n.DiverterID
	}
	return ids
}

// OwnerOf reports which position and side a chute is bound to.
func (t *Topology) OwnerOf(chute types.ChuteID) (int, types.Direction, bool) {
	b, ok := t.bindings[chute]
	if !ok {
		return 0, "", false
	}
	return b.position, b.direction, true
}

// Chutes lists every bound chute id in ascending order.
func (t *Topology) Chutes() []types.ChuteID {
	out := make([]types.ChuteID, 0, len(t.bindings))
	for c := range t.bindings {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SegmentInto returns the segment ending at a trigger position. Position
// EndPosition() maps to the end sentinel.
func (t *Topology) SegmentInto(position int) (LineSegment, bool) {
	ref := NodeRef(position)
	if position == t.EndPosition() {
		ref = EndNode
	}
	s, ok := t.segmentTo[ref]
	return s, ok
}
