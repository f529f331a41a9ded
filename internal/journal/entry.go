package journal

// ============================================================================
// Journal entry types, checksums and errors
// ============================================================================

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/ChuLiYu/wheel-sorter/pkg/types"
)

// EventType names what happened to a parcel.
type EventType string

const (
	EventCreated             EventType = "CREATED"              // entry sensor fired
	EventAssignmentRequested EventType = "ASSIGNMENT_REQUESTED" // upstream request sent
	EventAssigned            EventType = "ASSIGNED"             // upstream replied
	EventPathCommitted       EventType = "PATH_COMMITTED"       // actions resolved
	EventArrival             EventType = "ARRIVAL"              // sensor matched at a position
	EventActuated            EventType = "ACTUATED"             // diverter command completed
	EventChuteChanged        EventType = "CHUTE_CHANGED"        // mid-flight change accepted
	EventPolicyOverride      EventType = "POLICY_OVERRIDE"      // forced to exception chute
	EventTerminal            EventType = "TERMINAL"             // completed, exception or lost
)

// Entry is one journal line.
type Entry struct {
	Seq       uint64            `json:"seq"`
	Type      EventType         `json:"type"`
	ParcelID  types.ParcelID    `json:"parcel_id"`
	State     types.ParcelState `json:"state,omitempty"`
	Position  int               `json:"position,omitempty"`
	ChuteID   types.ChuteID     `json:"chute_id,omitempty"`
	Reason    types.Reason      `json:"reason,omitempty"`
	Detail    string            `json:"detail,omitempty"`
	Timestamp int64             `json:"timestamp"` // unix milliseconds
	Checksum  uint32            `json:"checksum"`
}

// Handler processes one entry during Replay.
type Handler func(e Entry) error

// Checksum is the CRC32-IEEE of every field except Checksum itself.
func Checksum(e Entry) uint32 {
	h := crc32.NewIEEE()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], e.Seq)
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(e.Timestamp))
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(int64(e.Position)))
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(e.ChuteID))
	h.Write(buf[:])
	for _, s := range []string{string(e.Type), string(e.ParcelID), string(e.State), string(e.Reason), e.Detail} {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	return h.Sum32()
}

// ============================================================================
// Error definitions
// ============================================================================

var (
	ErrCorruptedJournal = errors.New("journal: file is corrupted")
	ErrChecksumMismatch = errors.New("journal: checksum mismatch")
	ErrJournalClosed    = errors.New("journal: already closed")
)

// ChecksumError reports which entry failed verification.
type ChecksumError struct {
	Seq      uint64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("journal: checksum mismatch at seq=%d (expected=0x%08x, got=0x%08x)", e.Seq, e.Expected, e.Actual)
}

func (e *ChecksumError) Unwrap() error { return ErrChecksumMismatch }

// CorruptionError reports an unparsable line.
type CorruptionError struct {
	Line  int
	Cause error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("journal: corrupted line %d: %v", e.Line, e.Cause)
}

func (e *CorruptionError) Unwrap() []error { return []error{ErrCorruptedJournal, e.Cause} }
