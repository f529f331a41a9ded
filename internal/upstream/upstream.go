// Package upstream is the boundary to the external rule engine that decides
// which chute a parcel goes to.
//
// The orchestrator only depends on Client. Transports in this package:
//
//	GRPCClient       unary call on sorting.v1.ChuteAssignment
//	WebSocketClient  persistent hub connection, replies matched by parcel id
//	Simulator        in-process rule engine for development and tests
//
// Every transport honours the context deadline: the orchestrator sends
// exactly one request per parcel and treats deadline expiry as final.
package upstream

import (
	"context"
	"errors"
	"time"

	"github.com/ChuLiYu/wheel-sorter/pkg/types"
)

// ============================================================================
// Error definitions
// ============================================================================

var (
	// ErrNotConnected is returned when the transport has no live link.
	ErrNotConnected = errors.New("upstream not connected")
	// ErrNoAssignment is returned when the rule engine declines to answer.
	ErrNoAssignment = errors.New("upstream returned no assignment")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("upstream client closed")
)

// Assignment is the rule engine's answer for one parcel.
type Assignment struct {
	ParcelID   types.ParcelID `json:"parcel_id"`
	ChuteID    types.ChuteID  `json:"chute_id"`
	ReceivedAt time.Time      `json:"received_at"`
}

// Client is the transport-agnostic upstream contract.
type Client interface {
	// Connect establishes the link. It reports whether the link is usable.
	Connect(ctx context.Context) bool
	// NotifyParcelDetected asks for a chute. It returns when the reply
	// arrives or ctx is done, whichever comes first.
	NotifyParcelDetected(ctx context.Context, id types.ParcelID) (Assignment, error)
	Close() error
}

// Engine decides chutes. The Simulator implements it, and the gRPC server
// and websocket hub serve any Engine.
type Engine interface {
	Assign(ctx context.Context, id types.ParcelID) (types.ChuteID, error)
}
