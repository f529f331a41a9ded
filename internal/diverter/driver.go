package diverter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ChuLiYu/wheel-sorter/pkg/types"
)

// ============================================================================
// Error definitions
// ============================================================================

var (
	// ErrHardwareFault wraps any failure reported by a driver.
	ErrHardwareFault = errors.New("diverter hardware fault")
	// ErrUnknownVendor is returned by Registry.Build.
	ErrUnknownVendor = errors.New("unknown diverter vendor")
	// ErrUnknownDiverter is returned for ids not managed by the coordinator.
	ErrUnknownDiverter = errors.New("unknown diverter")
)

// ============================================================================
// Capability contract
// ============================================================================

// Status is what a driver reports about itself.
type Status struct {
	Direction types.Direction `json:"direction"`
	Connected bool            `json:"connected"`
	Detail    string          `json:"detail,omitempty"`
}

// Driver is the capability every vendor implementation exposes. All calls
// may block on I/O and must honour ctx.
type Driver interface {
	ID() types.DiverterID
	TurnLeft(ctx context.Context) error
	TurnRight(ctx context.Context) error
	PassThrough(ctx context.Context) error
	Status(ctx context.Context) (Status, error)
}

// HeartbeatChecker is implemented by drivers with a dedicated liveness call.
type HeartbeatChecker interface {
	CheckHeartbeat(ctx context.Context) error
}

// Reconnector is implemented by drivers that can re-establish their link.
type Reconnector interface {
	Reconnect(ctx context.Context) error
}

// Apply issues the command for dir.
func Apply(ctx context.Context, d Driver, dir types.Direction) error {
	var err error
	switch dir {
	case types.Left:
		err = d.TurnLeft(ctx)
	case types.Right:
		err = d.TurnRight(ctx)
	case types.Straight:
		err = d.PassThrough(ctx)
	default:
		return fmt.Errorf("unsupported direction %q", dir)
	}
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrHardwareFault, d.ID(), dir, err)
	}
	return nil
}

// ============================================================================
// Vendor registry
// ============================================================================

// Factory builds a driver for one diverter.
type Factory func(id types.DiverterID, opts map[string]string) (Driver, error)

// Registry maps vendor names to factories. The vendor is chosen once at
// configuration load.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry with the built-in "simulated" vendor.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("simulated", func(id types.DiverterID, opts map[string]string) (Driver, error) {
		return NewSimulated(id, opts)
	})
	return r
}

// Register adds or replaces a vendor factory.
func (r *Registry) Register(vendor string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[vendor] = f
}

// Vendors lists registered vendor names.
func (r *Registry) Vendors() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for v := range r.factories {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Build creates one driver per id using the vendor's factory.
func (r *Registry) Build(vendor string, ids []types.DiverterID, opts map[string]string) (map[types.DiverterID]Driver, error) {
	r.mu.RLock()
	f, ok := r.factories[vendor]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownVendor, vendor)
	}

	drivers := make(map[types.DiverterID]Driver, len(ids))
	for _, id := range ids {
		d, err := f(id, opts)
		if err != nil {
			return nil, fmt.Errorf("build %s driver %s: %w", vendor, id, err)
		}
		drivers[id] = d
	}
	return drivers, nil
}
