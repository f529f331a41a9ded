package overload

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ChuLiYu/wheel-sorter/pkg/types"
)

func TestEvaluateDisabledIsNoop(t *testing.T) {
	p := DefaultPolicy()
	p.Enabled = false
	d := Evaluate(&p, Input{InFlight: 10_000, Level: types.CongestionSevere})
	assert.False(t, d.ForceException)

	assert.False(t, Evaluate(nil, Input{InFlight: 10_000}).ForceException)
}

func TestEvaluateConditions(t *testing.T) {
	all := Policy{
		Enabled:                      true,
		MaxInFlightParcels:           5,
		ForceExceptionOnOverCapacity: true,
		MinRequiredTTL:               100 * time.Millisecond,
		ForceExceptionOnTimeout:      true,
		MinArrivalWindow:             200 * time.Millisecond,
		ForceExceptionOnWindowMiss:   true,
		ForceExceptionOnSevere:       true,
	}
	healthy := Input{InFlight: 1, RemainingTTL: time.Second, ArrivalWindow: time.Second}

	tests := []struct {
		name   string
		mutate func(*Input)
		want   types.Reason
	}{
		{"healthy", func(*Input) {}, types.ReasonNone},
		{"over capacity", func(in *Input) { in.InFlight = 6 }, types.ReasonOverCapacity},
		{"at capacity is fine", func(in *Input) { in.InFlight = 5 }, types.ReasonNone},
		{"ttl too short", func(in *Input) { in.RemainingTTL = 50 * time.Millisecond }, types.ReasonTTLTooShort},
		{"window miss", func(in *Input) { in.ArrivalWindow = 150 * time.Millisecond }, types.ReasonArrivalWindowMiss},
		{"severe", func(in *Input) { in.Level = types.CongestionSevere }, types.ReasonSevereCongestion},
		{"capacity wins over severe", func(in *Input) {
			in.InFlight = 9
			in.Level = types.CongestionSevere
		}, types.ReasonOverCapacity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := healthy
			tt.mutate(&in)
			d := Evaluate(&all, in)
			assert.Equal(t, tt.want != types.ReasonNone, d.ForceException)
			assert.Equal(t, tt.want, d.Reason)
		})
	}
}

func TestEvaluateTogglesAreIndependent(t *testing.T) {
	p := Policy{Enabled: true, MaxInFlightParcels: 1, ForceExceptionOnSevere: true}
	d := Evaluate(&p, Input{InFlight: 50, RemainingTTL: time.Second, ArrivalWindow: time.Second})
	assert.False(t, d.ForceException, "over-capacity toggle is off")
}

func TestPolicyValidate(t *testing.T) {
	assert.NoError(t, DefaultPolicy().Validate())
	p := DefaultPolicy()
	p.MaxInFlightParcels = 0
	p.MinRequiredTTL = -time.Second
	assert.Error(t, p.Validate())
}
