package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/wheel-sorter/pkg/types"
)

func TestCollectorsAreIndependent(t *testing.T) {
	// Each collector owns its registry, so building two must not panic on
	// duplicate registration.
	assert.NotPanics(t, func() {
		_ = NewCollector()
		_ = NewCollector()
	})
}

func TestCounters(t *testing.T) {
	c := NewCollector()
	c.RecordCreated()
	c.RecordCreated()
	c.RecordTerminal(types.StateCompleted, types.ReasonDropConfirmed)
	c.RecordTerminal(types.StateExceptionRouted, types.ReasonAssignmentTimeout)
	c.RecordTerminal(types.StateExceptionRouted, types.ReasonAssignmentTimeout)
	c.RecordAdmissionRefused("throttled")
	c.RecordPolicyOverride(types.ReasonOverCapacity)
	c.RecordChuteChange(types.ChangeAccepted)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.parcelsCreated))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.parcelsTerminal.WithLabelValues("exception_routed", "assignment_timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.admissionRefused.WithLabelValues("throttled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.policyOverrides.WithLabelValues("over_capacity")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.chuteChanges.WithLabelValues("accepted")))
}

func TestGaugesAndActuation(t *testing.T) {
	c := NewCollector()
	c.SetInFlight(7)
	c.SetCongestion(types.CongestionSevere)
	c.SetDiverterHealth("D1", true)
	c.SetDiverterHealth("D2", false)
	c.SetOperatingState(types.OpRunning)
	c.SetOperatingState(types.OpPaused)
	c.ObserveActuation("D2", 5*time.Millisecond, errors.New("jammed"))
	c.ObserveActuation("D1", 5*time.Millisecond, nil)
	c.ObserveAssignment(120 * time.Millisecond)
	c.SetDiverterQueueDepth("D1", 3)

	assert.Equal(t, 7.0, testutil.ToFloat64(c.inFlight))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.congestion))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.diverterHealthy.WithLabelValues("D1")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.diverterHealthy.WithLabelValues("D2")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.actuationFailures.WithLabelValues("D2")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.queueDepth.WithLabelValues("D1")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.operatingState), "only the current state is reported")
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordCreated()
		c.RecordTerminal(types.StateLost, types.ReasonTransitLoss)
		c.SetDiverterQueueDepth("D1", 1)
		c.RecordAdmissionRefused("paused")
		c.RecordPolicyOverride(types.ReasonSevereCongestion)
		c.RecordChuteChange(types.ChangeRejectedTooLate)
		c.ObserveAssignment(time.Millisecond)
		c.ObserveActuation("D1", time.Millisecond, nil)
		c.SetInFlight(1)
		c.SetCongestion(types.CongestionWarning)
		c.SetDiverterHealth("D1", true)
		c.SetOperatingState(types.OpFault)
	})
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := NewCollector()
	c.RecordCreated()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "sorter_parcels_created_total 1"))
}
