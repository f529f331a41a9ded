// ============================================================================
// Wheel-Sorter Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collect and expose sorter runtime metrics for Prometheus
//
// Metric groups:
//
//   1. Parcel counters:
//      - sorter_parcels_created_total
//      - sorter_parcels_terminal_total{state,reason}
//      - sorter_admission_refusals_total{cause}
//      - sorter_policy_overrides_total{reason}
//      - sorter_chute_changes_total{disposition}
//
//   2. Latency histograms:
//      - sorter_assignment_latency_seconds   upstream reply time
//      - sorter_actuation_latency_seconds    diverter command time
//
//   3. Gauges:
//      - sorter_parcels_in_flight
//      - sorter_congestion_level             0 normal, 1 warning, 2 severe
//      - sorter_diverter_healthy{diverter}
//      - sorter_operating_state{state}       1 for the current state
//      - sorter_diverter_queue_depth{diverter} commands waiting per diverter
//
//   4. Hardware:
//      - sorter_actuation_failures_total{diverter}
//
// Example queries:
//
//   # exception rate
//   sum(rate(sorter_parcels_terminal_total{state="exception_routed"}[5m]))
//     / sum(rate(sorter_parcels_terminal_total[5m]))
//
//   # p95 assignment latency
//   histogram_quantile(0.95, rate(sorter_assignment_latency_seconds_bucket[5m]))
//
// All Record* methods are safe on a nil *Collector so components can run
// without instrumentation in tests.
//
// ============================================================================

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/wheel-sorter/pkg/types"
)

const namespace = "sorter"

// Collector holds every sorter metric.
type Collector struct {
	registry *prometheus.Registry

	parcelsCreated   prometheus.Counter
	parcelsTerminal  *prometheus.CounterVec
	admissionRefused *prometheus.CounterVec
	policyOverrides  *prometheus.CounterVec
	chuteChanges     *prometheus.CounterVec

	assignmentLatency prometheus.Histogram
	actuationLatency  prometheus.Histogram

	inFlight        prometheus.Gauge
	congestion      prometheus.Gauge
	diverterHealthy *prometheus.GaugeVec
	operatingState  *prometheus.GaugeVec
	queueDepth      *prometheus.GaugeVec

	actuationFailures *prometheus.CounterVec
}

// NewCollector creates a collector on its own registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		parcelsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parcels_created_total",
			Help:      "Total number of parcels detected at the entry sensor",
		}),
		parcelsTerminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parcels_terminal_total",
			Help:      "Total number of parcels reaching a terminal state",
		}, []string{"state", "reason"}),
		admissionRefused: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_refusals_total",
			Help:      "Parcels refused normal admission and sent to the exception chute",
		}, []string{"cause"}),
		policyOverrides: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_overrides_total",
			Help:      "Parcels forced to the exception chute by the overload policy",
		}, []string{"reason"}),
		chuteChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chute_changes_total",
			Help:      "Mid-flight chute change requests by disposition",
		}, []string{"disposition"}),
		assignmentLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "assignment_latency_seconds",
			Help:      "Upstream chute assignment latency in seconds",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.2, 0.3, 0.5, 0.75, 1, 2},
		}),
		actuationLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "actuation_latency_seconds",
			Help:      "Diverter command latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.2, 0.5},
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "parcels_in_flight",
			Help:      "Current number of non-terminal parcels",
		}),
		congestion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "congestion_level",
			Help:      "Current congestion level (0 normal, 1 warning, 2 severe)",
		}),
		diverterHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "diverter_healthy",
			Help:      "1 when the diverter is healthy, 0 otherwise",
		}, []string{"diverter"}),
		operatingState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "operating_state",
			Help:      "1 for the current operating state",
		}, []string{"state"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "diverter_queue_depth",
			Help:      "Commands queued for each diverter worker",
		}, []string{"diverter"}),
		actuationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actuation_failures_total",
			Help:      "Diverter commands that failed or timed out",
		}, []string{"diverter"}),
	}

	reg.MustRegister(
		c.parcelsCreated,
		c.parcelsTerminal,
		c.admissionRefused,
		c.policyOverrides,
		c.chuteChanges,
		c.assignmentLatency,
		c.actuationLatency,
		c.inFlight,
		c.congestion,
		c.diverterHealthy,
		c.operatingState,
		c.queueDepth,
		c.actuationFailures,
		prometheus.NewGoCollector(),
	)
	return c
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordCreated counts a new parcel.
func (c *Collector) RecordCreated() {
	if c == nil {
		return
	}
	c.parcelsCreated.Inc()
}

// RecordTerminal counts a parcel reaching state for reason.
func (c *Collector) RecordTerminal(state types.ParcelState, reason types.Reason) {
	if c == nil {
		return
	}
	c.parcelsTerminal.WithLabelValues(string(state), string(reason)).Inc()
}

// RecordAdmissionRefused counts a refused admission.
func (c *Collector) RecordAdmissionRefused(cause string) {
	if c == nil {
		return
	}
	c.admissionRefused.WithLabelValues(cause).Inc()
}

// RecordPolicyOverride counts an overload enforcer decision.
func (c *Collector) RecordPolicyOverride(reason types.Reason) {
	if c == nil {
		return
	}
	c.policyOverrides.WithLabelValues(string(reason)).Inc()
}

// RecordChuteChange counts a chute change disposition.
func (c *Collector) RecordChuteChange(d types.ChangeDisposition) {
	if c == nil {
		return
	}
	c.chuteChanges.WithLabelValues(string(d)).Inc()
}

// ObserveAssignment records one upstream reply latency.
func (c *Collector) ObserveAssignment(d time.Duration) {
	if c == nil {
		return
	}
	c.assignmentLatency.Observe(d.Seconds())
}

// ObserveActuation records one diverter command. A non-nil err also counts a
// failure for the diverter.
func (c *Collector) ObserveActuation(id types.DiverterID, d time.Duration, err error) {
	if c == nil {
		return
	}
	c.actuationLatency.Observe(d.Seconds())
	if err != nil {
		c.actuationFailures.WithLabelValues(string(id)).Inc()
	}
}

// SetInFlight updates the in-flight gauge.
func (c *Collector) SetInFlight(n int) {
	if c == nil {
		return
	}
	c.inFlight.Set(float64(n))
}

// SetCongestion updates the congestion gauge.
func (c *Collector) SetCongestion(level types.CongestionLevel) {
	if c == nil {
		return
	}
	c.congestion.Set(float64(level))
}

// SetDiverterHealth updates one diverter's health gauge.
func (c *Collector) SetDiverterHealth(id types.DiverterID, healthy bool) {
	if c == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1
	}
	c.diverterHealthy.WithLabelValues(string(id)).Set(v)
}

// SetOperatingState marks state as current.
func (c *Collector) SetOperatingState(state types.OperatingState) {
	if c == nil {
		return
	}
	c.operatingState.Reset()
	c.operatingState.WithLabelValues(string(state)).Set(1)
}

// SetDiverterQueueDepth updates one diverter's command queue gauge.
func (c *Collector) SetDiverterQueueDepth(id types.DiverterID, n int) {
	if c == nil {
		return
	}
	c.queueDepth.WithLabelValues(string(id)).Set(float64(n))
}
