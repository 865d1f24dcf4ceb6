// Package metrics holds the pipeline's Prometheus collectors. Components
// record through the typed helpers; cmd exposes the registry on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Throttle reasons recorded on rejected slot requests.
const (
	ReasonPoolSaturated  = "pool_saturated"
	ReasonClassSaturated = "class_saturated"
	ReasonRateLimited    = "rate_limited"
	ReasonCircuitOpen    = "circuit_open"
)

// Metrics bundles every collector behind one registry so tests and multiple
// pipelines never fight over global registration.
type Metrics struct {
	registry *prometheus.Registry

	// Worker pool.
	PoolActiveJobs  *prometheus.GaugeVec
	PoolConcurrency *prometheus.GaugeVec
	PoolGlobalInUse prometheus.Gauge
	PoolThrottled   *prometheus.CounterVec
	PoolExecuted    *prometheus.CounterVec
	PoolResponse    *prometheus.HistogramVec
	ResourcePress   prometheus.Gauge

	// Queues.
	QueueDepth *prometheus.GaugeVec

	// Outbox.
	OutboxEvents      *prometheus.CounterVec
	OutboxUnpublished prometheus.Gauge

	// Triangulation.
	TriangulationDecisions *prometheus.CounterVec

	// Breakers and health.
	BreakerState     *prometheus.GaugeVec
	ComponentHealthy *prometheus.GaugeVec
	AlertsFired      *prometheus.CounterVec
}

// New builds a metrics bundle on a fresh registry.
func New() *Metrics {
	return NewWith(prometheus.NewRegistry())
}

// NewWith builds a metrics bundle registered on reg.
func NewWith(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		PoolActiveJobs: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cartograph_pool_active_jobs",
			Help: "In-flight jobs per worker class",
		}, []string{"class"}),

		PoolConcurrency: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cartograph_pool_concurrency",
			Help: "Current concurrency target per worker class, set by the scaler",
		}, []string{"class"}),

		PoolGlobalInUse: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cartograph_pool_global_in_use",
			Help: "Total in-flight jobs across all classes",
		}),

		PoolThrottled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cartograph_pool_throttled_total",
			Help: "Slot requests rejected at admission, by reason",
		}, []string{"class", "reason"}),

		PoolExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cartograph_pool_executed_total",
			Help: "Completed managed executions, by outcome",
		}, []string{"class", "status"}),

		PoolResponse: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cartograph_pool_response_seconds",
			Help:    "Managed execution wall time",
			Buckets: []float64{0.05, 0.25, 1, 5, 15, 30, 60, 120, 180},
		}, []string{"class"}),

		ResourcePress: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cartograph_resource_pressure",
			Help: "Weighted CPU and memory pressure in [0, 1]",
		}),

		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cartograph_queue_depth",
			Help: "Jobs per queue and state",
		}, []string{"queue", "state"}),

		OutboxEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cartograph_outbox_events_total",
			Help: "Outbox events handled by the publisher, by outcome",
		}, []string{"event_type", "status"}),

		OutboxUnpublished: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cartograph_outbox_unpublished",
			Help: "Events still awaiting publication",
		}),

		TriangulationDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cartograph_triangulation_decisions_total",
			Help: "Consensus outcomes per triangulation round",
		}, []string{"decision"}),

		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cartograph_breaker_state",
			Help: "Circuit state per target: 0 closed, 1 open, 2 half-open",
		}, []string{"target"}),

		ComponentHealthy: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cartograph_component_healthy",
			Help: "Component health: 1 healthy, 0 unhealthy",
		}, []string{"component"}),

		AlertsFired: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cartograph_alerts_total",
			Help: "Alerts raised by the health monitor, by type",
		}, []string{"type"}),
	}
}

// Registry returns the backing registry for /metrics exposure.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordThrottle counts a rejected slot request.
func (m *Metrics) RecordThrottle(class, reason string) {
	m.PoolThrottled.WithLabelValues(class, reason).Inc()
}

// RecordExecution counts a completed managed execution and observes its
// duration.
func (m *Metrics) RecordExecution(class string, success bool, elapsed time.Duration) {
	status := "error"
	if success {
		status = "success"
	}
	m.PoolExecuted.WithLabelValues(class, status).Inc()
	m.PoolResponse.WithLabelValues(class).Observe(elapsed.Seconds())
}

// SetPoolState updates the per-class slot gauges.
func (m *Metrics) SetPoolState(class string, active, concurrency int) {
	m.PoolActiveJobs.WithLabelValues(class).Set(float64(active))
	m.PoolConcurrency.WithLabelValues(class).Set(float64(concurrency))
}

// SetGlobalInUse updates the global in-flight gauge.
func (m *Metrics) SetGlobalInUse(n int) {
	m.PoolGlobalInUse.Set(float64(n))
}

// SetResourcePressure updates the weighted pressure gauge.
func (m *Metrics) SetResourcePressure(p float64) {
	m.ResourcePress.Set(p)
}

// SetQueueDepth updates one queue's state gauges.
func (m *Metrics) SetQueueDepth(queue string, ready, delayed, leased, dead int64) {
	m.QueueDepth.WithLabelValues(queue, "ready").Set(float64(ready))
	m.QueueDepth.WithLabelValues(queue, "delayed").Set(float64(delayed))
	m.QueueDepth.WithLabelValues(queue, "leased").Set(float64(leased))
	m.QueueDepth.WithLabelValues(queue, "dead").Set(float64(dead))
}

// RecordOutboxEvent counts one publisher outcome for an event type.
func (m *Metrics) RecordOutboxEvent(eventType, status string) {
	m.OutboxEvents.WithLabelValues(eventType, status).Inc()
}

// SetOutboxUnpublished updates the unpublished backlog gauge.
func (m *Metrics) SetOutboxUnpublished(n int64) {
	m.OutboxUnpublished.Set(float64(n))
}

// RecordTriangulation counts one consensus round outcome.
func (m *Metrics) RecordTriangulation(decision string) {
	m.TriangulationDecisions.WithLabelValues(decision).Inc()
}

// SetBreakerState updates a target's circuit state gauge.
func (m *Metrics) SetBreakerState(target string, state int) {
	m.BreakerState.WithLabelValues(target).Set(float64(state))
}

// SetComponentHealth updates a component's health gauge.
func (m *Metrics) SetComponentHealth(component string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	m.ComponentHealthy.WithLabelValues(component).Set(v)
}

// RecordAlert counts a raised alert.
func (m *Metrics) RecordAlert(alertType string) {
	m.AlertsFired.WithLabelValues(alertType).Inc()
}
