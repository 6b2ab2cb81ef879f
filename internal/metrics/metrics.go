// Package metrics provides Prometheus metrics collection for the signer
// core and the relay, grounded on the teacher's infrastructure/metrics
// package: one struct of pre-registered collectors handed to every
// component that needs to record something, rather than package-level
// globals scattered across the codebase.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every Prometheus collector this service registers.
type Metrics struct {
	OrchestratorPhaseTotal    *prometheus.CounterVec
	OrchestratorPhaseDuration *prometheus.HistogramVec

	DeviceLinkTransitionsTotal *prometheus.CounterVec

	RelayOperationsTotal    *prometheus.CounterVec
	RelayOperationDuration  *prometheus.HistogramVec

	TxQueuePending   prometheus.Gauge
	TxQueueCompleted prometheus.Gauge
	TxQueueFailed    prometheus.Gauge

	ShamirRotationsTotal prometheus.Counter
}

// New creates a Metrics instance registered against the default registerer.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance registered against registerer,
// which may be nil to skip registration entirely (used by tests that
// construct more than one Metrics instance in the same process).
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		OrchestratorPhaseTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_phase_total",
				Help: "Total number of orchestrator phase completions, by phase and status",
			},
			[]string{"service", "phase", "status"},
		),
		OrchestratorPhaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_phase_duration_seconds",
				Help:    "Orchestrator phase duration in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "phase"},
		),

		DeviceLinkTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "devicelink_transitions_total",
				Help: "Total number of device-linking state transitions, by target state",
			},
			[]string{"service", "state"},
		),

		RelayOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_operations_total",
				Help: "Total number of relay operations, by operation and status",
			},
			[]string{"service", "operation", "status"},
		),
		RelayOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_operation_duration_seconds",
				Help:    "Relay operation duration in seconds",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"service", "operation"},
		),

		TxQueuePending:   prometheus.NewGauge(prometheus.GaugeOpts{Name: "txqueue_pending", Help: "Pending jobs in the transaction queue"}),
		TxQueueCompleted: prometheus.NewGauge(prometheus.GaugeOpts{Name: "txqueue_completed", Help: "Completed jobs observed by the transaction queue"}),
		TxQueueFailed:    prometheus.NewGauge(prometheus.GaugeOpts{Name: "txqueue_failed", Help: "Failed jobs observed by the transaction queue"}),

		ShamirRotationsTotal: prometheus.NewCounter(prometheus.CounterOpts{Name: "shamir_rotations_total", Help: "Total number of Shamir server-key rotations"}),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.OrchestratorPhaseTotal,
			m.OrchestratorPhaseDuration,
			m.DeviceLinkTransitionsTotal,
			m.RelayOperationsTotal,
			m.RelayOperationDuration,
			m.TxQueuePending,
			m.TxQueueCompleted,
			m.TxQueueFailed,
			m.ShamirRotationsTotal,
		)
	}

	return m
}

// RecordOrchestratorPhase records one phase's outcome and duration.
func (m *Metrics) RecordOrchestratorPhase(service, phase, status string, d time.Duration) {
	m.OrchestratorPhaseTotal.WithLabelValues(service, phase, status).Inc()
	m.OrchestratorPhaseDuration.WithLabelValues(service, phase).Observe(d.Seconds())
}

// RecordDeviceLinkTransition records entry into a device-linking state.
func (m *Metrics) RecordDeviceLinkTransition(service, state string) {
	m.DeviceLinkTransitionsTotal.WithLabelValues(service, state).Inc()
}

// RecordRelayOperation records a relay operation's outcome and duration.
func (m *Metrics) RecordRelayOperation(service, operation, status string, d time.Duration) {
	m.RelayOperationsTotal.WithLabelValues(service, operation, status).Inc()
	m.RelayOperationDuration.WithLabelValues(service, operation).Observe(d.Seconds())
}

// SetTxQueueStats reflects a txqueue.Stats snapshot onto the gauges.
func (m *Metrics) SetTxQueueStats(pending, completed, failed int64) {
	m.TxQueuePending.Set(float64(pending))
	m.TxQueueCompleted.Set(float64(completed))
	m.TxQueueFailed.Set(float64(failed))
}

// RecordShamirRotation records one completed key rotation.
func (m *Metrics) RecordShamirRotation() {
	m.ShamirRotationsTotal.Inc()
}
