package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all custom Prometheus metrics for the orchestrator
type Metrics struct {
	// Turn metrics
	Turns        prometheus.Counter
	TurnDuration prometheus.Histogram
	TurnErrors   *prometheus.CounterVec

	// Side-effect delivery metrics
	ArtifactUploads *prometheus.CounterVec
	RelayFailures   *prometheus.CounterVec

	// Session registry reference for dynamic state gauges
	registry *SessionRegistry
}

var globalMetrics *Metrics

// InitMetrics initializes the Prometheus metrics
func InitMetrics(registry *SessionRegistry) *Metrics {
	metrics := &Metrics{
		registry: registry,

		// Processed message turns (counter - only goes up)
		Turns: promauto.NewCounter(prometheus.CounterOpts{
			Name: "professor_lock_turns_total",
			Help: "Total number of user message turns processed",
		}),

		// Turn latency histogram
		TurnDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "professor_lock_turn_duration_seconds",
			Help:    "Agent turn latency in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600}, // research turns can run for minutes
		}),

		// Turn errors by type
		TurnErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "professor_lock_turn_errors_total",
			Help: "Total number of turn errors by type",
		}, []string{"error_type"}), // "agent_create", "agent_run"

		// Artifact uploads by outcome
		ArtifactUploads: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "professor_lock_artifact_uploads_total",
			Help: "Total number of artifact uploads by outcome",
		}, []string{"outcome"}), // "ok" or "error"

		// Relay delivery failures by endpoint
		RelayFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "professor_lock_relay_failures_total",
			Help: "Total number of failed posts to the web app by endpoint",
		}, []string{"endpoint"}), // "events" or "message"
	}

	// Session counts come straight from the registry so the gauges can
	// never drift from the real map contents.
	for _, state := range []SessionState{StateCreated, StateRunning, StateTerminated} {
		state := state
		prometheus.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name:        "professor_lock_sessions",
				Help:        "Number of registered sessions by state",
				ConstLabels: prometheus.Labels{"state": state.String()},
			},
			func() float64 {
				if registry != nil {
					return float64(registry.CountByState(state))
				}
				return 0
			},
		))
	}

	globalMetrics = metrics
	return metrics
}

// GetMetrics returns the global metrics instance (nil when InitMetrics has
// not run, e.g. in tests)
func GetMetrics() *Metrics {
	return globalMetrics
}

// RecordTurn records one processed message turn
func (m *Metrics) RecordTurn(seconds float64) {
	if m == nil {
		return
	}
	m.Turns.Inc()
	m.TurnDuration.Observe(seconds)
}

// RecordTurnError records a turn error
func (m *Metrics) RecordTurnError(errorType string) {
	if m == nil {
		return
	}
	m.TurnErrors.WithLabelValues(errorType).Inc()
}

// RecordArtifactUpload records one artifact upload attempt
func (m *Metrics) RecordArtifactUpload(outcome string) {
	if m == nil {
		return
	}
	m.ArtifactUploads.WithLabelValues(outcome).Inc()
}

// RecordRelayFailure records a failed post to the web app
func (m *Metrics) RecordRelayFailure(endpoint string) {
	if m == nil {
		return
	}
	m.RelayFailures.WithLabelValues(endpoint).Inc()
}
