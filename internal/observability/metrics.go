package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the bridge.
//
// A nil *Metrics is valid and records nothing, which keeps tests and tools
// that do not expose /metrics free of registration side effects.
type Metrics struct {
	// ActiveSessions is the number of bridged calls in progress.
	ActiveSessions prometheus.Gauge

	// SessionDuration measures call lifetime in seconds.
	// Labels: end_reason
	SessionDuration *prometheus.HistogramVec

	// SessionStates counts session state transitions.
	// Labels: state (started|routed|bridged|ended)
	SessionStates *prometheus.CounterVec

	// AudioFrames counts relayed audio frames.
	// Labels: direction (inbound|outbound)
	AudioFrames *prometheus.CounterVec

	// CodecErrors counts payloads passed through untranscoded.
	// Labels: direction
	CodecErrors *prometheus.CounterVec

	// RoutingDecisions counts routing outcomes.
	// Labels: action, method
	RoutingDecisions *prometheus.CounterVec

	// FunctionCalls counts function executions.
	// Labels: function, status (success|error)
	FunctionCalls *prometheus.CounterVec

	// FunctionDuration measures function execution time in seconds.
	// Labels: function
	FunctionDuration *prometheus.HistogramVec

	// HandshakeDuration measures time from dial to the model being ready.
	HandshakeDuration prometheus.Histogram

	// Errors counts errors by component and type.
	Errors *prometheus.CounterVec

	// Webhooks counts telephony webhooks by endpoint and status code.
	Webhooks *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors with reg.
// Pass prometheus.DefaultRegisterer in production.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "callbridge_active_sessions",
			Help: "Current number of bridged calls",
		}),
		SessionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "callbridge_session_duration_seconds",
				Help:    "Duration of bridged calls in seconds",
				Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"end_reason"},
		),
		SessionStates: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callbridge_session_transitions_total",
				Help: "Session state transitions by target state",
			},
			[]string{"state"},
		),
		AudioFrames: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callbridge_audio_frames_total",
				Help: "Audio frames relayed by direction",
			},
			[]string{"direction"},
		),
		CodecErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callbridge_codec_errors_total",
				Help: "Audio payloads passed through without transcoding",
			},
			[]string{"direction"},
		),
		RoutingDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callbridge_routing_decisions_total",
				Help: "Routing decisions by action and method",
			},
			[]string{"action", "method"},
		),
		FunctionCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callbridge_function_calls_total",
				Help: "Function executions by name and status",
			},
			[]string{"function", "status"},
		),
		FunctionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "callbridge_function_duration_seconds",
				Help:    "Duration of function executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"function"},
		),
		HandshakeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "callbridge_model_handshake_seconds",
			Help:    "Time from dialing the conversation stream to ready",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		Errors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callbridge_errors_total",
				Help: "Errors by component and type",
			},
			[]string{"component", "error_type"},
		),
		Webhooks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callbridge_webhooks_total",
				Help: "Telephony webhooks by endpoint and status code",
			},
			[]string{"endpoint", "status_code"},
		),
	}
}

// SessionStarted increments the active session gauge.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
	m.SessionStates.WithLabelValues("started").Inc()
}

// SessionTransition counts a transition into state.
func (m *Metrics) SessionTransition(state string) {
	if m == nil {
		return
	}
	m.SessionStates.WithLabelValues(state).Inc()
}

// SessionEnded decrements the active session gauge and records the duration.
func (m *Metrics) SessionEnded(reason string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionStates.WithLabelValues("ended").Inc()
	m.SessionDuration.WithLabelValues(reason).Observe(durationSeconds)
}

// AudioFrame counts one relayed frame.
func (m *Metrics) AudioFrame(direction string) {
	if m == nil {
		return
	}
	m.AudioFrames.WithLabelValues(direction).Inc()
}

// CodecError counts one passthrough payload.
func (m *Metrics) CodecError(direction string) {
	if m == nil {
		return
	}
	m.CodecErrors.WithLabelValues(direction).Inc()
}

// RecordRouting counts one routing decision.
func (m *Metrics) RecordRouting(action, method string) {
	if m == nil {
		return
	}
	m.RoutingDecisions.WithLabelValues(action, method).Inc()
}

// RecordFunction records a function execution.
func (m *Metrics) RecordFunction(name, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.FunctionCalls.WithLabelValues(name, status).Inc()
	m.FunctionDuration.WithLabelValues(name).Observe(durationSeconds)
}

// RecordHandshake records the time the model took to become ready.
func (m *Metrics) RecordHandshake(durationSeconds float64) {
	if m == nil {
		return
	}
	m.HandshakeDuration.Observe(durationSeconds)
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(component, errorType string) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(component, errorType).Inc()
}

// RecordWebhook counts one telephony webhook response.
func (m *Metrics) RecordWebhook(endpoint, statusCode string) {
	if m == nil {
		return
	}
	m.Webhooks.WithLabelValues(endpoint, statusCode).Inc()
}
