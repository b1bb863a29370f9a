// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// InboundMessagesTotal counts webhook messages by channel and outcome
	// (accepted, duplicate, ignored, rejected, error).
	InboundMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_inbound_messages_total",
			Help: "Inbound channel messages by result",
		},
		[]string{"channel", "result"},
	)

	// EscalationsTotal counts escalations opened.
	EscalationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_escalations_total",
			Help: "Escalations opened by priority and trigger",
		},
		[]string{"priority", "trigger"},
	)

	// WorkflowActionsTotal counts escalation workflow actions by result code.
	WorkflowActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_workflow_actions_total",
			Help: "Escalation workflow actions by result code",
		},
		[]string{"action", "code"},
	)

	// TimeToAccept tracks the delay between escalation and acceptance.
	TimeToAccept = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "router_escalation_time_to_accept_seconds",
			Help:    "Seconds from escalation to acceptance",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
	)

	// CapacityClaimsTotal counts presence capacity claims.
	CapacityClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_capacity_claims_total",
			Help: "Capacity claim attempts by result",
		},
		[]string{"result"},
	)

	// SweptTotal counts conversations closed by the abandonment sweep.
	SweptTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_swept_total",
			Help: "Conversations abandoned by the sweep",
		},
		[]string{"reason"},
	)

	// AgentRunDuration tracks automated agent turn duration.
	AgentRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agent_run_duration_seconds",
			Help:    "Automated agent turn duration",
			Buckets: []float64{.5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
		[]string{"model", "status"},
	)

	// AgentQueueDepth tracks queued automated agent turns.
	AgentQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agent_queue_depth",
			Help: "Automated agent turns waiting for a worker",
		},
	)

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// EventsPublishedTotal counts fan-out events by type and result.
	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_events_published_total",
			Help: "Routing events published",
		},
		[]string{"type", "result"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordInbound records one inbound message outcome.
func RecordInbound(channel, result string) {
	InboundMessagesTotal.WithLabelValues(channel, result).Inc()
}

// RecordEscalation records an opened escalation.
func RecordEscalation(priority, trigger string) {
	EscalationsTotal.WithLabelValues(priority, trigger).Inc()
}

// RecordWorkflowAction records a workflow action result.
func RecordWorkflowAction(action, code string) {
	if code == "" {
		code = "ok"
	}
	WorkflowActionsTotal.WithLabelValues(action, code).Inc()
}

// RecordCapacityClaim records a TryClaim result.
func RecordCapacityClaim(ok bool) {
	result := "denied"
	if ok {
		result = "granted"
	}
	CapacityClaimsTotal.WithLabelValues(result).Inc()
}

// RecordAgentRun records an automated agent turn.
func RecordAgentRun(model, status string, duration float64) {
	AgentRunDuration.WithLabelValues(model, status).Observe(duration)
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
