// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and instrumentation for the orchestrator.
//
// # Description
//
// This package implements Prometheus metrics for monitoring the answer
// pipeline and its delivery surfaces. Metrics cover:
//   - Request counters (by endpoint, status, error type)
//   - Token usage (input/output tokens by model)
//   - Latency histograms (time to first token, total duration)
//   - Active stream gauges
//   - Pipeline stage timings, router decisions, quality verdicts,
//     retrieval quality, and escalations
//
// # Integration
//
// Metrics are exposed via /metrics endpoint. Use with Prometheus + Grafana
// for dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "rulebook"

// Subsystem for streaming metrics
const streamingSubsystem = "streaming"

// Subsystem for pipeline metrics
const pipelineSubsystem = "pipeline"

// StreamingMetrics holds all Prometheus metrics for streaming answer delivery.
//
// # Description
//
// Provides counters, histograms, and gauges for monitoring streaming performance
// and resource usage. Initialize once at startup via InitMetrics().
//
// # Fields
//
//   - RequestsTotal: Counter of requests by endpoint and status
//   - TokensTotal: Counter of tokens processed (input/output by model)
//   - TimeToFirstTokenSeconds: Histogram of time to first token
//   - StreamDurationSeconds: Histogram of total stream duration
//   - ActiveStreams: Gauge of currently active streams
//   - ErrorsTotal: Counter of errors by type and endpoint
//
// # Thread Safety
//
// All operations are thread-safe.
type StreamingMetrics struct {
	// RequestsTotal counts requests by endpoint and status.
	// Labels: endpoint (ask, stream, websocket), status (success, error)
	RequestsTotal *prometheus.CounterVec

	// TokensTotal counts tokens processed by direction and model.
	// Labels: direction (input, output), model
	TokensTotal *prometheus.CounterVec

	// TimeToFirstTokenSeconds measures latency to first token.
	// Labels: endpoint (stream, websocket)
	TimeToFirstTokenSeconds *prometheus.HistogramVec

	// StreamDurationSeconds measures total stream duration.
	// Labels: endpoint (stream, websocket), status (success, error)
	StreamDurationSeconds *prometheus.HistogramVec

	// ActiveStreams tracks currently active streaming connections.
	// Labels: endpoint (stream, websocket)
	ActiveStreams *prometheus.GaugeVec

	// ErrorsTotal counts errors by type and endpoint.
	// Labels: endpoint, error_code (validation, llm_error, timeout, etc.)
	ErrorsTotal *prometheus.CounterVec

	// KeepAlivesTotal counts keepalive pings sent.
	// Labels: endpoint
	KeepAlivesTotal *prometheus.CounterVec

	// ClientDisconnectsTotal counts client disconnections during streaming.
	// Labels: endpoint
	ClientDisconnectsTotal *prometheus.CounterVec
}

// PipelineMetrics holds all Prometheus metrics for the answer pipeline.
//
// # Description
//
// Tracks what the pipeline decided and how long each stage took, labeled
// so dashboards can separate routing behavior (how often the gray zone
// triggers expansion or research) from stage health (which dependency is
// failing and with what error). Initialize once at startup via
// InitMetrics().
//
// # Thread Safety
//
// All operations are thread-safe.
type PipelineMetrics struct {
	// StageDurationSeconds measures wall time per pipeline stage.
	// Labels: stage (classifier, retriever, ...)
	StageDurationSeconds *prometheus.HistogramVec

	// StageErrorsTotal counts degraded stages by error category. Stages
	// absorb dependency failures, so these count degradations rather
	// than failed turns.
	// Labels: stage, error_code
	StageErrorsTotal *prometheus.CounterVec

	// RouterDecisionsTotal counts where the router sent each turn.
	// Labels: decision (synthesizer, researcher, retrieval_expander, escalate)
	RouterDecisionsTotal *prometheus.CounterVec

	// QualityVerdictsTotal counts quality gate outcomes.
	// Labels: verdict (passed, failed, auto_pass, fail_open, disabled)
	QualityVerdictsTotal *prometheus.CounterVec

	// EscalationsTotal counts escalated turns by topic and urgency.
	// Labels: domain, urgency
	EscalationsTotal *prometheus.CounterVec

	// RetrievalDocuments observes the deduplicated document count per
	// retrieval pass.
	// Labels: phase (initial, expanded)
	RetrievalDocuments *prometheus.HistogramVec

	// RetrievalConfidence observes the top-document score per retrieval
	// pass.
	// Labels: phase (initial, expanded)
	RetrievalConfidence *prometheus.HistogramVec

	// TurnsTotal counts completed turns by outcome.
	// Labels: outcome (answered, escalated, cancelled)
	TurnsTotal *prometheus.CounterVec

	// TurnDurationSeconds measures end-to-end turn latency.
	// Labels: outcome
	TurnDurationSeconds *prometheus.HistogramVec

	// StreamEventsTotal counts events emitted to streaming clients.
	// Labels: type (text-delta, citations, escalation, done, error)
	StreamEventsTotal *prometheus.CounterVec
}

// DefaultMetrics is the singleton instance of StreamingMetrics.
// Initialized by InitMetrics().
var DefaultMetrics *StreamingMetrics

// DefaultPipeline is the singleton instance of PipelineMetrics.
// Initialized by InitMetrics().
var DefaultPipeline *PipelineMetrics

// InitMetrics initializes the default metrics instances.
//
// # Description
//
// Creates and registers all Prometheus metrics, both the streaming
// delivery set and the pipeline set. Should be called once at
// application startup, after Prometheus registry is available.
//
// # Outputs
//
//   - *StreamingMetrics: The initialized streaming metrics instance.
//     DefaultPipeline is populated as a side effect.
//
// # Examples
//
//	func main() {
//	    observability.InitMetrics()
//	    // ... start server ...
//	}
//
// # Limitations
//
//   - Panics if called twice (duplicate registration).
//
// # Assumptions
//
//   - Prometheus default registry is available.
func InitMetrics() *StreamingMetrics {
	DefaultMetrics = &StreamingMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "requests_total",
				Help:      "Total number of requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),

		TokensTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "tokens_total",
				Help:      "Total tokens processed by direction and model",
			},
			[]string{"direction", "model"},
		),

		TimeToFirstTokenSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "time_to_first_token_seconds",
				Help:      "Time from request to first token in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"endpoint"},
		),

		StreamDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total stream duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"endpoint", "status"},
		),

		ActiveStreams: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "active_streams",
				Help:      "Number of currently active streaming connections",
			},
			[]string{"endpoint"},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "errors_total",
				Help:      "Total streaming errors by type and endpoint",
			},
			[]string{"endpoint", "error_code"},
		),

		KeepAlivesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "keepalives_total",
				Help:      "Total keepalive pings sent",
			},
			[]string{"endpoint"},
		),

		ClientDisconnectsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total client disconnections during streaming",
			},
			[]string{"endpoint"},
		),
	}

	DefaultPipeline = &PipelineMetrics{
		StageDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "stage_duration_seconds",
				Help:      "Wall time per pipeline stage",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"stage"},
		),

		StageErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "stage_errors_total",
				Help:      "Degraded pipeline stages by error category",
			},
			[]string{"stage", "error_code"},
		),

		RouterDecisionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "router_decisions_total",
				Help:      "Routing decisions after each retrieval pass",
			},
			[]string{"decision"},
		),

		QualityVerdictsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "quality_verdicts_total",
				Help:      "Quality gate outcomes",
			},
			[]string{"verdict"},
		),

		EscalationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "escalations_total",
				Help:      "Escalated turns by topic domain and urgency",
			},
			[]string{"domain", "urgency"},
		),

		RetrievalDocuments: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "retrieval_documents",
				Help:      "Deduplicated document count per retrieval pass",
				Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21},
			},
			[]string{"phase"},
		),

		RetrievalConfidence: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "retrieval_confidence",
				Help:      "Top-document score per retrieval pass",
				Buckets:   prometheus.LinearBuckets(0.1, 0.1, 9),
			},
			[]string{"phase"},
		),

		TurnsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "turns_total",
				Help:      "Completed pipeline turns by outcome",
			},
			[]string{"outcome"},
		),

		TurnDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "turn_duration_seconds",
				Help:      "End-to-end turn latency",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"outcome"},
		),

		StreamEventsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "stream_events_total",
				Help:      "Events emitted to streaming clients by type",
			},
			[]string{"type"},
		),
	}

	return DefaultMetrics
}

// =============================================================================
// Error Codes
// =============================================================================

// ErrorCode represents a categorized error type for metrics.
type ErrorCode string

const (
	// ErrorCodeValidation indicates request validation failure.
	ErrorCodeValidation ErrorCode = "validation"

	// ErrorCodeLLMError indicates LLM API failure.
	ErrorCodeLLMError ErrorCode = "llm_error"

	// ErrorCodeTimeout indicates operation timeout.
	ErrorCodeTimeout ErrorCode = "timeout"

	// ErrorCodeRetrieval indicates document retrieval failure.
	ErrorCodeRetrieval ErrorCode = "retrieval_error"

	// ErrorCodeCircuitOpen indicates a call rejected by an open circuit breaker.
	ErrorCodeCircuitOpen ErrorCode = "circuit_open"

	// ErrorCodeParse indicates an unparsable model response.
	ErrorCodeParse ErrorCode = "parse_error"

	// ErrorCodeInternal indicates internal server error.
	ErrorCodeInternal ErrorCode = "internal"

	// ErrorCodeClientDisconnect indicates client disconnected.
	ErrorCodeClientDisconnect ErrorCode = "client_disconnect"
)

// =============================================================================
// Endpoint Names
// =============================================================================

// Endpoint represents a delivery endpoint for metrics labeling.
type Endpoint string

const (
	// EndpointAsk is the blocking question endpoint.
	EndpointAsk Endpoint = "ask"

	// EndpointStream is the SSE streaming endpoint.
	EndpointStream Endpoint = "stream"

	// EndpointWebSocket is the bidirectional chat endpoint.
	EndpointWebSocket Endpoint = "websocket"
)

// =============================================================================
// Streaming Helper Methods
// =============================================================================

// RecordRequest records a completed request.
//
// # Inputs
//
//   - endpoint: The endpoint that handled the request.
//   - success: Whether the request completed successfully.
func (m *StreamingMetrics) RecordRequest(endpoint Endpoint, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.RequestsTotal.WithLabelValues(string(endpoint), status).Inc()
}

// RecordError records a delivery error.
//
// # Inputs
//
//   - endpoint: The endpoint where the error occurred.
//   - code: The error type code.
func (m *StreamingMetrics) RecordError(endpoint Endpoint, code ErrorCode) {
	m.ErrorsTotal.WithLabelValues(string(endpoint), string(code)).Inc()
}

// RecordTokens records token usage.
//
// # Inputs
//
//   - inputTokens: Number of input tokens.
//   - outputTokens: Number of output tokens.
//   - model: The model used.
func (m *StreamingMetrics) RecordTokens(inputTokens, outputTokens int, model string) {
	m.TokensTotal.WithLabelValues("input", model).Add(float64(inputTokens))
	m.TokensTotal.WithLabelValues("output", model).Add(float64(outputTokens))
}

// StreamStarted increments the active streams gauge.
//
// # Inputs
//
//   - endpoint: The endpoint handling the stream.
func (m *StreamingMetrics) StreamStarted(endpoint Endpoint) {
	m.ActiveStreams.WithLabelValues(string(endpoint)).Inc()
}

// StreamEnded decrements the active streams gauge.
//
// # Inputs
//
//   - endpoint: The endpoint that handled the stream.
func (m *StreamingMetrics) StreamEnded(endpoint Endpoint) {
	m.ActiveStreams.WithLabelValues(string(endpoint)).Dec()
}

// RecordTimeToFirstToken records the time to first token latency.
//
// # Inputs
//
//   - endpoint: The endpoint handling the stream.
//   - seconds: Time to first token in seconds.
func (m *StreamingMetrics) RecordTimeToFirstToken(endpoint Endpoint, seconds float64) {
	m.TimeToFirstTokenSeconds.WithLabelValues(string(endpoint)).Observe(seconds)
}

// RecordStreamDuration records the total stream duration.
//
// # Inputs
//
//   - endpoint: The endpoint that handled the stream.
//   - seconds: Total duration in seconds.
//   - success: Whether the stream completed successfully.
func (m *StreamingMetrics) RecordStreamDuration(endpoint Endpoint, seconds float64, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.StreamDurationSeconds.WithLabelValues(string(endpoint), status).Observe(seconds)
}

// RecordKeepAlive increments the keepalive counter.
//
// # Inputs
//
//   - endpoint: The endpoint that sent the keepalive.
func (m *StreamingMetrics) RecordKeepAlive(endpoint Endpoint) {
	m.KeepAlivesTotal.WithLabelValues(string(endpoint)).Inc()
}

// RecordClientDisconnect increments the client disconnect counter.
//
// # Inputs
//
//   - endpoint: The endpoint where disconnect occurred.
func (m *StreamingMetrics) RecordClientDisconnect(endpoint Endpoint) {
	m.ClientDisconnectsTotal.WithLabelValues(string(endpoint)).Inc()
}

// =============================================================================
// Pipeline Helper Methods
// =============================================================================

// RecordStage records the wall time of a completed pipeline stage.
func (m *PipelineMetrics) RecordStage(stage string, seconds float64) {
	m.StageDurationSeconds.WithLabelValues(stage).Observe(seconds)
}

// RecordStageError records a stage that degraded on a dependency failure.
func (m *PipelineMetrics) RecordStageError(stage string, code ErrorCode) {
	m.StageErrorsTotal.WithLabelValues(stage, string(code)).Inc()
}

// RecordRouterDecision records where the router sent a turn.
func (m *PipelineMetrics) RecordRouterDecision(decision string) {
	m.RouterDecisionsTotal.WithLabelValues(decision).Inc()
}

// RecordQualityVerdict records a quality gate outcome.
func (m *PipelineMetrics) RecordQualityVerdict(verdict string) {
	m.QualityVerdictsTotal.WithLabelValues(verdict).Inc()
}

// RecordEscalation records an escalated turn.
func (m *PipelineMetrics) RecordEscalation(domain, urgency string) {
	m.EscalationsTotal.WithLabelValues(domain, urgency).Inc()
}

// RecordRetrieval records the outcome of one retrieval pass.
//
// # Inputs
//
//   - phase: "initial" for the first pass, "expanded" after query expansion.
//   - documents: Deduplicated document count.
//   - confidence: Score of the best-matching document, 0 when none.
func (m *PipelineMetrics) RecordRetrieval(phase string, documents int, confidence float64) {
	m.RetrievalDocuments.WithLabelValues(phase).Observe(float64(documents))
	m.RetrievalConfidence.WithLabelValues(phase).Observe(confidence)
}

// RecordTurn records a completed pipeline turn.
func (m *PipelineMetrics) RecordTurn(outcome string, seconds float64) {
	m.TurnsTotal.WithLabelValues(outcome).Inc()
	m.TurnDurationSeconds.WithLabelValues(outcome).Observe(seconds)
}

// RecordStreamEvent records an event emitted to a streaming client.
func (m *PipelineMetrics) RecordStreamEvent(eventType string) {
	m.StreamEventsTotal.WithLabelValues(eventType).Inc()
}
