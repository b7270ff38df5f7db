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
// This package implements Prometheus metrics for monitoring the streaming
// chat endpoint. Metrics include:
//   - Request and error counters
//   - Token and cost counters
//   - Latency histograms (time to first frame, total duration)
//   - An active stream gauge
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint. Use with Prometheus +
// Grafana for dashboards and alerting.
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
const metricsNamespace = "aleutian"

// Subsystem for streaming chat metrics
const streamingSubsystem = "chat_stream"

// StreamingMetrics holds all Prometheus metrics for streaming chat operations.
//
// # Description
//
// Provides counters, histograms, and gauges for monitoring streaming
// performance and resource usage. Create once at startup via
// NewStreamingMetrics.
//
// # Thread Safety
//
// All operations are thread-safe. A nil *StreamingMetrics is valid and
// records nothing.
type StreamingMetrics struct {
	// RequestsTotal counts requests by status (success, error).
	RequestsTotal *prometheus.CounterVec

	// TokensTotal counts tokens by direction (input, output) and model.
	TokensTotal *prometheus.CounterVec

	// CostTotal sums the reported cost of answers by model.
	CostTotal *prometheus.CounterVec

	// TimeToFirstFrameSeconds measures latency from request to the first
	// text frame. Dominated by the agent loop.
	TimeToFirstFrameSeconds prometheus.Histogram

	// StreamDurationSeconds measures total stream duration by status.
	StreamDurationSeconds *prometheus.HistogramVec

	// AgentStepsTotal counts model calls made by the agent loop.
	AgentStepsTotal prometheus.Counter

	// ActiveStreams tracks currently open streams.
	ActiveStreams prometheus.Gauge

	// ErrorsTotal counts errors by error_code.
	ErrorsTotal *prometheus.CounterVec

	// KeepAlivesTotal counts keepalive pings sent.
	KeepAlivesTotal prometheus.Counter

	// ClientDisconnectsTotal counts clients that went away mid-stream.
	ClientDisconnectsTotal prometheus.Counter
}

// NewStreamingMetrics creates and registers all streaming metrics.
//
// # Inputs
//
//   - reg: Registry to register with. prometheus.DefaultRegisterer in
//     production, a fresh prometheus.NewRegistry() in tests.
//
// # Outputs
//
//   - *StreamingMetrics: The initialized metrics instance.
//
// # Limitations
//
//   - Panics if called twice with the same registry (duplicate registration).
func NewStreamingMetrics(reg prometheus.Registerer) *StreamingMetrics {
	factory := promauto.With(reg)

	return &StreamingMetrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "requests_total",
				Help:      "Total number of streaming chat requests by status",
			},
			[]string{"status"},
		),

		TokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "tokens_total",
				Help:      "Total tokens processed by direction and model",
			},
			[]string{"direction", "model"},
		),

		CostTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "cost_total",
				Help:      "Total reported answer cost by model",
			},
			[]string{"model"},
		),

		TimeToFirstFrameSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "time_to_first_frame_seconds",
				Help:      "Time from request to first text frame in seconds",
				Buckets:   []float64{0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0, 120.0},
			},
		),

		StreamDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total stream duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"status"},
		),

		AgentStepsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "agent_steps_total",
				Help:      "Total model calls made while answering",
			},
		),

		ActiveStreams: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "active_streams",
				Help:      "Number of currently active streams",
			},
		),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "errors_total",
				Help:      "Total streaming errors by type",
			},
			[]string{"error_code"},
		),

		KeepAlivesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "keepalives_total",
				Help:      "Total keepalive pings sent",
			},
		),

		ClientDisconnectsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total client disconnections during streaming",
			},
		),
	}
}

// =============================================================================
// Error Codes
// =============================================================================

// ErrorCode represents a categorized error type for metrics.
type ErrorCode string

const (
	// ErrorCodeValidation indicates request validation failure.
	ErrorCodeValidation ErrorCode = "validation"

	// ErrorCodeAgentError indicates the agent loop failed, usually the model.
	ErrorCodeAgentError ErrorCode = "agent_error"

	// ErrorCodeStepBudget indicates the agent ran out of tool steps.
	ErrorCodeStepBudget ErrorCode = "step_budget"

	// ErrorCodeTimeout indicates the request deadline passed.
	ErrorCodeTimeout ErrorCode = "timeout"

	// ErrorCodeInternal indicates internal server error.
	ErrorCodeInternal ErrorCode = "internal"

	// ErrorCodeClientDisconnect indicates client disconnected.
	ErrorCodeClientDisconnect ErrorCode = "client_disconnect"
)

// =============================================================================
// Helper Methods
// =============================================================================

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordRequest records a completed streaming request.
func (m *StreamingMetrics) RecordRequest(success bool) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(statusLabel(success)).Inc()
}

// RecordError records a streaming error.
func (m *StreamingMetrics) RecordError(code ErrorCode) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(string(code)).Inc()
}

// RecordUsage records token usage and cost of one answer.
//
// # Inputs
//
//   - inputTokens: Prompt tokens summed over the agent's model calls.
//   - outputTokens: Completion tokens summed over the agent's model calls.
//   - cost: Cost reported to the client.
//   - model: The model used.
func (m *StreamingMetrics) RecordUsage(inputTokens, outputTokens int, cost float64, model string) {
	if m == nil {
		return
	}
	m.TokensTotal.WithLabelValues("input", model).Add(float64(inputTokens))
	m.TokensTotal.WithLabelValues("output", model).Add(float64(outputTokens))
	if cost > 0 {
		m.CostTotal.WithLabelValues(model).Add(cost)
	}
}

// RecordAgentSteps adds the model calls of one run.
func (m *StreamingMetrics) RecordAgentSteps(steps int) {
	if m == nil || steps <= 0 {
		return
	}
	m.AgentStepsTotal.Add(float64(steps))
}

// StreamStarted increments the active streams gauge.
func (m *StreamingMetrics) StreamStarted() {
	if m == nil {
		return
	}
	m.ActiveStreams.Inc()
}

// StreamEnded decrements the active streams gauge.
func (m *StreamingMetrics) StreamEnded() {
	if m == nil {
		return
	}
	m.ActiveStreams.Dec()
}

// RecordTimeToFirstFrame records the time to first text frame.
func (m *StreamingMetrics) RecordTimeToFirstFrame(seconds float64) {
	if m == nil {
		return
	}
	m.TimeToFirstFrameSeconds.Observe(seconds)
}

// RecordStreamDuration records the total stream duration.
//
// # Inputs
//
//   - seconds: Total duration in seconds.
//   - success: Whether the stream completed successfully.
func (m *StreamingMetrics) RecordStreamDuration(seconds float64, success bool) {
	if m == nil {
		return
	}
	m.StreamDurationSeconds.WithLabelValues(statusLabel(success)).Observe(seconds)
}

// RecordKeepAlive increments the keepalive counter.
func (m *StreamingMetrics) RecordKeepAlive() {
	if m == nil {
		return
	}
	m.KeepAlivesTotal.Inc()
}

// RecordClientDisconnect increments the client disconnect counter.
func (m *StreamingMetrics) RecordClientDisconnect() {
	if m == nil {
		return
	}
	m.ClientDisconnectsTotal.Inc()
}
