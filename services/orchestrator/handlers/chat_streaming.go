// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the orchestrator's HTTP handlers.
//
// # Streaming Flow
//
// POST /v1/chat/stream runs the agent to completion and then streams the
// finished answer as text frames:
//
//	request -> validate -> headers -> agent.Run -> text frames -> usage -> [DONE]
//	                          |            |
//	                          |            +-> error frame -> [DONE]
//	                          +-> 400 + error frame -> [DONE]
//
// Keepalive comments are sent while the agent works so proxies do not
// close an idle connection.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianChat/pkg/protocol"
	"github.com/AleutianAI/AleutianChat/services/agent"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/config"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/telemetry"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// invalidRequestMessage is the only detail a client gets about a
	// rejected body.
	invalidRequestMessage = "invalid request"

	// agentFailureMessage replaces agent errors in error frames.
	agentFailureMessage = "the assistant failed to produce an answer"

	// agentTimeoutMessage is sent when the request deadline passes.
	agentTimeoutMessage = "the assistant took too long to answer"
)

// =============================================================================
// Interfaces
// =============================================================================

// Runner produces the final answer for a conversation.
//
// *agent.Loop implements Runner. Tests substitute stubs.
type Runner interface {
	Run(ctx context.Context, turns []protocol.ChatMessage, opts ...agent.RunOption) (*agent.Result, error)
}

// StreamingChatHandler defines the interface for streaming chat handlers.
type StreamingChatHandler interface {
	// HandleChatStream processes chat requests with SSE streaming.
	//
	// # Description
	//
	// Handles POST /v1/chat/stream. Validates the body, runs the agent,
	// and streams the answer.
	//
	// # Inputs
	//
	//   - c: Gin context containing the HTTP request.
	//
	// # Outputs
	//
	// SSE stream of frames:
	//   - data: "<text chunk>"                   (repeated)
	//   - event: usage / data: {...}             (when usage is known)
	//   - event: error / data: {"kind",...}      (instead of text on failure)
	//   - data: [DONE]                           (always last)
	//
	// HTTP Status:
	//   - 400 Bad Request: Malformed or invalid body, still SSE-framed
	//   - 200 OK: Everything else, including agent failures
	HandleChatStream(c *gin.Context)
}

// =============================================================================
// Struct Definition
// =============================================================================

// streamingChatHandler implements StreamingChatHandler.
//
// # Fields
//
//   - runner: The agent loop.
//   - config: Source of the per-request configuration snapshot.
//   - metrics: Prometheus metrics. May be nil.
//   - model: Model name for metric labels.
//   - tracer: OpenTelemetry tracer.
//
// # Thread Safety
//
// Thread-safe. All fields are read-only after construction.
// No shared mutable state between requests.
type streamingChatHandler struct {
	runner  Runner
	config  config.Provider
	metrics *observability.StreamingMetrics
	model   string
	tracer  trace.Tracer
}

// NewStreamingChatHandler creates a new streaming chat handler.
//
// # Inputs
//
//   - runner: The agent loop. Must not be nil.
//   - provider: Configuration snapshots. Must not be nil.
//   - metrics: Streaming metrics. May be nil.
//   - model: Model name used in metric labels.
//
// # Outputs
//
//   - StreamingChatHandler: Ready for use.
//
// # Limitations
//
//   - Panics if runner or provider is nil.
func NewStreamingChatHandler(
	runner Runner,
	provider config.Provider,
	metrics *observability.StreamingMetrics,
	model string,
) StreamingChatHandler {
	if runner == nil {
		panic("NewStreamingChatHandler: runner must not be nil")
	}
	if provider == nil {
		panic("NewStreamingChatHandler: provider must not be nil")
	}
	return &streamingChatHandler{
		runner:  runner,
		config:  provider,
		metrics: metrics,
		model:   model,
		tracer:  otel.Tracer("aleutian.orchestrator.handlers"),
	}
}

// =============================================================================
// Handler Methods
// =============================================================================

// HandleChatStream processes chat requests with SSE streaming.
//
// # Description
//
// The flow is:
//  1. Limit and parse the request body
//  2. Validate it; on failure answer 400 with one error frame and [DONE]
//  3. Take a configuration snapshot and set SSE headers
//  4. Start the heartbeat and run the agent under the request deadline
//  5. Stream the answer as text frames, then usage, then [DONE]
//
// The body is fully validated before the agent is invoked, so a rejected
// request never reaches the model.
//
// # Inputs
//
//   - c: Gin context containing the HTTP request.
//
// # Security References
//
//   - Agent and model errors are logged in full but never sent to the
//     client (see sanitizeErrorForClient).
func (h *streamingChatHandler) HandleChatStream(c *gin.Context) {
	startTime := time.Now()
	cfg := h.config.Current()

	requestID := middleware.GetRequestID(c)

	ctx, span := h.tracer.Start(c.Request.Context(), "HandleChatStream")
	defer span.End()
	span.SetAttributes(attribute.String("request.id", requestID))
	logger := telemetry.LoggerWithTrace(ctx, slog.With("request_id", requestID))

	h.metrics.StreamStarted()
	defer h.metrics.StreamEnded()

	success := false
	defer func() {
		h.metrics.RecordRequest(success)
		h.metrics.RecordStreamDuration(time.Since(startTime).Seconds(), success)
	}()

	// Step 1: Parse request body
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, cfg.Server.MaxBodyBytes)
	var req datatypes.ChatStreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request body")
		logger.Warn("Failed to parse chat stream request", "error", err)
		h.metrics.RecordError(observability.ErrorCodeValidation)
		writeInvalidRequest(c)
		return
	}

	// Step 2: Validate request
	if err := req.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		logger.Warn("Chat stream request validation failed", "error", err)
		h.metrics.RecordError(observability.ErrorCodeValidation)
		writeInvalidRequest(c)
		return
	}
	span.SetAttributes(attribute.Int("request.message_count", len(req.Messages)))

	// Step 3: Set SSE headers and create writer
	SetSSEHeaders(c.Writer)
	writer, err := NewSSEWriter(c.Writer)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "SSE setup failed")
		logger.Error("Failed to create SSE writer", "error", err)
		h.metrics.RecordError(observability.ErrorCodeInternal)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	// Step 4: Run the agent with keepalives
	runCtx := ctx
	if cfg.Stream.RequestTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cfg.Stream.RequestTimeout)
		defer cancel()
	}

	stopHeartbeat := h.startHeartbeat(runCtx, writer, cfg.Stream.KeepaliveInterval)
	result, runErr := h.runner.Run(runCtx, req.ToProtocol(), agent.WithMaxSteps(cfg.Agent.MaxSteps))
	stopHeartbeat()

	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, "agent failed")

		if c.Request.Context().Err() != nil {
			logger.Info("Client disconnected before the answer was ready", "error", runErr)
			h.metrics.RecordError(observability.ErrorCodeClientDisconnect)
			h.metrics.RecordClientDisconnect()
			return
		}

		errResp := sanitizeErrorForClient(runErr)
		if errResp.Kind == protocol.ErrorTimeout {
			h.metrics.RecordError(observability.ErrorCodeTimeout)
		} else {
			h.metrics.RecordError(observability.ErrorCodeAgentError)
		}
		logger.Error("Agent failed to answer",
			"error", runErr,
			"elapsed", time.Since(startTime),
		)
		if err := writer.WriteError(*errResp); err != nil {
			logger.Debug("Failed to write error frame", "error", err)
			return
		}
		_ = writer.WriteDone()
		return
	}

	h.metrics.RecordAgentSteps(result.Steps)
	if result.StopReason != nil {
		h.metrics.RecordError(observability.ErrorCodeStepBudget)
	}
	span.SetAttributes(
		attribute.Int("agent.steps", result.Steps),
		attribute.Int("agent.tool_calls", result.ToolCalls),
		attribute.Int("answer.chars", len(result.Answer)),
	)

	// Step 5: Stream the answer
	ttff := time.Since(startTime).Seconds()
	h.metrics.RecordTimeToFirstFrame(ttff)
	span.SetAttributes(attribute.Float64("stream.time_to_first_frame_seconds", ttff))

	frames, err := writer.WriteAnswer(ctx, result.Answer, cfg.Stream.ChunkSize, cfg.Stream.ChunkInterval)
	if err != nil {
		span.RecordError(err)
		logger.Info("Stopped streaming answer", "error", err, "frames_written", frames)
		h.metrics.RecordError(observability.ErrorCodeClientDisconnect)
		h.metrics.RecordClientDisconnect()
		return
	}
	span.SetAttributes(attribute.Int("stream.frame_count", frames))

	if !result.Usage.IsZero() {
		h.metrics.RecordUsage(result.Usage.PromptTokens, result.Usage.CompletionTokens, result.Usage.Cost, h.model)
		if err := writer.WriteUsage(result.Usage); err != nil {
			logger.Debug("Failed to write usage frame", "error", err)
			return
		}
	}

	if err := writer.WriteDone(); err != nil {
		span.RecordError(err)
		logger.Debug("Failed to write done frame", "error", err)
		return
	}

	logger.Info("Chat stream completed",
		"steps", result.Steps,
		"tool_calls", result.ToolCalls,
		"frames", frames,
		"duration", time.Since(startTime),
	)
	success = true
	span.SetStatus(codes.Ok, "stream completed successfully")
}

// =============================================================================
// Helper Methods
// =============================================================================

// startHeartbeat runs runHeartbeat in a goroutine and returns a function
// that stops it and waits for it to exit. No keepalive is written after
// the returned function returns.
func (h *streamingChatHandler) startHeartbeat(ctx context.Context, writer SSEWriter, interval time.Duration) func() {
	if interval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.runHeartbeat(ctx, writer, interval, done)
	}()

	return func() {
		close(done)
		wg.Wait()
	}
}

// runHeartbeat sends periodic keepalive pings to prevent connection timeouts.
//
// # Description
//
// Sends an SSE comment every interval to keep the connection alive while
// the agent works. Stops when done is closed, ctx is cancelled, or a
// write fails.
//
// # Inputs
//
//   - ctx: Context for cancellation detection.
//   - writer: SSE writer to send keepalives.
//   - interval: Time between pings.
//   - done: Channel to signal when to stop (close to stop).
func (h *streamingChatHandler) runHeartbeat(
	ctx context.Context,
	writer SSEWriter,
	interval time.Duration,
	done <-chan struct{},
) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writer.WriteKeepAlive(); err != nil {
				slog.Debug("Failed to write keepalive", "error", err)
				return
			}
			h.metrics.RecordKeepAlive()
		}
	}
}

// writeInvalidRequest answers a rejected body.
//
// The status is 400, but the body is still a well-formed stream so a
// client that only speaks the frame grammar shows the error and stops.
func writeInvalidRequest(c *gin.Context) {
	SetSSEHeaders(c.Writer)
	c.Status(http.StatusBadRequest)

	enc := protocol.NewEncoder(c.Writer)
	_ = enc.WriteError(protocol.ErrorResponse{
		Kind:      protocol.ErrorServer,
		Message:   invalidRequestMessage,
		Retryable: false,
	})
	_ = enc.WriteDone()
}

// sanitizeErrorForClient maps an agent error to the error sent to the client.
//
// # Description
//
// Internal error details (provider responses, file paths, credentials
// errors) must not be exposed to clients. A deadline becomes a timeout
// error; anything else becomes a generic server error. Both are
// retryable since the conversation itself was valid.
//
// # Inputs
//
//   - err: Error returned by the agent.
//
// # Outputs
//
//   - *protocol.ErrorResponse: Safe for client display.
func sanitizeErrorForClient(err error) *protocol.ErrorResponse {
	slog.Debug("Sanitizing error for client", "original_error", err)

	if errors.Is(err, context.DeadlineExceeded) {
		return protocol.NewTimeoutError(agentTimeoutMessage)
	}
	return protocol.NewServerError(http.StatusInternalServerError, agentFailureMessage)
}
