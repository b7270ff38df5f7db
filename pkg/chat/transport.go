// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/AleutianAI/AleutianChat/pkg/protocol"
	"github.com/AleutianAI/AleutianChat/pkg/ux"
	"github.com/google/uuid"
)

const (
	// StreamPath is the server's streaming chat endpoint.
	StreamPath = "/v1/chat/stream"

	// maxErrorBodyBytes bounds how much of a non-2xx body is read.
	maxErrorBodyBytes = 64 * 1024
)

// HTTPClient is the subset of *http.Client used by Transport and
// HealthMonitor. Tests substitute fakes.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Streamer sends a conversation and streams the answer into handlers.
type Streamer interface {
	Stream(ctx context.Context, turns []protocol.ChatMessage, h ux.DecodeHandlers) ux.Outcome
}

// Transport posts conversations to the server and decodes the answer.
//
// Every failure is classified into an ErrorResponse and delivered through
// OnError, so callers only ever see the four handler callbacks:
//
//	connect failure       network, retryable
//	non-2xx status        server, retryable iff 5xx
//	read failure          network, retryable
//	deadline exceeded     timeout, retryable
//	context cancelled     nothing (OutcomeCancelled)
type Transport struct {
	baseURL string
	client  HTTPClient
	decoder *ux.Decoder
}

var _ Streamer = (*Transport)(nil)

// NewTransport creates a Transport for the server at baseURL.
//
// The client must not set an overall Timeout: answers stream for as long
// as the agent works. Bound requests with the context instead.
func NewTransport(baseURL string, client HTTPClient) *Transport {
	if client == nil {
		client = &http.Client{}
	}
	return &Transport{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		decoder: ux.NewDecoder(),
	}
}

// Stream sends turns and decodes the answer.
//
// # Description
//
// POSTs {"messages": turns} to the stream endpoint and feeds the response
// body through the decoder. Transport-level failures are classified and
// reported through h.OnError, unless ctx was cancelled, in which case no
// handler fires.
//
// # Inputs
//
//   - ctx: Cancels the request and the decode.
//   - turns: Conversation so far, oldest first.
//   - h: Stream handlers.
//
// # Outputs
//
//   - ux.Outcome: OutcomeDone, OutcomeError or OutcomeCancelled.
//     OutcomeFailed is never returned; read failures are reported as
//     network errors with OutcomeError.
func (t *Transport) Stream(ctx context.Context, turns []protocol.ChatMessage, h ux.DecodeHandlers) ux.Outcome {
	requestID := uuid.NewString()
	logger := slog.With("request_id", requestID)

	resp, err := t.post(ctx, requestID, turns)
	if err != nil {
		if ctx.Err() == context.Canceled {
			return ux.OutcomeCancelled
		}
		logger.Warn("chat stream request failed", "error", err)
		return report(ctx, h, classifyRequestError(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errResp := readErrorResponse(ctx, resp)
		logger.Warn("chat stream rejected",
			"status_code", resp.StatusCode,
			"message", errResp.Message,
		)
		return report(ctx, h, errResp)
	}

	outcome, err := t.decoder.Decode(ctx, resp.Body, h)
	if outcome != ux.OutcomeFailed {
		logger.Debug("chat stream finished", "outcome", outcome.String())
		return outcome
	}
	if ctx.Err() == context.Canceled {
		return ux.OutcomeCancelled
	}
	logger.Warn("chat stream interrupted", "error", err)
	return report(ctx, h, classifyRequestError(err))
}

func (t *Transport) post(ctx context.Context, requestID string, turns []protocol.ChatMessage) (*http.Response, error) {
	body, err := json.Marshal(protocol.ChatRequest{Messages: turns})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+StreamPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("X-Request-ID", requestID)

	return t.client.Do(req)
}

// report delivers errResp unless ctx is already cancelled.
func report(ctx context.Context, h ux.DecodeHandlers, errResp *protocol.ErrorResponse) ux.Outcome {
	if ctx.Err() == context.Canceled {
		return ux.OutcomeCancelled
	}
	if h.OnError != nil {
		h.OnError(errResp)
	}
	return ux.OutcomeError
}

// classifyRequestError maps a transport error to the error taxonomy.
func classifyRequestError(err error) *protocol.ErrorResponse {
	if isTimeout(err) {
		return protocol.NewTimeoutError("the server did not respond in time")
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return protocol.NewNetworkError("cannot reach the server")
	}
	return protocol.NewNetworkError("connection to the server was lost")
}

// readErrorResponse builds a server error from a non-2xx response. The
// message comes from an error frame in the body when the server sent one.
func readErrorResponse(ctx context.Context, resp *http.Response) *protocol.ErrorResponse {
	message := http.StatusText(resp.StatusCode)
	if message == "" {
		message = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if err == nil && len(body) > 0 {
		chunks, _, _ := ux.Collect(ctx, bytes.NewReader(body))
		for _, c := range chunks {
			if c.Type == protocol.ChunkTypeError && c.Err != nil && c.Err.Message != "" {
				message = c.Err.Message
				break
			}
		}
	}
	return protocol.NewServerError(resp.StatusCode, message)
}

// isTimeout reports whether err is a deadline or network timeout.
func isTimeout(err error) bool {
	var netErr net.Error
	return errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout())
}
