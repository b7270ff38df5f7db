// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/AleutianAI/AleutianChat/pkg/protocol"
	"golang.org/x/time/rate"
)

// =============================================================================
// SSE Writer Interface
// =============================================================================

// SSEWriter writes stream frames to an HTTP response.
//
// # Description
//
// SSEWriter is the HTTP side of the transport encoder. Every frame is
// flushed as soon as it is written. Frames follow the grammar
//
//	["event: " TYPE "\n"] ("data: " PAYLOAD "\n")+ "\n"
//
// and every stream ends with WriteDone.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use: the heartbeat goroutine
// writes keepalives while the handler waits on the agent.
type SSEWriter interface {
	// WriteAnswer writes answer as text frames of chunkSize characters,
	// spacing frames by interval. Returns the number of frames written.
	WriteAnswer(ctx context.Context, answer string, chunkSize int, interval time.Duration) (int, error)

	// WriteUsage writes a usage frame.
	WriteUsage(usage protocol.Usage) error

	// WriteError writes an error frame. Only WriteDone may follow.
	WriteError(errResp protocol.ErrorResponse) error

	// WriteDone writes the [DONE] frame.
	WriteDone() error

	// WriteKeepAlive writes a ": ping" comment that decoders ignore.
	WriteKeepAlive() error
}

// =============================================================================
// Implementation
// =============================================================================

// sseWriter implements SSEWriter over a protocol.Encoder.
type sseWriter struct {
	enc *protocol.Encoder
}

// NewSSEWriter creates an SSE writer for the given response writer.
//
// # Inputs
//
//   - w: HTTP response writer. Must implement http.Flusher.
//
// # Outputs
//
//   - SSEWriter: Ready to write frames.
//   - error: Non-nil if w cannot flush.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	if _, ok := w.(http.Flusher); !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{enc: protocol.NewEncoder(w)}, nil
}

// WriteAnswer writes the answer in chunks, pacing them with a token bucket.
//
// The first frame is written immediately. With a positive interval each
// further frame waits for the limiter, so a long answer renders
// progressively instead of in one burst. ctx aborts the pacing when the
// client disconnects.
func (w *sseWriter) WriteAnswer(ctx context.Context, answer string, chunkSize int, interval time.Duration) (int, error) {
	var limiter *rate.Limiter
	if interval > 0 {
		limiter = rate.NewLimiter(rate.Every(interval), 1)
	}

	written := 0
	for _, chunk := range protocol.ChunkText(answer, chunkSize) {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return written, fmt.Errorf("pace text frame: %w", err)
			}
		}
		if err := w.enc.WriteText(chunk); err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}

func (w *sseWriter) WriteUsage(usage protocol.Usage) error {
	return w.enc.WriteUsage(usage)
}

func (w *sseWriter) WriteError(errResp protocol.ErrorResponse) error {
	return w.enc.WriteError(errResp)
}

func (w *sseWriter) WriteDone() error {
	return w.enc.WriteDone()
}

func (w *sseWriter) WriteKeepAlive() error {
	if err := w.enc.WriteComment("ping"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	return nil
}

// =============================================================================
// Helper Functions
// =============================================================================

// SetSSEHeaders sets the standard headers for Server-Sent Events.
//
// # Description
//
// Sets Content-Type, Cache-Control, Connection, and X-Accel-Buffering
// headers required for SSE streaming. Must be called before writing
// the response body.
//
// # Inputs
//
//   - w: HTTP response writer.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
}

// Compile-time interface check
var _ SSEWriter = (*sseWriter)(nil)
