// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux provides user experience components for the Aleutian chat CLI.
//
// This file contains the stream decoder that turns the raw bytes of a
// chat response into typed callbacks.
//
// Single Responsibility:
//
//	The decoder handles buffering, framing and payload decoding. It does
//	not classify HTTP failures (pkg/chat.Transport does) and does not
//	touch messages (pkg/chat.Assembler does).
//
// Context Support:
//
//	Decode accepts a context.Context. Cancelling it abandons the
//	in-flight read, suppresses every later callback and is not reported
//	as an error.
package ux

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/AleutianAI/AleutianChat/pkg/protocol"
)

const (
	// defaultReadSize is the size of each read from the response body.
	defaultReadSize = 4096

	eventDelimiter = "\n\n"
	eventPrefix    = "event:"
	dataPrefix     = "data:"
)

// =============================================================================
// Callbacks and Outcome
// =============================================================================

// DecodeHandlers receives decoded stream items. Nil handlers are skipped.
//
// At most one of OnError and OnDone fires per stream, and nothing fires
// after it.
type DecodeHandlers struct {
	OnChunk func(text string)
	OnUsage func(usage protocol.Usage)
	OnError func(errResp *protocol.ErrorResponse)
	OnDone  func()
}

// Outcome describes how a Decode call ended.
type Outcome int

const (
	// OutcomeDone means the stream completed through [DONE] or a clean EOF.
	OutcomeDone Outcome = iota

	// OutcomeError means the server sent an error event.
	OutcomeError

	// OutcomeCancelled means the context was cancelled before completion.
	OutcomeCancelled

	// OutcomeFailed means reading the body failed mid-stream or the
	// context deadline passed. The error is returned alongside and no
	// terminal callback was fired.
	OutcomeFailed
)

// String returns a log-friendly name.
func (o Outcome) String() string {
	switch o {
	case OutcomeDone:
		return "done"
	case OutcomeError:
		return "error"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// =============================================================================
// Decoder
// =============================================================================

// Decoder reads frames from a byte stream.
//
// Frames may be split across reads at any byte boundary, including in
// the middle of a multi-byte character; the callback sequence does not
// depend on how the bytes were split.
//
// Thread Safety:
//
//	A Decoder holds no per-stream state and may be shared. Each Decode
//	call owns its own buffer.
//
// Example:
//
//	outcome, err := ux.NewDecoder().Decode(ctx, resp.Body, ux.DecodeHandlers{
//	    OnChunk: func(text string) { fmt.Print(text) },
//	    OnError: func(e *protocol.ErrorResponse) { fmt.Println(e.Message) },
//	})
type Decoder struct {
	readSize int
}

// NewDecoder creates a Decoder with the default read size.
func NewDecoder() *Decoder {
	return &Decoder{readSize: defaultReadSize}
}

// NewDecoderWithReadSize creates a Decoder reading at most size bytes
// per read. Used by tests to force frames across read boundaries.
func NewDecoderWithReadSize(size int) *Decoder {
	if size <= 0 {
		size = defaultReadSize
	}
	return &Decoder{readSize: size}
}

// readResult is one read handed from the reader goroutine to Decode.
type readResult struct {
	data []byte
	err  error
}

// Decode consumes r until a terminal frame, EOF, a read failure or
// cancellation.
//
// Parameters:
//   - ctx: Cancellation signal. Once done, no handler fires again. A
//     passed deadline ends the stream with OutcomeFailed and ctx.Err().
//   - r: The response body. Caller closes it.
//   - h: Handlers for decoded items.
//
// Returns:
//   - Outcome: How the stream ended.
//   - error: Non-nil only with OutcomeFailed.
func (d *Decoder) Decode(ctx context.Context, r io.Reader, h DecodeHandlers) (Outcome, error) {
	if ctx.Err() != nil {
		return stopped(ctx)
	}

	stop := make(chan struct{})
	defer close(stop)
	reads := d.startReader(r, stop)

	state := &decodeState{ctx: ctx, handlers: h}

	for {
		select {
		case <-ctx.Done():
			return stopped(ctx)

		case res := <-reads:
			if len(res.data) > 0 {
				state.appendBytes(res.data)
				if outcome, terminal := state.drain(); terminal {
					return settle(ctx, outcome)
				}
			}

			if res.err == nil {
				continue
			}
			if ctx.Err() != nil {
				return stopped(ctx)
			}
			if errors.Is(res.err, io.EOF) {
				state.flushPending()
				if outcome, terminal := state.drain(); terminal {
					return settle(ctx, outcome)
				}
				if !state.fire(func() { callIfSet(h.OnDone) }) {
					return stopped(ctx)
				}
				return OutcomeDone, nil
			}
			return OutcomeFailed, res.err
		}
	}
}

// stopped reports how an ended context terminates a stream. Cancellation
// is silent; a deadline is a failure the caller can classify.
func stopped(ctx context.Context) (Outcome, error) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return OutcomeFailed, ctx.Err()
	}
	return OutcomeCancelled, nil
}

// settle maps a terminal outcome reached while draining frames.
func settle(ctx context.Context, outcome Outcome) (Outcome, error) {
	if outcome == OutcomeCancelled {
		return stopped(ctx)
	}
	return outcome, nil
}

// startReader runs blocking reads on a goroutine so Decode can abandon
// them on cancellation. The goroutine exits after the first error or
// when stop is closed.
func (d *Decoder) startReader(r io.Reader, stop <-chan struct{}) <-chan readResult {
	reads := make(chan readResult)
	go func() {
		for {
			buf := make([]byte, d.readSize)
			n, err := r.Read(buf)
			select {
			case reads <- readResult{data: buf[:n], err: err}:
			case <-stop:
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return reads
}

// =============================================================================
// Decode State
// =============================================================================

// decodeState is the per-stream buffer.
type decodeState struct {
	ctx      context.Context
	handlers DecodeHandlers

	// pending holds the bytes of a character split across reads.
	pending []byte
	buffer  strings.Builder
}

// appendBytes decodes data as UTF-8 into the text buffer, holding back
// an incomplete trailing character until the next read completes it.
func (s *decodeState) appendBytes(data []byte) {
	if len(s.pending) > 0 {
		data = append(s.pending, data...)
		s.pending = nil
	}

	cut := incompleteSuffixStart(data)
	if cut < len(data) {
		s.pending = append([]byte(nil), data[cut:]...)
		data = data[:cut]
	}
	s.buffer.WriteString(strings.ToValidUTF8(string(data), "\uFFFD"))
}

// flushPending emits any held-back bytes at end of stream.
func (s *decodeState) flushPending() {
	if len(s.pending) == 0 {
		return
	}
	s.buffer.WriteString(strings.ToValidUTF8(string(s.pending), "\uFFFD"))
	s.pending = nil
}

// drain extracts and dispatches every complete event in the buffer.
// It returns terminal=true when an event ended the stream; whatever
// follows that event is discarded unparsed.
func (s *decodeState) drain() (Outcome, bool) {
	text := s.buffer.String()
	consumed := 0

	for {
		idx := strings.Index(text[consumed:], eventDelimiter)
		if idx < 0 {
			break
		}
		raw := text[consumed : consumed+idx]
		consumed += idx + len(eventDelimiter)

		if outcome, terminal := s.dispatch(raw); terminal {
			s.buffer.Reset()
			return outcome, true
		}
	}

	if consumed > 0 {
		rest := text[consumed:]
		s.buffer.Reset()
		s.buffer.WriteString(rest)
	}
	return OutcomeDone, false
}

// dispatch parses one raw event and fires the matching handler.
func (s *decodeState) dispatch(raw string) (Outcome, bool) {
	ev, ok := parseEvent(raw)
	if !ok {
		return OutcomeDone, false
	}

	h := s.handlers

	if ev.data == protocol.DoneSentinel {
		if !s.fire(func() { callIfSet(h.OnDone) }) {
			return OutcomeCancelled, true
		}
		return OutcomeDone, true
	}

	switch ev.eventType {
	case protocol.EventError:
		errResp := parseErrorPayload(ev.data)
		if !s.fire(func() {
			if h.OnError != nil {
				h.OnError(errResp)
			}
		}) {
			return OutcomeCancelled, true
		}
		return OutcomeError, true

	case protocol.EventUsage:
		var usage protocol.Usage
		if err := json.Unmarshal([]byte(ev.data), &usage); err != nil {
			slog.Debug("Ignoring malformed usage event", "error", err)
			return OutcomeDone, false
		}
		if !s.fire(func() {
			if h.OnUsage != nil {
				h.OnUsage(usage)
			}
		}) {
			return OutcomeCancelled, true
		}
		return OutcomeDone, false

	default:
		token := ev.data
		var decoded string
		if err := json.Unmarshal([]byte(ev.data), &decoded); err == nil {
			token = decoded
		}
		if !s.fire(func() {
			if h.OnChunk != nil {
				h.OnChunk(token)
			}
		}) {
			return OutcomeCancelled, true
		}
		return OutcomeDone, false
	}
}

// fire runs fn unless the stream was cancelled. It reports whether fn ran.
func (s *decodeState) fire(fn func()) bool {
	if s.ctx.Err() != nil {
		return false
	}
	fn()
	return true
}

// =============================================================================
// Parsing Helpers
// =============================================================================

// rawEvent is one parsed event block.
type rawEvent struct {
	eventType protocol.EventType
	data      string
}

// parseEvent splits a raw event into its type and joined data payload.
// Blocks without data lines (comments, keepalives) report ok=false.
func parseEvent(raw string) (rawEvent, bool) {
	ev := rawEvent{eventType: protocol.EventMessage}
	var data []string

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSuffix(line, "\r")
		switch {
		case strings.HasPrefix(line, eventPrefix):
			if t := trimFieldValue(line[len(eventPrefix):]); t != "" {
				ev.eventType = protocol.EventType(t)
			}
		case strings.HasPrefix(line, dataPrefix):
			data = append(data, trimFieldValue(line[len(dataPrefix):]))
		}
	}

	if len(data) == 0 {
		return ev, false
	}
	ev.data = strings.Join(data, "\n")
	return ev, true
}

// trimFieldValue drops the single optional space after a field colon.
func trimFieldValue(v string) string {
	return strings.TrimPrefix(v, " ")
}

// errorPayload mirrors the JSON body of an error frame. Pointer fields
// tell absent values from zero values.
type errorPayload struct {
	Message   *string             `json:"message"`
	Kind      *protocol.ErrorKind `json:"kind"`
	Retryable *bool               `json:"retryable"`
}

// parseErrorPayload extracts the error message, falling back to the raw
// payload when it is not a JSON object with a message field.
func parseErrorPayload(data string) *protocol.ErrorResponse {
	errResp := &protocol.ErrorResponse{Kind: protocol.ErrorServer, Message: data}

	var payload errorPayload
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return errResp
	}
	if payload.Message != nil {
		errResp.Message = *payload.Message
	}
	if payload.Kind != nil && *payload.Kind != "" {
		errResp.Kind = *payload.Kind
	}
	if payload.Retryable != nil {
		errResp.Retryable = *payload.Retryable
	}
	return errResp
}

// incompleteSuffixStart returns the index where a trailing incomplete
// UTF-8 sequence starts, or len(b) if b ends on a character boundary.
func incompleteSuffixStart(b []byte) int {
	limit := len(b) - utf8.UTFMax
	if limit < 0 {
		limit = 0
	}
	for i := len(b) - 1; i >= limit; i-- {
		if utf8.RuneStart(b[i]) {
			if !utf8.FullRune(b[i:]) {
				return i
			}
			return len(b)
		}
	}
	return len(b)
}

func callIfSet(fn func()) {
	if fn != nil {
		fn()
	}
}

// =============================================================================
// Collecting
// =============================================================================

// Collect decodes r into a slice of chunks. It is a convenience for
// non-interactive callers and tests.
func Collect(ctx context.Context, r io.Reader) ([]protocol.StreamChunk, Outcome, error) {
	var chunks []protocol.StreamChunk
	outcome, err := NewDecoder().Decode(ctx, r, DecodeHandlers{
		OnChunk: func(text string) {
			chunks = append(chunks, protocol.StreamChunk{Type: protocol.ChunkTypeText, Text: text})
		},
		OnUsage: func(usage protocol.Usage) {
			u := usage
			chunks = append(chunks, protocol.StreamChunk{Type: protocol.ChunkTypeUsage, Usage: &u})
		},
		OnError: func(errResp *protocol.ErrorResponse) {
			chunks = append(chunks, protocol.StreamChunk{Type: protocol.ChunkTypeError, Err: errResp})
		},
		OnDone: func() {
			chunks = append(chunks, protocol.StreamChunk{Type: protocol.ChunkTypeDone})
		},
	})
	return chunks, outcome, err
}
