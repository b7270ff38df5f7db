// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Flusher is implemented by writers that buffer output, such as
// http.ResponseWriter.
type Flusher interface {
	Flush()
}

// Encoder writes stream frames to an io.Writer.
//
// Every frame is written with a single Write call and, when the
// underlying writer implements Flusher, flushed immediately so the
// client can render before the stream ends.
//
// Thread Safety:
//
//	Safe for concurrent use. A keepalive goroutine may write comments
//	while the handler writes chunks; frames never interleave.
//
// Example:
//
//	enc := protocol.NewEncoder(w)
//	_ = enc.WriteAnswer("hello world", 5)
//	_ = enc.WriteDone()
type Encoder struct {
	w       io.Writer
	flusher Flusher
	mu      sync.Mutex
}

// NewEncoder creates an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	enc := &Encoder{w: w}
	if f, ok := w.(Flusher); ok {
		enc.flusher = f
	}
	return enc
}

// WriteText writes one text chunk as a JSON string payload.
func (e *Encoder) WriteText(text string) error {
	payload, err := json.Marshal(text)
	if err != nil {
		return fmt.Errorf("marshal text chunk: %w", err)
	}
	return e.writeFrame("", payload)
}

// WriteAnswer splits answer into chunkSize-character pieces and writes
// one text frame per piece. It does not write the done sentinel.
func (e *Encoder) WriteAnswer(answer string, chunkSize int) error {
	for _, chunk := range ChunkText(answer, chunkSize) {
		if err := e.WriteText(chunk); err != nil {
			return err
		}
	}
	return nil
}

// WriteUsage writes a usage frame.
func (e *Encoder) WriteUsage(usage Usage) error {
	payload, err := json.Marshal(usage)
	if err != nil {
		return fmt.Errorf("marshal usage: %w", err)
	}
	return e.writeFrame(EventUsage, payload)
}

// WriteError writes an error frame. Callers follow it with WriteDone
// and write nothing else.
func (e *Encoder) WriteError(errResp ErrorResponse) error {
	payload, err := json.Marshal(errResp)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}
	return e.writeFrame(EventError, payload)
}

// WriteDone writes the terminating [DONE] frame.
func (e *Encoder) WriteDone() error {
	return e.writeFrame("", []byte(DoneSentinel))
}

// WriteComment writes an SSE comment. Decoders skip comment lines, so
// this is used for keepalive pings.
func (e *Encoder) WriteComment(text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := fmt.Fprintf(e.w, ": %s\n\n", text); err != nil {
		return fmt.Errorf("write comment: %w", err)
	}
	e.flush()
	return nil
}

func (e *Encoder) writeFrame(eventType EventType, payload []byte) error {
	frame := FormatFrame(eventType, payload)

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	e.flush()
	return nil
}

func (e *Encoder) flush() {
	if e.flusher != nil {
		e.flusher.Flush()
	}
}

// FormatFrame renders one frame. An empty eventType omits the event
// line. A payload containing newlines is split across several data
// lines, which a conforming decoder joins back with "\n".
func FormatFrame(eventType EventType, payload []byte) []byte {
	var buf bytes.Buffer
	if eventType != "" && eventType != EventMessage {
		buf.WriteString("event: ")
		buf.WriteString(string(eventType))
		buf.WriteByte('\n')
	}
	for _, line := range strings.Split(string(payload), "\n") {
		buf.WriteString("data: ")
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	return buf.Bytes()
}

// ChunkText splits s into pieces of at most size characters (runes).
// A size of zero or less yields s as a single piece. An empty s yields
// no pieces.
func ChunkText(s string, size int) []string {
	if s == "" {
		return nil
	}
	if size <= 0 {
		return []string{s}
	}

	runes := []rune(s)
	chunks := make([]string, 0, (len(runes)+size-1)/size)
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}
