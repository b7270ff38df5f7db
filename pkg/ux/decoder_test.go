// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianChat/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

// segmentReader returns its parts one Read at a time, then EOF.
type segmentReader struct {
	parts [][]byte
}

func (r *segmentReader) Read(p []byte) (int, error) {
	if len(r.parts) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.parts[0])
	if n < len(r.parts[0]) {
		r.parts[0] = r.parts[0][n:]
	} else {
		r.parts = r.parts[1:]
	}
	return n, nil
}

// failingReader returns data then a non-EOF error.
type failingReader struct {
	data []byte
	err  error
	done bool
}

func (r *failingReader) Read(p []byte) (int, error) {
	if !r.done {
		r.done = true
		return copy(p, r.data), nil
	}
	return 0, r.err
}

// blockingReader returns data once, then blocks until closed.
type blockingReader struct {
	data    []byte
	sent    bool
	release chan struct{}
}

func (r *blockingReader) Read(p []byte) (int, error) {
	if !r.sent {
		r.sent = true
		return copy(p, r.data), nil
	}
	<-r.release
	return 0, io.ErrClosedPipe
}

// recorder captures callbacks as a flat, comparable log.
type recorder struct {
	events []string
	text   strings.Builder
}

func (rec *recorder) handlers() DecodeHandlers {
	return DecodeHandlers{
		OnChunk: func(text string) {
			rec.events = append(rec.events, "chunk:"+text)
			rec.text.WriteString(text)
		},
		OnUsage: func(u protocol.Usage) {
			rec.events = append(rec.events, fmt.Sprintf("usage:%d/%d", u.PromptTokens, u.CompletionTokens))
		},
		OnError: func(e *protocol.ErrorResponse) {
			rec.events = append(rec.events, fmt.Sprintf("error:%s:%s:%t", e.Kind, e.Message, e.Retryable))
		},
		OnDone: func() {
			rec.events = append(rec.events, "done")
		},
	}
}

// encodeStream produces the exact bytes the server writes for answer.
func encodeStream(t *testing.T, answer string, chunkSize int, usage *protocol.Usage) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc := protocol.NewEncoder(&buf)
	require.NoError(t, enc.WriteAnswer(answer, chunkSize))
	if usage != nil {
		require.NoError(t, enc.WriteUsage(*usage))
	}
	require.NoError(t, enc.WriteComment("ping"))
	require.NoError(t, enc.WriteDone())
	return buf.Bytes()
}

func decodeString(t *testing.T, stream string) ([]string, Outcome) {
	t.Helper()
	rec := &recorder{}
	outcome, err := NewDecoder().Decode(context.Background(), strings.NewReader(stream), rec.handlers())
	require.NoError(t, err)
	return rec.events, outcome
}

// =============================================================================
// Round Trip and Split Insensitivity
// =============================================================================

func TestDecoder_RoundTrip(t *testing.T) {
	answers := []string{
		"hello world",
		"",
		"line one\n\nline two\n",
		"data: [DONE]\n\nevent: error\n",
		"unicode ✓ ⚓ 日本語 and emoji 🚀",
		`quotes " and \ backslashes`,
	}

	for _, answer := range answers {
		for _, size := range []int{1, 3, 5, 64, 0} {
			t.Run(fmt.Sprintf("%q/%d", answer, size), func(t *testing.T) {
				rec := &recorder{}
				stream := encodeStream(t, answer, size, nil)

				outcome, err := NewDecoder().Decode(context.Background(), bytes.NewReader(stream), rec.handlers())

				require.NoError(t, err)
				assert.Equal(t, OutcomeDone, outcome)
				assert.Equal(t, answer, rec.text.String())
				assert.Equal(t, "done", rec.events[len(rec.events)-1])
			})
		}
	}
}

func TestDecoder_SplitInsensitive(t *testing.T) {
	usage := &protocol.Usage{PromptTokens: 7, CompletionTokens: 2}
	stream := encodeStream(t, "héllo wörld ✓ 🚀\nbye", 4, usage)

	baseline := &recorder{}
	_, err := NewDecoder().Decode(context.Background(), bytes.NewReader(stream), baseline.handlers())
	require.NoError(t, err)
	require.NotEmpty(t, baseline.events)

	// Two-way splits at every byte offset, including inside multi-byte runes.
	for i := 1; i < len(stream); i++ {
		rec := &recorder{}
		reader := &segmentReader{parts: [][]byte{
			append([]byte(nil), stream[:i]...),
			append([]byte(nil), stream[i:]...),
		}}
		_, err := NewDecoder().Decode(context.Background(), reader, rec.handlers())
		require.NoError(t, err)
		require.Equal(t, baseline.events, rec.events, "split at byte %d", i)
	}

	// One byte per read.
	for _, size := range []int{1, 2, 7} {
		rec := &recorder{}
		_, err := NewDecoderWithReadSize(size).Decode(context.Background(), bytes.NewReader(stream), rec.handlers())
		require.NoError(t, err)
		assert.Equal(t, baseline.events, rec.events, "read size %d", size)
	}
}

// =============================================================================
// Terminal Events
// =============================================================================

func TestDecoder_DoneIgnoresTrailingBytes(t *testing.T) {
	stream := "data: \"a\"\n\n" +
		"data: [DONE]\n\n" +
		"data: \"never\"\n\n" +
		"event: error\ndata: {\"message\":\"never\"}\n\n"

	events, outcome := decodeString(t, stream)

	assert.Equal(t, OutcomeDone, outcome)
	assert.Equal(t, []string{"chunk:a", "done"}, events)
}

func TestDecoder_DoneRegardlessOfEventType(t *testing.T) {
	events, outcome := decodeString(t, "event: error\ndata: [DONE]\n\n")

	assert.Equal(t, OutcomeDone, outcome)
	assert.Equal(t, []string{"done"}, events)
}

func TestDecoder_ErrorIsTerminal(t *testing.T) {
	stream := "event: error\ndata: {\"kind\":\"server\",\"message\":\"boom\",\"retryable\":true}\n\n" +
		"data: \"after\"\n\n" +
		"event: usage\ndata: {\"prompt_tokens\":1}\n\n" +
		"data: [DONE]\n\n"

	events, outcome := decodeString(t, stream)

	assert.Equal(t, OutcomeError, outcome)
	assert.Equal(t, []string{"error:server:boom:true"}, events)
}

func TestDecoder_ErrorPayloadFallsBackToRaw(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    string
	}{
		{"not json", "upstream exploded", "error:server:upstream exploded:false"},
		{"json without message", `{"code":7}`, `error:server:{"code":7}:false`},
		{"json string", `"quoted"`, `error:server:"quoted":false`},
		{"message only", `{"message":"bad input"}`, "error:server:bad input:false"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, outcome := decodeString(t, "event: error\ndata: "+tt.payload+"\n\n")
			assert.Equal(t, OutcomeError, outcome)
			assert.Equal(t, []string{tt.want}, events)
		})
	}
}

func TestDecoder_CleanEOFIsDone(t *testing.T) {
	events, outcome := decodeString(t, "data: \"a\"\n\ndata: \"b\"\n\n")

	assert.Equal(t, OutcomeDone, outcome)
	assert.Equal(t, []string{"chunk:a", "chunk:b", "done"}, events)
}

// =============================================================================
// Non-terminal Events
// =============================================================================

func TestDecoder_UsageIsNonTerminal(t *testing.T) {
	stream := "event: usage\ndata: {\"prompt_tokens\":10,\"completion_tokens\":4,\"cost\":0.01}\n\n" +
		"data: \"x\"\n\n" +
		"data: [DONE]\n\n"

	events, _ := decodeString(t, stream)

	assert.Equal(t, []string{"usage:10/4", "chunk:x", "done"}, events)
}

func TestDecoder_MalformedUsageIsSkipped(t *testing.T) {
	events, _ := decodeString(t, "event: usage\ndata: not-json\n\ndata: [DONE]\n\n")
	assert.Equal(t, []string{"done"}, events)
}

func TestDecoder_RawTokenWhenNotJSONString(t *testing.T) {
	stream := "data: plain text\n\n" +
		"data: {\"k\":1}\n\n" +
		"data: 42\n\n" +
		"data: [DONE]\n\n"

	events, _ := decodeString(t, stream)

	assert.Equal(t, []string{"chunk:plain text", `chunk:{"k":1}`, "chunk:42", "done"}, events)
}

func TestDecoder_MultipleDataLinesJoined(t *testing.T) {
	events, _ := decodeString(t, "data: first\ndata: second\ndata:third\n\ndata: [DONE]\n\n")
	assert.Equal(t, []string{"chunk:first\nsecond\nthird", "done"}, events)
}

func TestDecoder_IgnoresCommentsAndUnknownLines(t *testing.T) {
	stream := ": ping\n\n" +
		"id: 7\nretry: 100\ndata: \"kept\"\n\n" +
		"event: custom\ndata: \"custom type\"\n\n" +
		"data: [DONE]\n\n"

	events, _ := decodeString(t, stream)

	assert.Equal(t, []string{"chunk:kept", "chunk:custom type", "done"}, events)
}

func TestDecoder_CRLFLines(t *testing.T) {
	events, _ := decodeString(t, "data: \"a\"\r\n\ndata: [DONE]\r\n\n")
	assert.Equal(t, []string{"chunk:a", "done"}, events)
}

// =============================================================================
// Cancellation and Failures
// =============================================================================

func TestDecoder_CancellationSuppressesCallbacks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	reader := &blockingReader{
		data:    []byte("data: \"first\"\n\n"),
		release: make(chan struct{}),
	}
	defer close(reader.release)

	rec := &recorder{}
	h := rec.handlers()
	gotFirst := make(chan struct{})
	inner := h.OnChunk
	h.OnChunk = func(text string) {
		inner(text)
		close(gotFirst)
	}

	result := make(chan Outcome, 1)
	go func() {
		outcome, err := NewDecoder().Decode(ctx, reader, h)
		assert.NoError(t, err)
		result <- outcome
	}()

	<-gotFirst
	cancel()

	select {
	case outcome := <-result:
		assert.Equal(t, OutcomeCancelled, outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("Decode did not return after cancellation")
	}
	assert.Equal(t, []string{"chunk:first"}, rec.events, "no callbacks after cancel, including done")
}

func TestDecoder_DeadlineIsFailure(t *testing.T) {
	reader := &blockingReader{
		data:    []byte("data: \"first\"\n\n"),
		release: make(chan struct{}),
	}
	defer close(reader.release)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	rec := &recorder{}
	outcome, err := NewDecoder().Decode(ctx, reader, rec.handlers())

	assert.Equal(t, OutcomeFailed, outcome)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, []string{"chunk:first"}, rec.events, "no terminal callback after the deadline")
}

func TestDecoder_PassedDeadline(t *testing.T) {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	rec := &recorder{}
	outcome, err := NewDecoder().Decode(ctx, strings.NewReader("data: [DONE]\n\n"), rec.handlers())

	assert.Equal(t, OutcomeFailed, outcome)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, rec.events)
}

func TestDecoder_AlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := &recorder{}
	outcome, err := NewDecoder().Decode(ctx, strings.NewReader("data: \"x\"\n\ndata: [DONE]\n\n"), rec.handlers())

	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, outcome)
	assert.Empty(t, rec.events)
}

func TestDecoder_ReadFailure(t *testing.T) {
	readErr := errors.New("connection reset by peer")
	rec := &recorder{}

	outcome, err := NewDecoder().Decode(context.Background(),
		&failingReader{data: []byte("data: \"partial\"\n\n"), err: readErr},
		rec.handlers())

	assert.Equal(t, OutcomeFailed, outcome)
	assert.ErrorIs(t, err, readErr)
	assert.Equal(t, []string{"chunk:partial"}, rec.events, "no terminal callback on read failure")
}

func TestCollect(t *testing.T) {
	chunks, outcome, err := Collect(context.Background(), bytes.NewReader(encodeStream(t, "hello world", 5, nil)))

	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, outcome)
	require.Len(t, chunks, 4)
	assert.Equal(t, "hello", chunks[0].Text)
	assert.Equal(t, " worl", chunks[1].Text)
	assert.Equal(t, "d", chunks[2].Text)
	assert.Equal(t, protocol.ChunkTypeDone, chunks[3].Type)
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "done", OutcomeDone.String())
	assert.Equal(t, "error", OutcomeError.String())
	assert.Equal(t, "cancelled", OutcomeCancelled.String())
	assert.Equal(t, "failed", OutcomeFailed.String())
	assert.Equal(t, "unknown", Outcome(99).String())
}
