// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package protocol defines the wire vocabulary shared by the chat server
// and its clients.
//
// The stream is a Server-Sent-Events dialect carried over a single
// chunked HTTP response. Each frame is:
//
//	["event:" TYPE "\n"]? ("data:" PAYLOAD "\n")+ "\n"
//
// where TYPE is absent for text chunks, or one of "usage" / "error".
// Text payloads are JSON strings so that any character (newlines
// included) survives framing. Usage and error payloads are JSON objects.
// The stream always ends with a frame whose payload is the literal
// [DONE] sentinel.
//
// Single Responsibility:
//
//	This package only names things and writes frames. Reading frames
//	back lives in pkg/ux (Decoder), assembling them into messages lives
//	in pkg/chat.
package protocol

import (
	"fmt"
)

// DoneSentinel is the data payload that terminates every stream.
const DoneSentinel = "[DONE]"

// =============================================================================
// Roles and Turns
// =============================================================================

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a role accepted on the wire.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// ChatMessage is one role+content turn sent to the server.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the body of POST /v1/chat/stream.
type ChatRequest struct {
	Messages []ChatMessage `json:"messages"`
}

// =============================================================================
// Event Types
// =============================================================================

// EventType is the value of a frame's "event:" line.
//
// EventMessage is the implicit type of frames without an event line.
type EventType string

const (
	EventMessage EventType = "message"
	EventUsage   EventType = "usage"
	EventError   EventType = "error"
)

// ChunkType discriminates StreamChunk variants.
type ChunkType string

const (
	ChunkTypeText  ChunkType = "text"
	ChunkTypeUsage ChunkType = "usage"
	ChunkTypeError ChunkType = "error"
	ChunkTypeDone  ChunkType = "done"
)

// StreamChunk is a decoded stream item. Exactly one of Text, Usage or
// Err is meaningful, selected by Type. Done chunks carry nothing.
type StreamChunk struct {
	Type  ChunkType      `json:"type"`
	Text  string         `json:"text,omitempty"`
	Usage *Usage         `json:"usage,omitempty"`
	Err   *ErrorResponse `json:"error,omitempty"`
}

// =============================================================================
// Usage
// =============================================================================

// Usage counts tokens and cost. It is used both per request (the usage
// frame) and as a running total on the client.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	Cost             float64 `json:"cost"`
}

// Add returns the sum of u and other.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + other.PromptTokens,
		CompletionTokens: u.CompletionTokens + other.CompletionTokens,
		Cost:             u.Cost + other.Cost,
	}
}

// TotalTokens returns prompt plus completion tokens.
func (u Usage) TotalTokens() int {
	return u.PromptTokens + u.CompletionTokens
}

// IsZero reports whether nothing has been counted.
func (u Usage) IsZero() bool {
	return u.PromptTokens == 0 && u.CompletionTokens == 0 && u.Cost == 0
}

// =============================================================================
// Errors
// =============================================================================

// ErrorKind classifies a failed stream.
type ErrorKind string

const (
	// ErrorNetwork is a transport or connectivity failure. Retryable.
	ErrorNetwork ErrorKind = "network"

	// ErrorServer is a non-2xx status or a server-emitted error event.
	// Retryable only for server-fault statuses.
	ErrorServer ErrorKind = "server"

	// ErrorTimeout is a request or health check that exceeded its deadline.
	ErrorTimeout ErrorKind = "timeout"

	// ErrorAbort is a user or system cancellation. Never retryable and
	// rendered as information rather than failure.
	ErrorAbort ErrorKind = "abort"
)

// ErrorResponse is the structured error carried by error frames and
// attached to failed assistant messages.
type ErrorResponse struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
}

// Error implements the error interface.
func (e *ErrorResponse) Error() string {
	return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
}

// NewNetworkError returns a retryable network error.
func NewNetworkError(message string) *ErrorResponse {
	return &ErrorResponse{Kind: ErrorNetwork, Message: message, Retryable: true}
}

// NewServerError returns a server error, retryable when the status is
// in the 5xx range. A status of zero means the server reported the
// error inside the stream.
func NewServerError(status int, message string) *ErrorResponse {
	return &ErrorResponse{
		Kind:      ErrorServer,
		Message:   message,
		Retryable: status >= 500 && status <= 599,
	}
}

// NewTimeoutError returns a retryable timeout error.
func NewTimeoutError(message string) *ErrorResponse {
	return &ErrorResponse{Kind: ErrorTimeout, Message: message, Retryable: true}
}

// NewAbortError returns the synthetic error used for cancellations.
func NewAbortError() *ErrorResponse {
	return &ErrorResponse{Kind: ErrorAbort, Message: "stopped", Retryable: false}
}
