// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm abstracts the language model behind the agent loop.
package llm

import (
	"context"
	"errors"
)

var (
	// ErrMissingCredentials means no API key could be found. Not retryable
	// until the operator configures one.
	ErrMissingCredentials = errors.New("llm credentials are not configured")

	// ErrEmptyResponse means the provider answered without any choice.
	ErrEmptyResponse = errors.New("llm returned no choices")
)

// Roles used in model conversations.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// GenerationParams tunes sampling. Nil fields use provider defaults.
type GenerationParams struct {
	Temperature *float32 `json:"temperature" yaml:"temperature"`
	TopP        *float32 `json:"top_p" yaml:"top_p"`
	MaxTokens   *int     `json:"max_tokens" yaml:"max_tokens"`
	Stop        []string `json:"stop" yaml:"stop"`
}

// Message is one entry of a model conversation.
type Message struct {
	Role    string
	Content string

	// ToolCalls is set on assistant messages that request tools.
	ToolCalls []ToolCall

	// ToolCallID links a tool-role message to the call it answers.
	ToolCallID string
}

// ToolCall is a model's request to run a tool.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // raw JSON
}

// ToolDefinition advertises a tool to the model.
type ToolDefinition struct {
	Name        string
	Description string

	// Parameters is a JSON schema value; it must marshal to an object.
	Parameters any
}

// Usage counts tokens for one model call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// CompletionRequest is one model call.
type CompletionRequest struct {
	Messages []Message
	Tools    []ToolDefinition
	Params   GenerationParams
}

// Completion is a model's reply.
type Completion struct {
	Message      Message
	Usage        Usage
	FinishReason string
}

// ChatModel is a tool-calling chat completion backend.
type ChatModel interface {
	// Complete runs one model call. Errors are provider or credential
	// failures; the agent loop does not recover from them.
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)

	// Model names the underlying model, for logs and metrics.
	Model() string
}
