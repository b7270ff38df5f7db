// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides data structures for the orchestrator service.
//
// This file contains the request body of the streaming chat endpoint.
package datatypes

import (
	"github.com/AleutianAI/AleutianChat/pkg/protocol"
	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Request Limits
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a single message content.
	MaxMessageContentBytes = 32 * 1024 // 32KB

	// MaxMessagesPerRequest is the maximum number of messages in a request.
	MaxMessagesPerRequest = 100
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// chatValidate is the validator instance for chat datatypes.
// Initialized in init() with custom validators.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()

	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
	chatValidate.RegisterStructValidation(validateEndsWithUser, ChatStreamRequest{})
}

// validateMaxBytes validates that a string field does not exceed
// MaxMessageContentBytes. Byte length is checked, not rune count.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

// validateEndsWithUser requires the newest turn to be the user's; there is
// nothing to answer otherwise.
func validateEndsWithUser(sl validator.StructLevel) {
	req := sl.Current().Interface().(ChatStreamRequest)
	if n := len(req.Messages); n > 0 && req.Messages[n-1].Role != string(protocol.RoleUser) {
		sl.ReportError(req.Messages, "Messages", "messages", "endswithuser", "")
	}
}

// =============================================================================
// Streaming Chat Request
// =============================================================================

// ChatTurn is one role+content turn of the conversation.
type ChatTurn struct {
	Role    string `json:"role" validate:"required,oneof=user assistant"`
	Content string `json:"content" validate:"maxbytes"`
}

// ChatStreamRequest is the body of POST /v1/chat/stream.
//
// # Description
//
// Carries the whole conversation, oldest turn first. The server keeps no
// history of its own, so every request is self-contained.
//
// # Validation
//
// Uses go-playground/validator:
//   - Messages: required, 1-100 elements, each element validated
//   - Messages[].Role: "user" or "assistant"
//   - Messages[].Content: max 32768 bytes (32KB)
//   - The last message must have role "user"
//
// # Examples
//
//	req := ChatStreamRequest{
//	    Messages: []ChatTurn{
//	        {Role: "user", Content: "What is in main.go?"},
//	    },
//	}
type ChatStreamRequest struct {
	Messages []ChatTurn `json:"messages" validate:"required,min=1,max=100,dive"`
}

// Validate validates the ChatStreamRequest fields.
//
// # Outputs
//
//   - error: Non-nil if validation failed, naming the offending field.
func (r *ChatStreamRequest) Validate() error {
	return chatValidate.Struct(r)
}

// ToProtocol converts the request into wire turns for the agent.
func (r *ChatStreamRequest) ToProtocol() []protocol.ChatMessage {
	turns := make([]protocol.ChatMessage, len(r.Messages))
	for i, m := range r.Messages {
		turns[i] = protocol.ChatMessage{Role: protocol.Role(m.Role), Content: m.Content}
	}
	return turns
}
