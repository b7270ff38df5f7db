// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/AleutianAI/AleutianChat/pkg/protocol"
	"github.com/AleutianAI/AleutianChat/services/agent/tools"
	"github.com/AleutianAI/AleutianChat/services/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedModel replays completions in order and records every request.
type scriptedModel struct {
	mu       sync.Mutex
	replies  []*llm.Completion
	err      error
	requests []llm.CompletionRequest
}

func (m *scriptedModel) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.Completion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	if len(m.replies) == 0 {
		return nil, errors.New("script exhausted")
	}
	next := m.replies[0]
	m.replies = m.replies[1:]
	return next, nil
}

func (m *scriptedModel) Model() string { return "scripted" }

func answer(text string, prompt, completion int) *llm.Completion {
	return &llm.Completion{
		Message:      llm.Message{Role: llm.RoleAssistant, Content: text},
		FinishReason: "stop",
		Usage:        llm.Usage{PromptTokens: prompt, CompletionTokens: completion},
	}
}

func toolCall(id, name, args string) *llm.Completion {
	return &llm.Completion{
		Message: llm.Message{
			Role:      llm.RoleAssistant,
			ToolCalls: []llm.ToolCall{{ID: id, Name: name, Arguments: args}},
		},
		FinishReason: "tool_calls",
		Usage:        llm.Usage{PromptTokens: 10, CompletionTokens: 2},
	}
}

type lookupInput struct {
	Key string `json:"key" validate:"required"`
}

func newTestExecutor(t *testing.T) (*tools.Executor, *int) {
	t.Helper()
	calls := 0
	registry := tools.NewRegistry()
	registry.Register(
		tools.MustNew("lookup", "Look up a key", func(ctx context.Context, in lookupInput) (string, error) {
			calls++
			if in.Key == "boom" {
				return "", errors.New("backend down")
			}
			return "value-of-" + in.Key, nil
		}),
	)
	return tools.NewExecutor(registry, nil), &calls
}

var userTurn = []protocol.ChatMessage{{Role: protocol.RoleUser, Content: "what is x?"}}

func TestLoop_DirectAnswer(t *testing.T) {
	model := &scriptedModel{replies: []*llm.Completion{answer("hello world", 20, 5)}}
	exec, _ := newTestExecutor(t)
	loop := New(model, exec, Config{Pricing: Pricing{PromptPer1K: 1, CompletionPer1K: 2}})

	result, err := loop.Run(context.Background(), userTurn)
	require.NoError(t, err)

	assert.Equal(t, "hello world", result.Answer)
	assert.Equal(t, 1, result.Steps)
	assert.Nil(t, result.StopReason)
	assert.Equal(t, 20, result.Usage.PromptTokens)
	assert.Equal(t, 5, result.Usage.CompletionTokens)
	assert.InDelta(t, 0.03, result.Usage.Cost, 1e-9)

	require.Len(t, model.requests, 1)
	req := model.requests[0]
	assert.Equal(t, llm.RoleSystem, req.Messages[0].Role)
	assert.Equal(t, DefaultSystemPrompt, req.Messages[0].Content)
	assert.Equal(t, "what is x?", req.Messages[1].Content)
	require.Len(t, req.Tools, 1)
	assert.Equal(t, "lookup", req.Tools[0].Name)
}

func TestLoop_ToolRoundTrip(t *testing.T) {
	model := &scriptedModel{replies: []*llm.Completion{
		toolCall("c1", "lookup", `{"key":"x"}`),
		answer("x is value-of-x", 30, 4),
	}}
	exec, calls := newTestExecutor(t)
	loop := New(model, exec, Config{})

	result, err := loop.Run(context.Background(), userTurn)
	require.NoError(t, err)

	assert.Equal(t, "x is value-of-x", result.Answer)
	assert.Equal(t, 2, result.Steps)
	assert.Equal(t, 1, result.ToolCalls)
	assert.Equal(t, 1, *calls)
	assert.Equal(t, 40, result.Usage.PromptTokens)
	assert.Equal(t, 6, result.Usage.CompletionTokens)
	assert.Zero(t, result.Usage.Cost)

	second := model.requests[1].Messages
	require.Len(t, second, 4)
	assert.Equal(t, llm.RoleAssistant, second[2].Role)
	assert.Equal(t, "lookup", second[2].ToolCalls[0].Name)
	assert.Equal(t, llm.RoleTool, second[3].Role)
	assert.Equal(t, "c1", second[3].ToolCallID)
	assert.Equal(t, "value-of-x", second[3].Content)
}

func TestLoop_ToolFailuresBecomeObservations(t *testing.T) {
	tests := []struct {
		name     string
		call     *llm.Completion
		contains string
	}{
		{"unknown tool", toolCall("c1", "teleport", `{}`), "tool not found: teleport"},
		{"invalid arguments", toolCall("c1", "lookup", `{"id":"x"}`), "invalid arguments for lookup"},
		{"missing field", toolCall("c1", "lookup", `{}`), "key: is required"},
		{"execution error", toolCall("c1", "lookup", `{"key":"boom"}`), "backend down"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := &scriptedModel{replies: []*llm.Completion{tt.call, answer("recovered", 1, 1)}}
			exec, _ := newTestExecutor(t)

			result, err := New(model, exec, Config{}).Run(context.Background(), userTurn)
			require.NoError(t, err)
			assert.Equal(t, "recovered", result.Answer)

			observation := model.requests[1].Messages[3]
			assert.Equal(t, llm.RoleTool, observation.Role)
			assert.True(t, strings.HasPrefix(observation.Content, "Error: "))
			assert.Contains(t, observation.Content, tt.contains)
		})
	}
}

func TestLoop_StepBudget(t *testing.T) {
	replies := make([]*llm.Completion, 0, 10)
	for i := 0; i < 10; i++ {
		replies = append(replies, toolCall(fmt.Sprintf("c%d", i), "lookup", `{"key":"x"}`))
	}
	model := &scriptedModel{replies: replies}
	exec, calls := newTestExecutor(t)
	loop := New(model, exec, Config{MaxSteps: 5})

	result, err := loop.Run(context.Background(), userTurn, WithMaxSteps(3))
	require.NoError(t, err)

	assert.Equal(t, "I stopped after 3 tool steps without reaching a final answer.", result.Answer)
	assert.ErrorIs(t, result.StopReason, ErrMaxStepsExceeded)
	assert.Equal(t, 3, result.Steps)
	assert.Equal(t, 3, *calls)
	assert.Equal(t, 30, result.Usage.PromptTokens)
	assert.Len(t, model.requests, 3)
}

func TestLoop_ModelFailurePropagates(t *testing.T) {
	model := &scriptedModel{err: llm.ErrMissingCredentials}
	loop := New(model, nil, Config{})

	_, err := loop.Run(context.Background(), userTurn)
	assert.ErrorIs(t, err, ErrModelFailed)
	assert.ErrorIs(t, err, llm.ErrMissingCredentials)
}

func TestLoop_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	model := &scriptedModel{replies: []*llm.Completion{answer("late", 1, 1)}}

	_, err := New(model, nil, Config{}).Run(ctx, userTurn)
	assert.ErrorIs(t, err, ErrCanceled)
	assert.Empty(t, model.requests)
}

func TestLoop_RequiresUserTurn(t *testing.T) {
	model := &scriptedModel{}
	_, err := New(model, nil, Config{}).Run(context.Background(),
		[]protocol.ChatMessage{{Role: protocol.RoleAssistant, Content: "hi"}})
	assert.ErrorIs(t, err, ErrEmptyConversation)
}

func TestLoop_WithoutExecutor(t *testing.T) {
	model := &scriptedModel{replies: []*llm.Completion{
		toolCall("c1", "lookup", `{"key":"x"}`),
		answer("done", 1, 1),
	}}
	result, err := New(model, nil, Config{SystemPrompt: "custom"}).Run(context.Background(), userTurn)
	require.NoError(t, err)
	assert.Equal(t, "done", result.Answer)
	assert.Empty(t, model.requests[0].Tools)
	assert.Equal(t, "custom", model.requests[0].Messages[0].Content)
	assert.Contains(t, model.requests[1].Messages[3].Content, "tool not found")
}

func TestPricing_Cost(t *testing.T) {
	p := Pricing{PromptPer1K: 0.15, CompletionPer1K: 0.6}
	assert.InDelta(t, 0.15+1.2, p.Cost(llm.Usage{PromptTokens: 1000, CompletionTokens: 2000}), 1e-9)
}
