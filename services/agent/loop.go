// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package agent runs the tool-using model loop behind the chat stream.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/AleutianChat/pkg/protocol"
	"github.com/AleutianAI/AleutianChat/services/agent/tools"
	"github.com/AleutianAI/AleutianChat/services/llm"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// DefaultMaxSteps bounds tool rounds when no limit is configured.
const DefaultMaxSteps = 8

// DefaultSystemPrompt frames the model as a workspace assistant.
const DefaultSystemPrompt = "You are Aleutian, a helpful assistant with access to tools that " +
	"read, search and modify files in the user's workspace and run programs there. " +
	"Use tools when they help answer the question, then reply with a concise final answer."

// budgetAnswer is returned when the step budget runs out.
const budgetAnswer = "I stopped after %d tool steps without reaching a final answer."

// Pricing holds per-1K-token prices used to compute Usage.Cost.
type Pricing struct {
	PromptPer1K     float64
	CompletionPer1K float64
}

// Cost prices a token count.
func (p Pricing) Cost(u llm.Usage) float64 {
	return float64(u.PromptTokens)/1000*p.PromptPer1K +
		float64(u.CompletionTokens)/1000*p.CompletionPer1K
}

// Config configures a Loop.
type Config struct {
	// MaxSteps is the default tool-round budget per run.
	MaxSteps int

	// SystemPrompt is prepended to every conversation. Empty uses
	// DefaultSystemPrompt.
	SystemPrompt string

	Pricing Pricing
	Params  llm.GenerationParams
}

// Result is the outcome of a run.
type Result struct {
	// Answer is the final text for the user.
	Answer string

	// Usage is summed over every model call of the run.
	Usage protocol.Usage

	// Steps counts model calls.
	Steps int

	// ToolCalls counts executed tool calls, including failed ones.
	ToolCalls int

	// StopReason is ErrMaxStepsExceeded when the budget ran out, else nil.
	StopReason error
}

// RunOption adjusts a single run.
type RunOption func(*runOptions)

type runOptions struct {
	maxSteps int
}

// WithMaxSteps overrides the step budget for one run. Non-positive values
// are ignored.
func WithMaxSteps(n int) RunOption {
	return func(o *runOptions) {
		if n > 0 {
			o.maxSteps = n
		}
	}
}

// Loop drives a chat model through tool calls to a final answer.
//
// Thread Safety: Loop holds no per-run state and is safe for concurrent use.
type Loop struct {
	model    llm.ChatModel
	executor *tools.Executor
	cfg      Config
}

// New creates a loop.
//
// # Inputs
//
//   - model: The chat model. Must not be nil.
//   - executor: Runs tool calls; its registry is the advertised catalogue.
//     Nil runs the model without tools.
//   - cfg: Budget, prompt and pricing.
func New(model llm.ChatModel, executor *tools.Executor, cfg Config) *Loop {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	return &Loop{model: model, executor: executor, cfg: cfg}
}

// Run answers the conversation.
//
// # Description
//
// Calls the model with the tool catalogue. When the model requests tools,
// each call is executed and its output (or error text) is appended as an
// observation, and the model is called again. The loop ends when the model
// replies without tool calls, or after the step budget with an explanatory
// answer.
//
// # Inputs
//
//   - ctx: Cancels the run, including in-flight tool calls.
//   - turns: Conversation history; the last turn is normally the user's.
//   - opts: Per-run overrides.
//
// # Outputs
//
//   - *Result: The answer and accumulated usage.
//   - error: ErrModelFailed when a model call fails, ErrCanceled when ctx
//     ends, ErrEmptyConversation without a user turn. Tool failures are
//     never returned.
func (l *Loop) Run(ctx context.Context, turns []protocol.ChatMessage, opts ...RunOption) (*Result, error) {
	o := runOptions{maxSteps: l.cfg.MaxSteps}
	for _, opt := range opts {
		opt(&o)
	}

	if !lo.ContainsBy(turns, func(m protocol.ChatMessage) bool { return m.Role == protocol.RoleUser }) {
		return nil, ErrEmptyConversation
	}

	ctx, span := startRunSpan(ctx, l.model.Model(), len(turns), o.maxSteps)
	defer span.End()

	messages := make([]llm.Message, 0, len(turns)+1)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: l.cfg.SystemPrompt})
	for _, t := range turns {
		messages = append(messages, llm.Message{Role: string(t.Role), Content: t.Content})
	}

	var catalogue []llm.ToolDefinition
	if l.executor != nil {
		catalogue = l.executor.Registry().Definitions()
	}

	result := &Result{}
	var tokens llm.Usage
	finish := func(outcome string, err error) (*Result, error) {
		result.Usage = protocol.Usage{
			PromptTokens:     tokens.PromptTokens,
			CompletionTokens: tokens.CompletionTokens,
			Cost:             l.cfg.Pricing.Cost(tokens),
		}
		span.SetAttributes(
			attribute.String("agent.outcome", outcome),
			attribute.Int("agent.steps", result.Steps),
			attribute.Int("agent.tool_calls", result.ToolCalls),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
		recordRun(ctx, l.model.Model(), outcome, result.Steps, tokens.PromptTokens, tokens.CompletionTokens)
		if err != nil {
			return nil, err
		}
		return result, nil
	}

	for step := 1; step <= o.maxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return finish("error", fmt.Errorf("%w: %w", ErrCanceled, err))
		}

		completion, err := l.complete(ctx, step, messages, catalogue)
		result.Steps = step
		if err != nil {
			if ctx.Err() != nil {
				return finish("error", fmt.Errorf("%w: %w", ErrCanceled, ctx.Err()))
			}
			slog.Error("agent model call failed", "step", step, "error", err)
			return finish("error", fmt.Errorf("%w: %w", ErrModelFailed, err))
		}
		tokens.PromptTokens += completion.Usage.PromptTokens
		tokens.CompletionTokens += completion.Usage.CompletionTokens

		if len(completion.Message.ToolCalls) == 0 {
			result.Answer = completion.Message.Content
			slog.Info("agent answered",
				"steps", step,
				"tool_calls", result.ToolCalls,
				"answer_chars", len(result.Answer),
			)
			return finish("answered", nil)
		}

		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   completion.Message.Content,
			ToolCalls: completion.Message.ToolCalls,
		})
		for _, call := range completion.Message.ToolCalls {
			result.ToolCalls++
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				ToolCallID: call.ID,
				Content:    l.observe(ctx, call),
			})
		}
	}

	result.Answer = fmt.Sprintf(budgetAnswer, o.maxSteps)
	result.StopReason = ErrMaxStepsExceeded
	slog.Warn("agent stopped at step budget",
		"max_steps", o.maxSteps,
		"tool_calls", result.ToolCalls,
		"error", ErrMaxStepsExceeded,
	)
	return finish("budget", nil)
}

func (l *Loop) complete(ctx context.Context, step int, messages []llm.Message, catalogue []llm.ToolDefinition) (*llm.Completion, error) {
	ctx, span := startStepSpan(ctx, step)
	defer span.End()

	completion, err := l.model.Complete(ctx, llm.CompletionRequest{
		Messages: messages,
		Tools:    catalogue,
		Params:   l.cfg.Params,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "model call failed")
		return nil, err
	}
	span.SetAttributes(
		attribute.String("agent.finish_reason", completion.FinishReason),
		attribute.Int("agent.requested_tools", len(completion.Message.ToolCalls)),
	)
	return completion, nil
}

// observe executes one tool call and renders the outcome for the model.
// Failures become text so the model can recover.
func (l *Loop) observe(ctx context.Context, call llm.ToolCall) string {
	if l.executor == nil {
		return fmt.Sprintf("Error: %v: %s", tools.ErrToolNotFound, call.Name)
	}
	result, err := l.executor.Execute(ctx, &tools.Invocation{
		ID:        call.ID,
		ToolName:  call.Name,
		Arguments: call.Arguments,
	})
	if err != nil {
		var ve *tools.ValidationError
		if errors.As(err, &ve) {
			return fmt.Sprintf("Error: invalid arguments for %s: %s. Check the tool schema and try again.", call.Name, ve.Error())
		}
		return "Error: " + err.Error()
	}
	if result.Output == "" {
		return "(no output)"
	}
	return result.Output
}
