// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Sentinel errors for the executor.
var (
	// ErrToolNotFound indicates the requested tool does not exist.
	ErrToolNotFound = errors.New("tool not found")

	// ErrValidationFailed indicates parameter validation failed.
	ErrValidationFailed = errors.New("parameter validation failed")

	// ErrExecutionFailed indicates tool execution failed.
	ErrExecutionFailed = errors.New("tool execution failed")

	// ErrTimeout indicates the tool execution timed out.
	ErrTimeout = errors.New("tool execution timed out")
)

const truncationNotice = "\n... [truncated]"

// ExecutorOptions configures an Executor.
type ExecutorOptions struct {
	// DefaultTimeout applies to tools without their own timeout.
	DefaultTimeout time.Duration

	// MaxOutputBytes caps the output handed back to the model.
	MaxOutputBytes int
}

// DefaultExecutorOptions returns sensible defaults.
func DefaultExecutorOptions() ExecutorOptions {
	return ExecutorOptions{
		DefaultTimeout: 30 * time.Second,
		MaxOutputBytes: 16 * 1024,
	}
}

// Executor handles tool invocations with validation and observability.
//
// Thread Safety:
//
//	Executor is safe for concurrent use. Multiple tool executions can
//	run simultaneously.
type Executor struct {
	registry *Registry
	options  ExecutorOptions
}

// NewExecutor creates a new tool executor.
//
// Inputs:
//
//	registry - The tool registry
//	opts - Executor options (uses defaults if nil)
//
// Outputs:
//
//	*Executor - The configured executor
func NewExecutor(registry *Registry, opts *ExecutorOptions) *Executor {
	options := DefaultExecutorOptions()
	if opts != nil {
		if opts.DefaultTimeout > 0 {
			options.DefaultTimeout = opts.DefaultTimeout
		}
		if opts.MaxOutputBytes > 0 {
			options.MaxOutputBytes = opts.MaxOutputBytes
		}
	}
	return &Executor{registry: registry, options: options}
}

// Registry returns the registry the executor dispatches to.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Execute runs a tool with the given invocation.
//
// Description:
//
//	Looks up the tool, decodes and validates the arguments, executes the
//	tool under a timeout, and truncates oversized output.
//
// Inputs:
//
//	ctx - Context for cancellation and timeout
//	invocation - The tool invocation to execute
//
// Outputs:
//
//	*Result - The execution result
//	error - Non-nil if execution failed
//
// Errors:
//
//	ErrToolNotFound - Tool does not exist
//	ErrValidationFailed - Arguments do not satisfy the input contract
//	ErrTimeout - Execution timed out
//	ErrExecutionFailed - Tool returned an error
//
// Thread Safety: This method is safe for concurrent use.
func (e *Executor) Execute(ctx context.Context, invocation *Invocation) (*Result, error) {
	if invocation == nil {
		return nil, fmt.Errorf("%w: nil invocation", ErrValidationFailed)
	}
	if invocation.ID == "" {
		invocation.ID = uuid.NewString()
	}

	ctx, span := startExecuteSpan(ctx, invocation)
	defer span.End()

	logger := slog.With(
		"tool", invocation.ToolName,
		"invocation_id", invocation.ID,
	)
	start := time.Now()

	fail := func(outcome string, err error) (*Result, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		recordInvocation(ctx, invocation.ToolName, outcome, time.Since(start))
		return nil, err
	}

	tool, ok := e.registry.Get(invocation.ToolName)
	if !ok {
		logger.Warn("Tool not found")
		return fail("not_found", fmt.Errorf("%w: %s", ErrToolNotFound, invocation.ToolName))
	}

	call, err := tool.Prepare(invocation.Arguments)
	if err != nil {
		logger.Warn("Parameter validation failed", "error", err)
		return fail("invalid", fmt.Errorf("%w: %w", ErrValidationFailed, err))
	}

	timeout := e.options.DefaultTimeout
	if def := tool.Definition(); def.Timeout > 0 {
		timeout = def.Timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logger.Debug("Executing tool")
	output, err := call(runCtx)
	duration := time.Since(start)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			logger.Error("Tool execution timed out", "timeout", timeout)
			return fail("timeout", fmt.Errorf("%w: %s after %v", ErrTimeout, invocation.ToolName, timeout))
		}
		logger.Error("Tool execution failed", "error", err)
		return fail("failed", fmt.Errorf("%w: %w", ErrExecutionFailed, err))
	}

	result := &Result{Output: output, Duration: duration}
	if len(result.Output) > e.options.MaxOutputBytes {
		result.Output = truncateUTF8(result.Output, e.options.MaxOutputBytes) + truncationNotice
		result.Truncated = true
	}

	span.SetAttributes(
		attribute.Int("tool.output_bytes", len(result.Output)),
		attribute.Bool("tool.truncated", result.Truncated),
	)
	recordInvocation(ctx, invocation.ToolName, "ok", duration)
	logger.Debug("Tool executed",
		"duration", duration,
		"output_bytes", len(result.Output),
		"truncated", result.Truncated,
	)
	return result, nil
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
