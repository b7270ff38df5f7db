// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tools provides the typed tool catalogue the agent loop offers to
// the model.
//
// Every tool is built from a Go input struct. The struct yields the JSON
// schema advertised to the model, and model arguments are decoded strictly
// into it and validated with validator/v10 tags before the tool runs.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianChat/services/llm"
	"github.com/go-playground/validator/v10"
	"github.com/sashabaranov/go-openai/jsonschema"
)

// Definition describes a tool to the model and the executor.
type Definition struct {
	Name        string
	Description string

	// Parameters is generated from the tool's input struct.
	Parameters *jsonschema.Definition

	// Timeout overrides the executor default when positive.
	Timeout time.Duration

	// SideEffects marks tools that modify the workspace.
	SideEffects bool
}

// LLM converts the definition to the model-facing form.
func (d Definition) LLM() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        d.Name,
		Description: d.Description,
		Parameters:  d.Parameters,
	}
}

// Call is a tool invocation with decoded, validated arguments bound.
type Call func(ctx context.Context) (string, error)

// Tool is an executable tool.
type Tool interface {
	Definition() Definition

	// Prepare decodes and validates raw JSON arguments. It returns a
	// *ValidationError when they do not satisfy the input contract.
	Prepare(arguments string) (Call, error)
}

// Invocation is one requested tool call.
type Invocation struct {
	ID        string
	ToolName  string
	Arguments string
}

// Result is the outcome of a successful tool execution.
type Result struct {
	Output    string
	Truncated bool
	Duration  time.Duration
}

// ValidationError reports arguments that do not satisfy a tool's input
// contract.
type ValidationError struct {
	Tool    string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.Tool, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Tool, e.Field, e.Message)
}

// Func implements a tool over its typed input.
type Func[In any] func(ctx context.Context, in In) (string, error)

type typedTool[In any] struct {
	def      Definition
	fn       Func[In]
	validate *validator.Validate
}

// Option adjusts a tool definition.
type Option func(*Definition)

// WithTimeout sets a per-tool timeout.
func WithTimeout(d time.Duration) Option {
	return func(def *Definition) { def.Timeout = d }
}

// WithSideEffects marks the tool as modifying the workspace.
func WithSideEffects() Option {
	return func(def *Definition) { def.SideEffects = true }
}

// validate is shared by all typed tools; validator caches struct metadata.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report JSON names so messages match the schema the model saw.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// New builds a tool from a typed function.
//
// # Description
//
// The JSON schema is generated from In, which must be a struct. Field
// names come from json tags, descriptions from description tags, and a
// field is required unless its json tag has omitempty.
//
// # Inputs
//
//   - name: Tool name as shown to the model.
//   - description: What the tool does.
//   - fn: Implementation.
//   - opts: Optional definition adjustments.
//
// # Outputs
//
//   - Tool: The tool.
//   - error: Non-nil if the schema cannot be generated.
func New[In any](name, description string, fn Func[In], opts ...Option) (Tool, error) {
	var zero In
	if reflect.TypeOf(zero).Kind() != reflect.Struct {
		return nil, fmt.Errorf("tool %s: input must be a struct, got %T", name, zero)
	}
	schema, err := jsonschema.GenerateSchemaForType(zero)
	if err != nil {
		return nil, fmt.Errorf("tool %s: generate schema: %w", name, err)
	}

	def := Definition{Name: name, Description: description, Parameters: schema}
	for _, opt := range opts {
		opt(&def)
	}
	return &typedTool[In]{def: def, fn: fn, validate: validate}, nil
}

// MustNew is New for package-level tool declarations.
func MustNew[In any](name, description string, fn Func[In], opts ...Option) Tool {
	t, err := New(name, description, fn, opts...)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *typedTool[In]) Definition() Definition {
	return t.def
}

func (t *typedTool[In]) Prepare(arguments string) (Call, error) {
	in, err := t.decode(arguments)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) (string, error) {
		return t.fn(ctx, in)
	}, nil
}

// decode parses arguments strictly. Unknown fields and trailing data are
// rejected.
func (t *typedTool[In]) decode(arguments string) (In, error) {
	var in In
	if strings.TrimSpace(arguments) == "" {
		arguments = "{}"
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(arguments)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		return in, &ValidationError{Tool: t.def.Name, Message: fmt.Sprintf("invalid arguments: %v", err)}
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return in, &ValidationError{Tool: t.def.Name, Message: "invalid arguments: trailing data after JSON object"}
	}

	if err := t.validate.Struct(in); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return in, &ValidationError{
				Tool:    t.def.Name,
				Field:   fe.Field(),
				Message: describeTag(fe),
			}
		}
		return in, &ValidationError{Tool: t.def.Name, Message: err.Error()}
	}
	return in, nil
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min", "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max", "lte":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}
