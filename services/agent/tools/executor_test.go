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
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai/jsonschema"
)

type echoInput struct {
	Text  string `json:"text" description:"Text to echo" validate:"required,max=10"`
	Times int    `json:"times,omitempty" validate:"omitempty,min=1,max=3"`
}

// newEchoTool returns a tool that repeats its input and counts calls.
func newEchoTool(calls *atomic.Int32) Tool {
	return MustNew("echo", "Echo text", func(ctx context.Context, in echoInput) (string, error) {
		calls.Add(1)
		n := in.Times
		if n == 0 {
			n = 1
		}
		return strings.Repeat(in.Text, n), nil
	})
}

func TestNew_GeneratesSchema(t *testing.T) {
	var calls atomic.Int32
	def := newEchoTool(&calls).Definition()

	if def.Parameters == nil || def.Parameters.Type != jsonschema.Object {
		t.Fatalf("expected object schema, got %+v", def.Parameters)
	}
	if _, ok := def.Parameters.Properties["text"]; !ok {
		t.Error("expected text property")
	}
	if got := def.Parameters.Properties["text"].Description; got != "Text to echo" {
		t.Errorf("expected description from tag, got %q", got)
	}
	if len(def.Parameters.Required) != 1 || def.Parameters.Required[0] != "text" {
		t.Errorf("expected only text to be required, got %v", def.Parameters.Required)
	}
	if llmDef := def.LLM(); llmDef.Name != "echo" || llmDef.Parameters == nil {
		t.Errorf("unexpected llm definition %+v", llmDef)
	}
}

func TestNew_RejectsNonStruct(t *testing.T) {
	_, err := New("bad", "bad", func(ctx context.Context, in string) (string, error) { return in, nil })
	if err == nil {
		t.Fatal("expected error for non-struct input")
	}
}

func TestExecutor_Execute(t *testing.T) {
	var calls atomic.Int32
	registry := NewRegistry()
	registry.Register(newEchoTool(&calls))
	executor := NewExecutor(registry, nil)

	t.Run("success", func(t *testing.T) {
		inv := &Invocation{ToolName: "echo", Arguments: `{"text":"ab","times":2}`}
		result, err := executor.Execute(context.Background(), inv)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.Output != "abab" {
			t.Errorf("expected abab, got %q", result.Output)
		}
		if inv.ID == "" {
			t.Error("expected invocation id to be assigned")
		}
	})

	tests := []struct {
		name    string
		inv     *Invocation
		wantErr error
		field   string
	}{
		{"unknown tool", &Invocation{ToolName: "nope", Arguments: `{}`}, ErrToolNotFound, ""},
		{"nil invocation", nil, ErrValidationFailed, ""},
		{"missing required", &Invocation{ToolName: "echo", Arguments: `{}`}, ErrValidationFailed, "text"},
		{"empty arguments", &Invocation{ToolName: "echo", Arguments: ``}, ErrValidationFailed, "text"},
		{"too long", &Invocation{ToolName: "echo", Arguments: `{"text":"01234567890"}`}, ErrValidationFailed, "text"},
		{"out of range", &Invocation{ToolName: "echo", Arguments: `{"text":"a","times":9}`}, ErrValidationFailed, "times"},
		{"unknown field", &Invocation{ToolName: "echo", Arguments: `{"text":"a","loud":true}`}, ErrValidationFailed, ""},
		{"wrong type", &Invocation{ToolName: "echo", Arguments: `{"text":5}`}, ErrValidationFailed, ""},
		{"not json", &Invocation{ToolName: "echo", Arguments: `text=a`}, ErrValidationFailed, ""},
		{"trailing data", &Invocation{ToolName: "echo", Arguments: `{"text":"a"} {}`}, ErrValidationFailed, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := calls.Load()
			_, err := executor.Execute(context.Background(), tt.inv)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if calls.Load() != before {
				t.Error("tool must not run when the invocation is rejected")
			}
			if tt.field != "" {
				var ve *ValidationError
				if !errors.As(err, &ve) {
					t.Fatalf("expected *ValidationError, got %T", err)
				}
				if ve.Field != tt.field {
					t.Errorf("expected field %q, got %q", tt.field, ve.Field)
				}
			}
		})
	}
}

func TestExecutor_ToolFailure(t *testing.T) {
	registry := NewRegistry()
	registry.Register(MustNew("fail", "always fails", func(ctx context.Context, in struct{}) (string, error) {
		return "", errors.New("disk on fire")
	}))
	executor := NewExecutor(registry, nil)

	_, err := executor.Execute(context.Background(), &Invocation{ToolName: "fail"})
	if !errors.Is(err, ErrExecutionFailed) {
		t.Fatalf("expected ErrExecutionFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), "disk on fire") {
		t.Errorf("expected cause in message, got %q", err.Error())
	}
}

func TestExecutor_Timeout(t *testing.T) {
	registry := NewRegistry()
	registry.Register(MustNew("slow", "waits for cancellation", func(ctx context.Context, in struct{}) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}, WithTimeout(20*time.Millisecond)))
	executor := NewExecutor(registry, &ExecutorOptions{DefaultTimeout: time.Hour})

	start := time.Now()
	_, err := executor.Execute(context.Background(), &Invocation{ToolName: "slow"})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("per-tool timeout should override the default")
	}
}

func TestExecutor_TruncatesOutput(t *testing.T) {
	registry := NewRegistry()
	registry.Register(MustNew("big", "large output", func(ctx context.Context, in struct{}) (string, error) {
		return strings.Repeat("é", 100), nil
	}))
	executor := NewExecutor(registry, &ExecutorOptions{MaxOutputBytes: 11})

	result, err := executor.Execute(context.Background(), &Invocation{ToolName: "big"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Truncated {
		t.Error("expected truncation")
	}
	want := strings.Repeat("é", 5) + truncationNotice
	if result.Output != want {
		t.Errorf("expected %q, got %q", want, result.Output)
	}
}

func TestRegistry(t *testing.T) {
	var calls atomic.Int32
	registry := NewRegistry()

	t.Run("register nil tool", func(t *testing.T) {
		registry.Register(nil)
		if registry.Len() != 0 {
			t.Error("nil tool should not be registered")
		}
	})

	t.Run("definitions are sorted", func(t *testing.T) {
		registry.Register(
			MustNew("zeta", "z", func(ctx context.Context, in struct{}) (string, error) { return "", nil }),
			newEchoTool(&calls),
		)
		defs := registry.Definitions()
		if len(defs) != 2 || defs[0].Name != "echo" || defs[1].Name != "zeta" {
			t.Errorf("unexpected order: %+v", defs)
		}
	})

	t.Run("replace existing tool", func(t *testing.T) {
		registry.Register(MustNew("zeta", "replaced", func(ctx context.Context, in struct{}) (string, error) { return "", nil }))
		got, ok := registry.Get("zeta")
		if !ok || got.Definition().Description != "replaced" {
			t.Error("expected zeta to be replaced")
		}
		if registry.Len() != 2 {
			t.Errorf("expected 2 tools, got %d", registry.Len())
		}
	})

	t.Run("concurrent access", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				registry.Register(newEchoTool(&calls))
			}()
			go func() {
				defer wg.Done()
				_ = registry.Definitions()
				_, _ = registry.Get("echo")
			}()
		}
		wg.Wait()
	})
}
