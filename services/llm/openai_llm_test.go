// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Mock Server Helpers
// =============================================================================

// capturedRequest is the subset of a chat completion request the tests
// inspect.
type capturedRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role       string `json:"role"`
		Content    string `json:"content"`
		ToolCallID string `json:"tool_call_id"`
		ToolCalls  []struct {
			ID       string `json:"id"`
			Function struct {
				Name      string `json:"name"`
				Arguments string `json:"arguments"`
			} `json:"function"`
		} `json:"tool_calls"`
	} `json:"messages"`
	Tools []struct {
		Type     string `json:"type"`
		Function struct {
			Name       string         `json:"name"`
			Parameters map[string]any `json:"parameters"`
		} `json:"function"`
	} `json:"tools"`
	Temperature float32 `json:"temperature"`
}

// newMockOpenAIServer serves /v1/chat/completions with a fixed body and
// records the decoded request and Authorization header.
func newMockOpenAIServer(t *testing.T, status int, body string) (*httptest.Server, *capturedRequest, *string) {
	t.Helper()
	var got capturedRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &got, &auth
}

const toolCallResponse = `{
  "id": "chatcmpl-1",
  "object": "chat.completion",
  "model": "gpt-4o-mini",
  "choices": [{
    "index": 0,
    "finish_reason": "tool_calls",
    "message": {
      "role": "assistant",
      "content": "",
      "tool_calls": [{
        "id": "call_1",
        "type": "function",
        "function": {"name": "list_directory", "arguments": "{\"path\":\".\"}"}
      }]
    }
  }],
  "usage": {"prompt_tokens": 42, "completion_tokens": 7, "total_tokens": 49}
}`

const answerResponse = `{
  "id": "chatcmpl-2",
  "object": "chat.completion",
  "model": "gpt-4o-mini",
  "choices": [{
    "index": 0,
    "finish_reason": "stop",
    "message": {"role": "assistant", "content": "main.go and go.mod"}
  }],
  "usage": {"prompt_tokens": 60, "completion_tokens": 5, "total_tokens": 65}
}`

func newTestClient(t *testing.T, baseURL string) *OpenAIClient {
	t.Helper()
	client, err := NewOpenAIClient(OpenAIConfig{APIKey: "test-key", BaseURL: baseURL + "/v1/"})
	require.NoError(t, err)
	return client
}

// =============================================================================
// Tests
// =============================================================================

func TestOpenAIClient_ToolCallRoundTrip(t *testing.T) {
	srv, got, auth := newMockOpenAIServer(t, http.StatusOK, toolCallResponse)
	client := newTestClient(t, srv.URL)

	temp := float32(0.2)
	completion, err := client.Complete(context.Background(), CompletionRequest{
		Messages: []Message{
			{Role: RoleSystem, Content: "be brief"},
			{Role: RoleUser, Content: "which files?"},
		},
		Tools: []ToolDefinition{{
			Name:        "list_directory",
			Description: "List a directory",
			Parameters:  map[string]any{"type": "object", "properties": map[string]any{"path": map[string]any{"type": "string"}}},
		}},
		Params: GenerationParams{Temperature: &temp},
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer test-key", *auth)
	assert.Equal(t, DefaultOpenAIModel, got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	require.Len(t, got.Tools, 1)
	assert.Equal(t, "function", got.Tools[0].Type)
	assert.Equal(t, "list_directory", got.Tools[0].Function.Name)
	assert.Equal(t, "object", got.Tools[0].Function.Parameters["type"])
	assert.InDelta(t, 0.2, got.Temperature, 0.0001)

	assert.Equal(t, "tool_calls", completion.FinishReason)
	require.Len(t, completion.Message.ToolCalls, 1)
	assert.Equal(t, ToolCall{ID: "call_1", Name: "list_directory", Arguments: `{"path":"."}`}, completion.Message.ToolCalls[0])
	assert.Equal(t, Usage{PromptTokens: 42, CompletionTokens: 7}, completion.Usage)
}

func TestOpenAIClient_SendsToolObservations(t *testing.T) {
	srv, got, _ := newMockOpenAIServer(t, http.StatusOK, answerResponse)
	client := newTestClient(t, srv.URL)

	completion, err := client.Complete(context.Background(), CompletionRequest{
		Messages: []Message{
			{Role: RoleUser, Content: "which files?"},
			{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "call_1", Name: "list_directory", Arguments: `{"path":"."}`}}},
			{Role: RoleTool, ToolCallID: "call_1", Content: "main.go\ngo.mod"},
		},
	})
	require.NoError(t, err)

	require.Len(t, got.Messages, 3)
	require.Len(t, got.Messages[1].ToolCalls, 1)
	assert.Equal(t, "list_directory", got.Messages[1].ToolCalls[0].Function.Name)
	assert.Equal(t, "call_1", got.Messages[2].ToolCallID)
	assert.Empty(t, got.Tools, "no tools advertised when none are given")

	assert.Equal(t, "main.go and go.mod", completion.Message.Content)
	assert.Empty(t, completion.Message.ToolCalls)
}

func TestOpenAIClient_ProviderError(t *testing.T) {
	srv, _, _ := newMockOpenAIServer(t, http.StatusUnauthorized,
		`{"error":{"message":"bad key","type":"invalid_request_error"}}`)
	client := newTestClient(t, srv.URL)

	_, err := client.Complete(context.Background(), CompletionRequest{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OpenAI API call failed")
}

func TestOpenAIClient_NoChoices(t *testing.T) {
	srv, _, _ := newMockOpenAIServer(t, http.StatusOK, `{"id":"x","choices":[]}`)
	client := newTestClient(t, srv.URL)

	_, err := client.Complete(context.Background(), CompletionRequest{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestNewOpenAIClient_KeyResolution(t *testing.T) {
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "key")
	require.NoError(t, os.WriteFile(keyFile, []byte("  from-file\n"), 0600))

	t.Run("explicit key", func(t *testing.T) {
		t.Setenv("OPENAI_API_KEY", "")
		c, err := NewOpenAIClient(OpenAIConfig{APIKey: "k", Model: "gpt-4o"})
		require.NoError(t, err)
		assert.Equal(t, "gpt-4o", c.Model())
	})

	t.Run("environment", func(t *testing.T) {
		t.Setenv("OPENAI_API_KEY", "from-env")
		_, err := NewOpenAIClient(OpenAIConfig{APIKeyFile: filepath.Join(dir, "missing")})
		require.NoError(t, err)
	})

	t.Run("secret file", func(t *testing.T) {
		t.Setenv("OPENAI_API_KEY", "")
		c, err := NewOpenAIClient(OpenAIConfig{APIKeyFile: keyFile})
		require.NoError(t, err)

		buf, err := c.key.Open()
		require.NoError(t, err)
		defer buf.Destroy()
		assert.Equal(t, "from-file", buf.String())
	})

	t.Run("missing", func(t *testing.T) {
		t.Setenv("OPENAI_API_KEY", "")
		_, err := NewOpenAIClient(OpenAIConfig{APIKeyFile: filepath.Join(dir, "missing")})
		assert.ErrorIs(t, err, ErrMissingCredentials)
	})

	t.Run("empty file", func(t *testing.T) {
		t.Setenv("OPENAI_API_KEY", "")
		empty := filepath.Join(dir, "empty")
		require.NoError(t, os.WriteFile(empty, []byte("\n"), 0600))
		_, err := NewOpenAIClient(OpenAIConfig{APIKeyFile: empty})
		assert.ErrorIs(t, err, ErrMissingCredentials)
	})
}
