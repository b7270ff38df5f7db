// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/awnumar/memguard"
	"github.com/sashabaranov/go-openai"
)

const (
	// DefaultOpenAIModel is used when no model is configured.
	DefaultOpenAIModel = "gpt-4o-mini"

	// DefaultAPIKeyFile is where container secrets are mounted.
	DefaultAPIKeyFile = "/run/secrets/openai_api_key"
)

// OpenAIConfig configures OpenAIClient.
type OpenAIConfig struct {
	// APIKey takes precedence over the environment and the key file.
	APIKey string

	// APIKeyFile is read when neither APIKey nor OPENAI_API_KEY is set.
	APIKeyFile string

	// BaseURL targets an OpenAI-compatible server. Empty uses api.openai.com.
	BaseURL string

	// Model defaults to DefaultOpenAIModel.
	Model string

	// Params applies to every call that does not set its own.
	Params GenerationParams
}

// OpenAIClient implements ChatModel with the OpenAI chat completions API.
//
// The API key is sealed in a memguard enclave and only opened for the
// duration of a call.
type OpenAIClient struct {
	key     *memguard.Enclave
	baseURL string
	model   string
	params  GenerationParams
}

var _ ChatModel = (*OpenAIClient)(nil)

// NewOpenAIClient resolves the API key and creates a client.
//
// Key resolution order: cfg.APIKey, OPENAI_API_KEY, then the key file
// (cfg.APIKeyFile or DefaultAPIKeyFile).
//
// Returns ErrMissingCredentials if no key is found.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	}
	if apiKey == "" {
		path := cfg.APIKeyFile
		if path == "" {
			path = DefaultAPIKeyFile
		}
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Error("OPENAI_API_KEY not set and secret not found", "path", path)
			return nil, ErrMissingCredentials
		}
		apiKey = strings.TrimSpace(string(data))
		slog.Info("read the OpenAI API key from secret file", "path", path)
	}
	if apiKey == "" {
		return nil, ErrMissingCredentials
	}

	model := cfg.Model
	if model == "" {
		model = DefaultOpenAIModel
		slog.Warn("no OpenAI model configured, using default", "model", model)
	}

	slog.Info("initializing OpenAI client", "model", model, "custom_base_url", cfg.BaseURL != "")
	return &OpenAIClient{
		key:     memguard.NewEnclave([]byte(apiKey)),
		baseURL: cfg.BaseURL,
		model:   model,
		params:  cfg.Params,
	}, nil
}

// Model returns the configured model name.
func (o *OpenAIClient) Model() string {
	return o.model
}

// Complete sends one chat completion request with the tool catalogue.
func (o *OpenAIClient) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	client, release, err := o.openClient()
	if err != nil {
		return nil, err
	}
	defer release()

	apiReq := openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: toOpenAIMessages(req.Messages),
		Tools:    toOpenAITools(req.Tools),
	}
	applyParams(&apiReq, o.params)
	applyParams(&apiReq, req.Params)

	slog.Debug("calling OpenAI",
		"model", o.model,
		"messages", len(apiReq.Messages),
		"tools", len(apiReq.Tools),
	)

	resp, err := client.CreateChatCompletion(ctx, apiReq)
	if err != nil {
		return nil, fmt.Errorf("OpenAI API call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrEmptyResponse
	}

	choice := resp.Choices[0]
	slog.Debug("received OpenAI response",
		"finish_reason", choice.FinishReason,
		"tool_calls", len(choice.Message.ToolCalls),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
	)

	return &Completion{
		Message:      fromOpenAIMessage(choice.Message),
		FinishReason: string(choice.FinishReason),
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

// openClient unseals the key and builds a client for one call. release
// destroys the unsealed copy.
func (o *OpenAIClient) openClient() (*openai.Client, func(), error) {
	buf, err := o.key.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("open API key enclave: %w", err)
	}
	config := openai.DefaultConfig(buf.String())
	if o.baseURL != "" {
		config.BaseURL = strings.TrimRight(o.baseURL, "/")
	}
	return openai.NewClientWithConfig(config), buf.Destroy, nil
}

func applyParams(req *openai.ChatCompletionRequest, p GenerationParams) {
	if p.Temperature != nil {
		req.Temperature = *p.Temperature
	}
	if p.TopP != nil {
		req.TopP = *p.TopP
	}
	if p.MaxTokens != nil {
		req.MaxCompletionTokens = *p.MaxTokens
	}
	if len(p.Stop) > 0 {
		req.Stop = p.Stop
	}
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msg := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		out = append(out, msg)
	}
	return out
}

func toOpenAITools(tools []ToolDefinition) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

func fromOpenAIMessage(m openai.ChatCompletionMessage) Message {
	msg := Message{Role: m.Role, Content: m.Content}
	for _, tc := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return msg
}
