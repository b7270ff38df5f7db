// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads orchestrator configuration.
//
// # Sources
//
// Configuration is layered, later sources overriding earlier ones:
//
//  1. Built-in defaults (Default)
//  2. YAML file (optional)
//  3. .env file (optional, only sets variables not already in the environment)
//  4. Environment variables prefixed with ALEUTIAN_, e.g.
//     ALEUTIAN_STREAM_CHUNK_SIZE=8 or ALEUTIAN_LLM_MODEL=gpt-4o
//
// The result is validated before use.
//
// # Hot Reload
//
// Watcher reloads the YAML file on change. Only the stream and agent
// sections take effect without a restart; they are read per request from
// the current snapshot.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/caarlos0/env/v9"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ALEUTIAN_"

// Config is the complete orchestrator configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" envPrefix:"SERVER_"`
	LLM       LLMConfig       `yaml:"llm" envPrefix:"LLM_"`
	Agent     AgentConfig     `yaml:"agent" envPrefix:"AGENT_"`
	Stream    StreamConfig    `yaml:"stream" envPrefix:"STREAM_"`
	Telemetry TelemetryConfig `yaml:"telemetry" envPrefix:"TELEMETRY_"`
	Logging   LoggingConfig   `yaml:"logging" envPrefix:"LOG_"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port            int           `yaml:"port" env:"PORT" validate:"min=1,max=65535"`
	GinMode         string        `yaml:"gin_mode" env:"GIN_MODE" validate:"omitempty,oneof=debug release test"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" validate:"gte=0"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" env:"MAX_BODY_BYTES" validate:"min=1024"`
}

// LLMConfig configures the chat model provider.
type LLMConfig struct {
	Model       string  `yaml:"model" env:"MODEL"`
	BaseURL     string  `yaml:"base_url" env:"BASE_URL" validate:"omitempty,url"`
	APIKeyFile  string  `yaml:"api_key_file" env:"API_KEY_FILE"`
	Temperature float32 `yaml:"temperature" env:"TEMPERATURE" validate:"gte=0,lte=2"`
	MaxTokens   int     `yaml:"max_tokens" env:"MAX_TOKENS" validate:"gte=0"`

	// Prices in currency units per 1K tokens, used for the usage frame.
	PromptPricePer1K     float64 `yaml:"prompt_price_per_1k" env:"PROMPT_PRICE_PER_1K" validate:"gte=0"`
	CompletionPricePer1K float64 `yaml:"completion_price_per_1k" env:"COMPLETION_PRICE_PER_1K" validate:"gte=0"`
}

// AgentConfig configures the agent loop and its tools.
type AgentConfig struct {
	MaxSteps     int    `yaml:"max_steps" env:"MAX_STEPS" validate:"min=1,max=50"`
	SystemPrompt string `yaml:"system_prompt" env:"SYSTEM_PROMPT"`

	// Workspace confines all tool paths.
	Workspace       string        `yaml:"workspace" env:"WORKSPACE" validate:"required"`
	AllowWrite      bool          `yaml:"allow_write" env:"ALLOW_WRITE"`
	AllowCommands   bool          `yaml:"allow_commands" env:"ALLOW_COMMANDS"`
	AllowedCommands []string      `yaml:"allowed_commands" env:"ALLOWED_COMMANDS" envSeparator:","`
	ToolTimeout     time.Duration `yaml:"tool_timeout" env:"TOOL_TIMEOUT" validate:"gt=0"`
	CommandTimeout  time.Duration `yaml:"command_timeout" env:"COMMAND_TIMEOUT" validate:"gt=0"`
	MaxToolOutput   int           `yaml:"max_tool_output" env:"MAX_TOOL_OUTPUT" validate:"min=256"`
	MaxConcurrent   int64         `yaml:"max_concurrent_commands" env:"MAX_CONCURRENT_COMMANDS" validate:"min=1"`
}

// StreamConfig tunes how answers are streamed.
type StreamConfig struct {
	// ChunkSize is the number of characters per text frame; 0 sends the
	// answer as one frame.
	ChunkSize int `yaml:"chunk_size" env:"CHUNK_SIZE" validate:"gte=0"`

	// ChunkInterval paces text frames; 0 sends them back to back.
	ChunkInterval time.Duration `yaml:"chunk_interval" env:"CHUNK_INTERVAL" validate:"gte=0"`

	// KeepaliveInterval is the period of ": ping" comments while the agent
	// works; 0 disables them.
	KeepaliveInterval time.Duration `yaml:"keepalive_interval" env:"KEEPALIVE_INTERVAL" validate:"gte=0"`

	// RequestTimeout bounds one agent run; 0 means no limit beyond the
	// client connection.
	RequestTimeout time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT" validate:"gte=0"`
}

// TelemetryConfig selects OpenTelemetry exporters.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name" env:"SERVICE_NAME" validate:"required"`
	TraceExporter  string `yaml:"trace_exporter" env:"TRACE_EXPORTER" validate:"oneof=none stdout otlp"`
	MetricExporter string `yaml:"metric_exporter" env:"METRIC_EXPORTER" validate:"oneof=none stdout prometheus"`
	OTLPEndpoint   string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT" validate:"required_if=TraceExporter otlp"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level" env:"LEVEL" validate:"oneof=debug info warn warning error"`
	Dir   string `yaml:"dir" env:"DIR"`
	JSON  bool   `yaml:"json" env:"JSON"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            12210,
			ShutdownTimeout: 10 * time.Second,
			MaxBodyBytes:    4 << 20,
		},
		LLM: LLMConfig{
			PromptPricePer1K:     0.00015,
			CompletionPricePer1K: 0.0006,
		},
		Agent: AgentConfig{
			MaxSteps:       8,
			Workspace:      ".",
			ToolTimeout:    30 * time.Second,
			CommandTimeout: 20 * time.Second,
			MaxToolOutput:  16 * 1024,
			MaxConcurrent:  4,
		},
		Stream: StreamConfig{
			ChunkSize:         16,
			ChunkInterval:     15 * time.Millisecond,
			KeepaliveInterval: 15 * time.Second,
			RequestTimeout:    5 * time.Minute,
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "orchestrator-service",
			TraceExporter:  "none",
			MetricExporter: "prometheus",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadOptions locates the configuration sources.
type LoadOptions struct {
	// Path is the YAML file. Empty skips the file. A missing file is an
	// error unless Optional is set.
	Path     string
	Optional bool

	// EnvFile is a dotenv file. Empty or missing files are skipped.
	EnvFile string
}

var validate = validator.New()

// Load builds a validated configuration from all sources.
//
// # Inputs
//
//   - opts: Source locations.
//
// # Outputs
//
//   - *Config: The configuration.
//   - error: Non-nil when a file cannot be parsed, an environment value
//     has the wrong type, or validation fails.
func Load(opts LoadOptions) (*Config, error) {
	cfg := Default()

	if opts.Path != "" {
		if err := readYAML(opts.Path, cfg); err != nil {
			if !(opts.Optional && errors.Is(err, fs.ErrNotExist)) {
				return nil, err
			}
			slog.Debug("config file not found, using defaults", "path", opts.Path)
		}
	}

	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("load env file %s: %w", opts.EnvFile, err)
			}
		} else {
			slog.Debug("loaded env file", "path", opts.EnvFile)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field constraint.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func readYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}
