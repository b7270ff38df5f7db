// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the chat client configuration.
//
// Values come from ~/.aleutian/chat.yaml (created with defaults on first
// run), then ALEUTIAN_CHAT_* environment variables. Command-line flags are
// applied by the caller on top.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v9"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ALEUTIAN_CHAT_"

// Config is the chat client configuration.
type Config struct {
	// ServerURL is the orchestrator base URL.
	ServerURL string `yaml:"server_url" env:"SERVER_URL" validate:"required,url"`

	// DataDir holds the session database and logs. "~" is expanded.
	DataDir string `yaml:"data_dir" env:"DATA_DIR" validate:"required"`

	LogLevel string `yaml:"log_level" env:"LOG_LEVEL" validate:"oneof=debug info warn warning error"`

	// RequestTimeout bounds one answer; 0 waits as long as the server
	// keeps the stream open.
	RequestTimeout time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT" validate:"gte=0"`

	HealthInterval time.Duration `yaml:"health_interval" env:"HEALTH_INTERVAL" validate:"gte=0"`
	HealthTimeout  time.Duration `yaml:"health_timeout" env:"HEALTH_TIMEOUT" validate:"gte=0"`

	// ExportDir receives /export files. Empty uses the working directory.
	ExportDir string `yaml:"export_dir" env:"EXPORT_DIR"`

	// Plain disables colors and in-place status lines even on a terminal.
	Plain bool `yaml:"plain" env:"PLAIN"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config {
	return Config{
		ServerURL:      "http://localhost:12210",
		DataDir:        filepath.Join("~", ".aleutian", "chat"),
		LogLevel:       "info",
		RequestTimeout: 10 * time.Minute,
		HealthInterval: 15 * time.Second,
		HealthTimeout:  3 * time.Second,
	}
}

// DefaultPath returns ~/.aleutian/chat.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".aleutian", "chat.yaml"), nil
}

var validate = validator.New()

// Load reads the file at path, creating it with defaults if it does not
// exist, and applies environment overrides.
//
// # Outputs
//
//   - *Config: The configuration, not yet validated; call Validate after
//     applying flags.
//   - bool: True when the file was created by this call.
//   - error: Non-nil if the file cannot be created, read or parsed, or an
//     environment value has the wrong type.
func Load(path string) (*Config, bool, error) {
	cfg := DefaultConfig()
	created := false

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := createDefault(path, cfg); err != nil {
			return nil, false, err
		}
		created = true
	case err != nil:
		return nil, false, fmt.Errorf("failed to read the config file %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, false, fmt.Errorf("failed to parse the config file %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, false, fmt.Errorf("parse environment: %w", err)
	}
	return &cfg, created, nil
}

// Validate checks every field constraint.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// ResolvedDataDir returns DataDir with a leading "~" expanded.
func (c *Config) ResolvedDataDir() string {
	return expandHome(c.DataDir)
}

func createDefault(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func expandHome(path string) string {
	if path == "~" || (len(path) > 1 && path[0] == '~' && os.IsPathSeparator(path[1])) {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
