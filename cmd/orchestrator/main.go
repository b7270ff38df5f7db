// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command orchestrator starts the chat orchestrator HTTP server.
//
// Configuration is layered: built-in defaults, then the YAML file given by
// --config, then ALEUTIAN_* environment variables (optionally loaded from
// --env-file). The YAML file is watched and stream settings reload without
// a restart.
//
// # Usage
//
//	# Build
//	go build -o orchestrator ./cmd/orchestrator
//
//	# Run
//	OPENAI_API_KEY=... ./orchestrator --config orchestrator.yaml
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/AleutianAI/AleutianChat/pkg/logging"
	"github.com/AleutianAI/AleutianChat/services/orchestrator"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/config"
	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	configPath string
	envFile    string
)

var rootCmd = &cobra.Command{
	Use:           "orchestrator",
	Short:         "Serve the streaming chat API",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runOrchestrator,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "orchestrator.yaml",
		"YAML configuration file; missing is allowed")
	rootCmd.Flags().StringVar(&envFile, "env-file", ".env",
		"dotenv file with ALEUTIAN_* overrides; missing is allowed")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator: %v\n", err)
		os.Exit(1)
	}
}

func runOrchestrator(cmd *cobra.Command, _ []string) error {
	loadOpts := config.LoadOptions{Path: configPath, Optional: true, EnvFile: envFile}
	cfg, err := config.Load(loadOpts)
	if err != nil {
		return err
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: cfg.Telemetry.ServiceName,
		JSON:    cfg.Logging.JSON,
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	// Only watch a file that exists; a missing optional file has nothing
	// to reload.
	watch := config.LoadOptions{}
	if _, err := os.Stat(configPath); err == nil {
		watch = loadOpts
	}

	svc, err := orchestrator.New(cfg, &orchestrator.Options{
		Watch:   watch,
		Version: version,
	})
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := svc.Run(ctx); err != nil {
		return fmt.Errorf("orchestrator error: %w", err)
	}
	slog.Info("Orchestrator stopped")
	return nil
}
