// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command aleutian is the terminal client for the chat orchestrator.
//
// Architecture:
//
//	cobra commands → app → chat.Controller → chat.Transport → POST /v1/chat/stream
//	                     ↓                 ↓
//	                     ux.Renderer       store (BadgerDB under the data dir)
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/AleutianAI/AleutianChat/cmd/aleutian/config"
	"github.com/spf13/cobra"
)

// rootOptions carries the persistent flags and the resolved
// configuration to subcommands.
type rootOptions struct {
	configPath string
	serverURL  string
	dataDir    string
	logLevel   string
	plain      bool

	cfg *config.Config

	// appOpts is overridden by tests.
	appOpts appOptions
}

func newRootCmd(opts *rootOptions) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "aleutian",
		Short: "Chat with the Aleutian agent from your terminal",
		Long: `Aleutian streams answers from the orchestrator's tool-using agent.
Conversations are kept locally and can be resumed, exported and managed.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.loadConfig(cmd)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "config file (default ~/.aleutian/chat.yaml)")
	flags.StringVar(&opts.serverURL, "server", "", "orchestrator base URL")
	flags.StringVar(&opts.dataDir, "data-dir", "", "directory for sessions and logs")
	flags.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error")
	flags.BoolVar(&opts.plain, "plain", false, "disable colors and live status lines")

	rootCmd.AddCommand(
		newChatCmd(opts),
		newAskCmd(opts),
		newSessionsCmd(opts),
		newUsageCmd(opts),
		newHealthCmd(opts),
	)
	return rootCmd
}

// loadConfig layers file, environment and flags, then validates.
func (o *rootOptions) loadConfig(cmd *cobra.Command) error {
	path := o.configPath
	if path == "" {
		var err error
		if path, err = config.DefaultPath(); err != nil {
			return err
		}
	}

	cfg, created, err := config.Load(path)
	if err != nil {
		return err
	}
	if created {
		fmt.Fprintf(cmd.ErrOrStderr(), "First run detected, created the config at %s\n", path)
	}

	flags := cmd.Flags()
	if flags.Changed("server") {
		cfg.ServerURL = o.serverURL
	}
	if flags.Changed("data-dir") {
		cfg.DataDir = o.dataDir
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = o.logLevel
	}
	if flags.Changed("plain") {
		cfg.Plain = o.plain
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	o.cfg = cfg
	return nil
}

// openApp builds the app for a command, wiring the command's streams.
func (o *rootOptions) openApp(cmd *cobra.Command) (*app, error) {
	appOpts := o.appOpts
	if appOpts.In == nil {
		appOpts.In = cmd.InOrStdin()
	}
	if appOpts.Out == nil {
		appOpts.Out = cmd.OutOrStdout()
	}
	return newApp(o.cfg, appOpts)
}

func main() {
	if err := newRootCmd(&rootOptions{}).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
