// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/AleutianAI/AleutianChat/cmd/aleutian/config"
	"github.com/AleutianAI/AleutianChat/pkg/chat"
	"github.com/AleutianAI/AleutianChat/pkg/chat/store"
	"github.com/AleutianAI/AleutianChat/pkg/logging"
	"github.com/AleutianAI/AleutianChat/pkg/ux"
	"github.com/hashicorp/go-multierror"
)

// app holds everything a command needs: the controller over persisted
// sessions, the health monitor and the terminal renderer.
type app struct {
	cfg        *config.Config
	logger     *logging.Logger
	store      *store.Store
	controller *chat.Controller
	health     *chat.HealthMonitor
	renderer   *ux.Renderer

	in     io.Reader
	out    io.Writer
	styled bool
}

// appOptions overrides process-level dependencies.
type appOptions struct {
	In  io.Reader
	Out io.Writer

	// HTTPClient is used for streaming and health checks. Nil uses a
	// client without an overall timeout.
	HTTPClient chat.HTTPClient

	// InMemory keeps sessions in RAM instead of DataDir.
	InMemory bool

	// interrupts replaces SIGINT delivery while an answer streams.
	interrupts interruptSource
}

// newApp opens the session store and wires the client components.
func newApp(cfg *config.Config, opts appOptions) (*app, error) {
	if opts.In == nil {
		opts.In = os.Stdin
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	dataDir := cfg.ResolvedDataDir()
	logger, err := newLogger(cfg, dataDir, opts.InMemory)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger.Slog())

	storeCfg := store.DefaultConfig(filepath.Join(dataDir, "sessions"))
	if opts.InMemory {
		storeCfg = store.InMemoryConfig()
	}
	storeCfg.Logger = logger.Slog().With("component", "badger")
	st, err := store.Open(storeCfg)
	if err != nil {
		logger.Close()
		return nil, fmt.Errorf("open session store: %w", err)
	}

	styled := false
	if f, ok := opts.Out.(*os.File); ok && !cfg.Plain {
		styled = ux.IsTerminal(f)
	}
	renderer := ux.NewRenderer(opts.Out, styled, nil)

	health := chat.NewHealthMonitor(cfg.ServerURL, client, chat.HealthConfig{
		Timeout:  cfg.HealthTimeout,
		Interval: cfg.HealthInterval,
		OnChange: func(online bool) {
			if online {
				renderer.Info("server is reachable again")
			} else {
				renderer.Warn("server is offline; messages cannot be sent")
			}
		},
	})

	controller, err := chat.NewController(chat.ControllerConfig{
		Streamer: chat.NewTransport(cfg.ServerURL, client),
		Store:    st,
		Health:   health,
	})
	if err != nil {
		st.Close()
		logger.Close()
		return nil, err
	}

	return &app{
		cfg:        cfg,
		logger:     logger,
		store:      st,
		controller: controller,
		health:     health,
		renderer:   renderer,
		in:         opts.In,
		out:        opts.Out,
		styled:     styled,
	}, nil
}

// Close saves state and releases the store and log file.
func (a *app) Close() error {
	var result *multierror.Error
	a.controller.Close()
	if err := a.store.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close session store: %w", err))
	}
	if err := a.logger.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close log file: %w", err))
	}
	return result.ErrorOrNil()
}

// newLogger logs to a daily file under the data directory. The console
// stays quiet except at debug level, where it would otherwise interleave
// with the conversation.
func newLogger(cfg *config.Config, dataDir string, inMemory bool) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logCfg := logging.Config{
		Level:   level,
		Service: "aleutian-chat",
		Quiet:   level != logging.LevelDebug,
		Output:  os.Stderr,
	}
	if !inMemory {
		logCfg.LogDir = filepath.Join(dataDir, "logs")
	}
	return logging.New(logCfg), nil
}
