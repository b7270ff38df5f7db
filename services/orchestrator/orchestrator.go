// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator provides the chat orchestrator service.
//
// The orchestrator accepts a conversation on POST /v1/chat/stream, runs the
// tool-using agent over it and streams the answer back as Server-Sent
// Events. It owns the HTTP server, the telemetry providers, the Prometheus
// registry and the configuration watcher.
//
// # Usage
//
//	cfg, err := config.Load(config.LoadOptions{Path: "orchestrator.yaml", Optional: true})
//	if err != nil {
//	    return err
//	}
//	svc, err := orchestrator.New(cfg, &orchestrator.Options{
//	    Watch: config.LoadOptions{Path: "orchestrator.yaml"},
//	})
//	if err != nil {
//	    return err
//	}
//	return svc.Run(ctx)
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/AleutianAI/AleutianChat/services/agent"
	"github.com/AleutianAI/AleutianChat/services/agent/tools"
	"github.com/AleutianAI/AleutianChat/services/llm"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/config"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/routes"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/telemetry"
	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the contract for the orchestrator service.
//
// # Thread Safety
//
// Router is safe for concurrent use. Run blocks and should only be called
// once per instance.
//
// # Assumptions
//
//   - Service is fully initialized before Run() is called
type Service interface {
	// Run serves HTTP until ctx is done or the listener fails.
	//
	// # Description
	//
	// Starts the HTTP server and the configuration watcher. When ctx is
	// done the server stops accepting connections and waits up to
	// Server.ShutdownTimeout for in-flight streams. All resources are
	// released before Run returns.
	//
	// # Outputs
	//
	//   - error: Nil after a clean shutdown. Non-nil if the listener fails
	//     or shutdown does not complete in time.
	Run(ctx context.Context) error

	// Router returns the configured Gin engine, for tests and embedding.
	Router() *gin.Engine

	// Close releases resources without serving. Run calls it on exit, so
	// it is only needed when Run is never called.
	Close() error
}

// Options supplies optional dependencies and overrides to New.
type Options struct {
	// Watch enables configuration hot reload when Watch.Path is set. It
	// should name the sources cfg was loaded from.
	Watch config.LoadOptions

	// Model replaces the OpenAI client, for tests and alternative
	// backends.
	Model llm.ChatModel

	// Registry receives every Prometheus collector and backs /metrics.
	// Nil creates a fresh registry with Go and process collectors.
	Registry *prometheus.Registry

	// Version is reported in telemetry resources.
	Version string

	// TelemetryOutput receives stdout exporter output. Nil uses os.Stdout.
	TelemetryOutput io.Writer
}

// =============================================================================
// Struct Definition
// =============================================================================

// service is the Service implementation.
type service struct {
	config   config.Provider
	watcher  *config.Watcher
	router   *gin.Engine
	registry *prometheus.Registry

	telemetryShutdown telemetry.ShutdownFunc
}

// =============================================================================
// Constructor
// =============================================================================

// New wires the orchestrator from a validated configuration.
//
// # Description
//
// Initializes, in order: telemetry, the Prometheus registry and streaming
// metrics, the chat model, the tool registry and executor, the agent loop
// and the router. On failure everything initialized so far is released.
//
// Settings read per request (the stream section and the agent step
// budget) follow configuration reloads. Model, tool and listener settings
// are fixed for the life of the process.
//
// # Inputs
//
//   - cfg: The configuration. Must not be nil.
//   - opts: Optional overrides. Nil uses defaults.
//
// # Outputs
//
//   - Service: Ready to Run.
//   - error: Non-nil if any component fails to initialize.
//
// # Limitations
//
//   - Without opts.Model an OpenAI API key must be available.
func New(cfg *config.Config, opts *Options) (Service, error) {
	if cfg == nil {
		return nil, errors.New("orchestrator: nil config")
	}
	if opts == nil {
		opts = &Options{}
	}

	s := &service{registry: opts.Registry}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
		s.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	shutdown, err := telemetry.Init(context.Background(), cfg.Telemetry, telemetry.Options{
		Version:    opts.Version,
		Registerer: s.registry,
		Output:     opts.TelemetryOutput,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	s.telemetryShutdown = shutdown

	if err := s.initConfig(cfg, opts.Watch); err != nil {
		s.Close()
		return nil, err
	}

	metrics := observability.NewStreamingMetrics(s.registry)

	model := opts.Model
	if model == nil {
		model, err = initLLMClient(cfg.LLM)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to initialize LLM client: %w", err)
		}
	}

	loop, err := initAgent(cfg, model)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to initialize agent: %w", err)
	}

	s.initRouter(cfg, handlers.NewStreamingChatHandler(loop, s.config, metrics, model.Model()))

	slog.Info("Orchestrator initialized",
		"model", model.Model(),
		"workspace", cfg.Agent.Workspace,
		"hot_reload", s.watcher != nil,
	)
	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run serves HTTP until ctx is done. See Service.
func (s *service) Run(ctx context.Context) error {
	defer s.Close()

	cfg := s.config.Current()
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: s.router,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("Starting orchestrator server", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down orchestrator server",
			"timeout", cfg.Server.ShutdownTimeout)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	if s.watcher != nil {
		g.Go(func() error {
			s.watcher.Run(gctx)
			return nil
		})
	}

	return g.Wait()
}

// Router returns the configured Gin engine.
func (s *service) Router() *gin.Engine {
	return s.router
}

// Close stops the watcher and flushes telemetry. Safe to call more than
// once.
func (s *service) Close() error {
	var result *multierror.Error

	if s.watcher != nil {
		if err := s.watcher.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close config watcher: %w", err))
		}
		s.watcher = nil
	}

	if s.telemetryShutdown != nil {
		if err := s.telemetryShutdown(context.Background()); err != nil {
			result = multierror.Append(result, fmt.Errorf("shutdown telemetry: %w", err))
		}
		s.telemetryShutdown = nil
	}

	if err := result.ErrorOrNil(); err != nil {
		slog.Warn("Orchestrator cleanup error", "error", err)
		return err
	}
	return nil
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// initConfig installs a watcher when a file path is known, else a static
// provider.
func (s *service) initConfig(cfg *config.Config, watch config.LoadOptions) error {
	if watch.Path == "" {
		s.config = config.Static{Config: cfg}
		return nil
	}

	w, err := config.NewWatcher(watch, cfg, func(next *config.Config) {
		if next.LLM != cfg.LLM || next.Server.Port != cfg.Server.Port {
			slog.Warn("Model and listener settings changed; restart to apply them")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to watch configuration: %w", err)
	}
	s.watcher = w
	s.config = w
	return nil
}

// initLLMClient creates the OpenAI-compatible chat model.
func initLLMClient(cfg config.LLMConfig) (llm.ChatModel, error) {
	params := llm.GenerationParams{}
	if cfg.Temperature > 0 {
		temperature := cfg.Temperature
		params.Temperature = &temperature
	}
	if cfg.MaxTokens > 0 {
		maxTokens := cfg.MaxTokens
		params.MaxTokens = &maxTokens
	}

	return llm.NewOpenAIClient(llm.OpenAIConfig{
		APIKeyFile: cfg.APIKeyFile,
		BaseURL:    cfg.BaseURL,
		Model:      cfg.Model,
		Params:     params,
	})
}

// initAgent builds the tool registry over the workspace and the loop that
// drives the model through it.
func initAgent(cfg *config.Config, model llm.ChatModel) (*agent.Loop, error) {
	registry, err := tools.Builtin(tools.BuiltinConfig{
		Root:            cfg.Agent.Workspace,
		DisableWrite:    !cfg.Agent.AllowWrite,
		DisableCommands: !cfg.Agent.AllowCommands,
		MaxOutputBytes:  cfg.Agent.MaxToolOutput,
		Command: tools.CommandOptions{
			Timeout:        cfg.Agent.CommandTimeout,
			MaxOutputBytes: cfg.Agent.MaxToolOutput,
			MaxConcurrent:  cfg.Agent.MaxConcurrent,
			Allowed:        cfg.Agent.AllowedCommands,
		},
	})
	if err != nil {
		return nil, err
	}

	executor := tools.NewExecutor(registry, &tools.ExecutorOptions{
		DefaultTimeout: cfg.Agent.ToolTimeout,
		MaxOutputBytes: cfg.Agent.MaxToolOutput,
	})

	return agent.New(model, executor, agent.Config{
		MaxSteps:     cfg.Agent.MaxSteps,
		SystemPrompt: cfg.Agent.SystemPrompt,
		Pricing: agent.Pricing{
			PromptPer1K:     cfg.LLM.PromptPricePer1K,
			CompletionPer1K: cfg.LLM.CompletionPricePer1K,
		},
	}), nil
}

// initRouter sets up Gin with tracing middleware and the routes.
func (s *service) initRouter(cfg *config.Config, chat handlers.StreamingChatHandler) {
	if cfg.Server.GinMode != "" {
		gin.SetMode(cfg.Server.GinMode)
	}
	s.router = gin.Default()
	s.router.Use(otelgin.Middleware(cfg.Telemetry.ServiceName))

	routes.SetupRoutes(s.router, chat, s.registry)
}
