// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianChat/services/llm"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/config"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Setup
// =============================================================================

func init() {
	// Set Gin to test mode to reduce noise in test output
	gin.SetMode(gin.TestMode)
}

// fixedModel answers every call with the same text.
type fixedModel struct {
	mu       sync.Mutex
	answer   string
	requests []llm.CompletionRequest
}

func (m *fixedModel) Complete(_ context.Context, req llm.CompletionRequest) (*llm.Completion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	return &llm.Completion{
		Message:      llm.Message{Role: llm.RoleAssistant, Content: m.answer},
		FinishReason: "stop",
	}, nil
}

func (m *fixedModel) Model() string { return "fixed" }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.GinMode = gin.TestMode
	cfg.Agent.Workspace = t.TempDir()
	cfg.Stream.ChunkSize = 0
	cfg.Stream.ChunkInterval = 0
	cfg.Stream.KeepaliveInterval = 0
	cfg.Telemetry.TraceExporter = "none"
	cfg.Telemetry.MetricExporter = "none"
	return cfg
}

func postChat(router http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/stream", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// =============================================================================
// New Tests
// =============================================================================

func TestNew_NilConfig(t *testing.T) {
	_, err := New(nil, nil)
	assert.Error(t, err)
}

func TestNew_MissingCredentials(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	cfg := testConfig(t)
	cfg.LLM.APIKeyFile = filepath.Join(t.TempDir(), "missing")

	_, err := New(cfg, &Options{Registry: prometheus.NewRegistry()})
	require.Error(t, err)
	assert.True(t, errors.Is(err, llm.ErrMissingCredentials), "got %v", err)
}

func TestNew_BadWorkspace(t *testing.T) {
	cfg := testConfig(t)
	cfg.Agent.Workspace = filepath.Join(t.TempDir(), "does-not-exist")

	_, err := New(cfg, &Options{Model: &fixedModel{answer: "x"}, Registry: prometheus.NewRegistry()})
	assert.Error(t, err)
}

// =============================================================================
// Router Tests
// =============================================================================

func TestRouter_StreamsAgentAnswer(t *testing.T) {
	model := &fixedModel{answer: "hello"}
	reg := prometheus.NewRegistry()
	svc, err := New(testConfig(t), &Options{Model: model, Registry: reg})
	require.NoError(t, err)
	defer svc.Close()

	w := postChat(svc.Router(), `{"messages":[{"role":"user","content":"hi"}]}`)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "data: \"hello\"\n\ndata: [DONE]\n\n", w.Body.String())

	require.Len(t, model.requests, 1)
	msgs := model.requests[0].Messages
	require.NotEmpty(t, msgs)
	assert.Equal(t, llm.RoleUser, msgs[len(msgs)-1].Role)
	assert.Equal(t, "hi", msgs[len(msgs)-1].Content)
	assert.NotEmpty(t, model.requests[0].Tools, "built-in tools should be advertised")
}

func TestRouter_InvalidRequestNeverReachesModel(t *testing.T) {
	model := &fixedModel{answer: "hello"}
	svc, err := New(testConfig(t), &Options{Model: model, Registry: prometheus.NewRegistry()})
	require.NoError(t, err)
	defer svc.Close()

	w := postChat(svc.Router(), `{"messages":[]}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "event: error")
	assert.True(t, strings.HasSuffix(w.Body.String(), "data: [DONE]\n\n"))
	assert.Empty(t, model.requests)
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	svc, err := New(testConfig(t), &Options{Model: &fixedModel{answer: "ok"}, Registry: reg})
	require.NoError(t, err)
	defer svc.Close()

	router := svc.Router()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, w.Body.String())

	postChat(router, `{"messages":[{"role":"user","content":"hi"}]}`)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `aleutian_chat_stream_requests_total{status="success"} 1`)
}

// =============================================================================
// Lifecycle Tests
// =============================================================================

func TestRun_StopsOnContextCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Port = 0
	cfg.Server.ShutdownTimeout = time.Second

	svc, err := New(cfg, &Options{Model: &fixedModel{answer: "ok"}, Registry: prometheus.NewRegistry()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNew_WatchAppliesReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orchestrator.yaml")
	workspace := t.TempDir()
	write := func(chunk int) {
		content := "agent:\n  workspace: " + workspace + "\n" +
			"stream:\n  chunk_size: " + strconv.Itoa(chunk) + "\n  chunk_interval: 0s\n  keepalive_interval: 0s\n" +
			"telemetry:\n  trace_exporter: none\n  metric_exporter: none\n"
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	}
	write(0)

	opts := config.LoadOptions{Path: path}
	cfg, err := config.Load(opts)
	require.NoError(t, err)

	svc, err := New(cfg, &Options{
		Watch:    opts,
		Model:    &fixedModel{answer: "abcd"},
		Registry: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	defer svc.Close()

	body := `{"messages":[{"role":"user","content":"hi"}]}`
	assert.Equal(t, "data: \"abcd\"\n\ndata: [DONE]\n\n", postChat(svc.Router(), body).Body.String())

	write(2)
	s := svc.(*service)
	require.True(t, s.watcher.Reload())

	assert.Equal(t, "data: \"ab\"\n\ndata: \"cd\"\n\ndata: [DONE]\n\n", postChat(svc.Router(), body).Body.String())
}
