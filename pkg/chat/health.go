// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package chat

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianChat/pkg/protocol"
)

const (
	// HealthPath is the server's liveness endpoint.
	HealthPath = "/health"

	DefaultHealthTimeout  = 3 * time.Second
	DefaultHealthInterval = 15 * time.Second
	defaultHealthJitter   = 0.1
)

// Availability reports whether the backend may be used.
type Availability interface {
	Online() bool
}

// HealthConfig configures a HealthMonitor. Zero fields take defaults.
type HealthConfig struct {
	Timeout  time.Duration
	Interval time.Duration

	// Jitter spreads polls by ±Jitter of Interval. Default 0.1.
	Jitter float64

	// OnChange is called from the polling goroutine when the state flips.
	OnChange func(online bool)
}

// HealthMonitor polls the server's health endpoint and tracks whether it
// is reachable.
//
// The monitor starts optimistic: it reports online until a check fails.
//
// Thread Safety:
//
//	Online and Check are safe for concurrent use.
type HealthMonitor struct {
	url    string
	client HTTPClient
	config HealthConfig

	online  atomic.Bool
	mu      sync.Mutex
	lastErr error
}

var _ Availability = (*HealthMonitor)(nil)

// NewHealthMonitor creates a monitor for the server at baseURL.
func NewHealthMonitor(baseURL string, client HTTPClient, config HealthConfig) *HealthMonitor {
	if client == nil {
		client = &http.Client{}
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultHealthTimeout
	}
	if config.Interval <= 0 {
		config.Interval = DefaultHealthInterval
	}
	if config.Jitter <= 0 {
		config.Jitter = defaultHealthJitter
	}
	m := &HealthMonitor{
		url:    strings.TrimRight(baseURL, "/") + HealthPath,
		client: client,
		config: config,
	}
	m.online.Store(true)
	return m
}

// Online reports the result of the most recent check.
func (m *HealthMonitor) Online() bool {
	return m.online.Load()
}

// LastError returns the failure of the most recent check, if any.
func (m *HealthMonitor) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Check asks the server once and updates the online flag.
//
// # Description
//
// Sends GET /health bounded by the configured timeout. Any 2xx response
// is healthy; transport errors and other statuses are not. A check that
// runs out of time fails with a *protocol.ErrorResponse of kind timeout.
//
// # Inputs
//
//   - ctx: Parent context; the timeout is applied on top of it.
//
// # Outputs
//
//   - error: Why the server is considered offline, or nil.
func (m *HealthMonitor) Check(ctx context.Context) error {
	checkCtx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	defer cancel()

	err := m.ping(checkCtx)
	if ctx.Err() != nil {
		// Abandoned by the caller; says nothing about the server.
		return ctx.Err()
	}
	if err != nil && isTimeout(err) {
		err = protocol.NewTimeoutError(fmt.Sprintf("health check got no answer within %s", m.config.Timeout))
	}
	m.record(err)
	return err
}

func (m *HealthMonitor) ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.url, nil)
	if err != nil {
		return fmt.Errorf("create health request: %w", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("health request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health check returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func (m *HealthMonitor) record(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()

	online := err == nil
	if m.online.Swap(online) != online {
		if online {
			slog.Info("backend is reachable again", "url", m.url)
		} else {
			slog.Warn("backend is unreachable", "url", m.url, "error", err)
		}
		if m.config.OnChange != nil {
			m.config.OnChange(online)
		}
	}
}

// Run checks immediately and then every interval until ctx is done.
func (m *HealthMonitor) Run(ctx context.Context) {
	for ctx.Err() == nil {
		_ = m.Check(ctx)

		timer := time.NewTimer(m.applyJitter(m.config.Interval))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (m *HealthMonitor) applyJitter(interval time.Duration) time.Duration {
	factor := 1.0 + (rand.Float64()*2-1)*m.config.Jitter
	return time.Duration(float64(interval) * factor)
}
