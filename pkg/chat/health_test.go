// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package chat

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianChat/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthMonitor_Check(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, HealthPath, r.URL.Path)
		w.WriteHeader(int(status.Load()))
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	}))
	defer srv.Close()

	var changes []bool
	m := NewHealthMonitor(srv.URL, nil, HealthConfig{OnChange: func(online bool) { changes = append(changes, online) }})
	assert.True(t, m.Online(), "optimistic before the first check")

	require.NoError(t, m.Check(context.Background()))
	assert.True(t, m.Online())

	status.Store(http.StatusServiceUnavailable)
	assert.Error(t, m.Check(context.Background()))
	assert.False(t, m.Online())
	assert.Error(t, m.LastError())

	status.Store(http.StatusOK)
	require.NoError(t, m.Check(context.Background()))
	assert.True(t, m.Online())
	assert.NoError(t, m.LastError())

	assert.Equal(t, []bool{false, true}, changes)
}

func TestHealthMonitor_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	m := NewHealthMonitor(url, nil, HealthConfig{})
	assert.Error(t, m.Check(context.Background()))
	assert.False(t, m.Online())
}

func TestHealthMonitor_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	m := NewHealthMonitor(srv.URL, nil, HealthConfig{Timeout: 50 * time.Millisecond})
	start := time.Now()
	err := m.Check(context.Background())
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, m.Online())

	var errResp *protocol.ErrorResponse
	require.ErrorAs(t, err, &errResp)
	assert.Equal(t, protocol.ErrorTimeout, errResp.Kind)
	assert.True(t, errResp.Retryable)

	require.ErrorAs(t, m.LastError(), &errResp)
	assert.Equal(t, protocol.ErrorTimeout, errResp.Kind)
}

// timeoutError is a net.Error that reports a timeout.
type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestHealthMonitor_NetTimeoutIsTimeoutKind(t *testing.T) {
	client := &fakeHTTPClient{err: &net.OpError{Op: "read", Net: "tcp", Err: timeoutError{}}}
	m := NewHealthMonitor("http://backend", client, HealthConfig{})

	require.Error(t, m.Check(context.Background()))

	var errResp *protocol.ErrorResponse
	require.ErrorAs(t, m.LastError(), &errResp)
	assert.Equal(t, protocol.ErrorTimeout, errResp.Kind)
}

func TestHealthMonitor_StatusErrorIsNotTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	m := NewHealthMonitor(srv.URL, nil, HealthConfig{})
	require.Error(t, m.Check(context.Background()))

	var errResp *protocol.ErrorResponse
	assert.False(t, errors.As(m.LastError(), &errResp))
	assert.ErrorContains(t, m.LastError(), "HTTP 502")
}

func TestHealthMonitor_CallerCancelDoesNotFlip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	m := NewHealthMonitor(srv.URL, nil, HealthConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	assert.ErrorIs(t, m.Check(ctx), context.Canceled)
	assert.True(t, m.Online())
}

func TestHealthMonitor_RunPolls(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	m := NewHealthMonitor(srv.URL, nil, HealthConfig{Interval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return hits.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
