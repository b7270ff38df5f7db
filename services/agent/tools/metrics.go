// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for tool execution.
var (
	tracer = otel.Tracer("aleutian.agent.tools")
	meter  = otel.Meter("aleutian.agent.tools")
)

var (
	invocationTotal   metric.Int64Counter
	invocationLatency metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		invocationTotal, err = meter.Int64Counter(
			"tool_invocations_total",
			metric.WithDescription("Total number of tool invocations by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		invocationLatency, err = meter.Float64Histogram(
			"tool_invocation_duration_seconds",
			metric.WithDescription("Duration of tool invocations"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func startExecuteSpan(ctx context.Context, inv *Invocation) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Executor.Execute",
		trace.WithAttributes(
			attribute.String("tool.name", inv.ToolName),
			attribute.String("tool.invocation_id", inv.ID),
		),
	)
}

// recordInvocation records one invocation. outcome is "ok" or the error
// class: not_found, invalid, failed, timeout.
func recordInvocation(ctx context.Context, tool, outcome string, duration time.Duration) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("outcome", outcome),
	)
	invocationTotal.Add(ctx, 1, attrs)
	invocationLatency.Record(ctx, duration.Seconds(), attrs)
}
