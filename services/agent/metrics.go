// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agent

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for agent runs.
var (
	tracer = otel.Tracer("aleutian.agent")
	meter  = otel.Meter("aleutian.agent")
)

var (
	runSteps   metric.Int64Histogram
	runTotal   metric.Int64Counter
	tokenTotal metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		runSteps, err = meter.Int64Histogram(
			"agent_run_steps",
			metric.WithDescription("Model calls per agent run"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		runTotal, err = meter.Int64Counter(
			"agent_runs_total",
			metric.WithDescription("Total agent runs by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		tokenTotal, err = meter.Int64Counter(
			"agent_tokens_total",
			metric.WithDescription("Tokens consumed by agent runs"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func startRunSpan(ctx context.Context, model string, turns, maxSteps int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Loop.Run",
		trace.WithAttributes(
			attribute.String("agent.model", model),
			attribute.Int("agent.turns", turns),
			attribute.Int("agent.max_steps", maxSteps),
		),
	)
}

func startStepSpan(ctx context.Context, step int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Loop.step",
		trace.WithAttributes(attribute.Int("agent.step", step)),
	)
}

// recordRun records a finished run. outcome is answered, budget, or error.
func recordRun(ctx context.Context, model, outcome string, steps, promptTokens, completionTokens int) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("outcome", outcome),
	)
	runTotal.Add(ctx, 1, attrs)
	runSteps.Record(ctx, int64(steps), attrs)
	tokenTotal.Add(ctx, int64(promptTokens), metric.WithAttributes(
		attribute.String("model", model), attribute.String("type", "prompt")))
	tokenTotal.Add(ctx, int64(completionTokens), metric.WithAttributes(
		attribute.String("model", model), attribute.String("type", "completion")))
}
