// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package neo

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/gitgraph/services/gitgraph/telemetry"
)

// instrumentedRunner decorates a Runner with store request metrics.
type instrumentedRunner struct {
	inner   Runner
	metrics *telemetry.Metrics
}

// NewInstrumentedRunner wraps runner so every store operation records
// its count and duration. Nil metrics returns runner unchanged.
func NewInstrumentedRunner(runner Runner, metrics *telemetry.Metrics) Runner {
	if metrics == nil {
		return runner
	}
	return &instrumentedRunner{inner: runner, metrics: metrics}
}

func (r *instrumentedRunner) Read(ctx context.Context, query string, params map[string]any) ([]map[string]any, error) {
	start := time.Now()
	records, err := r.inner.Read(ctx, query, params)
	r.observe(ctx, "read", start, err)
	return records, err
}

func (r *instrumentedRunner) Write(ctx context.Context, statements ...Statement) ([]map[string]any, error) {
	start := time.Now()
	records, err := r.inner.Write(ctx, statements...)
	r.observe(ctx, "write", start, err)
	return records, err
}

func (r *instrumentedRunner) observe(ctx context.Context, op string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("status", status))
	r.metrics.StoreRequestsTotal.Add(ctx, 1, attrs)
	r.metrics.StoreRequestDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	if err != nil {
		r.metrics.ErrorsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("component", "store"),
			attribute.String("type", "request")))
	}
}
