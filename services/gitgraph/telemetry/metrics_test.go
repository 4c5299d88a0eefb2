// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

func initTestTelemetry(t *testing.T) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.TraceExporter = "none"
	cfg.MetricExporter = "prometheus"

	shutdown, err := Init(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	t.Cleanup(func() { _ = shutdown(context.Background()) })
}

func TestNewMetrics(t *testing.T) {
	initTestTelemetry(t)

	meter := otel.Meter("test_metrics")
	metrics, err := NewMetrics(meter)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	if metrics.HTTPRequestsTotal == nil {
		t.Error("HTTPRequestsTotal is nil")
	}
	if metrics.HTTPRequestDuration == nil {
		t.Error("HTTPRequestDuration is nil")
	}
	if metrics.HTTPActiveRequests == nil {
		t.Error("HTTPActiveRequests is nil")
	}
	if metrics.IngestRunsTotal == nil {
		t.Error("IngestRunsTotal is nil")
	}
	if metrics.IngestRunDuration == nil {
		t.Error("IngestRunDuration is nil")
	}
	if metrics.IngestObjectsTotal == nil {
		t.Error("IngestObjectsTotal is nil")
	}
	if metrics.IngestBatchesTotal == nil {
		t.Error("IngestBatchesTotal is nil")
	}
	if metrics.StoreRequestsTotal == nil {
		t.Error("StoreRequestsTotal is nil")
	}
	if metrics.StoreRequestDuration == nil {
		t.Error("StoreRequestDuration is nil")
	}
	if metrics.QueriesTotal == nil {
		t.Error("QueriesTotal is nil")
	}
	if metrics.QueryDuration == nil {
		t.Error("QueryDuration is nil")
	}
	if metrics.ErrorsTotal == nil {
		t.Error("ErrorsTotal is nil")
	}
}

func TestMetrics_RecordIngestMetrics(t *testing.T) {
	initTestTelemetry(t)

	meter := otel.Meter("test_ingest_metrics")
	metrics, err := NewMetrics(meter)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	ctx := context.Background()

	// Should not panic
	metrics.IngestRunsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("trigger", "api"),
		attribute.String("status", "completed"),
	))
	metrics.IngestRunDuration.Record(ctx, 12.5)
	metrics.IngestObjectsTotal.Add(ctx, 100, metric.WithAttributes(
		attribute.String("kind", "commit"),
		attribute.String("outcome", "materialized"),
	))
	metrics.IngestBatchesTotal.Add(ctx, 3, metric.WithAttributes(
		attribute.String("status", "ok"),
	))
}

func TestMetrics_RegisterStoreCircuitState(t *testing.T) {
	initTestTelemetry(t)

	meter := otel.Meter("test_circuit_metrics")
	metrics, err := NewMetrics(meter)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	reg, err := metrics.RegisterStoreCircuitState(meter, func() int64 { return 0 })
	if err != nil {
		t.Fatalf("RegisterStoreCircuitState() error = %v", err)
	}
	if metrics.StoreCircuitState == nil {
		t.Error("StoreCircuitState is nil after registration")
	}
	if err := reg.Unregister(); err != nil {
		t.Errorf("Unregister() error = %v", err)
	}
}

func TestInit_NilContext(t *testing.T) {
	//nolint:staticcheck // Passing nil context deliberately.
	_, err := Init(nil, DefaultConfig())
	if err != ErrNilContext {
		t.Errorf("Init(nil) error = %v, want ErrNilContext", err)
	}
}

func TestInit_UnknownExporter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TraceExporter = "none"
	cfg.MetricExporter = "carrier-pigeon"

	_, err := Init(context.Background(), cfg)
	if err == nil {
		t.Fatal("Init() with unknown exporter should fail")
	}
}

func TestMetricsHandler_AvailableAfterInit(t *testing.T) {
	initTestTelemetry(t)

	if MetricsHandler() == nil {
		t.Error("MetricsHandler() returned nil after prometheus init")
	}
}
