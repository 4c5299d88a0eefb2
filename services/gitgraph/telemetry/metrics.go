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
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics contains pre-defined metrics for the GitGraph service.
//
// Description:
//
//	Provides standard counters, histograms, and gauges for HTTP requests,
//	ingestion runs, graph store interactions, and graph queries.
//	All metrics use the "gitgraph_" prefix for consistent naming.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// --- HTTP Metrics ---

	// HTTPRequestsTotal counts total HTTP requests by method, path, and status.
	HTTPRequestsTotal metric.Int64Counter

	// HTTPRequestDuration records HTTP request duration in seconds.
	HTTPRequestDuration metric.Float64Histogram

	// HTTPActiveRequests tracks currently active HTTP requests.
	HTTPActiveRequests metric.Int64UpDownCounter

	// --- Ingestion Metrics ---

	// IngestRunsTotal counts ingestion runs by trigger and status.
	IngestRunsTotal metric.Int64Counter

	// IngestRunDuration records ingestion run duration in seconds.
	IngestRunDuration metric.Float64Histogram

	// IngestObjectsTotal counts objects by kind and outcome
	// (materialized, skipped_present, failed).
	IngestObjectsTotal metric.Int64Counter

	// IngestBatchesTotal counts write batches by status.
	IngestBatchesTotal metric.Int64Counter

	// --- Graph Store Metrics ---

	// StoreRequestsTotal counts graph store operations by type and status.
	StoreRequestsTotal metric.Int64Counter

	// StoreRequestDuration records graph store operation duration in seconds.
	StoreRequestDuration metric.Float64Histogram

	// StoreCircuitState tracks circuit breaker state
	// (0=connected, 1=degraded, 2=circuit_open, 3=half_open).
	StoreCircuitState metric.Int64ObservableGauge

	// --- Query Metrics ---

	// QueriesTotal counts graph queries by intent and status.
	QueriesTotal metric.Int64Counter

	// QueryDuration records graph query duration in seconds.
	QueryDuration metric.Float64Histogram

	// --- Error Metrics ---

	// ErrorsTotal counts total errors by type and component.
	ErrorsTotal metric.Int64Counter
}

// NewMetrics creates a new Metrics instance with all metrics registered.
//
// Inputs:
//
//	meter - The OTel meter to use for metric registration.
//
// Outputs:
//
//	*Metrics - The metrics instance with all counters and histograms initialized.
//	error - Non-nil if metric registration fails.
//
// Thread Safety: Safe for concurrent use after creation.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	// --- HTTP Metrics ---
	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"gitgraph_http_requests_total",
		metric.WithDescription("Total HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_requests_total: %w", err)
	}

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"gitgraph_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_request_duration: %w", err)
	}

	m.HTTPActiveRequests, err = meter.Int64UpDownCounter(
		"gitgraph_http_active_requests",
		metric.WithDescription("Currently active HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_active_requests: %w", err)
	}

	// --- Ingestion Metrics ---
	m.IngestRunsTotal, err = meter.Int64Counter(
		"gitgraph_ingest_runs_total",
		metric.WithDescription("Total ingestion runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create ingest_runs_total: %w", err)
	}

	m.IngestRunDuration, err = meter.Float64Histogram(
		"gitgraph_ingest_run_duration_seconds",
		metric.WithDescription("Ingestion run duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		return nil, fmt.Errorf("create ingest_run_duration: %w", err)
	}

	m.IngestObjectsTotal, err = meter.Int64Counter(
		"gitgraph_ingest_objects_total",
		metric.WithDescription("Objects processed by ingestion, by kind and outcome"),
		metric.WithUnit("{object}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create ingest_objects_total: %w", err)
	}

	m.IngestBatchesTotal, err = meter.Int64Counter(
		"gitgraph_ingest_batches_total",
		metric.WithDescription("Write batches flushed by ingestion"),
		metric.WithUnit("{batch}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create ingest_batches_total: %w", err)
	}

	// --- Graph Store Metrics ---
	m.StoreRequestsTotal, err = meter.Int64Counter(
		"gitgraph_store_requests_total",
		metric.WithDescription("Total graph store operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create store_requests_total: %w", err)
	}

	m.StoreRequestDuration, err = meter.Float64Histogram(
		"gitgraph_store_request_duration_seconds",
		metric.WithDescription("Graph store operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return nil, fmt.Errorf("create store_request_duration: %w", err)
	}

	// Note: StoreCircuitState requires a callback registration, handled separately

	// --- Query Metrics ---
	m.QueriesTotal, err = meter.Int64Counter(
		"gitgraph_queries_total",
		metric.WithDescription("Total graph queries by intent"),
		metric.WithUnit("{query}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create queries_total: %w", err)
	}

	m.QueryDuration, err = meter.Float64Histogram(
		"gitgraph_query_duration_seconds",
		metric.WithDescription("Graph query duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1),
	)
	if err != nil {
		return nil, fmt.Errorf("create query_duration: %w", err)
	}

	// --- Error Metrics ---
	m.ErrorsTotal, err = meter.Int64Counter(
		"gitgraph_errors_total",
		metric.WithDescription("Total errors by type and component"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create errors_total: %w", err)
	}

	return m, nil
}

// RegisterStoreCircuitState registers a callback for the graph store
// circuit state gauge.
//
// Description:
//
//	Sets up an observable gauge that reports the current circuit breaker
//	state. The callback is invoked each time metrics are scraped.
//
// Inputs:
//
//	meter - The OTel meter to use for registration.
//	stateFunc - A function that returns the current connection state
//	            (0=connected, 1=degraded, 2=circuit_open, 3=half_open).
//
// Outputs:
//
//	metric.Registration - Registration handle for cleanup.
//	error - Non-nil if registration fails.
func (m *Metrics) RegisterStoreCircuitState(meter metric.Meter, stateFunc func() int64) (metric.Registration, error) {
	var err error
	m.StoreCircuitState, err = meter.Int64ObservableGauge(
		"gitgraph_store_circuit_state",
		metric.WithDescription("Graph store circuit breaker state (0=connected, 1=degraded, 2=circuit_open, 3=half_open)"),
		metric.WithUnit("{state}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create store_circuit_state: %w", err)
	}

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(m.StoreCircuitState, stateFunc())
		return nil
	}, m.StoreCircuitState)
}
