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
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestStatusResponseWriter_CapturesStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := newStatusResponseWriter(rec)

	sw.WriteHeader(http.StatusNotFound)
	if sw.statusCode != http.StatusNotFound {
		t.Errorf("statusCode = %d, want %d", sw.statusCode, http.StatusNotFound)
	}

	// Second WriteHeader must not overwrite the captured status.
	sw.WriteHeader(http.StatusOK)
	if sw.statusCode != http.StatusNotFound {
		t.Errorf("statusCode = %d after second WriteHeader, want %d", sw.statusCode, http.StatusNotFound)
	}
}

func TestStatusResponseWriter_DefaultsTo200OnWrite(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := newStatusResponseWriter(rec)

	if _, err := sw.Write([]byte("ok")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if sw.statusCode != http.StatusOK {
		t.Errorf("statusCode = %d, want %d", sw.statusCode, http.StatusOK)
	}
}

func TestMetricsMiddleware(t *testing.T) {
	initTestTelemetry(t)

	metrics, err := NewMetrics(otel.Meter("test_middleware"))
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	handler := MetricsMiddleware(metrics)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/graph/ingest", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusAccepted)
	}
}

func TestTracingMiddleware(t *testing.T) {
	handler := TracingMiddleware("gitgraph.http.test")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/graph/ancestry", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
}

func TestCombinedMiddleware(t *testing.T) {
	initTestTelemetry(t)

	metrics, err := NewMetrics(otel.Meter("test_combined"))
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	called := false
	handler := CombinedMiddleware("gitgraph.http.test", metrics)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if !called {
		t.Error("inner handler not reached")
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestSchemeFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if got := schemeFromRequest(req); got != "http" {
		t.Errorf("scheme = %q, want %q", got, "http")
	}

	req.Header.Set("X-Forwarded-Proto", "https")
	if got := schemeFromRequest(req); got != "https" {
		t.Errorf("scheme = %q, want %q", got, "https")
	}
}
