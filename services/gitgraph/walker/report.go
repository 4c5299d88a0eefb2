// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package walker

import (
	"sync"
	"time"
)

// FailedObject records one object that could not be materialized.
type FailedObject struct {
	// ID is the object's content hash.
	ID string `json:"id"`

	// Kind is the object kind ("commit", "tree", "blob").
	Kind string `json:"kind"`

	// Reason is the failure description.
	Reason string `json:"reason"`
}

// RefOutcome records what happened to one ref during a run.
type RefOutcome struct {
	// Name is the full ref name.
	Name string `json:"name"`

	// Target is the commit the ref pointed at when the run started.
	Target string `json:"target"`

	// Updated reports whether the graph's ref node was moved to Target.
	Updated bool `json:"updated"`

	// Reason explains why the ref was not updated, empty otherwise.
	Reason string `json:"reason,omitempty"`
}

// Report summarizes one ingestion run. Counts are object-granular: a run
// that fails on three blobs out of ten thousand still materializes the
// other 9997 and names the three.
type Report struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	// Refs holds the per-ref outcomes in traversal order.
	Refs []RefOutcome `json:"refs"`

	// Attempted counts objects the walker tried to materialize.
	Attempted int64 `json:"attempted"`

	// Materialized counts objects newly written this run.
	Materialized int64 `json:"materialized"`

	// SkippedPresent counts objects pruned because the store already
	// held them.
	SkippedPresent int64 `json:"skipped_present"`

	// Failed lists objects that could not be materialized.
	Failed []FailedObject `json:"failed,omitempty"`
}

// reportBuilder accumulates a Report from concurrent per-ref walks.
type reportBuilder struct {
	mu     sync.Mutex
	report Report
}

func newReportBuilder() *reportBuilder {
	return &reportBuilder{report: Report{StartedAt: time.Now().UTC()}}
}

func (b *reportBuilder) addAttempted(n int64) {
	b.mu.Lock()
	b.report.Attempted += n
	b.mu.Unlock()
}

func (b *reportBuilder) addMaterialized(n int64) {
	b.mu.Lock()
	b.report.Materialized += n
	b.mu.Unlock()
}

func (b *reportBuilder) addSkipped(n int64) {
	b.mu.Lock()
	b.report.SkippedPresent += n
	b.mu.Unlock()
}

func (b *reportBuilder) addFailure(f FailedObject) {
	b.mu.Lock()
	b.report.Failed = append(b.report.Failed, f)
	b.mu.Unlock()
}

func (b *reportBuilder) addRefOutcome(o RefOutcome) {
	b.mu.Lock()
	b.report.Refs = append(b.report.Refs, o)
	b.mu.Unlock()
}

func (b *reportBuilder) finish() *Report {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.report.FinishedAt = time.Now().UTC()
	out := b.report
	return &out
}
