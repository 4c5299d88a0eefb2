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
	"log/slog"
	"sync/atomic"
)

// -----------------------------------------------------------------------------
// Degradation Mode
// -----------------------------------------------------------------------------

// DegradationMode represents the operational mode of a component.
type DegradationMode int32

const (
	// ModeNormal indicates full functionality.
	ModeNormal DegradationMode = iota
	// ModeDegraded indicates reduced functionality.
	ModeDegraded
	// ModeDisabled indicates the component is completely disabled.
	ModeDisabled
)

// String returns the string representation of DegradationMode.
func (m DegradationMode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeDegraded:
		return "degraded"
	case ModeDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Degradation Handler Interface
// -----------------------------------------------------------------------------

// DegradationHandler is notified of Neo4j availability changes.
//
// Description:
//
//	Components that depend on the graph store should implement this
//	interface to handle degradation gracefully.
//
// Thread Safety: Implementations must be safe for concurrent use.
type DegradationHandler interface {
	// OnDegraded is called when Neo4j becomes unavailable.
	//
	// Inputs:
	//   - reason: Description of why degradation occurred.
	OnDegraded(reason string)

	// OnRecovered is called when Neo4j becomes available again.
	OnRecovered()

	// GetMode returns the current degradation mode.
	GetMode() DegradationMode
}

// -----------------------------------------------------------------------------
// Base Degradation Handler
// -----------------------------------------------------------------------------

// BaseDegradationHandler provides a basic implementation of DegradationHandler.
//
// Description:
//
//	Tracks degradation state and provides logging. Embed this in
//	component-specific handlers.
//
// Thread Safety: Safe for concurrent use.
type BaseDegradationHandler struct {
	name   string
	mode   atomic.Int32
	logger *slog.Logger
}

// NewBaseDegradationHandler creates a new base handler.
//
// Inputs:
//
//	name - Component name for logging.
//	logger - Logger instance. Uses slog.Default() if nil.
//
// Outputs:
//
//	*BaseDegradationHandler - Ready-to-use handler.
func NewBaseDegradationHandler(name string, logger *slog.Logger) *BaseDegradationHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &BaseDegradationHandler{
		name:   name,
		logger: logger.With(slog.String("component", name)),
	}
}

// OnDegraded marks the handler as degraded.
func (h *BaseDegradationHandler) OnDegraded(reason string) {
	h.mode.Store(int32(ModeDegraded))
	h.logger.Warn("component degraded due to neo4j unavailability",
		slog.String("reason", reason))
}

// OnRecovered marks the handler as normal.
func (h *BaseDegradationHandler) OnRecovered() {
	h.mode.Store(int32(ModeNormal))
	h.logger.Info("component recovered, neo4j available")
}

// GetMode returns the current mode.
func (h *BaseDegradationHandler) GetMode() DegradationMode {
	return DegradationMode(h.mode.Load())
}

// IsNormal returns true if operating normally.
func (h *BaseDegradationHandler) IsNormal() bool {
	return h.GetMode() == ModeNormal
}

// IsDegraded returns true if operating with reduced functionality.
func (h *BaseDegradationHandler) IsDegraded() bool {
	return h.GetMode() == ModeDegraded
}

// IsDisabled returns true if the component is disabled.
func (h *BaseDegradationHandler) IsDisabled() bool {
	return h.GetMode() == ModeDisabled
}

// SetDisabled explicitly disables the handler.
func (h *BaseDegradationHandler) SetDisabled() {
	h.mode.Store(int32(ModeDisabled))
	h.logger.Warn("component explicitly disabled")
}

// -----------------------------------------------------------------------------
// Component-Specific Handlers
// -----------------------------------------------------------------------------

// IngestDegradation handles degradation for ingestion runs.
//
// Description:
//
//	When Neo4j is unavailable, new ingestion runs are refused and
//	watch-triggered runs are skipped rather than queued; the next ref
//	change after recovery re-walks the repository anyway.
type IngestDegradation struct {
	*BaseDegradationHandler
}

// NewIngestDegradation creates a handler for ingestion.
func NewIngestDegradation(logger *slog.Logger) *IngestDegradation {
	return &IngestDegradation{
		BaseDegradationHandler: NewBaseDegradationHandler("ingest", logger),
	}
}

// OnDegraded handles ingestion degradation.
func (h *IngestDegradation) OnDegraded(reason string) {
	h.BaseDegradationHandler.OnDegraded(reason)
	h.logger.Warn("ingestion suspended, watch-triggered runs will be skipped",
		slog.String("reason", reason))
}

// OnRecovered handles ingestion recovery.
func (h *IngestDegradation) OnRecovered() {
	h.BaseDegradationHandler.OnRecovered()
	h.logger.Info("ingestion restored")
}

// ShouldRefuseRuns returns true if new ingestion runs should be refused.
func (h *IngestDegradation) ShouldRefuseRuns() bool {
	return h.GetMode() != ModeNormal
}

// -----------------------------------------------------------------------------

// QueryDegradation handles degradation for graph queries.
//
// Description:
//
//	When Neo4j is unavailable, queries fail fast with a store
//	unavailability error instead of waiting out driver timeouts.
type QueryDegradation struct {
	*BaseDegradationHandler
}

// NewQueryDegradation creates a handler for queries.
func NewQueryDegradation(logger *slog.Logger) *QueryDegradation {
	return &QueryDegradation{
		BaseDegradationHandler: NewBaseDegradationHandler("query", logger),
	}
}

// OnDegraded handles query degradation.
func (h *QueryDegradation) OnDegraded(reason string) {
	h.BaseDegradationHandler.OnDegraded(reason)
	h.logger.Warn("graph queries will fail fast until the store recovers",
		slog.String("reason", reason))
}

// OnRecovered handles query recovery.
func (h *QueryDegradation) OnRecovered() {
	h.BaseDegradationHandler.OnRecovered()
	h.logger.Info("graph queries restored")
}

// ShouldFailFast returns true if queries should fail without reaching the store.
func (h *QueryDegradation) ShouldFailFast() bool {
	return h.GetMode() != ModeNormal
}
