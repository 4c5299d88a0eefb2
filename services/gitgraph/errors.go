// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gitgraph

import "errors"

// Sentinel errors for the GitGraph service.
var (
	// ErrInvalidRequest indicates request fields that fail boundary
	// validation.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrIngestInProgress indicates another run is already ingesting
	// the same repository.
	ErrIngestInProgress = errors.New("ingestion in progress")

	// ErrRunNotFound indicates the run id names no active ingestion.
	ErrRunNotFound = errors.New("ingestion run not found")

	// ErrStoreDegraded indicates the graph store connection is
	// degraded and new ingestion runs are refused.
	ErrStoreDegraded = errors.New("graph store degraded")

	// ErrServiceClosed indicates the service is shutting down.
	ErrServiceClosed = errors.New("service closed")
)
