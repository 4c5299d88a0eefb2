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

import (
	"github.com/AleutianAI/gitgraph/services/gitgraph/query"
	"github.com/AleutianAI/gitgraph/services/gitgraph/walker"
)

// IngestRequest is the request body for POST /v1/graph/ingest.
type IngestRequest struct {
	// RepoPath is the absolute path to the repository. Required.
	RepoPath string `json:"repo_path" binding:"required"`

	// Refs restricts ingestion to the named refs. Empty means every
	// branch and tag.
	Refs []string `json:"refs"`

	// Watch keeps the repository under fsnotify and re-ingests on
	// ref updates.
	Watch bool `json:"watch"`
}

// IngestResponse is the response for POST /v1/graph/ingest.
type IngestResponse struct {
	// RunID identifies this ingestion run.
	RunID string `json:"run_id"`

	// RepoPath is the ingested repository.
	RepoPath string `json:"repo_path"`

	// RefsSynced reports the outcome per ref.
	RefsSynced []walker.RefOutcome `json:"refs_synced"`

	// Attempted is the number of objects reached by the traversal.
	Attempted int64 `json:"attempted"`

	// Materialized is the number of objects written this run.
	Materialized int64 `json:"materialized"`

	// SkippedPresent is the number of objects already in the graph.
	SkippedPresent int64 `json:"skipped_present"`

	// Failed lists objects that could not be materialized.
	Failed []walker.FailedObject `json:"failed,omitempty"`

	// DurationMs is the wall-clock run duration in milliseconds.
	DurationMs int64 `json:"duration_ms"`

	// Watching reports whether a ref watcher is active for the
	// repository after this run.
	Watching bool `json:"watching,omitempty"`
}

// CancelResponse is the response for DELETE /v1/graph/ingest/:run_id.
type CancelResponse struct {
	RunID     string `json:"run_id"`
	Cancelled bool   `json:"cancelled"`
}

// MergeAuthorsRequest is the request body for POST /v1/graph/authors/merge.
type MergeAuthorsRequest struct {
	// CanonicalKey is the author identity the aliases fold into.
	CanonicalKey string `json:"canonical_key" binding:"required"`

	// AliasKeys are the identities to merge away.
	AliasKeys []string `json:"alias_keys" binding:"required,min=1"`
}

// MergeAuthorsResponse is the response for POST /v1/graph/authors/merge.
type MergeAuthorsResponse struct {
	CanonicalKey string `json:"canonical_key"`
	Removed      int64  `json:"removed"`
}

// AncestryParams are the query params for GET /v1/graph/ancestry.
type AncestryParams struct {
	// Commit is the starting commit id. Required.
	Commit string `form:"commit" binding:"required"`

	// Depth bounds the traversal; -1 walks to the roots.
	Depth int `form:"depth,default=-1"`

	// Since and Until bound results by commit time, RFC3339 or unix
	// seconds.
	Since string `form:"since"`
	Until string `form:"until"`
}

// AncestryResponse is the response for GET /v1/graph/ancestry.
type AncestryResponse struct {
	Commit  string               `json:"commit"`
	Commits []query.CommitRecord `json:"commits"`
}

// RangeParams are the query params for GET /v1/graph/commits/range.
type RangeParams struct {
	From string `form:"from" binding:"required"`
	To   string `form:"to" binding:"required"`
}

// RangeResponse is the response for GET /v1/graph/commits/range.
type RangeResponse struct {
	From    string               `json:"from"`
	To      string               `json:"to"`
	Commits []query.CommitRecord `json:"commits"`
}

// FileHistoryParams are the query params for GET /v1/graph/file_history.
type FileHistoryParams struct {
	Path        string `form:"path" binding:"required"`
	Ref         string `form:"ref" binding:"required"`
	ChangedOnly bool   `form:"changed_only"`
	Limit       int    `form:"limit"`
}

// FileHistoryResponse is the response for GET /v1/graph/file_history.
type FileHistoryResponse struct {
	Path     string              `json:"path"`
	Ref      string              `json:"ref"`
	Versions []query.FileVersion `json:"versions"`
}

// ContributorsParams are the query params for GET /v1/graph/contributors.
type ContributorsParams struct {
	Since string `form:"since"`
	Until string `form:"until"`
	Limit int    `form:"limit"`
}

// ContributorsResponse is the response for GET /v1/graph/contributors.
type ContributorsResponse struct {
	Contributors []query.Contributor `json:"contributors"`
}

// CommitResponse is the response for GET /v1/graph/commits/:id.
type CommitResponse struct {
	Commit *query.CommitRecord `json:"commit"`
}

// FirstCommitParams are the query params for GET /v1/graph/commits/first.
type FirstCommitParams struct {
	Ref string `form:"ref" binding:"required"`
}

// FirstCommitResponse is the response for GET /v1/graph/commits/first.
type FirstCommitResponse struct {
	Ref    string              `json:"ref"`
	Commit *query.CommitRecord `json:"commit"`
}

// RefsResponse is the response for GET /v1/graph/refs.
type RefsResponse struct {
	Refs []query.RefRecord `json:"refs"`
}

// ErrorResponse is the error body returned by every endpoint.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// HealthResponse is the response for GET /v1/graph/health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// ReadyResponse is the response for GET /v1/graph/ready.
type ReadyResponse struct {
	Ready      bool   `json:"ready"`
	Store      string `json:"store"`
	ActiveRuns int    `json:"active_runs"`
}
