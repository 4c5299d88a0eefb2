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
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/gitgraph/services/gitgraph/gitstore"
	"github.com/AleutianAI/gitgraph/services/gitgraph/neo"
	"github.com/AleutianAI/gitgraph/services/gitgraph/query"
)

// ServiceVersion is the GitGraph service version.
const ServiceVersion = "0.1.0"

// IngestService is the ingestion surface the handlers call.
type IngestService interface {
	Ingest(ctx context.Context, req IngestRequest) (*IngestResponse, error)
	Cancel(runID string) error
	MergeAuthors(ctx context.Context, canonicalKey string, aliasKeys []string) (int64, error)
	ActiveRuns() int
	StoreState() neo.ConnectionState
}

// HistoryEngine is the query surface the handlers call.
type HistoryEngine interface {
	Ancestry(ctx context.Context, req query.AncestryRequest) ([]query.CommitRecord, error)
	CommitsBetween(ctx context.Context, req query.RangeRequest) ([]query.CommitRecord, error)
	FileHistory(ctx context.Context, req query.FileHistoryRequest) ([]query.FileVersion, error)
	Contributors(ctx context.Context, req query.ContributorsRequest) ([]query.Contributor, error)
	Commit(ctx context.Context, id string) (*query.CommitRecord, error)
	FirstCommit(ctx context.Context, ref string) (*query.CommitRecord, error)
	Refs(ctx context.Context) ([]query.RefRecord, error)
}

// Handlers contains the HTTP handlers for GitGraph.
type Handlers struct {
	svc    IngestService
	engine HistoryEngine
}

// NewHandlers creates handlers over the given service and engine.
func NewHandlers(svc IngestService, engine HistoryEngine) *Handlers {
	return &Handlers{svc: svc, engine: engine}
}

// HandleIngest handles POST /v1/graph/ingest.
//
// Description:
//
//	Runs one ingestion for the repository named in the body and
//	returns its report. The run is cancellable via
//	DELETE /v1/graph/ingest/:run_id from another request.
//
// Response:
//
//	200 OK: IngestResponse
//	400 Bad Request: Validation error
//	404 Not Found: Repository unreadable
//	409 Conflict: Run already in flight for the repository
//	503 Service Unavailable: Graph store degraded
func (h *Handlers) HandleIngest(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleIngest")

	var req IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	logger.Info("Ingesting repository", "repo_path", req.RepoPath, "watch", req.Watch)

	resp, err := h.svc.Ingest(c.Request.Context(), req)
	if err != nil {
		status, code := statusForError(err)
		logger.Error("Ingestion failed", "error", err)
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}

	logger.Info("Ingestion complete",
		"run_id", resp.RunID,
		"materialized", resp.Materialized,
		"failed", len(resp.Failed))

	c.JSON(http.StatusOK, resp)
}

// HandleCancelIngest handles DELETE /v1/graph/ingest/:run_id.
//
// Response:
//
//	200 OK: CancelResponse
//	404 Not Found: No active run with that id
func (h *Handlers) HandleCancelIngest(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleCancelIngest")

	runID := c.Param("run_id")
	if err := h.svc.Cancel(runID); err != nil {
		status, code := statusForError(err)
		logger.Warn("Cancel failed", "run_id", runID, "error", err)
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}

	c.JSON(http.StatusOK, CancelResponse{RunID: runID, Cancelled: true})
}

// HandleAncestry handles GET /v1/graph/ancestry.
//
// Query Parameters:
//
//	commit: Starting commit id (required)
//	depth: Traversal bound, -1 = unbounded (default -1)
//	since, until: Commit-time window, RFC3339 or unix seconds
//
// Response:
//
//	200 OK: AncestryResponse
//	400 Bad Request: Invalid parameters
//	404 Not Found: Starting commit not materialized
func (h *Handlers) HandleAncestry(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleAncestry")

	var params AncestryParams
	if err := c.ShouldBindQuery(&params); err != nil {
		logger.Warn("Invalid query parameters", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "commit parameter is required",
			Code:  "MISSING_PARAMETER",
		})
		return
	}

	since, until, ok := bindWindow(c, params.Since, params.Until)
	if !ok {
		return
	}

	commits, err := h.engine.Ancestry(c.Request.Context(), query.AncestryRequest{
		Commit: params.Commit,
		Depth:  params.Depth,
		Since:  since,
		Until:  until,
	})
	if err != nil {
		status, code := statusForError(err)
		logger.Warn("Ancestry query failed", "error", err)
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}

	c.JSON(http.StatusOK, AncestryResponse{Commit: params.Commit, Commits: commits})
}

// HandleCommitsBetween handles GET /v1/graph/commits/range.
func (h *Handlers) HandleCommitsBetween(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleCommitsBetween")

	var params RangeParams
	if err := c.ShouldBindQuery(&params); err != nil {
		logger.Warn("Invalid query parameters", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "from and to parameters are required",
			Code:  "MISSING_PARAMETER",
		})
		return
	}

	commits, err := h.engine.CommitsBetween(c.Request.Context(), query.RangeRequest{
		From: params.From,
		To:   params.To,
	})
	if err != nil {
		status, code := statusForError(err)
		logger.Warn("Range query failed", "error", err)
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}

	c.JSON(http.StatusOK, RangeResponse{From: params.From, To: params.To, Commits: commits})
}

// HandleFileHistory handles GET /v1/graph/file_history.
func (h *Handlers) HandleFileHistory(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleFileHistory")

	var params FileHistoryParams
	if err := c.ShouldBindQuery(&params); err != nil {
		logger.Warn("Invalid query parameters", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "path and ref parameters are required",
			Code:  "MISSING_PARAMETER",
		})
		return
	}

	versions, err := h.engine.FileHistory(c.Request.Context(), query.FileHistoryRequest{
		Path:        params.Path,
		Ref:         params.Ref,
		ChangedOnly: params.ChangedOnly,
		Limit:       params.Limit,
	})
	if err != nil {
		status, code := statusForError(err)
		logger.Warn("File history query failed", "error", err)
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}

	c.JSON(http.StatusOK, FileHistoryResponse{
		Path:     params.Path,
		Ref:      params.Ref,
		Versions: versions,
	})
}

// HandleContributors handles GET /v1/graph/contributors.
func (h *Handlers) HandleContributors(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleContributors")

	var params ContributorsParams
	if err := c.ShouldBindQuery(&params); err != nil {
		logger.Warn("Invalid query parameters", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "invalid query parameters",
			Code:  "INVALID_PARAMETER",
		})
		return
	}

	since, until, ok := bindWindow(c, params.Since, params.Until)
	if !ok {
		return
	}

	contributors, err := h.engine.Contributors(c.Request.Context(), query.ContributorsRequest{
		Since: since,
		Until: until,
		Limit: params.Limit,
	})
	if err != nil {
		status, code := statusForError(err)
		logger.Warn("Contributors query failed", "error", err)
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}

	c.JSON(http.StatusOK, ContributorsResponse{Contributors: contributors})
}

// HandleCommit handles GET /v1/graph/commits/:id.
func (h *Handlers) HandleCommit(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleCommit")

	commit, err := h.engine.Commit(c.Request.Context(), c.Param("id"))
	if err != nil {
		status, code := statusForError(err)
		logger.Warn("Commit lookup failed", "error", err)
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}

	c.JSON(http.StatusOK, CommitResponse{Commit: commit})
}

// HandleFirstCommit handles GET /v1/graph/commits/first.
//
// Query Parameters:
//
//	ref: Ref whose history to walk to its root (required)
//
// Response:
//
//	200 OK: FirstCommitResponse
//	400 Bad Request: Invalid ref name
//	404 Not Found: Ref not materialized
func (h *Handlers) HandleFirstCommit(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleFirstCommit")

	var params FirstCommitParams
	if err := c.ShouldBindQuery(&params); err != nil {
		logger.Warn("Invalid query parameters", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "ref parameter is required",
			Code:  "MISSING_PARAMETER",
		})
		return
	}

	commit, err := h.engine.FirstCommit(c.Request.Context(), params.Ref)
	if err != nil {
		status, code := statusForError(err)
		logger.Warn("First commit lookup failed", "error", err)
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}

	c.JSON(http.StatusOK, FirstCommitResponse{Ref: params.Ref, Commit: commit})
}

// HandleRefs handles GET /v1/graph/refs.
func (h *Handlers) HandleRefs(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleRefs")

	refs, err := h.engine.Refs(c.Request.Context())
	if err != nil {
		status, code := statusForError(err)
		logger.Warn("Refs listing failed", "error", err)
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}

	c.JSON(http.StatusOK, RefsResponse{Refs: refs})
}

// HandleMergeAuthors handles POST /v1/graph/authors/merge.
//
// Response:
//
//	200 OK: MergeAuthorsResponse
//	400 Bad Request: Validation error
//	404 Not Found: Canonical author not materialized
func (h *Handlers) HandleMergeAuthors(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleMergeAuthors")

	var req MergeAuthorsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "canonical_key and alias_keys are required",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	removed, err := h.svc.MergeAuthors(c.Request.Context(), req.CanonicalKey, req.AliasKeys)
	if err != nil {
		status, code := statusForError(err)
		logger.Error("Author merge failed", "error", err)
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}

	logger.Info("Authors merged", "canonical", req.CanonicalKey, "removed", removed)
	c.JSON(http.StatusOK, MergeAuthorsResponse{CanonicalKey: req.CanonicalKey, Removed: removed})
}

// HandleHealth handles GET /v1/graph/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:  "healthy",
		Version: ServiceVersion,
	})
}

// HandleReady handles GET /v1/graph/ready.
//
// Response:
//
//	200 OK: ReadyResponse (Ready=true) - Store reachable
//	503 Service Unavailable: ReadyResponse (Ready=false)
func (h *Handlers) HandleReady(c *gin.Context) {
	state := h.svc.StoreState()
	resp := ReadyResponse{
		Ready:      state == neo.StateConnected,
		Store:      state.String(),
		ActiveRuns: h.svc.ActiveRuns(),
	}

	if !resp.Ready {
		c.Header("Retry-After", "10")
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// statusForError maps sentinel errors to HTTP statuses and stable codes.
func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, "INVALID_REQUEST"
	case errors.Is(err, query.ErrInvalidQueryIntent):
		return http.StatusBadRequest, "INVALID_QUERY"
	case errors.Is(err, ErrRunNotFound):
		return http.StatusNotFound, "RUN_NOT_FOUND"
	case errors.Is(err, query.ErrNoSuchRef):
		return http.StatusNotFound, "NO_SUCH_REF"
	case errors.Is(err, query.ErrNoSuchCommit):
		return http.StatusNotFound, "NO_SUCH_COMMIT"
	case errors.Is(err, neo.ErrAuthorNotFound):
		return http.StatusNotFound, "AUTHOR_NOT_FOUND"
	case errors.Is(err, gitstore.ErrRepositoryUnavailable):
		return http.StatusNotFound, "REPOSITORY_UNAVAILABLE"
	case errors.Is(err, ErrIngestInProgress):
		return http.StatusConflict, "INGEST_IN_PROGRESS"
	case errors.Is(err, context.Canceled):
		return http.StatusConflict, "RUN_CANCELLED"
	case errors.Is(err, ErrStoreDegraded), errors.Is(err, ErrServiceClosed),
		errors.Is(err, neo.ErrStoreUnavailable), errors.Is(err, neo.ErrCircuitOpen),
		errors.Is(err, neo.ErrClientClosed):
		return http.StatusServiceUnavailable, "STORE_UNAVAILABLE"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

// bindWindow parses the since/until params, writing the 400 response
// itself when one is malformed.
func bindWindow(c *gin.Context, since, until string) (time.Time, time.Time, bool) {
	sinceT, err := parseTimeParam(since)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "invalid since parameter: " + err.Error(),
			Code:  "INVALID_PARAMETER",
		})
		return time.Time{}, time.Time{}, false
	}
	untilT, err := parseTimeParam(until)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "invalid until parameter: " + err.Error(),
			Code:  "INVALID_PARAMETER",
		})
		return time.Time{}, time.Time{}, false
	}
	return sinceT, untilT, true
}

// parseTimeParam accepts unix seconds or RFC3339.
func parseTimeParam(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0), nil
	}
	return time.Parse(time.RFC3339, s)
}

// getOrCreateRequestID gets or creates a request ID.
func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}
