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
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers all GitGraph routes with the router.
//
// Description:
//
//	Registers all /v1/graph/* endpoints with the given Gin router
//	group. The group should already have any required middleware
//	applied.
//
// Ingestion Endpoints:
//
//	POST   /v1/graph/ingest - Ingest a repository
//	DELETE /v1/graph/ingest/:run_id - Cancel a running ingestion
//
// Query Endpoints:
//
//	GET /v1/graph/ancestry - Ancestors of a commit
//	GET /v1/graph/commits/range - Commits between two commits
//	GET /v1/graph/commits/first - Root of a ref's history
//	GET /v1/graph/commits/:id - Single commit record
//	GET /v1/graph/file_history - Versions of a path
//	GET /v1/graph/contributors - Authors ranked by activity
//	GET /v1/graph/refs - Materialized refs
//
// Maintenance Endpoints:
//
//	POST /v1/graph/authors/merge - Merge author aliases
//
// Health Endpoints:
//
//	GET /v1/graph/health - Health check
//	GET /v1/graph/ready - Readiness check
//
// Example:
//
//	svc := gitgraph.NewService(cfg, factory, writer, logger)
//	handlers := gitgraph.NewHandlers(svc, engine)
//
//	v1 := router.Group("/v1")
//	gitgraph.RegisterRoutes(v1, handlers)
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	graph := rg.Group("/graph")
	{
		// Ingestion lifecycle
		graph.POST("/ingest", handlers.HandleIngest)
		graph.DELETE("/ingest/:run_id", handlers.HandleCancelIngest)

		// History queries
		graph.GET("/ancestry", handlers.HandleAncestry)
		graph.GET("/commits/range", handlers.HandleCommitsBetween)
		graph.GET("/commits/first", handlers.HandleFirstCommit)
		graph.GET("/commits/:id", handlers.HandleCommit)
		graph.GET("/file_history", handlers.HandleFileHistory)
		graph.GET("/contributors", handlers.HandleContributors)
		graph.GET("/refs", handlers.HandleRefs)

		// Author maintenance
		graph.POST("/authors/merge", handlers.HandleMergeAuthors)

		// Health checks
		graph.GET("/health", handlers.HandleHealth)
		graph.GET("/ready", handlers.HandleReady)
	}
}
