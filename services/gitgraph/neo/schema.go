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
	"fmt"
	"log/slog"
)

// schemaStatements declare the uniqueness constraints that make MERGE an
// idempotent upsert, plus indexes backing time-range queries. All are
// IF NOT EXISTS so EnsureSchema can run on every startup.
var schemaStatements = []string{
	`CREATE CONSTRAINT commit_id IF NOT EXISTS FOR (c:Commit) REQUIRE c.id IS UNIQUE`,
	`CREATE CONSTRAINT tree_id IF NOT EXISTS FOR (t:Tree) REQUIRE t.id IS UNIQUE`,
	`CREATE CONSTRAINT blob_id IF NOT EXISTS FOR (b:Blob) REQUIRE b.id IS UNIQUE`,
	`CREATE CONSTRAINT ref_name IF NOT EXISTS FOR (r:Ref) REQUIRE r.name IS UNIQUE`,
	`CREATE CONSTRAINT author_key IF NOT EXISTS FOR (a:Author) REQUIRE a.key IS UNIQUE`,
	`CREATE INDEX commit_time IF NOT EXISTS FOR (c:Commit) ON (c.commit_time)`,
	`CREATE INDEX author_time IF NOT EXISTS FOR (c:Commit) ON (c.author_time)`,
}

// EnsureSchema creates the graph's constraints and indexes if missing.
//
// Schema statements cannot share a transaction with data statements in
// Neo4j, so each runs in its own write transaction.
func EnsureSchema(ctx context.Context, runner Runner, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	for _, stmt := range schemaStatements {
		if _, err := runner.Write(ctx, Statement{Query: stmt}); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	logger.Info("graph schema ensured",
		slog.Int("statements", len(schemaStatements)))
	return nil
}
