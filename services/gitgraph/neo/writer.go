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
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/gitgraph/services/gitgraph/mapper"
)

// ErrAuthorNotFound is returned when an author merge names a missing key.
var ErrAuthorNotFound = errors.New("author not found")

// -----------------------------------------------------------------------------
// Cypher Builders
// -----------------------------------------------------------------------------

// IdentityProperty returns the property that uniquely keys a node kind.
func IdentityProperty(kind mapper.NodeKind) string {
	switch kind {
	case mapper.NodeRef:
		return "name"
	case mapper.NodeAuthor:
		return "key"
	default:
		return "id"
	}
}

// nodeMergeQuery builds the UNWIND+MERGE upsert for one node kind. Rows
// carry {id, props}; MERGE on the identity property makes re-ingestion a
// no-op under the uniqueness constraints. The ingested flag distinguishes
// fully written nodes from edge-endpoint stubs.
func nodeMergeQuery(kind mapper.NodeKind) string {
	return fmt.Sprintf(
		"UNWIND $rows AS row MERGE (n:%s {%s: row.id}) SET n += row.props, n.ingested = true",
		kind, IdentityProperty(kind))
}

// edgeMergeKey returns the relationship property that disambiguates
// parallel edges of a kind, or "" when one edge per endpoint pair suffices.
func edgeMergeKey(kind mapper.EdgeKind) string {
	switch kind {
	case mapper.EdgeParentOf:
		return "idx"
	case mapper.EdgeContains:
		return "name"
	default:
		return ""
	}
}

// edgeMergeQuery builds the UNWIND+MERGE upsert for one edge group. Rows
// carry {from, to, props}. Endpoints are MERGEd, not MATCHed: the walker
// streams batches in traversal order, so an edge can land before the far
// endpoint's own batch does. The stub node it creates carries only the
// identity property and stays invisible to presence checks until its
// batch arrives and sets the ingested flag.
func edgeMergeQuery(kind mapper.EdgeKind, from, to mapper.NodeKind) string {
	mergeClause := fmt.Sprintf("MERGE (a)-[r:%s]->(b)", kind)
	if key := edgeMergeKey(kind); key != "" {
		mergeClause = fmt.Sprintf("MERGE (a)-[r:%s {%s: row.props.%s}]->(b)", kind, key, key)
	}
	return fmt.Sprintf(
		"UNWIND $rows AS row MERGE (a:%s {%s: row.from}) MERGE (b:%s {%s: row.to}) %s SET r += row.props",
		from, IdentityProperty(from), to, IdentityProperty(to), mergeClause)
}

// -----------------------------------------------------------------------------
// Writer
// -----------------------------------------------------------------------------

// Writer materializes mapped graph records into Neo4j.
//
// Thread Safety: Safe for concurrent use; all state lives in the store.
type Writer struct {
	runner Runner
	logger *slog.Logger
}

// NewWriter creates a Writer on top of a Runner.
func NewWriter(runner Runner, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		runner: runner,
		logger: logger.With(slog.String("component", "graph_writer")),
	}
}

// edgeGroup identifies one homogeneous slice of a batch's edges.
type edgeGroup struct {
	kind mapper.EdgeKind
	from mapper.NodeKind
	to   mapper.NodeKind
}

// WriteBatch upserts a batch's nodes and edges in one transaction.
//
// Nodes land before edges so every edge endpoint exists by the time its
// MATCH runs. Either the whole batch becomes visible or none of it does.
func (w *Writer) WriteBatch(ctx context.Context, batch mapper.Batch) error {
	if batch.Empty() {
		return nil
	}

	var statements []Statement

	// Group nodes by kind, preserving first-appearance order.
	var nodeOrder []mapper.NodeKind
	nodeRows := map[mapper.NodeKind][]map[string]any{}
	for _, n := range batch.Nodes {
		if _, seen := nodeRows[n.Kind]; !seen {
			nodeOrder = append(nodeOrder, n.Kind)
		}
		props := n.Props
		if props == nil {
			props = map[string]any{}
		}
		nodeRows[n.Kind] = append(nodeRows[n.Kind], map[string]any{
			"id":    n.ID,
			"props": props,
		})
	}
	for _, kind := range nodeOrder {
		statements = append(statements, Statement{
			Query:  nodeMergeQuery(kind),
			Params: map[string]any{"rows": nodeRows[kind]},
		})
	}

	// Group edges by (kind, from, to), preserving first-appearance order.
	var edgeOrder []edgeGroup
	edgeRows := map[edgeGroup][]map[string]any{}
	for _, e := range batch.Edges {
		g := edgeGroup{kind: e.Kind, from: e.FromKind, to: e.ToKind}
		if _, seen := edgeRows[g]; !seen {
			edgeOrder = append(edgeOrder, g)
		}
		props := e.Props
		if props == nil {
			props = map[string]any{}
		}
		edgeRows[g] = append(edgeRows[g], map[string]any{
			"from":  e.FromID,
			"to":    e.ToID,
			"props": props,
		})
	}
	for _, g := range edgeOrder {
		statements = append(statements, Statement{
			Query:  edgeMergeQuery(g.kind, g.from, g.to),
			Params: map[string]any{"rows": edgeRows[g]},
		})
	}

	if _, err := w.runner.Write(ctx, statements...); err != nil {
		return fmt.Errorf("write batch (%d nodes, %d edges): %w",
			len(batch.Nodes), len(batch.Edges), err)
	}

	w.logger.Debug("batch written",
		slog.Int("nodes", len(batch.Nodes)),
		slog.Int("edges", len(batch.Edges)))
	return nil
}

// updateRefQuery moves a ref atomically: the stale POINTS_TO edge and its
// replacement change in the same transaction, so readers never observe a
// ref with zero or two targets.
const updateRefQuery = `
MATCH (c:Commit {id: $target}) WHERE c.ingested = true
MERGE (r:Ref {name: $name})
SET r.target = $target
WITH r, c
OPTIONAL MATCH (r)-[stale:POINTS_TO]->(old) WHERE old <> c
DELETE stale
MERGE (r)-[:POINTS_TO]->(c)
RETURN r.name AS name`

// UpdateRef upserts a ref node and repoints it at target.
//
// The target commit must already be materialized; updating a ref to an
// unwritten commit is an error, which is what keeps ref updates ordered
// after their traversals.
func (w *Writer) UpdateRef(ctx context.Context, name, target string) error {
	records, err := w.runner.Write(ctx, Statement{
		Query:  updateRefQuery,
		Params: map[string]any{"name": name, "target": target},
	})
	if err != nil {
		return fmt.Errorf("update ref %s: %w", name, err)
	}
	if len(records) == 0 {
		return fmt.Errorf("update ref %s: target commit %s not materialized", name, target)
	}

	w.logger.Debug("ref updated",
		slog.String("ref", name),
		slog.String("target", target))
	return nil
}

// DeleteRef removes a ref node and its edges. Commits the ref pointed at
// stay in the graph; history reachable from other refs is untouched and
// orphaned history remains queryable by id.
func (w *Writer) DeleteRef(ctx context.Context, name string) error {
	_, err := w.runner.Write(ctx, Statement{
		Query:  `MATCH (r:Ref {name: $name}) DETACH DELETE r`,
		Params: map[string]any{"name": name},
	})
	if err != nil {
		return fmt.Errorf("delete ref %s: %w", name, err)
	}
	return nil
}

// FetchExisting returns which of the given ids are already materialized
// as nodes of the given kind. The walker uses this to prune traversal at
// content-addressed boundaries. Edge-endpoint stubs do not count: only
// nodes whose own batch has landed carry the ingested flag.
func (w *Writer) FetchExisting(ctx context.Context, kind mapper.NodeKind, ids []string) (map[string]bool, error) {
	if len(ids) == 0 {
		return map[string]bool{}, nil
	}

	idProp := IdentityProperty(kind)
	query := fmt.Sprintf("MATCH (n:%s) WHERE n.%s IN $ids AND n.ingested = true RETURN n.%s AS id", kind, idProp, idProp)
	records, err := w.runner.Read(ctx, query, map[string]any{"ids": ids})
	if err != nil {
		return nil, fmt.Errorf("fetch existing %s: %w", kind, err)
	}

	present := make(map[string]bool, len(records))
	for _, rec := range records {
		if id, ok := rec["id"].(string); ok {
			present[id] = true
		}
	}
	return present, nil
}

// mergeAuthorsStatements rewires commit edges from alias identities onto
// the canonical one, then removes the aliases.
var mergeAuthorsStatements = []string{
	`MATCH (canonical:Author {key: $canonical})
MATCH (alias:Author) WHERE alias.key IN $aliases AND alias.key <> $canonical
MATCH (c:Commit)-[r:AUTHORED_BY]->(alias)
MERGE (c)-[:AUTHORED_BY]->(canonical)
DELETE r`,
	`MATCH (canonical:Author {key: $canonical})
MATCH (alias:Author) WHERE alias.key IN $aliases AND alias.key <> $canonical
MATCH (c:Commit)-[r:COMMITTED_BY]->(alias)
MERGE (c)-[:COMMITTED_BY]->(canonical)
DELETE r`,
	`MATCH (alias:Author) WHERE alias.key IN $aliases AND alias.key <> $canonical
DETACH DELETE alias
RETURN count(alias) AS removed`,
}

// MergeAuthors folds alias Author nodes into the canonical one, moving
// their AUTHORED_BY and COMMITTED_BY edges, in a single transaction.
//
// Outputs:
//
//	int64 - Number of alias nodes removed.
//	error - ErrAuthorNotFound if the canonical key does not exist.
func (w *Writer) MergeAuthors(ctx context.Context, canonicalKey string, aliasKeys []string) (int64, error) {
	exists, err := w.FetchExisting(ctx, mapper.NodeAuthor, []string{canonicalKey})
	if err != nil {
		return 0, err
	}
	if !exists[canonicalKey] {
		return 0, fmt.Errorf("%w: canonical key %q", ErrAuthorNotFound, canonicalKey)
	}

	params := map[string]any{"canonical": canonicalKey, "aliases": aliasKeys}
	statements := make([]Statement, len(mergeAuthorsStatements))
	for i, q := range mergeAuthorsStatements {
		statements[i] = Statement{Query: q, Params: params}
	}

	records, err := w.runner.Write(ctx, statements...)
	if err != nil {
		return 0, fmt.Errorf("merge authors into %s: %w", canonicalKey, err)
	}

	var removed int64
	if len(records) > 0 {
		if n, ok := records[0]["removed"].(int64); ok {
			removed = n
		}
	}

	w.logger.Info("author identities merged",
		slog.String("canonical", canonicalKey),
		slog.Int("aliases", len(aliasKeys)),
		slog.Int64("removed", removed))
	return removed, nil
}
