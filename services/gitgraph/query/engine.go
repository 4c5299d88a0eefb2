// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package query compiles named history intents into Cypher read plans
// and decodes the results into typed records.
//
// Every intent validates its inputs before they reach a query
// parameter, resolves its starting point (commit or ref) against the
// graph, and treats an empty result set as a valid answer rather than
// an error. Only a missing starting point is an error.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/gitgraph/pkg/validation"
	"github.com/AleutianAI/gitgraph/services/gitgraph/neo"
	"github.com/AleutianAI/gitgraph/services/gitgraph/telemetry"
)

// Sentinel errors returned by query intents.
var (
	// ErrInvalidQueryIntent indicates request parameters that can
	// never produce a valid plan. Never retried.
	ErrInvalidQueryIntent = errors.New("invalid query intent")

	// ErrNoSuchRef indicates the named ref is not materialized.
	ErrNoSuchRef = errors.New("no such ref")

	// ErrNoSuchCommit indicates the starting commit is not
	// materialized.
	ErrNoSuchCommit = errors.New("no such commit")
)

// Engine executes history intents against the graph store.
//
// # Description
//
// Engine compiles each intent to a parameterized Cypher read plan and
// runs it through a neo.Runner, so callers inherit the resilient
// client's retry and circuit-breaker behavior.
//
// # Thread Safety
//
// Engine is safe for concurrent use.
type Engine struct {
	runner  neo.Runner
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// EngineOption adjusts optional engine collaborators.
type EngineOption func(*Engine)

// WithMetrics wires query metrics.
func WithMetrics(m *telemetry.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates an Engine over the given runner.
func NewEngine(runner neo.Runner, logger *slog.Logger, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		runner: runner,
		logger: logger.With(slog.String("component", "query_engine")),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// observe feeds one finished intent into the query metrics.
func (e *Engine) observe(ctx context.Context, intent string, start time.Time, err error) {
	if e.metrics == nil {
		return
	}
	status := "ok"
	switch {
	case errors.Is(err, ErrInvalidQueryIntent):
		status = "invalid"
	case errors.Is(err, ErrNoSuchRef) || errors.Is(err, ErrNoSuchCommit):
		status = "not_found"
	case err != nil:
		status = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("intent", intent),
		attribute.String("status", status))
	e.metrics.QueriesTotal.Add(ctx, 1, attrs)
	e.metrics.QueryDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	if status == "error" {
		e.metrics.ErrorsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("component", "query"),
			attribute.String("type", intent)))
	}
}

// Ancestry returns the ancestors of a commit ordered by hop count.
//
// # Description
//
// Walks PARENT_OF edges from the starting commit. Depth 0 returns the
// start commit alone; UnboundedDepth walks to the roots. Since/Until
// bound results by commit time. The start commit itself is included
// when it passes the time bounds.
//
// # Outputs
//
//   - []CommitRecord: Ancestors with their depth, nearest first. An
//     empty slice is a valid answer.
//   - error: ErrNoSuchCommit when the start commit is missing,
//     ErrInvalidQueryIntent on bad parameters.
func (e *Engine) Ancestry(ctx context.Context, req AncestryRequest) (_ []CommitRecord, err error) {
	start := time.Now()
	defer func() { e.observe(ctx, "ancestry", start, err) }()

	if err := validation.ValidateObjectID(req.Commit); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQueryIntent, err)
	}
	if req.Depth < UnboundedDepth {
		return nil, fmt.Errorf("%w: depth must be >= %d", ErrInvalidQueryIntent, UnboundedDepth)
	}
	if err := validateWindow(req.Since, req.Until); err != nil {
		return nil, err
	}

	if err := e.requireCommit(ctx, req.Commit); err != nil {
		return nil, err
	}

	records, err := e.runner.Read(ctx, ancestryQuery(req.Depth), map[string]any{
		"id":    req.Commit,
		"since": unixOrNil(req.Since),
		"until": unixOrNil(req.Until),
	})
	if err != nil {
		return nil, fmt.Errorf("ancestry of %s: %w", req.Commit, err)
	}

	e.logger.Debug("ancestry query complete",
		slog.String("commit", req.Commit),
		slog.Int("depth", req.Depth),
		slog.Int("results", len(records)))

	return decodeCommitRecords(records)
}

// CommitsBetween returns the commits on every ancestry path from one
// commit down to another, both endpoints included, ordered by hop
// count from the newer endpoint.
func (e *Engine) CommitsBetween(ctx context.Context, req RangeRequest) (_ []CommitRecord, err error) {
	start := time.Now()
	defer func() { e.observe(ctx, "commits_between", start, err) }()

	if err := validation.ValidateObjectID(req.From); err != nil {
		return nil, fmt.Errorf("%w: from: %v", ErrInvalidQueryIntent, err)
	}
	if err := validation.ValidateObjectID(req.To); err != nil {
		return nil, fmt.Errorf("%w: to: %v", ErrInvalidQueryIntent, err)
	}

	if err := e.requireCommit(ctx, req.From); err != nil {
		return nil, err
	}
	if err := e.requireCommit(ctx, req.To); err != nil {
		return nil, err
	}

	records, err := e.runner.Read(ctx, commitsBetweenQuery, map[string]any{
		"from": req.From,
		"to":   req.To,
	})
	if err != nil {
		return nil, fmt.Errorf("commits between %s and %s: %w", req.From, req.To, err)
	}
	return decodeCommitRecords(records)
}

// FileHistory returns the versions of a path reachable from a ref,
// newest first.
//
// # Description
//
// Resolves the ref, then follows the CONTAINS chain named by the
// path's segments through each ancestor commit's root tree. A commit
// whose tree lacks the path produces no version. Changed is computed
// against the object recorded at the commit's first parent; a commit
// that introduces the path counts as changed.
func (e *Engine) FileHistory(ctx context.Context, req FileHistoryRequest) (_ []FileVersion, err error) {
	start := time.Now()
	defer func() { e.observe(ctx, "file_history", start, err) }()

	// A single leading slash is root-relative, which every tree path is.
	path := strings.TrimPrefix(req.Path, "/")
	if err := validation.ValidateTreePath(path); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQueryIntent, err)
	}
	if err := validation.ValidateRefName(req.Ref); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQueryIntent, err)
	}
	limit, err := normalizeLimit(req.Limit, DefaultFileHistoryLimit)
	if err != nil {
		return nil, err
	}

	head, err := e.resolveRef(ctx, req.Ref)
	if err != nil {
		return nil, err
	}

	segments := strings.Split(path, "/")
	params := map[string]any{"head": head}
	for i, seg := range segments {
		params[segmentParam(i)] = seg
	}

	records, err := e.runner.Read(ctx, fileHistoryQuery(len(segments)), params)
	if err != nil {
		return nil, fmt.Errorf("file history of %s at %s: %w", req.Path, req.Ref, err)
	}

	versions, err := decodeFileVersions(records)
	if err != nil {
		return nil, err
	}
	if req.ChangedOnly {
		versions = changedVersions(versions)
	}
	if len(versions) > limit {
		versions = versions[:limit]
	}

	e.logger.Debug("file history query complete",
		slog.String("path", req.Path),
		slog.String("ref", req.Ref),
		slog.Int("versions", len(versions)))

	return versions, nil
}

// Contributors ranks authors by commits authored inside the window,
// most active first. Ties break on author key for a stable order.
func (e *Engine) Contributors(ctx context.Context, req ContributorsRequest) (_ []Contributor, err error) {
	start := time.Now()
	defer func() { e.observe(ctx, "contributors", start, err) }()

	if err := validateWindow(req.Since, req.Until); err != nil {
		return nil, err
	}
	limit, err := normalizeLimit(req.Limit, DefaultContributorLimit)
	if err != nil {
		return nil, err
	}

	records, err := e.runner.Read(ctx, contributorsQuery, map[string]any{
		"since": unixOrNil(req.Since),
		"until": unixOrNil(req.Until),
		"limit": int64(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("contributors: %w", err)
	}

	out := make([]Contributor, 0, len(records))
	for _, rec := range records {
		out = append(out, Contributor{
			Key:             asString(rec["key"]),
			Name:            asString(rec["name"]),
			Email:           asString(rec["email"]),
			Commits:         asInt64(rec["commits"]),
			FirstCommitTime: asInt64(rec["first_time"]),
			LastCommitTime:  asInt64(rec["last_time"]),
		})
	}
	return out, nil
}

// Commit returns a single commit record by content id.
func (e *Engine) Commit(ctx context.Context, id string) (_ *CommitRecord, err error) {
	start := time.Now()
	defer func() { e.observe(ctx, "commit", start, err) }()

	if err := validation.ValidateObjectID(id); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQueryIntent, err)
	}

	records, err := e.runner.Read(ctx, commitLookupQuery, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("lookup commit %s: %w", id, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchCommit, id)
	}

	rec, err := decodeCommitRecord(records[0])
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// FirstCommit returns the root of a ref's history, the commit the
// repository started from.
//
// # Description
//
// Resolves the ref, then walks PARENT_OF edges to the commits with no
// parents. A history with several roots (grafts, merged unrelated
// histories) answers with the oldest one by commit time.
func (e *Engine) FirstCommit(ctx context.Context, ref string) (_ *CommitRecord, err error) {
	start := time.Now()
	defer func() { e.observe(ctx, "first_commit", start, err) }()

	if err := validation.ValidateRefName(ref); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQueryIntent, err)
	}

	head, err := e.resolveRef(ctx, ref)
	if err != nil {
		return nil, err
	}

	records, err := e.runner.Read(ctx, firstCommitQuery, map[string]any{"head": head})
	if err != nil {
		return nil, fmt.Errorf("first commit of %s: %w", ref, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: head of %s", ErrNoSuchCommit, ref)
	}

	rec, err := decodeCommitRecord(records[0])
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Refs lists every materialized ref and its target, sorted by name.
func (e *Engine) Refs(ctx context.Context) (_ []RefRecord, err error) {
	start := time.Now()
	defer func() { e.observe(ctx, "refs", start, err) }()

	records, err := e.runner.Read(ctx, refsQuery, nil)
	if err != nil {
		return nil, fmt.Errorf("list refs: %w", err)
	}

	out := make([]RefRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, RefRecord{
			Name:   asString(rec["name"]),
			Target: asString(rec["target"]),
		})
	}
	return out, nil
}

// requireCommit fails with ErrNoSuchCommit unless the commit is
// materialized (stub endpoints from edge upserts do not count).
func (e *Engine) requireCommit(ctx context.Context, id string) error {
	records, err := e.runner.Read(ctx, commitExistsQuery, map[string]any{"id": id})
	if err != nil {
		return fmt.Errorf("check commit %s: %w", id, err)
	}
	if len(records) == 0 {
		return fmt.Errorf("%w: %s", ErrNoSuchCommit, id)
	}
	return nil
}

// resolveRef resolves a ref name to its target commit id. Short names
// are tried as branches before tags, matching git's own precedence.
func (e *Engine) resolveRef(ctx context.Context, name string) (string, error) {
	candidates := refCandidates(name)

	records, err := e.runner.Read(ctx, refTargetQuery, map[string]any{
		"candidates": candidates,
	})
	if err != nil {
		return "", fmt.Errorf("resolve ref %s: %w", name, err)
	}

	targets := make(map[string]string, len(records))
	for _, rec := range records {
		targets[asString(rec["name"])] = asString(rec["target"])
	}
	for _, candidate := range candidates {
		if target, ok := targets[candidate]; ok {
			return target, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNoSuchRef, name)
}

// refCandidates lists the full ref names a short name may denote, in
// resolution priority order.
func refCandidates(name string) []string {
	if strings.HasPrefix(name, "refs/") {
		return []string{name}
	}
	return []string{name, "refs/heads/" + name, "refs/tags/" + name}
}

// changedVersions keeps the versions whose object differs from the
// object at the commit's first parent. Input is newest first; order
// is preserved.
func changedVersions(versions []FileVersion) []FileVersion {
	out := versions[:0:0]
	for _, v := range versions {
		if v.Changed {
			out = append(out, v)
		}
	}
	return out
}

// annotateChanged fills in Changed by comparing each version's object
// against the version at its first parent. A parent without the path
// (or outside the result set) counts as a change.
func annotateChanged(versions []FileVersion, parentsByCommit map[string][]string) {
	byCommit := make(map[string]string, len(versions))
	for _, v := range versions {
		byCommit[v.CommitID] = v.ObjectID
	}
	for i := range versions {
		parents := parentsByCommit[versions[i].CommitID]
		if len(parents) == 0 {
			versions[i].Changed = true
			continue
		}
		parentObject, ok := byCommit[parents[0]]
		versions[i].Changed = !ok || parentObject != versions[i].ObjectID
	}
}

func validateWindow(since, until time.Time) error {
	if !since.IsZero() && !until.IsZero() && since.After(until) {
		return fmt.Errorf("%w: since is after until", ErrInvalidQueryIntent)
	}
	return nil
}

func normalizeLimit(limit, fallback int) (int, error) {
	switch {
	case limit < 0:
		return 0, fmt.Errorf("%w: limit must be >= 0", ErrInvalidQueryIntent)
	case limit == 0:
		return fallback, nil
	case limit > MaxResultLimit:
		return MaxResultLimit, nil
	default:
		return limit, nil
	}
}

// unixOrNil converts a time bound to a Cypher parameter, mapping the
// zero value to null so the plan's IS NULL guard disables the bound.
func unixOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Unix()
}

// decodeCommitRecords converts raw rows while preserving their order.
func decodeCommitRecords(records []map[string]any) ([]CommitRecord, error) {
	out := make([]CommitRecord, 0, len(records))
	for _, raw := range records {
		rec, err := decodeCommitRecord(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func decodeCommitRecord(raw map[string]any) (CommitRecord, error) {
	id := asString(raw["id"])
	if id == "" {
		return CommitRecord{}, fmt.Errorf("malformed commit record: missing id")
	}
	return CommitRecord{
		ID:             id,
		Message:        asString(raw["message"]),
		AuthorName:     asString(raw["author_name"]),
		AuthorEmail:    asString(raw["author_email"]),
		AuthorTime:     asInt64(raw["author_time"]),
		CommitterName:  asString(raw["committer_name"]),
		CommitterEmail: asString(raw["committer_email"]),
		CommitTime:     asInt64(raw["commit_time"]),
		Parents:        asStringSlice(raw["parents"]),
		Depth:          asInt64(raw["depth"]),
	}, nil
}

// decodeFileVersions converts raw rows, computes Changed, and returns
// the versions newest first.
func decodeFileVersions(records []map[string]any) ([]FileVersion, error) {
	versions := make([]FileVersion, 0, len(records))
	parentsByCommit := make(map[string][]string, len(records))
	for _, raw := range records {
		commitID := asString(raw["commit_id"])
		if commitID == "" {
			return nil, fmt.Errorf("malformed file version record: missing commit_id")
		}
		versions = append(versions, FileVersion{
			CommitID:   commitID,
			CommitTime: asInt64(raw["commit_time"]),
			Message:    asString(raw["message"]),
			ObjectID:   asString(raw["object_id"]),
		})
		parentsByCommit[commitID] = asStringSlice(raw["parents"])
	}

	annotateChanged(versions, parentsByCommit)

	sort.SliceStable(versions, func(i, j int) bool {
		return versions[i].CommitTime > versions[j].CommitTime
	})
	return versions, nil
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func asStringSlice(v any) []string {
	switch vs := v.(type) {
	case []string:
		return vs
	case []any:
		out := make([]string, 0, len(vs))
		for _, item := range vs {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
