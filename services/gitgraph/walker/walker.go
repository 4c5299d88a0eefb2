// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package walker drives incremental ingestion: it traverses the commit
// graph from ref targets, prunes at objects the store already holds, and
// streams mapped batches to the graph writer.
//
// Content addressing is what makes the pruning sound: an object id in the
// store implies the object's entire closure is in the store, so a present
// commit ends its ancestry walk and a present tree ends its subtree walk.
package walker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/gitgraph/services/gitgraph/gitstore"
	"github.com/AleutianAI/gitgraph/services/gitgraph/mapper"
	"github.com/AleutianAI/gitgraph/services/gitgraph/neo"
	"github.com/AleutianAI/gitgraph/services/gitgraph/telemetry"
)

// -----------------------------------------------------------------------------
// Interfaces
// -----------------------------------------------------------------------------

// Source reads decoded objects from a repository. *gitstore.Reader
// implements it.
type Source interface {
	Refs(ctx context.Context, fn func(gitstore.Ref) error) error
	ResolveRef(name string) (string, error)
	Commit(ctx context.Context, id string) (*gitstore.Commit, error)
	Tree(ctx context.Context, id string) (*gitstore.Tree, error)
	Blob(ctx context.Context, id string) (*gitstore.Blob, error)
}

// Store persists mapped batches. *neo.Writer implements it.
type Store interface {
	WriteBatch(ctx context.Context, batch mapper.Batch) error
	UpdateRef(ctx context.Context, name, target string) error
	FetchExisting(ctx context.Context, kind mapper.NodeKind, ids []string) (map[string]bool, error)
}

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config configures a Walker.
type Config struct {
	// BatchSize is the number of objects per write batch and per
	// presence check.
	// Default: 200
	BatchSize int

	// ObjectTimeout bounds a single object decode.
	// Default: 5s
	ObjectTimeout time.Duration

	// MaxRefConcurrency bounds how many refs are walked in parallel.
	// Default: 4
	MaxRefConcurrency int

	// Logger for walk progress.
	// Default: slog.Default()
	Logger *slog.Logger

	// Metrics receives batch counters when set.
	// Default: nil (no metrics)
	Metrics *telemetry.Metrics
}

// DefaultConfig returns sensible defaults for production use.
func DefaultConfig() Config {
	return Config{
		BatchSize:         200,
		ObjectTimeout:     5 * time.Second,
		MaxRefConcurrency: 4,
		Logger:            slog.Default(),
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.BatchSize < 1 {
		return errors.New("batch_size must be at least 1")
	}
	if c.ObjectTimeout <= 0 {
		return errors.New("object_timeout must be positive")
	}
	if c.MaxRefConcurrency < 1 {
		return errors.New("max_ref_concurrency must be at least 1")
	}
	return nil
}

// applyDefaults fills in zero values with defaults.
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()
	if c.BatchSize == 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.ObjectTimeout == 0 {
		c.ObjectTimeout = defaults.ObjectTimeout
	}
	if c.MaxRefConcurrency == 0 {
		c.MaxRefConcurrency = defaults.MaxRefConcurrency
	}
	if c.Logger == nil {
		c.Logger = defaults.Logger
	}
}

// -----------------------------------------------------------------------------
// Walker
// -----------------------------------------------------------------------------

// Walker runs incremental ingestion over one repository.
//
// Thread Safety: Safe for concurrent use, though runs over the same
// repository should be serialized by the caller.
type Walker struct {
	src    Source
	store  Store
	config Config
	logger *slog.Logger
}

// New creates a Walker.
func New(src Source, store Store, config Config) (*Walker, error) {
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Walker{
		src:    src,
		store:  store,
		config: config,
		logger: config.Logger.With(slog.String("component", "walker")),
	}, nil
}

// runState is the visited and failed bookkeeping shared by concurrent
// per-ref walks.
type runState struct {
	mu      sync.Mutex
	visited map[string]bool
	failed  map[string]bool
}

func newRunState() *runState {
	return &runState{
		visited: make(map[string]bool),
		failed:  make(map[string]bool),
	}
}

// markVisited reports true on the first visit of id within this run.
func (s *runState) markVisited(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.visited[id] {
		return false
	}
	s.visited[id] = true
	return true
}

func (s *runState) markFailed(id string) {
	s.mu.Lock()
	s.failed[id] = true
	s.mu.Unlock()
}

func (s *runState) isFailed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed[id]
}

func (s *runState) anyFailed(ids []string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if s.failed[id] {
			return true
		}
	}
	return false
}

// refResult carries what the deferred ref update decision needs: the
// walk's own failure count and every object it pruned at because a
// concurrent walk had claimed it first.
type refResult struct {
	ref      gitstore.Ref
	failures int
	pruned   []string
}

// Run walks the given refs and materializes everything reachable that the
// store does not already hold.
//
// Inputs:
//
//	ctx - Context for cancellation; checked between objects and batches.
//	refs - Ref names to walk (short or full). Empty walks every branch
//	       and tag in the repository.
//
// Outputs:
//
//	*Report - Per-object and per-ref outcomes. Non-nil even on error.
//	error - Non-nil only for run-fatal conditions (cancellation, store
//	        outage); individual object failures land in the report.
func (w *Walker) Run(ctx context.Context, refs []string) (*Report, error) {
	build := newReportBuilder()

	targets, err := w.resolveTargets(ctx, refs, build)
	if err != nil {
		return build.finish(), err
	}

	w.logger.Info("ingestion run starting",
		slog.Int("refs", len(targets)))

	state := newRunState()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.config.MaxRefConcurrency)

	var resMu sync.Mutex
	var results []refResult
	for _, ref := range targets {
		g.Go(func() error {
			res, err := w.walkRef(gctx, ref, state, build)
			if err != nil {
				return err
			}
			resMu.Lock()
			results = append(results, res)
			resMu.Unlock()
			return nil
		})
	}
	err = g.Wait()

	// Ref updates happen only after every walk has flushed its buffers:
	// a ref must never point at a commit whose closure is still pending
	// in a concurrent walk's accumulator.
	if err == nil {
		err = w.updateRefs(ctx, results, state, build)
	} else {
		for _, res := range results {
			build.addRefOutcome(RefOutcome{
				Name:   res.ref.Name,
				Target: res.ref.TargetID,
				Reason: "run ended before ref update",
			})
		}
	}

	report := build.finish()
	w.logger.Info("ingestion run finished",
		slog.Int64("attempted", report.Attempted),
		slog.Int64("materialized", report.Materialized),
		slog.Int64("skipped_present", report.SkippedPresent),
		slog.Int("failed", len(report.Failed)),
		slog.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)))
	return report, err
}

// resolveTargets turns requested ref names into peeled refs, or enumerates
// the whole ref store when none were requested. Unresolvable names are
// reported as un-updated refs, not run failures.
func (w *Walker) resolveTargets(ctx context.Context, refs []string, build *reportBuilder) ([]gitstore.Ref, error) {
	if len(refs) == 0 {
		var all []gitstore.Ref
		err := w.src.Refs(ctx, func(r gitstore.Ref) error {
			all = append(all, r)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("enumerate refs: %w", err)
		}
		return all, nil
	}

	var targets []gitstore.Ref
	for _, name := range refs {
		target, err := w.src.ResolveRef(name)
		if err != nil {
			build.addRefOutcome(RefOutcome{Name: name, Reason: err.Error()})
			continue
		}
		targets = append(targets, gitstore.Ref{Name: name, TargetID: target})
	}
	return targets, nil
}

// walkRef walks one ref's ancestry breadth-first. The ref node update is
// held back until the whole run has settled; the returned result carries
// what that decision needs.
func (w *Walker) walkRef(ctx context.Context, ref gitstore.Ref, state *runState, build *reportBuilder) (refResult, error) {
	acc := newAccumulator(w, state, build)
	refFailures := 0

	queue := []string{ref.TargetID}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return refResult{}, err
		}

		n := min(len(queue), w.config.BatchSize)
		chunk := queue[:n]
		queue = queue[n:]

		var candidates []string
		for _, id := range chunk {
			if state.isFailed(id) {
				refFailures++
				continue
			}
			if state.markVisited(id) {
				candidates = append(candidates, id)
			} else {
				acc.notePruned(id)
			}
		}
		if len(candidates) == 0 {
			continue
		}

		present, err := w.store.FetchExisting(ctx, mapper.NodeCommit, candidates)
		if err != nil {
			return refResult{}, fmt.Errorf("commit presence check: %w", err)
		}

		for _, id := range candidates {
			if present[id] {
				// The commit's whole closure is already in the store.
				build.addSkipped(1)
				continue
			}

			build.addAttempted(1)
			commit, failure, err := w.decodeCommit(ctx, id)
			if err != nil {
				return refResult{}, err
			}
			if failure != nil {
				state.markFailed(id)
				build.addFailure(*failure)
				refFailures++
				continue
			}

			batch, merr := mapper.MapCommit(commit)
			if merr != nil {
				state.markFailed(id)
				build.addFailure(FailedObject{ID: id, Kind: "commit", Reason: merr.Error()})
				refFailures++
				continue
			}
			if err := acc.add(ctx, footprint{id: id, kind: "commit", batch: batch}); err != nil {
				return refResult{}, err
			}

			treeFailures, err := w.walkTree(ctx, commit.TreeID, state, acc, build)
			if err != nil {
				return refResult{}, err
			}
			refFailures += treeFailures

			queue = append(queue, commit.Parents...)
		}
	}

	if err := acc.flush(ctx); err != nil {
		return refResult{}, err
	}
	refFailures += acc.takeFailures()

	w.logger.Debug("ref walk finished",
		slog.String("ref", ref.Name),
		slog.Int("failures", refFailures))
	return refResult{ref: ref, failures: refFailures, pruned: acc.pruned}, nil
}

// updateRefs settles each ref's POINTS_TO once every walk has flushed. A
// ref advances only when its own traversal was clean and nothing it
// pruned at failed in the walk that owned the object.
func (w *Walker) updateRefs(ctx context.Context, results []refResult, state *runState, build *reportBuilder) error {
	for _, res := range results {
		outcome := RefOutcome{Name: res.ref.Name, Target: res.ref.TargetID}
		switch {
		case res.failures > 0:
			outcome.Reason = fmt.Sprintf("%d objects failed during traversal", res.failures)
		case state.anyFailed(res.pruned):
			outcome.Reason = "shared objects failed in a concurrent ref walk"
		default:
			err := w.store.UpdateRef(ctx, res.ref.Name, res.ref.TargetID)
			switch {
			case err == nil:
				outcome.Updated = true
			case isFatalStoreError(err) || ctx.Err() != nil:
				return err
			default:
				outcome.Reason = err.Error()
			}
		}
		build.addRefOutcome(outcome)
	}
	return nil
}

// walkTree materializes one commit's tree closure top-down. A corrupt
// tree fails its whole subtree, since the children are unknowable.
func (w *Walker) walkTree(ctx context.Context, rootID string, state *runState, acc *accumulator, build *reportBuilder) (int, error) {
	failures := 0
	queue := []string{rootID}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return failures, err
		}

		n := min(len(queue), w.config.BatchSize)
		chunk := queue[:n]
		queue = queue[n:]

		var candidates []string
		for _, id := range chunk {
			if state.isFailed(id) {
				failures++
				continue
			}
			if state.markVisited(id) {
				candidates = append(candidates, id)
			} else {
				acc.notePruned(id)
			}
		}
		if len(candidates) == 0 {
			continue
		}

		present, err := w.store.FetchExisting(ctx, mapper.NodeTree, candidates)
		if err != nil {
			return failures, fmt.Errorf("tree presence check: %w", err)
		}

		var blobIDs []string
		for _, id := range candidates {
			if present[id] {
				build.addSkipped(1)
				continue
			}

			build.addAttempted(1)
			tree, failure, err := w.decodeTree(ctx, id)
			if err != nil {
				return failures, err
			}
			if failure != nil {
				state.markFailed(id)
				build.addFailure(*failure)
				failures++
				continue
			}

			if err := acc.add(ctx, footprint{id: id, kind: "tree", batch: mapper.MapTree(tree)}); err != nil {
				return failures, err
			}
			for _, e := range tree.Entries {
				switch e.Kind {
				case gitstore.KindTree:
					queue = append(queue, e.TargetID)
				case gitstore.KindBlob:
					blobIDs = append(blobIDs, e.TargetID)
				}
			}
		}

		blobFailures, err := w.walkBlobs(ctx, blobIDs, state, acc, build)
		if err != nil {
			return failures, err
		}
		failures += blobFailures
	}
	return failures, nil
}

// walkBlobs materializes the blobs a tree chunk referenced.
func (w *Walker) walkBlobs(ctx context.Context, ids []string, state *runState, acc *accumulator, build *reportBuilder) (int, error) {
	failures := 0

	var candidates []string
	for _, id := range ids {
		if state.isFailed(id) {
			failures++
			continue
		}
		if state.markVisited(id) {
			candidates = append(candidates, id)
		} else {
			acc.notePruned(id)
		}
	}
	if len(candidates) == 0 {
		return failures, nil
	}

	present, err := w.store.FetchExisting(ctx, mapper.NodeBlob, candidates)
	if err != nil {
		return failures, fmt.Errorf("blob presence check: %w", err)
	}

	for _, id := range candidates {
		if present[id] {
			build.addSkipped(1)
			continue
		}

		build.addAttempted(1)
		blob, failure, err := w.decodeBlob(ctx, id)
		if err != nil {
			return failures, err
		}
		if failure != nil {
			state.markFailed(id)
			build.addFailure(*failure)
			failures++
			continue
		}
		if err := acc.add(ctx, footprint{id: id, kind: "blob", batch: mapper.MapBlob(blob)}); err != nil {
			return failures, err
		}
	}
	return failures, nil
}

// -----------------------------------------------------------------------------
// Object Decoding
// -----------------------------------------------------------------------------

func (w *Walker) decodeCommit(ctx context.Context, id string) (*gitstore.Commit, *FailedObject, error) {
	objCtx, cancel := context.WithTimeout(ctx, w.config.ObjectTimeout)
	defer cancel()
	commit, err := w.src.Commit(objCtx, id)
	if err == nil {
		return commit, nil, nil
	}
	failure, fatal := classifyDecode(ctx, id, "commit", err)
	return nil, failure, fatal
}

func (w *Walker) decodeTree(ctx context.Context, id string) (*gitstore.Tree, *FailedObject, error) {
	objCtx, cancel := context.WithTimeout(ctx, w.config.ObjectTimeout)
	defer cancel()
	tree, err := w.src.Tree(objCtx, id)
	if err == nil {
		return tree, nil, nil
	}
	failure, fatal := classifyDecode(ctx, id, "tree", err)
	return nil, failure, fatal
}

func (w *Walker) decodeBlob(ctx context.Context, id string) (*gitstore.Blob, *FailedObject, error) {
	objCtx, cancel := context.WithTimeout(ctx, w.config.ObjectTimeout)
	defer cancel()
	blob, err := w.src.Blob(objCtx, id)
	if err == nil {
		return blob, nil, nil
	}
	failure, fatal := classifyDecode(ctx, id, "blob", err)
	return nil, failure, fatal
}

// classifyDecode splits a decode error into a per-object failure or a
// run-fatal error. Run cancellation is fatal; a single object hitting its
// decode timeout is not.
func classifyDecode(ctx context.Context, id, kind string, err error) (*FailedObject, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	reason := err.Error()
	if errors.Is(err, context.DeadlineExceeded) {
		reason = fmt.Sprintf("decode timed out: %v", err)
	}
	return &FailedObject{ID: id, Kind: kind, Reason: reason}, nil
}

// -----------------------------------------------------------------------------
// Batch Accumulation
// -----------------------------------------------------------------------------

// footprint is one object's graph records, kept separate so a failed
// batch write can be isolated to the objects that caused it.
type footprint struct {
	id    string
	kind  string
	batch mapper.Batch
}

// accumulator buffers footprints and flushes them as one transaction per
// BatchSize objects.
type accumulator struct {
	w        *Walker
	state    *runState
	build    *reportBuilder
	pending  []footprint
	pruned   []string
	failures int
}

func newAccumulator(w *Walker, state *runState, build *reportBuilder) *accumulator {
	return &accumulator{w: w, state: state, build: build}
}

// notePruned records an object this walk skipped because another walk in
// the run had already claimed it.
func (a *accumulator) notePruned(id string) {
	a.pruned = append(a.pruned, id)
}

func (a *accumulator) add(ctx context.Context, f footprint) error {
	a.pending = append(a.pending, f)
	if len(a.pending) >= a.w.config.BatchSize {
		return a.flush(ctx)
	}
	return nil
}

// flush writes the pending footprints in one transaction. If the combined
// write fails for a reason that is not run-fatal, each footprint is
// retried alone so one bad object cannot sink its batchmates.
func (a *accumulator) flush(ctx context.Context) error {
	if len(a.pending) == 0 {
		return nil
	}
	pending := a.pending
	a.pending = nil

	var merged mapper.Batch
	for _, f := range pending {
		merged.Append(f.batch)
	}

	err := a.w.store.WriteBatch(ctx, merged)
	if err == nil {
		a.build.addMaterialized(int64(len(pending)))
		a.w.noteBatch(ctx, "ok")
		return nil
	}
	if isFatalStoreError(err) || ctx.Err() != nil {
		a.w.noteBatch(ctx, "failed")
		return err
	}
	a.w.noteBatch(ctx, "split")

	for _, f := range pending {
		werr := a.w.store.WriteBatch(ctx, f.batch)
		if werr == nil {
			a.build.addMaterialized(1)
			continue
		}
		if isFatalStoreError(werr) || ctx.Err() != nil {
			return werr
		}
		a.failures++
		a.state.markFailed(f.id)
		a.build.addFailure(FailedObject{ID: f.id, Kind: f.kind, Reason: werr.Error()})
	}
	return nil
}

// takeFailures returns and resets the write-failure count.
func (a *accumulator) takeFailures() int {
	n := a.failures
	a.failures = 0
	return n
}

// noteBatch counts one flushed write batch by outcome.
func (w *Walker) noteBatch(ctx context.Context, status string) {
	if w.config.Metrics == nil {
		return
	}
	w.config.Metrics.IngestBatchesTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)))
}

// isFatalStoreError reports whether a store error should abort the run
// rather than fail a single object.
func isFatalStoreError(err error) bool {
	return errors.Is(err, neo.ErrCircuitOpen) ||
		errors.Is(err, neo.ErrStoreUnavailable) ||
		errors.Is(err, neo.ErrClientClosed) ||
		errors.Is(err, context.Canceled)
}
