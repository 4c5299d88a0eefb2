// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gitgraph is the HTTP service exposing git history as a
// queryable property graph: ingestion runs, history queries and
// author maintenance.
package gitgraph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/gitgraph/pkg/logging"
	"github.com/AleutianAI/gitgraph/pkg/validation"
	"github.com/AleutianAI/gitgraph/services/gitgraph/gitstore"
	"github.com/AleutianAI/gitgraph/services/gitgraph/neo"
	"github.com/AleutianAI/gitgraph/services/gitgraph/telemetry"
	"github.com/AleutianAI/gitgraph/services/gitgraph/walker"
)

// Ingestor runs one repository's ingestion.
type Ingestor interface {
	Run(ctx context.Context, refs []string) (*walker.Report, error)
}

// IngestorFactory opens a repository and returns its Ingestor.
type IngestorFactory func(repoPath string) (Ingestor, error)

// AuthorStore is the subset of the write coordinator the service
// calls directly.
type AuthorStore interface {
	MergeAuthors(ctx context.Context, canonicalKey string, aliasKeys []string) (int64, error)
}

// NewRepositoryIngestorFactory builds the production factory: a
// go-git reader walked into the given store.
func NewRepositoryIngestorFactory(store walker.Store, config Config, logger *slog.Logger, metrics *telemetry.Metrics) IngestorFactory {
	return func(repoPath string) (Ingestor, error) {
		reader, err := gitstore.Open(repoPath)
		if err != nil {
			return nil, err
		}
		return walker.New(reader, store, walker.Config{
			BatchSize:         config.BatchSize,
			ObjectTimeout:     config.ObjectTimeout,
			MaxRefConcurrency: config.MaxRefConcurrency,
			Logger:            logger,
			Metrics:           metrics,
		})
	}
}

// ingestRun is one active ingestion, cancellable between batches.
type ingestRun struct {
	id       string
	repoPath string
	cancel   context.CancelFunc
}

// Service coordinates ingestion runs and repository watchers.
//
// # Thread Safety
//
// Service is safe for concurrent use. At most one run per repository
// is active at a time; a duplicate request conflicts instead of
// queueing.
type Service struct {
	config      Config
	factory     IngestorFactory
	authors     AuthorStore
	degradation *neo.IngestDegradation
	storeState  func() neo.ConnectionState
	metrics     *telemetry.Metrics
	logger      *slog.Logger
	watchLog    *logging.Logger

	mu       sync.Mutex
	closed   bool
	runs     map[string]*ingestRun
	byRepo   map[string]string
	watchers map[string]*gitstore.RefWatcher
}

// ServiceOption adjusts optional service collaborators.
type ServiceOption func(*Service)

// WithStoreState wires the resilient client's connection state into
// readiness reporting.
func WithStoreState(fn func() neo.ConnectionState) ServiceOption {
	return func(s *Service) { s.storeState = fn }
}

// WithDegradation wires the ingest degradation handler; when the
// handler reports a disabled store, new runs are refused.
func WithDegradation(h *neo.IngestDegradation) ServiceOption {
	return func(s *Service) { s.degradation = h }
}

// WithMetrics wires ingestion run metrics.
func WithMetrics(m *telemetry.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// NewService creates the service.
func NewService(config Config, factory IngestorFactory, authors AuthorStore, logger *slog.Logger, opts ...ServiceOption) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		config:     config,
		factory:    factory,
		authors:    authors,
		storeState: func() neo.ConnectionState { return neo.StateConnected },
		logger:     logger.With(slog.String("component", "gitgraph_service")),
		watchLog:   logging.New(logging.Config{Service: "gitgraph"}),
		runs:       make(map[string]*ingestRun),
		byRepo:     make(map[string]string),
		watchers:   make(map[string]*gitstore.RefWatcher),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ingest runs one ingestion for the repository and returns its
// report.
//
// # Description
//
// The run executes on the caller's goroutine but is registered so a
// concurrent DELETE can cancel it between batches. A second request
// for the same repository while a run is active returns
// ErrIngestInProgress. With Watch set, a ref watcher is installed
// after the run and re-ingests on HEAD or refs/ updates.
//
// # Outputs
//
//   - *IngestResponse: The run report, including per-ref outcomes
//     and failed objects.
//   - error: ErrIngestInProgress, ErrStoreDegraded,
//     gitstore.ErrRepositoryUnavailable, or a fatal store error.
func (s *Service) Ingest(ctx context.Context, req IngestRequest) (*IngestResponse, error) {
	return s.ingest(ctx, req, "api")
}

func (s *Service) ingest(ctx context.Context, req IngestRequest, trigger string) (*IngestResponse, error) {
	if err := validation.ValidateRepoPath(req.RepoPath); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	for _, ref := range req.Refs {
		if err := validation.ValidateRefName(ref); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}
	if s.degradation != nil && s.degradation.ShouldRefuseRuns() {
		return nil, fmt.Errorf("%w: %s", ErrStoreDegraded, s.storeState())
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	run := &ingestRun{id: uuid.NewString(), repoPath: req.RepoPath, cancel: cancel}
	if err := s.register(run); err != nil {
		return nil, err
	}
	defer s.unregister(run)

	s.logger.Info("ingestion started",
		slog.String("run_id", run.id),
		slog.String("repo", req.RepoPath),
		slog.Int("refs", len(req.Refs)))

	ingestor, err := s.factory(req.RepoPath)
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", req.RepoPath, err)
	}

	report, err := ingestor.Run(runCtx, req.Refs)
	s.recordRun(ctx, trigger, report, err)
	if err != nil {
		return nil, err
	}

	watching := false
	if req.Watch {
		if err := s.ensureWatcher(req.RepoPath, req.Refs); err != nil {
			s.logger.Warn("ref watcher failed to start",
				slog.String("repo", req.RepoPath),
				slog.Any("error", err))
		} else {
			watching = true
		}
	}

	resp := &IngestResponse{
		RunID:          run.id,
		RepoPath:       req.RepoPath,
		RefsSynced:     report.Refs,
		Attempted:      report.Attempted,
		Materialized:   report.Materialized,
		SkippedPresent: report.SkippedPresent,
		Failed:         report.Failed,
		DurationMs:     report.FinishedAt.Sub(report.StartedAt).Milliseconds(),
		Watching:       watching,
	}

	s.logger.Info("ingestion finished",
		slog.String("run_id", run.id),
		slog.Int64("materialized", resp.Materialized),
		slog.Int64("skipped", resp.SkippedPresent),
		slog.Int("failed", len(resp.Failed)))

	return resp, nil
}

// Cancel stops an active run between batches.
func (s *Service) Cancel(runID string) error {
	s.mu.Lock()
	run, ok := s.runs[runID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	s.logger.Info("cancelling ingestion", slog.String("run_id", runID))
	run.cancel()
	return nil
}

// MergeAuthors folds alias author identities into a canonical one.
func (s *Service) MergeAuthors(ctx context.Context, canonicalKey string, aliasKeys []string) (int64, error) {
	return s.authors.MergeAuthors(ctx, canonicalKey, aliasKeys)
}

// ActiveRuns reports the number of in-flight ingestion runs.
func (s *Service) ActiveRuns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

// StoreState reports the graph store connection state.
func (s *Service) StoreState() neo.ConnectionState {
	return s.storeState()
}

// Watching reports whether a ref watcher is active for the repository.
func (s *Service) Watching(repoPath string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.watchers[repoPath]
	return ok
}

// Close stops every watcher and refuses further runs.
func (s *Service) Close() error {
	s.mu.Lock()
	s.closed = true
	watchers := make([]*gitstore.RefWatcher, 0, len(s.watchers))
	for _, w := range s.watchers {
		watchers = append(watchers, w)
	}
	s.watchers = make(map[string]*gitstore.RefWatcher)
	runs := make([]*ingestRun, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	s.mu.Unlock()

	for _, r := range runs {
		r.cancel()
	}
	var firstErr error
	for _, w := range watchers {
		if err := w.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Service) register(run *ingestRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrServiceClosed
	}
	if activeID, ok := s.byRepo[run.repoPath]; ok {
		return fmt.Errorf("%w: run %s", ErrIngestInProgress, activeID)
	}
	s.runs[run.id] = run
	s.byRepo[run.repoPath] = run.id
	return nil
}

func (s *Service) unregister(run *ingestRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, run.id)
	delete(s.byRepo, run.repoPath)
}

// ensureWatcher installs at most one watcher per repository. The
// callback re-ingests in the background; a run already in flight for
// the repository makes the trigger a no-op.
func (s *Service) ensureWatcher(repoPath string, refs []string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServiceClosed
	}
	if _, ok := s.watchers[repoPath]; ok {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	watcher, err := gitstore.NewRefWatcher(repoPath, s.config.WatchDebounce, func() {
		s.reingest(repoPath, refs)
	}, s.watchLog)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		watcher.Stop()
		return ErrServiceClosed
	}
	if _, ok := s.watchers[repoPath]; ok {
		s.mu.Unlock()
		watcher.Stop()
		return nil
	}
	s.watchers[repoPath] = watcher
	s.mu.Unlock()

	// Start blocks until the watcher is stopped, so it gets its own
	// goroutine; Stop in Close ends the loop.
	go watcher.Start(context.Background())
	s.logger.Info("ref watcher started", slog.String("repo", repoPath))
	return nil
}

// reingest is the watcher callback: one background run, conflicts
// silently skipped since the active run will pick up the new refs on
// the next trigger.
func (s *Service) reingest(repoPath string, refs []string) {
	resp, err := s.ingest(context.Background(),
		IngestRequest{RepoPath: repoPath, Refs: refs}, "watch")
	switch {
	case err == nil:
		s.logger.Info("watch-triggered ingestion finished",
			slog.String("repo", repoPath),
			slog.Int64("materialized", resp.Materialized))
	case isConflict(err):
		s.logger.Debug("watch trigger skipped, run in flight", slog.String("repo", repoPath))
	default:
		s.logger.Error("watch-triggered ingestion failed",
			slog.String("repo", repoPath),
			slog.Any("error", err))
	}
}

func isConflict(err error) bool {
	return errors.Is(err, ErrIngestInProgress) || errors.Is(err, ErrServiceClosed)
}

// recordRun feeds one finished run into the ingestion metrics.
func (s *Service) recordRun(ctx context.Context, trigger string, report *walker.Report, err error) {
	if s.metrics == nil {
		return
	}
	status := "completed"
	switch {
	case errors.Is(err, context.Canceled):
		status = "cancelled"
	case err != nil:
		status = "failed"
	}
	runAttrs := metric.WithAttributes(
		attribute.String("trigger", trigger),
		attribute.String("status", status))
	s.metrics.IngestRunsTotal.Add(ctx, 1, runAttrs)
	if report != nil {
		s.metrics.IngestRunDuration.Record(ctx,
			report.FinishedAt.Sub(report.StartedAt).Seconds(), runAttrs)
		s.metrics.IngestObjectsTotal.Add(ctx, report.Materialized,
			metric.WithAttributes(attribute.String("outcome", "materialized")))
		s.metrics.IngestObjectsTotal.Add(ctx, report.SkippedPresent,
			metric.WithAttributes(attribute.String("outcome", "skipped_present")))
		s.metrics.IngestObjectsTotal.Add(ctx, int64(len(report.Failed)),
			metric.WithAttributes(attribute.String("outcome", "failed")))
	}
	if err != nil {
		s.metrics.ErrorsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("component", "ingest"),
			attribute.String("type", "run")))
	}
}
