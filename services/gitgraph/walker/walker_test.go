// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package walker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/AleutianAI/gitgraph/services/gitgraph/gitstore"
	"github.com/AleutianAI/gitgraph/services/gitgraph/mapper"
	"github.com/AleutianAI/gitgraph/services/gitgraph/neo"
	"github.com/AleutianAI/gitgraph/services/gitgraph/telemetry"
)

// -----------------------------------------------------------------------------
// Fakes
// -----------------------------------------------------------------------------

// fakeSource serves a fixed object set:
//
//	refs/heads/main -> c2 -> c1 (root)
//	c1: t1 {a.txt -> b1}
//	c2: t2 {a.txt -> b2, sub -> t3 {b.txt -> b1}}
type fakeSource struct {
	refs    []gitstore.Ref
	commits map[string]*gitstore.Commit
	trees   map[string]*gitstore.Tree
	blobs   map[string]*gitstore.Blob
	corrupt map[string]bool
}

func newFakeSource() *fakeSource {
	sig := gitstore.Identity{
		Name:  "Ada Lovelace",
		Email: "ada@example.com",
		When:  time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	return &fakeSource{
		refs: []gitstore.Ref{{Name: "refs/heads/main", TargetID: "c2"}},
		commits: map[string]*gitstore.Commit{
			"c1": {ID: "c1", Author: sig, Committer: sig, Message: "initial", TreeID: "t1"},
			"c2": {ID: "c2", Author: sig, Committer: sig, Message: "second", Parents: []string{"c1"}, TreeID: "t2"},
		},
		trees: map[string]*gitstore.Tree{
			"t1": {ID: "t1", Entries: []gitstore.TreeEntry{
				{Name: "a.txt", Mode: 0o100644, TargetID: "b1", Kind: gitstore.KindBlob},
			}},
			"t2": {ID: "t2", Entries: []gitstore.TreeEntry{
				{Name: "a.txt", Mode: 0o100644, TargetID: "b2", Kind: gitstore.KindBlob},
				{Name: "sub", Mode: 0o40000, TargetID: "t3", Kind: gitstore.KindTree},
			}},
			"t3": {ID: "t3", Entries: []gitstore.TreeEntry{
				{Name: "b.txt", Mode: 0o100644, TargetID: "b1", Kind: gitstore.KindBlob},
			}},
		},
		blobs: map[string]*gitstore.Blob{
			"b1": {ID: "b1", Size: 6},
			"b2": {ID: "b2", Size: 7},
		},
		corrupt: map[string]bool{},
	}
}

func (f *fakeSource) Refs(ctx context.Context, fn func(gitstore.Ref) error) error {
	for _, r := range f.refs {
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeSource) ResolveRef(name string) (string, error) {
	if name == "main" || name == "refs/heads/main" {
		return "c2", nil
	}
	return "", fmt.Errorf("%w: %q", gitstore.ErrNoSuchRef, name)
}

func (f *fakeSource) Commit(ctx context.Context, id string) (*gitstore.Commit, error) {
	if f.corrupt[id] {
		return nil, fmt.Errorf("%w: commit %s", gitstore.ErrCorruptObject, id)
	}
	c, ok := f.commits[id]
	if !ok {
		return nil, fmt.Errorf("%w: commit %s", gitstore.ErrObjectNotFound, id)
	}
	return c, nil
}

func (f *fakeSource) Tree(ctx context.Context, id string) (*gitstore.Tree, error) {
	if f.corrupt[id] {
		return nil, fmt.Errorf("%w: tree %s", gitstore.ErrCorruptObject, id)
	}
	t, ok := f.trees[id]
	if !ok {
		return nil, fmt.Errorf("%w: tree %s", gitstore.ErrObjectNotFound, id)
	}
	return t, nil
}

func (f *fakeSource) Blob(ctx context.Context, id string) (*gitstore.Blob, error) {
	if f.corrupt[id] {
		return nil, fmt.Errorf("%w: blob %s", gitstore.ErrCorruptObject, id)
	}
	b, ok := f.blobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: blob %s", gitstore.ErrObjectNotFound, id)
	}
	return b, nil
}

// fakeStore tracks presence in memory and records every call.
type fakeStore struct {
	mu         sync.Mutex
	present    map[string]bool
	written    []string // node ids in write order
	refUpdates  map[string]string
	failNodeID  string // batch writes containing this node id fail
	fatalNodeID string // batch writes containing this node id fail fatally
}

func newFakeStore(present ...string) *fakeStore {
	s := &fakeStore{
		present:    map[string]bool{},
		refUpdates: map[string]string{},
	}
	for _, id := range present {
		s.present[id] = true
	}
	return s
}

func (s *fakeStore) WriteBatch(ctx context.Context, batch mapper.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range batch.Nodes {
		if n.ID == s.fatalNodeID {
			return fmt.Errorf("write batch: %w", neo.ErrStoreUnavailable)
		}
		if n.ID == s.failNodeID {
			return errors.New("simulated write failure")
		}
	}
	for _, n := range batch.Nodes {
		s.present[n.ID] = true
		s.written = append(s.written, n.ID)
	}
	return nil
}

func (s *fakeStore) UpdateRef(ctx context.Context, name, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refUpdates[name] = target
	return nil
}

func (s *fakeStore) FetchExisting(ctx context.Context, kind mapper.NodeKind, ids []string) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]bool{}
	for _, id := range ids {
		if s.present[id] {
			out[id] = true
		}
	}
	return out, nil
}

func newTestWalker(t *testing.T, src Source, store Store) *Walker {
	t.Helper()
	w, err := New(src, store, Config{})
	require.NoError(t, err)
	return w
}

// -----------------------------------------------------------------------------
// Tests
// -----------------------------------------------------------------------------

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", nil, false},
		{"zero batch size", func(c *Config) { c.BatchSize = -1 }, true},
		{"negative timeout", func(c *Config) { c.ObjectTimeout = -time.Second }, true},
		{"zero concurrency", func(c *Config) { c.MaxRefConcurrency = -1 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			if tt.mutate != nil {
				tt.mutate(&config)
			}
			err := config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRun_FullIngestion(t *testing.T) {
	src := newFakeSource()
	store := newFakeStore()
	w := newTestWalker(t, src, store)

	report, err := w.Run(context.Background(), nil)
	require.NoError(t, err)

	// c1, c2, t1, t2, t3, b1, b2
	assert.Equal(t, int64(7), report.Attempted)
	assert.Equal(t, int64(7), report.Materialized)
	assert.Equal(t, int64(0), report.SkippedPresent)
	assert.Empty(t, report.Failed)

	require.Len(t, report.Refs, 1)
	assert.True(t, report.Refs[0].Updated)
	assert.Equal(t, "c2", store.refUpdates["refs/heads/main"])
}

func TestRun_SecondRunIsNoOp(t *testing.T) {
	src := newFakeSource()
	store := newFakeStore()
	w := newTestWalker(t, src, store)

	_, err := w.Run(context.Background(), nil)
	require.NoError(t, err)
	firstWrites := len(store.written)

	report, err := w.Run(context.Background(), nil)
	require.NoError(t, err)

	// The head commit is present, so the whole walk prunes there.
	assert.Equal(t, int64(0), report.Materialized)
	assert.Equal(t, int64(1), report.SkippedPresent)
	assert.Len(t, store.written, firstWrites)
	require.Len(t, report.Refs, 1)
	assert.True(t, report.Refs[0].Updated)
}

func TestRun_Incremental(t *testing.T) {
	src := newFakeSource()
	// First commit and its closure already materialized.
	store := newFakeStore("c1", "t1", "b1")
	w := newTestWalker(t, src, store)

	report, err := w.Run(context.Background(), nil)
	require.NoError(t, err)

	// Only the new commit's delta: c2, t2, t3, b2.
	assert.Equal(t, int64(4), report.Attempted)
	assert.Equal(t, int64(4), report.Materialized)
	// Pruned at c1 and at the shared blob b1.
	assert.Equal(t, int64(2), report.SkippedPresent)
	assert.Empty(t, report.Failed)
	assert.True(t, report.Refs[0].Updated)
}

func TestRun_CorruptObjectDoesNotSinkRun(t *testing.T) {
	src := newFakeSource()
	src.corrupt["b2"] = true
	store := newFakeStore()
	w := newTestWalker(t, src, store)

	report, err := w.Run(context.Background(), nil)
	require.NoError(t, err)

	require.Len(t, report.Failed, 1)
	assert.Equal(t, "b2", report.Failed[0].ID)
	assert.Equal(t, "blob", report.Failed[0].Kind)
	assert.Contains(t, report.Failed[0].Reason, "corrupt")

	// Everything else still materialized.
	assert.Equal(t, int64(6), report.Materialized)

	// A ref whose traversal saw failures is not advanced.
	require.Len(t, report.Refs, 1)
	assert.False(t, report.Refs[0].Updated)
	assert.NotEmpty(t, report.Refs[0].Reason)
	assert.Empty(t, store.refUpdates)
}

func TestRun_WriteFailureIsolatedToObject(t *testing.T) {
	src := newFakeSource()
	store := newFakeStore()
	store.failNodeID = "t3"
	w := newTestWalker(t, src, store)

	report, err := w.Run(context.Background(), nil)
	require.NoError(t, err)

	require.Len(t, report.Failed, 1)
	assert.Equal(t, "t3", report.Failed[0].ID)
	assert.Equal(t, int64(6), report.Materialized)
	assert.False(t, report.Refs[0].Updated)
}

func TestRun_RequestedRefs(t *testing.T) {
	src := newFakeSource()
	store := newFakeStore()
	w := newTestWalker(t, src, store)

	report, err := w.Run(context.Background(), []string{"main", "does-not-exist"})
	require.NoError(t, err)

	require.Len(t, report.Refs, 2)
	outcomes := map[string]RefOutcome{}
	for _, o := range report.Refs {
		outcomes[o.Name] = o
	}
	assert.False(t, outcomes["does-not-exist"].Updated)
	assert.Contains(t, outcomes["does-not-exist"].Reason, "no such ref")
	assert.True(t, outcomes["main"].Updated)
	assert.Equal(t, "c2", store.refUpdates["main"])
}

func TestRun_Cancelled(t *testing.T) {
	src := newFakeSource()
	store := newFakeStore()
	w := newTestWalker(t, src, store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := w.Run(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRun_SharedAncestryWalkedOnce(t *testing.T) {
	src := newFakeSource()
	// A second ref pointing at the same head.
	src.refs = append(src.refs, gitstore.Ref{Name: "refs/tags/v1.0.0", TargetID: "c2"})
	store := newFakeStore()
	w := newTestWalker(t, src, store)

	report, err := w.Run(context.Background(), nil)
	require.NoError(t, err)

	// The shared visited set keeps the second ref from re-walking.
	assert.Equal(t, int64(7), report.Attempted)
	assert.Equal(t, int64(7), report.Materialized)
	assert.Len(t, report.Refs, 2)
	assert.Equal(t, "c2", store.refUpdates["refs/heads/main"])
	assert.Equal(t, "c2", store.refUpdates["refs/tags/v1.0.0"])
}

func TestRun_SharedFailureBlocksAllDependentRefs(t *testing.T) {
	src := newFakeSource()
	sig := src.commits["c1"].Author
	src.commits["shared"] = &gitstore.Commit{
		ID: "shared", Author: sig, Committer: sig, Message: "root", TreeID: "t1"}
	src.commits["ca"] = &gitstore.Commit{
		ID: "ca", Author: sig, Committer: sig, Message: "a",
		Parents: []string{"shared"}, TreeID: "t1"}
	src.commits["cb"] = &gitstore.Commit{
		ID: "cb", Author: sig, Committer: sig, Message: "b",
		Parents: []string{"shared"}, TreeID: "t1"}
	src.refs = []gitstore.Ref{
		{Name: "refs/heads/a", TargetID: "ca"},
		{Name: "refs/heads/b", TargetID: "cb"},
	}
	store := newFakeStore()
	store.failNodeID = "shared"
	w := newTestWalker(t, src, store)

	report, err := w.Run(context.Background(), nil)
	require.NoError(t, err)

	// Whichever walk claimed "shared" reported its failure; the other
	// pruned at it. Neither ref may advance over the hole.
	assert.Empty(t, store.refUpdates)
	require.Len(t, report.Refs, 2)
	for _, o := range report.Refs {
		assert.False(t, o.Updated, o.Name)
		assert.NotEmpty(t, o.Reason, o.Name)
	}
}

func TestRun_FatalWriteErrorMovesNoRefs(t *testing.T) {
	src := newFakeSource()
	src.refs = append(src.refs, gitstore.Ref{Name: "refs/tags/v1.0.0", TargetID: "c2"})
	store := newFakeStore()
	store.fatalNodeID = "c2"
	w := newTestWalker(t, src, store)

	report, err := w.Run(context.Background(), nil)
	require.ErrorIs(t, err, neo.ErrStoreUnavailable)

	// The run died before ref updates settled, so nothing advanced,
	// even for a walk that had finished its traversal.
	assert.Empty(t, store.refUpdates)
	for _, o := range report.Refs {
		assert.False(t, o.Updated, o.Name)
	}
}

func TestRun_CountsBatches(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := telemetry.NewMetrics(provider.Meter("test"))
	require.NoError(t, err)

	src := newFakeSource()
	store := newFakeStore()
	config := DefaultConfig()
	config.Metrics = metrics
	w, err := New(src, store, config)
	require.NoError(t, err)

	_, err = w.Run(context.Background(), nil)
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var ok int64
	want := attribute.NewSet(attribute.String("status", "ok"))
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "gitgraph_ingest_batches_total" {
				continue
			}
			sum, isSum := m.Data.(metricdata.Sum[int64])
			require.True(t, isSum)
			for _, dp := range sum.DataPoints {
				if dp.Attributes.Equals(&want) {
					ok += dp.Value
				}
			}
		}
	}
	assert.Greater(t, ok, int64(0))
}
