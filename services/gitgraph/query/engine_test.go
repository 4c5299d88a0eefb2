// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package query

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/AleutianAI/gitgraph/services/gitgraph/neo"
	"github.com/AleutianAI/gitgraph/services/gitgraph/telemetry"
)

const (
	idC1 = "1111111111111111111111111111111111111111"
	idC2 = "2222222222222222222222222222222222222222"
	idC3 = "3333333333333333333333333333333333333333"
	idB1 = "aaaa111111111111111111111111111111111111"
	idB2 = "aaaa222222222222222222222222222222222222"
)

// readCall records one Read invocation.
type readCall struct {
	query  string
	params map[string]any
}

// fakeRunner scripts Read results in call order.
type fakeRunner struct {
	reads   []readCall
	results [][]map[string]any
	errs    []error
}

func (f *fakeRunner) Read(_ context.Context, query string, params map[string]any) ([]map[string]any, error) {
	i := len(f.reads)
	f.reads = append(f.reads, readCall{query: query, params: params})
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	if err != nil {
		return nil, err
	}
	if i < len(f.results) {
		return f.results[i], nil
	}
	return nil, nil
}

func (f *fakeRunner) Write(context.Context, ...neo.Statement) ([]map[string]any, error) {
	return nil, errors.New("unexpected write")
}

func existsRow(id string) []map[string]any {
	return []map[string]any{{"id": id}}
}

func commitRow(id string, commitTime int64, parents ...string) map[string]any {
	rawParents := make([]any, len(parents))
	for i, p := range parents {
		rawParents[i] = p
	}
	return map[string]any{
		"id":              id,
		"message":         "msg " + id[:4],
		"author_name":     "Alice",
		"author_email":    "alice@example.com",
		"author_time":     commitTime,
		"committer_name":  "Alice",
		"committer_email": "alice@example.com",
		"commit_time":     commitTime,
		"parents":         rawParents,
		"depth":           int64(0),
	}
}

func TestEngine_Ancestry(t *testing.T) {
	runner := &fakeRunner{
		results: [][]map[string]any{
			existsRow(idC2),
			{commitRow(idC2, 200, idC1), commitRow(idC1, 100)},
		},
	}
	engine := NewEngine(runner, nil)

	records, err := engine.Ancestry(context.Background(), AncestryRequest{
		Commit: idC2,
		Depth:  3,
	})
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, idC2, records[0].ID)
	assert.Equal(t, "Alice", records[0].AuthorName)
	assert.Equal(t, []string{idC1}, records[0].Parents)
	assert.Equal(t, idC1, records[1].ID)

	require.Len(t, runner.reads, 2)
	assert.Contains(t, runner.reads[1].query, "[:PARENT_OF*0..3]")
	assert.Nil(t, runner.reads[1].params["since"])
	assert.Nil(t, runner.reads[1].params["until"])
}

func TestEngine_Ancestry_Unbounded(t *testing.T) {
	runner := &fakeRunner{results: [][]map[string]any{existsRow(idC1), nil}}
	engine := NewEngine(runner, nil)

	since := time.Unix(150, 0)
	records, err := engine.Ancestry(context.Background(), AncestryRequest{
		Commit: idC1,
		Depth:  UnboundedDepth,
		Since:  since,
	})
	require.NoError(t, err)
	assert.Empty(t, records)

	require.Len(t, runner.reads, 2)
	assert.Contains(t, runner.reads[1].query, "[:PARENT_OF*0..]")
	assert.Equal(t, int64(150), runner.reads[1].params["since"])
}

func TestEngine_Ancestry_NoSuchCommit(t *testing.T) {
	runner := &fakeRunner{}
	engine := NewEngine(runner, nil)

	_, err := engine.Ancestry(context.Background(), AncestryRequest{Commit: idC1})
	require.ErrorIs(t, err, ErrNoSuchCommit)
	assert.Len(t, runner.reads, 1)
}

func TestEngine_Ancestry_InvalidRequests(t *testing.T) {
	engine := NewEngine(&fakeRunner{}, nil)

	tests := []struct {
		name string
		req  AncestryRequest
	}{
		{name: "bad commit id", req: AncestryRequest{Commit: "not hex!"}},
		{name: "depth below unbounded", req: AncestryRequest{Commit: idC1, Depth: -2}},
		{name: "inverted window", req: AncestryRequest{
			Commit: idC1,
			Since:  time.Unix(200, 0),
			Until:  time.Unix(100, 0),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.Ancestry(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrInvalidQueryIntent)
		})
	}
}

func TestEngine_CommitsBetween(t *testing.T) {
	runner := &fakeRunner{
		results: [][]map[string]any{
			existsRow(idC2),
			existsRow(idC1),
			{commitRow(idC2, 200, idC1), commitRow(idC1, 100)},
		},
	}
	engine := NewEngine(runner, nil)

	records, err := engine.CommitsBetween(context.Background(), RangeRequest{From: idC2, To: idC1})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, idC2, records[0].ID)

	require.Len(t, runner.reads, 3)
	assert.Equal(t, idC2, runner.reads[2].params["from"])
	assert.Equal(t, idC1, runner.reads[2].params["to"])
	assert.Contains(t, runner.reads[2].query, "(c)-[:PARENT_OF*0..]->(to)")
}

func TestEngine_CommitsBetween_MissingEndpoint(t *testing.T) {
	runner := &fakeRunner{results: [][]map[string]any{existsRow(idC2), nil}}
	engine := NewEngine(runner, nil)

	_, err := engine.CommitsBetween(context.Background(), RangeRequest{From: idC2, To: idC1})
	require.ErrorIs(t, err, ErrNoSuchCommit)
	assert.Contains(t, err.Error(), idC1)
}

func fileRow(commitID string, commitTime int64, objectID string, parents ...string) map[string]any {
	rawParents := make([]any, len(parents))
	for i, p := range parents {
		rawParents[i] = p
	}
	return map[string]any{
		"commit_id":   commitID,
		"commit_time": commitTime,
		"message":     "msg",
		"parents":     rawParents,
		"object_id":   objectID,
	}
}

func TestEngine_FileHistory(t *testing.T) {
	runner := &fakeRunner{
		results: [][]map[string]any{
			{{"name": "refs/heads/main", "target": idC3}},
			{
				fileRow(idC3, 300, idB2, idC2),
				fileRow(idC2, 200, idB2, idC1),
				fileRow(idC1, 100, idB1),
			},
		},
	}
	engine := NewEngine(runner, nil)

	versions, err := engine.FileHistory(context.Background(), FileHistoryRequest{
		Path: "sub/b.txt",
		Ref:  "main",
	})
	require.NoError(t, err)
	require.Len(t, versions, 3)

	// Newest first; c3 carries the same object as its parent c2.
	assert.Equal(t, idC3, versions[0].CommitID)
	assert.False(t, versions[0].Changed)
	assert.Equal(t, idC2, versions[1].CommitID)
	assert.True(t, versions[1].Changed)
	assert.Equal(t, idC1, versions[2].CommitID)
	assert.True(t, versions[2].Changed, "root commit introduces the path")

	require.Len(t, runner.reads, 2)
	assert.Equal(t, []string{"main", "refs/heads/main", "refs/tags/main"},
		runner.reads[0].params["candidates"])
	assert.Equal(t, idC3, runner.reads[1].params["head"])
	assert.Equal(t, "sub", runner.reads[1].params["seg0"])
	assert.Equal(t, "b.txt", runner.reads[1].params["seg1"])
}

func TestEngine_FileHistory_ChangedOnly(t *testing.T) {
	runner := &fakeRunner{
		results: [][]map[string]any{
			{{"name": "refs/heads/main", "target": idC3}},
			{
				fileRow(idC3, 300, idB2, idC2),
				fileRow(idC2, 200, idB2, idC1),
				fileRow(idC1, 100, idB1),
			},
		},
	}
	engine := NewEngine(runner, nil)

	versions, err := engine.FileHistory(context.Background(), FileHistoryRequest{
		Path:        "a.txt",
		Ref:         "main",
		ChangedOnly: true,
	})
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, idC2, versions[0].CommitID)
	assert.Equal(t, idC1, versions[1].CommitID)
}

func TestEngine_FileHistory_Limit(t *testing.T) {
	runner := &fakeRunner{
		results: [][]map[string]any{
			{{"name": "refs/heads/main", "target": idC3}},
			{
				fileRow(idC3, 300, idB2, idC2),
				fileRow(idC2, 200, idB2, idC1),
				fileRow(idC1, 100, idB1),
			},
		},
	}
	engine := NewEngine(runner, nil)

	versions, err := engine.FileHistory(context.Background(), FileHistoryRequest{
		Path:  "a.txt",
		Ref:   "main",
		Limit: 1,
	})
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, idC3, versions[0].CommitID)
}

func TestEngine_FileHistory_NoSuchRef(t *testing.T) {
	engine := NewEngine(&fakeRunner{}, nil)

	_, err := engine.FileHistory(context.Background(), FileHistoryRequest{
		Path: "a.txt",
		Ref:  "gone",
	})
	require.ErrorIs(t, err, ErrNoSuchRef)
}

func TestEngine_FileHistory_RootRelativePath(t *testing.T) {
	runner := &fakeRunner{
		results: [][]map[string]any{
			{{"name": "refs/heads/main", "target": idC1}},
			{fileRow(idC1, 100, idB1)},
		},
	}
	engine := NewEngine(runner, nil)

	versions, err := engine.FileHistory(context.Background(), FileHistoryRequest{
		Path: "/x.txt",
		Ref:  "main",
	})
	require.NoError(t, err)
	require.Len(t, versions, 1)

	// The leading slash is root-relative, not an absolute path.
	require.Len(t, runner.reads, 2)
	assert.Equal(t, "x.txt", runner.reads[1].params["seg0"])
	_, ok := runner.reads[1].params["seg1"]
	assert.False(t, ok)
}

func TestEngine_FileHistory_InvalidPath(t *testing.T) {
	engine := NewEngine(&fakeRunner{}, nil)

	for _, path := range []string{"../etc/passwd", "//x.txt", "/"} {
		_, err := engine.FileHistory(context.Background(), FileHistoryRequest{
			Path: path,
			Ref:  "main",
		})
		require.ErrorIs(t, err, ErrInvalidQueryIntent, path)
	}
}

func TestEngine_Contributors(t *testing.T) {
	runner := &fakeRunner{
		results: [][]map[string]any{{
			{"key": "alice@example.com", "name": "Alice", "email": "alice@example.com",
				"commits": int64(9), "first_time": int64(100), "last_time": int64(300)},
			{"key": "bob@example.com", "name": "Bob", "email": "bob@example.com",
				"commits": int64(2), "first_time": int64(150), "last_time": int64(150)},
		}},
	}
	engine := NewEngine(runner, nil)

	contributors, err := engine.Contributors(context.Background(), ContributorsRequest{})
	require.NoError(t, err)
	require.Len(t, contributors, 2)

	assert.Equal(t, "alice@example.com", contributors[0].Key)
	assert.Equal(t, int64(9), contributors[0].Commits)
	assert.Equal(t, int64(300), contributors[0].LastCommitTime)

	require.Len(t, runner.reads, 1)
	assert.Equal(t, int64(DefaultContributorLimit), runner.reads[0].params["limit"])
}

func TestEngine_Commit(t *testing.T) {
	runner := &fakeRunner{results: [][]map[string]any{{commitRow(idC1, 100)}}}
	engine := NewEngine(runner, nil)

	rec, err := engine.Commit(context.Background(), idC1)
	require.NoError(t, err)
	assert.Equal(t, idC1, rec.ID)
	assert.Equal(t, int64(100), rec.CommitTime)
}

func TestEngine_Commit_NotFound(t *testing.T) {
	engine := NewEngine(&fakeRunner{}, nil)

	_, err := engine.Commit(context.Background(), idC1)
	require.ErrorIs(t, err, ErrNoSuchCommit)
}

func TestEngine_FirstCommit(t *testing.T) {
	runner := &fakeRunner{
		results: [][]map[string]any{
			{{"name": "refs/heads/main", "target": idC2}},
			{commitRow(idC1, 100)},
		},
	}
	engine := NewEngine(runner, nil)

	rec, err := engine.FirstCommit(context.Background(), "main")
	require.NoError(t, err)
	assert.Equal(t, idC1, rec.ID)
	assert.Empty(t, rec.Parents)

	require.Len(t, runner.reads, 2)
	assert.Equal(t, idC2, runner.reads[1].params["head"])
}

func TestEngine_FirstCommit_NoSuchRef(t *testing.T) {
	engine := NewEngine(&fakeRunner{}, nil)

	_, err := engine.FirstCommit(context.Background(), "gone")
	require.ErrorIs(t, err, ErrNoSuchRef)
}

func TestEngine_FirstCommit_InvalidRef(t *testing.T) {
	engine := NewEngine(&fakeRunner{}, nil)

	_, err := engine.FirstCommit(context.Background(), "refs/heads/..")
	require.ErrorIs(t, err, ErrInvalidQueryIntent)
}

func TestEngine_Refs(t *testing.T) {
	runner := &fakeRunner{
		results: [][]map[string]any{{
			{"name": "refs/heads/main", "target": idC2},
			{"name": "refs/tags/v1.0", "target": idC1},
		}},
	}
	engine := NewEngine(runner, nil)

	refs, err := engine.Refs(context.Background())
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, RefRecord{Name: "refs/heads/main", Target: idC2}, refs[0])
}

func TestEngine_StoreErrorPropagates(t *testing.T) {
	storeErr := errors.New("bolt connection reset")
	runner := &fakeRunner{errs: []error{storeErr}}
	engine := NewEngine(runner, nil)

	_, err := engine.Refs(context.Background())
	require.ErrorIs(t, err, storeErr)
}

func TestRefCandidates(t *testing.T) {
	assert.Equal(t, []string{"refs/heads/main"}, refCandidates("refs/heads/main"))
	assert.Equal(t, []string{"v1.0", "refs/heads/v1.0", "refs/tags/v1.0"}, refCandidates("v1.0"))
}

func TestNormalizeLimit(t *testing.T) {
	tests := []struct {
		name    string
		limit   int
		want    int
		wantErr bool
	}{
		{name: "zero uses fallback", limit: 0, want: 100},
		{name: "explicit kept", limit: 7, want: 7},
		{name: "capped at max", limit: MaxResultLimit + 1, want: MaxResultLimit},
		{name: "negative rejected", limit: -1, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := normalizeLimit(tt.limit, 100)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidQueryIntent)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFileHistoryQuery_PlanShape(t *testing.T) {
	plan := fileHistoryQuery(2)

	assert.Contains(t, plan, "MATCH (c)-[:HAS_TREE]->(t0:Tree)")
	assert.Contains(t, plan, "MATCH (t0)-[:CONTAINS {name: $seg0}]->(t1:Tree)")
	assert.Contains(t, plan, "MATCH (t1)-[:CONTAINS {name: $seg1}]->(obj)")
	assert.Contains(t, plan, "ORDER BY c.commit_time DESC")
}

func TestAncestryQuery_PlanShape(t *testing.T) {
	bounded := ancestryQuery(5)
	assert.Contains(t, bounded, "[:PARENT_OF*0..5]")
	assert.True(t, strings.Contains(bounded, "min(length(p)) AS depth"))

	unbounded := ancestryQuery(UnboundedDepth)
	assert.Contains(t, unbounded, "[:PARENT_OF*0..]")
}

func TestEngine_Metrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())
	metrics, err := telemetry.NewMetrics(provider.Meter("test"))
	require.NoError(t, err)

	runner := &fakeRunner{
		results: [][]map[string]any{
			existsRow(idC1),
			{commitRow(idC1, 100)},
		},
	}
	engine := NewEngine(runner, nil, WithMetrics(metrics))

	_, err = engine.Ancestry(context.Background(), AncestryRequest{
		Commit: idC1,
		Depth:  UnboundedDepth,
	})
	require.NoError(t, err)

	_, err = engine.Ancestry(context.Background(), AncestryRequest{
		Commit: "not a hash",
		Depth:  0,
	})
	require.ErrorIs(t, err, ErrInvalidQueryIntent)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	assert.Equal(t, int64(1), ancestryCount(t, rm, "ok"))
	assert.Equal(t, int64(1), ancestryCount(t, rm, "invalid"))
}

func ancestryCount(t *testing.T, rm metricdata.ResourceMetrics, status string) int64 {
	t.Helper()
	want := attribute.NewSet(
		attribute.String("intent", "ancestry"),
		attribute.String("status", status))
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "gitgraph_queries_total" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				if dp.Attributes.Equals(&want) {
					return dp.Value
				}
			}
		}
	}
	return 0
}
