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

import "time"

// Default limits applied when a request leaves them unset.
const (
	DefaultFileHistoryLimit = 100
	DefaultContributorLimit = 50
	MaxResultLimit          = 1000
)

// UnboundedDepth disables the depth cutoff on ancestry traversal.
const UnboundedDepth = -1

// AncestryRequest selects the ancestors of a commit.
type AncestryRequest struct {
	// Commit is the content id of the starting commit.
	Commit string

	// Depth limits traversal; 0 means the start commit only,
	// UnboundedDepth means no limit.
	Depth int

	// Since and Until bound results by commit time. Zero values
	// leave the corresponding bound open.
	Since time.Time
	Until time.Time
}

// RangeRequest selects the commits on every path between two commits.
type RangeRequest struct {
	// From is the newer endpoint, To the older one. Both inclusive.
	From string
	To   string
}

// FileHistoryRequest selects the versions of one path, newest first.
type FileHistoryRequest struct {
	// Path is a slash-separated path inside the repository tree.
	Path string

	// Ref names the branch or tag whose history is walked. Short
	// names resolve against refs/heads/ then refs/tags/.
	Ref string

	// ChangedOnly drops commits where the object at Path is
	// identical to the one at the first parent.
	ChangedOnly bool

	// Limit caps the number of versions returned. 0 = default.
	Limit int
}

// ContributorsRequest ranks authors by commit count.
type ContributorsRequest struct {
	// Since and Until bound counted commits by author time. Zero
	// values leave the corresponding bound open.
	Since time.Time
	Until time.Time

	// Limit caps the number of authors returned. 0 = default.
	Limit int
}

// CommitRecord is one commit as stored in the graph.
type CommitRecord struct {
	ID             string   `json:"id"`
	Message        string   `json:"message"`
	AuthorName     string   `json:"author_name"`
	AuthorEmail    string   `json:"author_email"`
	AuthorTime     int64    `json:"author_time"`
	CommitterName  string   `json:"committer_name"`
	CommitterEmail string   `json:"committer_email"`
	CommitTime     int64    `json:"commit_time"`
	Parents        []string `json:"parents"`

	// Depth is the hop count from the traversal start; meaningful
	// only for ancestry and range results.
	Depth int64 `json:"depth,omitempty"`
}

// FileVersion is the object recorded at a path by one commit.
type FileVersion struct {
	CommitID   string `json:"commit_id"`
	CommitTime int64  `json:"commit_time"`
	Message    string `json:"message"`
	ObjectID   string `json:"object_id"`

	// Changed reports whether the object differs from the one at
	// the commit's first parent.
	Changed bool `json:"changed"`
}

// Contributor is one author with aggregate commit activity.
type Contributor struct {
	Key             string `json:"key"`
	Name            string `json:"name"`
	Email           string `json:"email"`
	Commits         int64  `json:"commits"`
	FirstCommitTime int64  `json:"first_commit_time"`
	LastCommitTime  int64  `json:"last_commit_time"`
}

// RefRecord is one materialized ref and its target commit.
type RefRecord struct {
	Name   string `json:"name"`
	Target string `json:"target"`
}
