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
	"fmt"
	"strings"
)

// commitFields is the projection shared by every commit-returning plan.
const commitFields = `c.id AS id, c.message AS message,
       c.author_name AS author_name, c.author_email AS author_email, c.author_time AS author_time,
       c.committer_name AS committer_name, c.committer_email AS committer_email,
       c.commit_time AS commit_time, c.parents AS parents`

// commitExistsQuery checks that a commit is materialized. Stub nodes
// created as edge endpoints carry no ingested flag and do not match.
const commitExistsQuery = `MATCH (c:Commit {id: $id})
WHERE c.ingested = true
RETURN c.id AS id`

const commitLookupQuery = `MATCH (c:Commit {id: $id})
WHERE c.ingested = true
RETURN ` + commitFields

// commitsBetweenQuery walks ancestry paths from $from and keeps the
// commits that still reach $to, so both endpoints and everything on a
// path between them come back with their hop count from $from.
const commitsBetweenQuery = `MATCH (from:Commit {id: $from})
MATCH (to:Commit {id: $to})
MATCH p = (from)-[:PARENT_OF*0..]->(c:Commit)
WHERE (c)-[:PARENT_OF*0..]->(to)
WITH c, min(length(p)) AS depth
RETURN ` + commitFields + `, depth
ORDER BY depth, c.commit_time DESC`

const contributorsQuery = `MATCH (c:Commit)-[:AUTHORED_BY]->(a:Author)
WHERE ($since IS NULL OR c.author_time >= $since)
  AND ($until IS NULL OR c.author_time <= $until)
WITH a, count(c) AS commits, min(c.author_time) AS first_time, max(c.author_time) AS last_time
RETURN a.key AS key, a.name AS name, a.email AS email, commits, first_time, last_time
ORDER BY commits DESC, key ASC
LIMIT $limit`

// firstCommitQuery finds the root of a ref's history. Histories with
// grafted or merged roots can have several; the oldest one wins.
const firstCommitQuery = `MATCH (head:Commit {id: $head})
MATCH (head)-[:PARENT_OF*0..]->(c:Commit)
WHERE NOT (c)-[:PARENT_OF]->(:Commit)
RETURN ` + commitFields + `
ORDER BY c.commit_time ASC
LIMIT 1`

const refTargetQuery = `MATCH (r:Ref)
WHERE r.name IN $candidates
RETURN r.name AS name, r.target AS target`

const refsQuery = `MATCH (r:Ref)-[:POINTS_TO]->(c:Commit)
RETURN r.name AS name, c.id AS target
ORDER BY name`

// ancestryQuery builds the ancestry plan. The depth bound is part of
// the variable-length pattern, which Cypher cannot parameterize; the
// caller validates depth before it is interpolated.
func ancestryQuery(depth int) string {
	bound := ""
	if depth >= 0 {
		bound = fmt.Sprintf("%d", depth)
	}
	return fmt.Sprintf(`MATCH (start:Commit {id: $id})
MATCH p = (start)-[:PARENT_OF*0..%s]->(c:Commit)
WITH c, min(length(p)) AS depth
WHERE ($since IS NULL OR c.commit_time >= $since)
  AND ($until IS NULL OR c.commit_time <= $until)
RETURN `+commitFields+`, depth
ORDER BY depth, c.commit_time DESC`, bound)
}

// segmentParam names the parameter holding the i-th path segment.
func segmentParam(i int) string {
	return fmt.Sprintf("seg%d", i)
}

// fileHistoryQuery builds the plan for a path of n segments: from each
// ancestor's root tree, one CONTAINS hop per segment, keyed on the
// entry name. Intermediate hops must land on trees; the final hop may
// land on a blob or a tree.
func fileHistoryQuery(n int) string {
	var b strings.Builder
	b.WriteString(`MATCH (head:Commit {id: $head})
MATCH (head)-[:PARENT_OF*0..]->(c:Commit)
MATCH (c)-[:HAS_TREE]->(t0:Tree)
`)
	for i := 0; i < n; i++ {
		from := fmt.Sprintf("t%d", i)
		to := fmt.Sprintf("t%d:Tree", i+1)
		if i == n-1 {
			to = "obj"
		}
		fmt.Fprintf(&b, "MATCH (%s)-[:CONTAINS {name: $%s}]->(%s)\n", from, segmentParam(i), to)
	}
	b.WriteString(`RETURN c.id AS commit_id, c.commit_time AS commit_time, c.message AS message,
       c.parents AS parents, obj.id AS object_id
ORDER BY c.commit_time DESC`)
	return b.String()
}
