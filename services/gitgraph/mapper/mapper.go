// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package mapper translates decoded git objects into property-graph records.
//
// Mapping is deterministic and side-effect free: the same object always
// yields the same nodes and edges, which is what makes repeated ingestion
// of the same repository an idempotent no-op at the store.
package mapper

import (
	"errors"
	"fmt"
	"strings"

	"github.com/AleutianAI/gitgraph/services/gitgraph/gitstore"
)

// ErrMalformedObject is returned when a decoded object violates a structural
// invariant (e.g. a commit listing itself as a parent).
var ErrMalformedObject = errors.New("malformed object")

// -----------------------------------------------------------------------------
// Graph Record Types
// -----------------------------------------------------------------------------

// NodeKind is a graph node label.
type NodeKind string

const (
	NodeCommit NodeKind = "Commit"
	NodeTree   NodeKind = "Tree"
	NodeBlob   NodeKind = "Blob"
	NodeRef    NodeKind = "Ref"
	NodeAuthor NodeKind = "Author"
)

// EdgeKind is a graph relationship type.
type EdgeKind string

const (
	EdgeParentOf    EdgeKind = "PARENT_OF"
	EdgeHasTree     EdgeKind = "HAS_TREE"
	EdgeContains    EdgeKind = "CONTAINS"
	EdgeAuthoredBy  EdgeKind = "AUTHORED_BY"
	EdgeCommittedBy EdgeKind = "COMMITTED_BY"
	EdgePointsTo    EdgeKind = "POINTS_TO"
)

// Node is one graph node keyed by its label and identity property.
type Node struct {
	// Kind is the node label.
	Kind NodeKind

	// ID is the node's identity: a content hash for objects, the full
	// name for refs, and the normalized identity key for authors.
	ID string

	// Props are the node's remaining properties.
	Props map[string]any
}

// Edge is one directed relationship between two nodes.
type Edge struct {
	// Kind is the relationship type.
	Kind EdgeKind

	// From and To identify the endpoints by kind and identity.
	FromKind NodeKind
	FromID   string
	ToKind   NodeKind
	ToID     string

	// Props are relationship properties (e.g. parent index).
	Props map[string]any
}

// Batch is the graph footprint of one or more mapped objects.
type Batch struct {
	Nodes []Node
	Edges []Edge
}

// Append merges other into b.
func (b *Batch) Append(other Batch) {
	b.Nodes = append(b.Nodes, other.Nodes...)
	b.Edges = append(b.Edges, other.Edges...)
}

// Empty reports whether the batch carries no records.
func (b *Batch) Empty() bool {
	return len(b.Nodes) == 0 && len(b.Edges) == 0
}

// -----------------------------------------------------------------------------
// Identity Normalization
// -----------------------------------------------------------------------------

// AuthorKey derives the stable identity key for a signature.
//
// The key is the email address lowercased with all whitespace removed, so
// "Ada <ADA@Example.com >" and "ada lovelace <ada@example.com>" collapse
// into one Author node. Signatures without an email fall back to the
// normalized display name, prefixed to keep the two namespaces disjoint.
func AuthorKey(name, email string) string {
	normalized := strings.ToLower(removeWhitespace(email))
	if normalized != "" {
		return normalized
	}
	return "name:" + strings.ToLower(removeWhitespace(name))
}

func removeWhitespace(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, s)
}

// -----------------------------------------------------------------------------
// Object Mapping
// -----------------------------------------------------------------------------

// MapCommit maps a commit to its graph footprint: the Commit node, one
// Author node per distinct signature, ordered PARENT_OF edges, the
// HAS_TREE edge, and AUTHORED_BY / COMMITTED_BY edges.
//
// Parent order is preserved via the "idx" edge property; index 0 is the
// first parent.
func MapCommit(c *gitstore.Commit) (Batch, error) {
	seen := make(map[string]struct{}, len(c.Parents))
	for _, parent := range c.Parents {
		if parent == c.ID {
			return Batch{}, fmt.Errorf("%w: commit %s lists itself as a parent", ErrMalformedObject, c.ID)
		}
		if _, dup := seen[parent]; dup {
			return Batch{}, fmt.Errorf("%w: commit %s lists parent %s twice", ErrMalformedObject, c.ID, parent)
		}
		seen[parent] = struct{}{}
	}

	authorKey := AuthorKey(c.Author.Name, c.Author.Email)
	committerKey := AuthorKey(c.Committer.Name, c.Committer.Email)

	var b Batch
	b.Nodes = append(b.Nodes, Node{
		Kind: NodeCommit,
		ID:   c.ID,
		Props: map[string]any{
			"message":         c.Message,
			"author_name":     c.Author.Name,
			"author_email":    c.Author.Email,
			"author_time":     c.Author.When.Unix(),
			"committer_name":  c.Committer.Name,
			"committer_email": c.Committer.Email,
			"commit_time":     c.Committer.When.Unix(),
			"parents":         append([]string{}, c.Parents...),
		},
	})
	b.Nodes = append(b.Nodes, authorNode(authorKey, c.Author))
	if committerKey != authorKey {
		b.Nodes = append(b.Nodes, authorNode(committerKey, c.Committer))
	}

	for i, parent := range c.Parents {
		b.Edges = append(b.Edges, Edge{
			Kind:     EdgeParentOf,
			FromKind: NodeCommit, FromID: c.ID,
			ToKind: NodeCommit, ToID: parent,
			Props: map[string]any{"idx": int64(i)},
		})
	}
	b.Edges = append(b.Edges,
		Edge{
			Kind:     EdgeHasTree,
			FromKind: NodeCommit, FromID: c.ID,
			ToKind: NodeTree, ToID: c.TreeID,
		},
		Edge{
			Kind:     EdgeAuthoredBy,
			FromKind: NodeCommit, FromID: c.ID,
			ToKind: NodeAuthor, ToID: authorKey,
		},
		Edge{
			Kind:     EdgeCommittedBy,
			FromKind: NodeCommit, FromID: c.ID,
			ToKind: NodeAuthor, ToID: committerKey,
		},
	)
	return b, nil
}

func authorNode(key string, id gitstore.Identity) Node {
	return Node{
		Kind: NodeAuthor,
		ID:   key,
		Props: map[string]any{
			"name":  id.Name,
			"email": id.Email,
		},
	}
}

// MapTree maps a tree to its node and one CONTAINS edge per entry, in
// stored order. Submodule entries yield no edge: their targets live in a
// foreign object store and would otherwise materialize as empty nodes.
func MapTree(t *gitstore.Tree) Batch {
	var b Batch
	b.Nodes = append(b.Nodes, Node{
		Kind: NodeTree,
		ID:   t.ID,
		Props: map[string]any{
			"entry_count": int64(len(t.Entries)),
		},
	})
	for _, e := range t.Entries {
		if e.Kind == gitstore.KindSubmodule {
			continue
		}
		toKind := NodeBlob
		if e.Kind == gitstore.KindTree {
			toKind = NodeTree
		}
		b.Edges = append(b.Edges, Edge{
			Kind:     EdgeContains,
			FromKind: NodeTree, FromID: t.ID,
			ToKind: toKind, ToID: e.TargetID,
			Props: map[string]any{
				"name": e.Name,
				"mode": int64(e.Mode),
				"kind": string(e.Kind),
			},
		})
	}
	return b
}

// MapBlob maps a blob to its node.
func MapBlob(bl *gitstore.Blob) Batch {
	return Batch{Nodes: []Node{{
		Kind: NodeBlob,
		ID:   bl.ID,
		Props: map[string]any{
			"size": bl.Size,
		},
	}}}
}

// MapRef maps a ref to its node and POINTS_TO edge. The target commit id
// is duplicated onto the node so ref listings never need a traversal.
func MapRef(r gitstore.Ref) Batch {
	return Batch{
		Nodes: []Node{{
			Kind: NodeRef,
			ID:   r.Name,
			Props: map[string]any{
				"target": r.TargetID,
			},
		}},
		Edges: []Edge{{
			Kind:     EdgePointsTo,
			FromKind: NodeRef, FromID: r.Name,
			ToKind: NodeCommit, ToID: r.TargetID,
		}},
	}
}
