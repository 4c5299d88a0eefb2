// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gitstore provides read-only access to a local git object store.
//
// The Reader decodes commits, trees, blobs and refs via go-git and exposes
// them as plain structs, keeping every downstream component free of go-git
// types. Decoded commits and trees are cached for the lifetime of a Reader,
// so one ingestion run never parses the same object twice.
//
// The Reader never mutates the underlying repository.
package gitstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrRepositoryUnavailable is returned when the repository cannot be opened.
	ErrRepositoryUnavailable = errors.New("repository unavailable")

	// ErrObjectNotFound is returned when an object id resolves to nothing.
	ErrObjectNotFound = errors.New("object not found")

	// ErrCorruptObject is returned when an object exists but cannot be decoded.
	ErrCorruptObject = errors.New("corrupt object")

	// ErrNoSuchRef is returned when a ref name resolves to nothing.
	ErrNoSuchRef = errors.New("no such ref")
)

// -----------------------------------------------------------------------------
// Decoded Object Types
// -----------------------------------------------------------------------------

// ObjectKind identifies the kind of a decoded git object.
type ObjectKind string

const (
	// KindCommit is a commit object.
	KindCommit ObjectKind = "commit"
	// KindTree is a tree object.
	KindTree ObjectKind = "tree"
	// KindBlob is a blob object.
	KindBlob ObjectKind = "blob"
	// KindSubmodule is a gitlink tree entry; its target lives in another
	// repository's object store and is never traversed.
	KindSubmodule ObjectKind = "submodule"
)

// Identity is an author or committer signature.
type Identity struct {
	// Name is the display name, verbatim from the object.
	Name string

	// Email as recorded in the object, unnormalized.
	Email string

	// When is the signature timestamp.
	When time.Time
}

// Commit is a decoded commit object.
type Commit struct {
	// ID is the commit's content hash (hex digest).
	ID string

	// Author and Committer signatures.
	Author    Identity
	Committer Identity

	// Message is the full commit message.
	Message string

	// Parents are the parent commit ids in recorded order; index 0 is the
	// first parent.
	Parents []string

	// TreeID is the root tree's content hash.
	TreeID string
}

// TreeEntry is a single entry of a decoded tree.
type TreeEntry struct {
	// Name is the entry's file name within the tree.
	Name string

	// Mode is the raw git file mode.
	Mode uint32

	// TargetID is the content hash of the child object.
	TargetID string

	// Kind is the child's object kind (tree, blob, or submodule).
	Kind ObjectKind
}

// Tree is a decoded tree object with entries in recorded order.
type Tree struct {
	// ID is the tree's content hash.
	ID string

	// Entries in the order git stores them.
	Entries []TreeEntry
}

// Blob describes a blob object. Content is intentionally not loaded; the
// graph stores a size and lets the object store remain the source of truth.
type Blob struct {
	// ID is the blob's content hash.
	ID string

	// Size is the blob's content size in bytes.
	Size int64
}

// Ref is a named pointer into the commit DAG, peeled to a commit.
type Ref struct {
	// Name is the full ref name (e.g. "refs/heads/main").
	Name string

	// TargetID is the commit id the ref points at, after peeling
	// annotated tags.
	TargetID string
}

// -----------------------------------------------------------------------------
// Reader
// -----------------------------------------------------------------------------

// Reader provides decoded, cached, read-only access to one repository.
//
// Thread Safety: safe for concurrent use; the decode cache is guarded by a
// read-write mutex.
type Reader struct {
	repo *git.Repository
	path string

	mu      sync.RWMutex
	commits map[string]*Commit
	trees   map[string]*Tree

	cacheHits   int64
	cacheMisses int64
}

// Open opens an existing git repository for reading.
//
// Inputs:
//
//	repoPath - Filesystem path to the repository (worktree or bare).
//
// Outputs:
//
//	*Reader - Ready-to-use reader with an empty decode cache.
//	error - ErrRepositoryUnavailable if the path is not an openable repository.
func Open(repoPath string) (*Reader, error) {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrRepositoryUnavailable, repoPath, err)
	}
	return newReader(repo, repoPath), nil
}

// NewFromRepository wraps an already-open go-git repository. Used by tests
// that build repositories in memory.
func NewFromRepository(repo *git.Repository) *Reader {
	return newReader(repo, "")
}

func newReader(repo *git.Repository, path string) *Reader {
	return &Reader{
		repo:    repo,
		path:    path,
		commits: make(map[string]*Commit),
		trees:   make(map[string]*Tree),
	}
}

// Path returns the filesystem path the reader was opened with.
func (r *Reader) Path() string {
	return r.path
}

// Refs enumerates branch and tag refs, peeled to commits, invoking fn for
// each. Enumeration stops early if fn returns an error or ctx is cancelled.
//
// Symbolic refs (HEAD) and refs whose target is not a commit are skipped.
func (r *Reader) Refs(ctx context.Context, fn func(Ref) error) error {
	iter, err := r.repo.References()
	if err != nil {
		return fmt.Errorf("%w: listing refs: %v", ErrRepositoryUnavailable, err)
	}
	defer iter.Close()

	return iter.ForEach(func(ref *plumbing.Reference) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if ref.Type() != plumbing.HashReference {
			return nil
		}
		name := ref.Name()
		if !name.IsBranch() && !name.IsTag() && !name.IsRemote() {
			return nil
		}

		target, err := r.peelToCommit(ref.Hash())
		if err != nil {
			// A tag pointing at a tree or blob is legal git; it has no
			// place in the commit graph.
			return nil
		}
		return fn(Ref{Name: name.String(), TargetID: target})
	})
}

// ResolveRef resolves a ref name (branch, tag, full ref path, or commit id)
// to a commit id. Resolution order follows git conventions: branch, then
// tag, then raw hash.
func (r *Reader) ResolveRef(refName string) (string, error) {
	candidates := []plumbing.ReferenceName{
		plumbing.ReferenceName(refName),
		plumbing.NewBranchReferenceName(refName),
		plumbing.NewTagReferenceName(refName),
	}
	for _, name := range candidates {
		ref, err := r.repo.Reference(name, true)
		if err != nil {
			continue
		}
		return r.peelToCommit(ref.Hash())
	}

	// Fall back to treating the name as a commit id.
	hash := plumbing.NewHash(refName)
	if !hash.IsZero() {
		if _, err := r.repo.CommitObject(hash); err == nil {
			return hash.String(), nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrNoSuchRef, refName)
}

// Commit returns the decoded commit for id, consulting the cache first.
func (r *Reader) Commit(ctx context.Context, id string) (*Commit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	cached, ok := r.commits[id]
	r.mu.RUnlock()
	if ok {
		r.mu.Lock()
		r.cacheHits++
		r.mu.Unlock()
		return cached, nil
	}

	obj, err := r.repo.CommitObject(plumbing.NewHash(id))
	if err != nil {
		return nil, decodeError("commit", id, err)
	}

	parents := make([]string, len(obj.ParentHashes))
	for i, p := range obj.ParentHashes {
		parents[i] = p.String()
	}

	commit := &Commit{
		ID: obj.Hash.String(),
		Author: Identity{
			Name:  obj.Author.Name,
			Email: obj.Author.Email,
			When:  obj.Author.When,
		},
		Committer: Identity{
			Name:  obj.Committer.Name,
			Email: obj.Committer.Email,
			When:  obj.Committer.When,
		},
		Message: obj.Message,
		Parents: parents,
		TreeID:  obj.TreeHash.String(),
	}

	r.mu.Lock()
	r.commits[id] = commit
	r.cacheMisses++
	r.mu.Unlock()
	return commit, nil
}

// Tree returns the decoded tree for id, consulting the cache first.
func (r *Reader) Tree(ctx context.Context, id string) (*Tree, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	cached, ok := r.trees[id]
	r.mu.RUnlock()
	if ok {
		r.mu.Lock()
		r.cacheHits++
		r.mu.Unlock()
		return cached, nil
	}

	obj, err := r.repo.TreeObject(plumbing.NewHash(id))
	if err != nil {
		return nil, decodeError("tree", id, err)
	}

	entries := make([]TreeEntry, 0, len(obj.Entries))
	for _, e := range obj.Entries {
		entries = append(entries, TreeEntry{
			Name:     e.Name,
			Mode:     uint32(e.Mode),
			TargetID: e.Hash.String(),
			Kind:     entryKind(e.Mode),
		})
	}

	tree := &Tree{ID: obj.Hash.String(), Entries: entries}

	r.mu.Lock()
	r.trees[id] = tree
	r.cacheMisses++
	r.mu.Unlock()
	return tree, nil
}

// Blob returns the blob descriptor for id. Blob sizes come from the object
// header, so content is never loaded into memory.
func (r *Reader) Blob(ctx context.Context, id string) (*Blob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	obj, err := r.repo.BlobObject(plumbing.NewHash(id))
	if err != nil {
		return nil, decodeError("blob", id, err)
	}
	return &Blob{ID: obj.Hash.String(), Size: obj.Size}, nil
}

// CacheStats returns decode-cache hit and miss counts. Used by tests and
// the run report.
func (r *Reader) CacheStats() (hits, misses int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cacheHits, r.cacheMisses
}

// -----------------------------------------------------------------------------
// Internal
// -----------------------------------------------------------------------------

// peelToCommit resolves a hash that may name an annotated tag (possibly
// nested) down to the commit it ultimately points at.
func (r *Reader) peelToCommit(hash plumbing.Hash) (string, error) {
	for depth := 0; depth < 10; depth++ {
		if _, err := r.repo.CommitObject(hash); err == nil {
			return hash.String(), nil
		}
		tag, err := r.repo.TagObject(hash)
		if err != nil {
			return "", fmt.Errorf("%w: %s is neither commit nor tag", ErrObjectNotFound, hash)
		}
		hash = tag.Target
	}
	return "", fmt.Errorf("%w: tag chain too deep at %s", ErrCorruptObject, hash)
}

// entryKind maps a git file mode to an ObjectKind.
func entryKind(mode filemode.FileMode) ObjectKind {
	switch mode {
	case filemode.Dir:
		return KindTree
	case filemode.Submodule:
		return KindSubmodule
	default:
		return KindBlob
	}
}

// decodeError maps go-git lookup failures onto the package error taxonomy.
func decodeError(kind, id string, err error) error {
	if errors.Is(err, plumbing.ErrObjectNotFound) {
		return fmt.Errorf("%w: %s %s", ErrObjectNotFound, kind, id)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	// Type mismatches surface as ErrObjectNotFound from the typed getters;
	// anything else means the object decoded badly.
	if strings.Contains(err.Error(), "not found") {
		return fmt.Errorf("%w: %s %s", ErrObjectNotFound, kind, id)
	}
	return fmt.Errorf("%w: %s %s: %v", ErrCorruptObject, kind, id, err)
}
