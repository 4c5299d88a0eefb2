// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package validation provides input validation utilities for security-critical operations.
//
// This package contains validators for user-provided inputs that flow into
// graph-store queries or filesystem access. Using these validators prevents
// injection attacks (Cypher injection, path traversal) at the boundary,
// before values ever reach a query parameter or an os call.
package validation

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// objectIDPattern matches git object identifiers: 4-64 lowercase hex digits.
// Covers abbreviated hashes, full SHA-1 (40) and SHA-256 (64) digests.
var objectIDPattern = regexp.MustCompile(`^[0-9a-f]{4,64}$`)

// refNamePattern is a conservative subset of git-check-ref-format: path
// segments of word characters, dots and hyphens, separated by slashes.
var refNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._\-]*(/[A-Za-z0-9._\-]+)*$`)

// ValidateObjectID validates a git object identifier (content hash).
//
// Valid identifiers:
//   - 4-64 characters (abbreviation through SHA-256)
//   - lowercase hexadecimal only
//
// Returns an error if the identifier is invalid.
//
// Example:
//
//	if err := validation.ValidateObjectID(commitID); err != nil {
//	    return nil, fmt.Errorf("invalid commit: %w", err)
//	}
//	// Safe to use as a Cypher parameter
func ValidateObjectID(id string) error {
	if id == "" {
		return fmt.Errorf("object id cannot be empty")
	}

	if !objectIDPattern.MatchString(id) {
		return fmt.Errorf("invalid object id: %q (must be 4-64 lowercase hex characters)", id)
	}

	return nil
}

// ValidateRefName validates a git ref name (branch or tag, with or without
// the refs/ prefix).
//
// Rejects names containing "..", "@{", whitespace, control characters, or
// any character outside the conservative [A-Za-z0-9._-/] set.
func ValidateRefName(name string) error {
	if name == "" {
		return fmt.Errorf("ref name cannot be empty")
	}

	if strings.Contains(name, "..") || strings.Contains(name, "@{") {
		return fmt.Errorf("invalid ref name: %q", name)
	}

	if !refNamePattern.MatchString(name) {
		return fmt.Errorf("invalid ref name: %q (allowed: letters, digits, '.', '_', '-', '/')", name)
	}

	return nil
}

// ValidateTreePath validates a slash-separated path inside a repository tree
// (as used by file-history queries).
//
// The path must be relative, must not contain traversal sequences, and each
// segment must be non-empty.
func ValidateTreePath(path string) error {
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}

	if strings.HasPrefix(path, "/") {
		return fmt.Errorf("path must be relative: %q", path)
	}

	for _, seg := range strings.Split(path, "/") {
		switch seg {
		case "":
			return fmt.Errorf("path contains empty segment: %q", path)
		case ".", "..":
			return fmt.Errorf("path contains traversal segment: %q", path)
		}
	}

	return nil
}

// ValidateRepoPath validates a local repository path.
//
// The path must be absolute and must not contain traversal sequences. This
// guards the boundary where a request body names a directory the service
// will open.
func ValidateRepoPath(path string) error {
	if path == "" {
		return fmt.Errorf("repository path cannot be empty")
	}

	if !filepath.IsAbs(path) {
		return fmt.Errorf("repository path must be absolute: %q", path)
	}

	// Check the raw path: Clean would silently resolve ".." segments.
	for _, seg := range strings.Split(path, string(filepath.Separator)) {
		if seg == ".." {
			return fmt.Errorf("repository path contains traversal sequences: %q", path)
		}
	}

	return nil
}
