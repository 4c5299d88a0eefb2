// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gitstore

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeGitSkeleton lays out a minimal .git directory on disk.
func writeGitSkeleton(t *testing.T, repoPath string) {
	t.Helper()
	gitDir := filepath.Join(repoPath, ".git")
	require.NoError(t, os.MkdirAll(filepath.Join(gitDir, "refs", "heads"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(gitDir, "HEAD"), []byte("ref: refs/heads/main\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(gitDir, "refs", "heads", "main"),
		[]byte("0000000000000000000000000000000000000001\n"), 0o644))
}

func TestRefWatcher_FiresOnRefUpdate(t *testing.T) {
	repoPath := t.TempDir()
	writeGitSkeleton(t, repoPath)

	var fired atomic.Int32
	w, err := NewRefWatcher(repoPath, 50*time.Millisecond, func() {
		fired.Add(1)
	}, nil)
	require.NoError(t, err)
	defer w.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Start(ctx)

	// Give the watcher time to register its paths before mutating them.
	time.Sleep(200 * time.Millisecond)

	mainRef := filepath.Join(repoPath, ".git", "refs", "heads", "main")
	require.NoError(t, os.WriteFile(mainRef,
		[]byte("0000000000000000000000000000000000000002\n"), 0o644))

	require.Eventually(t, func() bool {
		return fired.Load() >= 1
	}, 3*time.Second, 20*time.Millisecond, "callback never fired after ref update")
}

func TestRefWatcher_CoalescesBursts(t *testing.T) {
	repoPath := t.TempDir()
	writeGitSkeleton(t, repoPath)

	var fired atomic.Int32
	w, err := NewRefWatcher(repoPath, 300*time.Millisecond, func() {
		fired.Add(1)
	}, nil)
	require.NoError(t, err)
	defer w.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Start(ctx)

	time.Sleep(200 * time.Millisecond)

	mainRef := filepath.Join(repoPath, ".git", "refs", "heads", "main")
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(mainRef,
			[]byte("000000000000000000000000000000000000000a\n"), 0o644))
		time.Sleep(20 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		return fired.Load() >= 1
	}, 3*time.Second, 20*time.Millisecond)
	// The burst landed inside one debounce window.
	assert.Equal(t, int32(1), fired.Load())
}

func TestRefWatcher_IgnoresLockFiles(t *testing.T) {
	repoPath := t.TempDir()
	writeGitSkeleton(t, repoPath)

	var fired atomic.Int32
	w, err := NewRefWatcher(repoPath, 50*time.Millisecond, func() {
		fired.Add(1)
	}, nil)
	require.NoError(t, err)
	defer w.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Start(ctx)

	time.Sleep(200 * time.Millisecond)

	lockPath := filepath.Join(repoPath, ".git", "refs", "heads", "main.lock")
	require.NoError(t, os.WriteFile(lockPath, []byte("lock\n"), 0o644))

	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}

func TestResolveWorktreeGitDir(t *testing.T) {
	dir := t.TempDir()
	gitFile := filepath.Join(dir, ".git")
	require.NoError(t, os.WriteFile(gitFile, []byte("gitdir: /srv/repos/main/.git/worktrees/wt1\n"), 0o644))

	assert.True(t, isWorktreeRef(gitFile))

	resolved, err := resolveWorktreeGitDir(gitFile)
	require.NoError(t, err)
	assert.Equal(t, "/srv/repos/main/.git/worktrees/wt1", resolved)
}

func TestResolveWorktreeGitDir_Malformed(t *testing.T) {
	dir := t.TempDir()
	gitFile := filepath.Join(dir, ".git")
	require.NoError(t, os.WriteFile(gitFile, []byte("not a gitdir line\n"), 0o644))

	_, err := resolveWorktreeGitDir(gitFile)
	assert.Error(t, err)
}
