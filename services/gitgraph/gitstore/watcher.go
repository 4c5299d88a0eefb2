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
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/gitgraph/pkg/logging"
)

// RefWatcher watches a repository's ref store for external changes.
//
// # Description
//
// Detects when HEAD, branch heads, tags, or packed-refs change (e.g. a
// commit or fetch from another terminal) and invokes the callback so the
// caller can schedule an incremental ingestion run. Bursts of filesystem
// events are coalesced: the callback fires once per quiet period.
//
// # Thread Safety
//
// Safe for concurrent use. Start should only be called once.
type RefWatcher struct {
	gitDir   string
	watcher  *fsnotify.Watcher
	callback func()
	debounce time.Duration
	log      *logging.Logger

	mu    sync.Mutex
	timer *time.Timer
}

// NewRefWatcher creates a watcher over the repository's git directory.
//
// # Inputs
//
//   - repoPath: Path to the repository worktree (or bare repository).
//   - debounce: Quiet period before the callback fires; zero means 500ms.
//   - callback: Invoked after ref changes settle. Must not be nil.
//   - log: Logger; nil falls back to the default logger.
//
// # Outputs
//
//   - *RefWatcher: Ready-to-start watcher.
//   - error: Non-nil if watcher creation fails.
func NewRefWatcher(repoPath string, debounce time.Duration, callback func(), log *logging.Logger) (*RefWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	if log == nil {
		log = logging.Default()
	}

	gitDir := filepath.Join(repoPath, ".git")
	if isWorktreeRef(gitDir) {
		if resolved, err := resolveWorktreeGitDir(gitDir); err == nil {
			gitDir = resolved
		}
	}
	if _, err := os.Stat(gitDir); err != nil {
		// Bare repository: refs live at the repository root.
		gitDir = repoPath
	}

	return &RefWatcher{
		gitDir:   gitDir,
		watcher:  watcher,
		callback: callback,
		debounce: debounce,
		log:      log,
	}, nil
}

// Start begins watching for ref changes. Blocks until ctx is cancelled.
// Should be run in a goroutine.
func (w *RefWatcher) Start(ctx context.Context) {
	// HEAD moves on checkout and on commits to the current branch.
	headPath := filepath.Join(w.gitDir, "HEAD")
	if err := w.watcher.Add(headPath); err != nil {
		w.log.Warn("Failed to watch HEAD",
			"path", headPath,
			"error", err)
	}

	// Branch and tag refs are one loose file each; watching the
	// directories catches creates and deletes too.
	for _, dir := range []string{
		filepath.Join(w.gitDir, "refs", "heads"),
		filepath.Join(w.gitDir, "refs", "tags"),
	} {
		if _, err := os.Stat(dir); err == nil {
			if err := w.watcher.Add(dir); err != nil {
				w.log.Debug("Failed to watch ref dir",
					"path", dir,
					"error", err)
			}
		}
	}

	// packed-refs rewrites happen after git gc / git pack-refs.
	packedRefs := filepath.Join(w.gitDir, "packed-refs")
	if _, err := os.Stat(packedRefs); err == nil {
		if err := w.watcher.Add(packedRefs); err != nil {
			w.log.Debug("Failed to watch packed-refs",
				"path", packedRefs,
				"error", err)
		}
	}

	w.log.Debug("Started watching git refs",
		"git_dir", w.gitDir)

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("Git ref watcher error",
				"error", err)

		case <-ctx.Done():
			w.log.Debug("Git ref watcher stopping")
			w.cancelPending()
			return
		}
	}
}

// handleEvent processes a single fsnotify event.
func (w *RefWatcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
		return
	}
	// Ref updates go through lock files; the interesting event is the
	// rename onto the final name, not the lock churn itself.
	if strings.HasSuffix(event.Name, ".lock") {
		return
	}

	w.log.Info("Git refs changed externally",
		"path", event.Name)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.callback)
}

// cancelPending stops any timer armed by handleEvent.
func (w *RefWatcher) cancelPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

// Stop stops the watcher and releases resources. Safe to call multiple times.
func (w *RefWatcher) Stop() error {
	w.cancelPending()
	return w.watcher.Close()
}

// isWorktreeRef reports whether gitPath is a worktree's .git reference file
// rather than a directory.
func isWorktreeRef(gitPath string) bool {
	info, err := os.Stat(gitPath)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// resolveWorktreeGitDir reads a worktree's .git file and returns the actual
// git directory it points at.
func resolveWorktreeGitDir(gitPath string) (string, error) {
	content, err := os.ReadFile(gitPath)
	if err != nil {
		return "", err
	}

	// Format: "gitdir: /path/to/actual/.git/worktrees/name"
	line := strings.TrimSuffix(string(content), "\n")
	rest, ok := strings.CutPrefix(line, "gitdir: ")
	if !ok {
		return "", os.ErrInvalid
	}
	return rest, nil
}
