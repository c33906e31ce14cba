// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sandbox

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchPolicy hot-reloads the guard policy override file into the store.
//
// The watch runs until ctx is cancelled. Writes are debounced briefly so
// editors that truncate-then-write do not load a half-written file. A
// reload that fails to parse is logged and skipped; the previously active
// policy stays in force.
func WatchPolicy(ctx context.Context, store *PolicyStore, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the parent directory: many editors replace the file on save,
	// which drops a watch registered on the file itself.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()

		var debounce *time.Timer
		reload := func() {
			data, err := os.ReadFile(path)
			if err != nil {
				slog.Error("failed to re-read guard policy override", "path", path, "error", err)
				return
			}
			p, err := ParsePolicy(data)
			if err != nil {
				slog.Error("rejecting invalid guard policy override, keeping active policy",
					"path", path, "error", err)
				return
			}
			store.Swap(p)
			slog.Info("guard policy reloaded", "path", path,
				"max_size", p.MaxSize, "banned_tokens", len(p.BannedTokens))
		}

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(200*time.Millisecond, reload)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("guard policy watcher error", "error", err)
			}
		}
	}()

	return nil
}
