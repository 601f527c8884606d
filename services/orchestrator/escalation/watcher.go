// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce batches the event bursts editors produce on save.
const reloadDebounce = 100 * time.Millisecond

// Watcher hot-reloads the directory when its external file changes.
//
// # Description
//
// Watches the parent directory of the override file so atomic saves
// (write temp, rename over) are still observed. A failed reload keeps the
// previous directory in effect.
//
// # Thread Safety
//
// Safe for concurrent use. Start should only be called once.
type Watcher struct {
	directory *Directory
	watcher   *fsnotify.Watcher
	file      string
}

// NewWatcher creates a watcher for the directory's external override file.
//
// # Outputs
//
//   - *Watcher: Ready-to-start watcher.
//   - error: Non-nil when the directory has no external file or the
//     filesystem watcher cannot be created.
func NewWatcher(directory *Directory) (*Watcher, error) {
	if directory.Path() == "" {
		return nil, fmt.Errorf("escalation directory has no external file to watch")
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create escalation watcher: %w", err)
	}

	return &Watcher{
		directory: directory,
		watcher:   fsWatcher,
		file:      filepath.Base(directory.Path()),
	}, nil
}

// Start begins watching for directory file changes. Blocks until the
// context is cancelled; run it in a goroutine.
func (w *Watcher) Start(ctx context.Context) {
	dir := filepath.Dir(w.directory.Path())
	if err := w.watcher.Add(dir); err != nil {
		slog.Warn("Failed to watch escalation directory path",
			"path", dir, "error", err)
		return
	}

	slog.Debug("Watching escalation directory", "path", w.directory.Path())

	var pending *time.Timer
	var pendingC <-chan time.Time

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			if pending == nil {
				pending = time.NewTimer(reloadDebounce)
				pendingC = pending.C
			} else {
				pending.Reset(reloadDebounce)
			}

		case <-pendingC:
			pending = nil
			pendingC = nil
			if err := w.directory.Reload(); err != nil {
				slog.Warn("Escalation directory reload failed, keeping previous data",
					"error", err)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Escalation directory watcher error", "error", err)

		case <-ctx.Done():
			slog.Debug("Escalation directory watcher stopping")
			return
		}
	}
}

// relevant filters events down to mutations of the override file itself.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if filepath.Base(event.Name) != w.file {
		return false
	}
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}

// Stop stops the watcher. Safe to call multiple times.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}
