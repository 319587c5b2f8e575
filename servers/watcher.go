/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package servers

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/PivotLLM/Switchboard/logging"
	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the watcher waits for writes to settle
const DefaultDebounce = 250 * time.Millisecond

// Watcher reloads the registry when the config document changes on disk
type Watcher struct {
	manager  *Manager
	logger   *logging.Logger
	debounce time.Duration
	fsw      *fsnotify.Watcher

	mu       sync.Mutex
	timer    *time.Timer
	onReload func(*SyncResult, error)
}

// NewWatcher creates a watcher for the manager's config file
func NewWatcher(manager *Manager, logger *logging.Logger, debounce time.Duration) (*Watcher, error) {
	if manager.file == nil {
		return nil, ErrNoConfigFile
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		manager:  manager,
		logger:   logger,
		debounce: debounce,
		fsw:      fsw,
	}, nil
}

// OnReload sets a callback invoked after each reload
func (w *Watcher) OnReload(fn func(*SyncResult, error)) {
	w.mu.Lock()
	w.onReload = fn
	w.mu.Unlock()
}

// Start watches the directory holding the document. Editors often replace
// files by rename, so the directory is watched rather than the file.
func (w *Watcher) Start(ctx context.Context) error {
	dir := filepath.Dir(w.manager.file.Path())
	if err := w.fsw.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	go w.processEvents(ctx)
	w.logger.Infof("Watching %s for server config changes", w.manager.file.Path())
	return nil
}

// Stop ends the watch
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return w.fsw.Close()
}

func (w *Watcher) processEvents(ctx context.Context) {
	target := filepath.Clean(w.manager.file.Path())
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			// A removed document is ignored rather than read as an empty registry
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.schedule()
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Errorf("Server config watcher error: %v", err)
		}
	}
}

// schedule restarts the debounce timer
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	doc, err := w.manager.file.Load()
	var result *SyncResult
	if err != nil {
		w.logger.Warnf("Server config reload skipped: %v", err)
	} else {
		result = w.manager.Sync(doc.Servers)
		if len(result.Added)+len(result.Removed)+len(result.Updated) > 0 {
			w.logger.Infof("Server config reloaded: %d added, %d removed, %d updated",
				len(result.Added), len(result.Removed), len(result.Updated))
		}
		for _, e := range result.Errors {
			w.logger.Warnf("Server config reload: %s", e)
		}
	}

	w.mu.Lock()
	fn := w.onReload
	w.mu.Unlock()
	if fn != nil {
		fn(result, err)
	}
}
