// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/wingedpig/canopy/internal/events"
)

// WorktreeWatcher notices when a session's working directory disappears
// and publishes a worktree.removed event so the runtime can retire the
// sessions rooted there. Directories are observed through their parent,
// since a deleted directory can no longer carry its own watch.
type WorktreeWatcher struct {
	mu        sync.Mutex
	bus       events.EventBus
	watcher   *fsnotify.Watcher
	debouncer *Debouncer
	dirs      map[string]bool // watched working directories
	parents   map[string]int  // parent dir -> watch refcount
	closed    bool
	closeCh   chan struct{}
	wg        sync.WaitGroup
}

// NewWorktreeWatcher creates a watcher publishing to the given bus.
func NewWorktreeWatcher(bus events.EventBus, debounce time.Duration) (*WorktreeWatcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	w := &WorktreeWatcher{
		bus:       bus,
		watcher:   fsWatcher,
		debouncer: NewDebouncer(debounce),
		dirs:      make(map[string]bool),
		parents:   make(map[string]int),
		closeCh:   make(chan struct{}),
	}

	w.wg.Add(1)
	go w.processEvents()

	return w, nil
}

// Watch starts observing a working directory for removal.
func (w *WorktreeWatcher) Watch(dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("watcher is closed")
	}
	if w.dirs[abs] {
		return nil
	}

	parent := filepath.Dir(abs)
	w.parents[parent]++
	if w.parents[parent] == 1 {
		if err := w.watcher.Add(parent); err != nil {
			w.parents[parent]--
			if w.parents[parent] == 0 {
				delete(w.parents, parent)
			}
			return fmt.Errorf("watch %s: %w", parent, err)
		}
	}
	w.dirs[abs] = true
	return nil
}

// Unwatch stops observing a working directory.
func (w *WorktreeWatcher) Unwatch(dir string) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.unwatchLocked(abs)
}

func (w *WorktreeWatcher) unwatchLocked(abs string) {
	if !w.dirs[abs] {
		return
	}
	delete(w.dirs, abs)
	w.debouncer.Cancel(abs)

	parent := filepath.Dir(abs)
	w.parents[parent]--
	if w.parents[parent] <= 0 {
		w.watcher.Remove(parent)
		delete(w.parents, parent)
	}
}

// Watching returns the watched working directories.
func (w *WorktreeWatcher) Watching() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]string, 0, len(w.dirs))
	for dir := range w.dirs {
		out = append(out, dir)
	}
	return out
}

// Close stops the watcher and releases resources.
func (w *WorktreeWatcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.closeCh)
	w.mu.Unlock()

	w.debouncer.Stop()
	w.watcher.Close()
	w.wg.Wait()

	return nil
}

func (w *WorktreeWatcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.closeCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			_ = err
		}
	}
}

func (w *WorktreeWatcher) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}

	w.mu.Lock()
	watched := w.dirs[event.Name]
	w.mu.Unlock()

	if watched {
		w.triggerRemoved(event.Name)
	}
}

func (w *WorktreeWatcher) triggerRemoved(dir string) {
	w.debouncer.Debounce(dir, func() {
		// Rename events also fire on moves; only report a dir that is
		// actually gone.
		if _, err := os.Stat(dir); err == nil {
			return
		}

		w.mu.Lock()
		w.unwatchLocked(dir)
		w.mu.Unlock()

		if w.bus != nil {
			w.bus.Publish(context.Background(), events.Event{
				Type: events.EventWorktreeRemoved,
				Payload: map[string]interface{}{
					"work_dir": dir,
				},
			})
		}
	})
}
