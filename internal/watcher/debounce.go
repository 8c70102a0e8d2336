// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package watcher reacts to filesystem changes under session working
// directories.
package watcher

import (
	"sync"
	"time"
)

const defaultDebounceDuration = 200 * time.Millisecond

// Debouncer provides debounced function execution keyed by string.
type Debouncer struct {
	mu       sync.Mutex
	duration time.Duration
	timers   map[string]*time.Timer
}

// NewDebouncer creates a new debouncer with the given duration.
func NewDebouncer(duration time.Duration) *Debouncer {
	if duration <= 0 {
		duration = defaultDebounceDuration
	}
	return &Debouncer{
		duration: duration,
		timers:   make(map[string]*time.Timer),
	}
}

// Debounce schedules fn after the debounce duration. Calling again with
// the same key before the duration elapses resets the timer.
func (d *Debouncer) Debounce(key string, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if timer, exists := d.timers[key]; exists {
		timer.Stop()
	}

	d.timers[key] = time.AfterFunc(d.duration, func() {
		d.mu.Lock()
		delete(d.timers, key)
		d.mu.Unlock()
		fn()
	})
}

// Cancel cancels a pending debounced function for the given key.
func (d *Debouncer) Cancel(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if timer, exists := d.timers[key]; exists {
		timer.Stop()
		delete(d.timers, key)
	}
}

// Stop cancels all pending debounced functions.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for key, timer := range d.timers {
		timer.Stop()
		delete(d.timers, key)
	}
}
