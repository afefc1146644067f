// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package attach

import (
	"log"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// =============================================================================
// FILE WATCHER
// =============================================================================

// Watcher keeps attached file contents current. When an attached file
// is rewritten on disk its content and token estimate are refreshed in
// the store; when it is deleted or renamed away, the attachment is
// removed. Each refresh is reported on Changes so the UI can update
// the status bar.
type Watcher struct {
	store    *Store
	watcher  *fsnotify.Watcher
	changes  chan string
	maxBytes int64

	mu     sync.Mutex
	closed bool
}

// NewWatcher creates a watcher bound to the given store.
func NewWatcher(store *Store, maxBytes int64) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		store:    store,
		watcher:  fw,
		changes:  make(chan string, 16),
		maxBytes: maxBytes,
	}
	go w.processEvents()
	return w, nil
}

// Watch starts watching an attached file's path.
func (w *Watcher) Watch(path string) error {
	return w.watcher.Add(path)
}

// Unwatch stops watching a path. Errors are ignored; the path may
// already be gone from the watch list after a rename.
func (w *Watcher) Unwatch(path string) {
	_ = w.watcher.Remove(path)
}

// Changes delivers the path of each attachment refreshed or removed by
// a filesystem event. The channel is closed by Close.
func (w *Watcher) Changes() <-chan string {
	return w.changes
}

// Close stops watching and releases resources.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()
	return w.watcher.Close()
}

// processEvents applies filesystem events to the store.
func (w *Watcher) processEvents() {
	defer close(w.changes)

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
			log.Printf("attach: watcher error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	path := event.Name
	if _, attached := w.store.Get(path); !attached {
		return
	}

	switch {
	case event.Has(fsnotify.Write) || event.Has(fsnotify.Create):
		content, err := ReadFile(path, w.maxBytes)
		if err != nil {
			// File became unreadable; drop it rather than send stale
			// context.
			log.Printf("attach: %s no longer readable, detaching: %v", path, err)
			_ = w.store.Remove(path)
			w.notify(path)
			return
		}
		w.store.Add(path, content)
		w.notify(path)

	case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
		_ = w.store.Remove(path)
		w.Unwatch(path)
		w.notify(path)
	}
}

// notify reports a change without blocking the event loop.
func (w *Watcher) notify(path string) {
	select {
	case w.changes <- path:
	default:
	}
}
