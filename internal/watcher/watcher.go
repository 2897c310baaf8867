// Package watcher reports changes to individual files, debounced, so that
// long-lived processes can reload secrets and settings without a restart.
package watcher

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const debounceInterval = 500 * time.Millisecond

// ChangeCallback is called with the key a file was registered under, once
// per burst of changes.
type ChangeCallback func(key string)

// Watcher monitors a set of files. Each file is watched through its parent
// directory so editors that replace files by rename are still seen.
type Watcher struct {
	mu       sync.RWMutex
	watchers map[string]*fileWatcher // key → watcher
	debounce time.Duration
	callback ChangeCallback
}

type fileWatcher struct {
	key       string
	path      string
	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}
}

// New creates a new file watcher.
func New(callback ChangeCallback) *Watcher {
	return &Watcher{
		watchers: make(map[string]*fileWatcher),
		debounce: debounceInterval,
		callback: callback,
	}
}

// SetDebounce overrides the debounce interval for files watched afterwards.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	w.debounce = d
	w.mu.Unlock()
}

// Watch starts watching path under key. Watching an existing key replaces
// the previous registration.
func (w *Watcher) Watch(key, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := fsW.Add(filepath.Dir(abs)); err != nil {
		fsW.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	fw := &fileWatcher{
		key:       key,
		path:      abs,
		fsWatcher: fsW,
		cancel:    make(chan struct{}),
	}

	w.Unwatch(key)
	w.mu.Lock()
	w.watchers[key] = fw
	debounce := w.debounce
	w.mu.Unlock()

	go w.watchLoop(fw, debounce)
	return nil
}

// Unwatch stops watching the file registered under key.
func (w *Watcher) Unwatch(key string) {
	w.mu.Lock()
	fw, ok := w.watchers[key]
	if ok {
		delete(w.watchers, key)
	}
	w.mu.Unlock()

	if ok {
		close(fw.cancel)
		fw.fsWatcher.Close()
	}
}

// watchLoop processes fsnotify events with debouncing.
func (w *Watcher) watchLoop(fw *fileWatcher, debounce time.Duration) {
	var timer *time.Timer

	for {
		select {
		case <-fw.cancel:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-fw.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != fw.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}

			// Debounce: reset timer on each event.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				if w.callback != nil {
					w.callback(fw.key)
				}
			})

		case err, ok := <-fw.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Str("path", fw.path).Msg("watcher error")
		}
	}
}

// Shutdown stops all watchers.
func (w *Watcher) Shutdown() {
	w.mu.Lock()
	keys := make([]string, 0, len(w.watchers))
	for key := range w.watchers {
		keys = append(keys, key)
	}
	w.mu.Unlock()

	for _, key := range keys {
		w.Unwatch(key)
	}
}
