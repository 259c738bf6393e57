// Package watch drives continuous mode: it rebuilds on a fixed poll interval,
// earlier when the filesystem reports a change, until interrupted or idle.
package watch

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounce coalesces bursts of events such as a compiler rewriting its aux
// files.
const debounce = 100 * time.Millisecond

// Watcher reports changed paths in the watched directories.
type Watcher struct {
	Changes <-chan string // Read-only external channel

	changes chan string
	done    chan struct{}
	watcher *fsnotify.Watcher
	ignore  func(path string) bool

	mu   sync.Mutex
	dirs map[string]bool
}

// NewWatcher creates a watcher. Events for paths ignore accepts are dropped;
// ignore may be nil.
func NewWatcher(ignore func(path string) bool) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	ch := make(chan string, 1)
	return &Watcher{
		Changes: ch,
		changes: ch,
		done:    make(chan struct{}),
		watcher: fw,
		ignore:  ignore,
		dirs:    make(map[string]bool),
	}, nil
}

// Add watches the directory containing path. Adding a directory twice is a no-op.
func (w *Watcher) Add(path string) error {
	dir := filepath.Clean(path)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		dir = filepath.Dir(dir)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dirs[dir] {
		return nil
	}
	if err := w.watcher.Add(dir); err != nil {
		return err
	}
	w.dirs[dir] = true
	return nil
}

// Start begins delivering changes.
func (w *Watcher) Start() {
	go w.loop()
}

// Stop closes the watcher and its channel.
func (w *Watcher) Stop() {
	w.watcher.Close()
	<-w.done
	close(w.changes)
}

func (w *Watcher) loop() {
	defer close(w.done)

	pending := make(map[string]time.Time)
	ticker := time.NewTicker(debounce)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if w.ignore != nil && w.ignore(event.Name) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				pending[event.Name] = time.Now()
			}

		case now := <-ticker.C:
			for file, t := range pending {
				if now.Sub(t) >= debounce {
					w.emit(file)
					delete(pending, file)
				}
			}

		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			// Watch errors are non-fatal; polling still catches changes.
		}
	}
}

// emit never blocks: a pending wake-up already covers this change.
func (w *Watcher) emit(file string) {
	select {
	case w.changes <- file:
	default:
	}
}
