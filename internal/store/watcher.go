package store

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounceInterval is the settle time after the last observed
// write before the change callback fires. Writers replace key files in
// quick succession; debouncing collapses those into one notification.
const DefaultDebounceInterval = 500 * time.Millisecond

// Watcher observes a FileStore directory for external writes to the
// token aggregate. A token acquired by another process (a second CLI
// invocation completing a login, for instance) is picked up live
// instead of waiting for the next process start.
type Watcher struct {
	mu       sync.Mutex
	store    *FileStore
	onChange func()

	fsWatcher *fsnotify.Watcher
	stopCh    chan struct{}
	running   bool

	debounceMu    sync.Mutex
	debounceTimer *time.Timer
}

// NewWatcher creates a watcher over the given file store. onChange is
// invoked (debounced) whenever the tokens key is written externally.
func NewWatcher(store *FileStore, onChange func()) *Watcher {
	return &Watcher{store: store, onChange: onChange}
}

// Start begins watching the store directory.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.store.Dir()); err != nil {
		fsw.Close()
		return err
	}

	w.fsWatcher = fsw
	w.stopCh = make(chan struct{})
	w.running = true

	go w.processEvents(fsw.Events, fsw.Errors)

	slog.Debug("watching store directory for external token changes", "dir", w.store.Dir())
	return nil
}

// Stop stops the watcher. Safe to call more than once.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}
	w.running = false
	close(w.stopCh)
	if w.fsWatcher != nil {
		_ = w.fsWatcher.Close()
		w.fsWatcher = nil
	}
}

func (w *Watcher) processEvents(eventsCh <-chan fsnotify.Event, errorsCh <-chan error) {
	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-eventsCh:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-errorsCh:
			if !ok {
				return
			}
			slog.Warn("store watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}

	key, ok := decodeKey(filepath.Base(event.Name))
	if !ok || key != KeyTokens {
		return
	}

	slog.Debug("external change to token store detected", "file", event.Name)
	w.fireDebounced()
}

func (w *Watcher) fireDebounced() {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(DefaultDebounceInterval, func() {
		w.mu.Lock()
		running := w.running
		callback := w.onChange
		w.mu.Unlock()

		if running && callback != nil {
			callback()
		}
	})
}
