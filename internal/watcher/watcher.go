// internal/watcher/watcher.go
package watcher

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// EventType represents the type of file system event
type EventType string

const (
	EventCreate EventType = "create"
	EventModify EventType = "modify"
	EventDelete EventType = "delete"
	EventRename EventType = "rename"
)

// Event reports a settled burst of changes under a history root. Folders
// lists the snapshot folders touched, sorted; an empty list means the root
// directory itself changed.
type Event struct {
	Root    string
	Folders []string
	Type    EventType
}

// StoreWatcher watches a history root and its snapshot folders. Events are
// coalesced: the callback fires once per quiet period of length debounce.
type StoreWatcher struct {
	root     string
	debounce time.Duration
	callback func(Event)
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
	done     chan struct{}
	started  bool
	closed   bool
	mu       sync.Mutex

	pendingMu sync.Mutex
	timer     *time.Timer
	folders   map[string]bool
	lastType  EventType
}

// New creates a StoreWatcher for root. Existing snapshot folders are watched
// immediately; folders created later are added as they appear.
func New(root string, debounce time.Duration, callback func(Event), logger *slog.Logger) (*StoreWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	if err := fw.Add(root); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch path %s: %w", root, err)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to list %s: %w", root, err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if err := fw.Add(filepath.Join(root, e.Name())); err != nil {
			logger.Warn("cannot watch snapshot folder", "folder", e.Name(), "err", err)
		}
	}

	return &StoreWatcher{
		root:     root,
		debounce: debounce,
		callback: callback,
		logger:   logger,
		watcher:  fw,
		done:     make(chan struct{}),
		folders:  make(map[string]bool),
	}, nil
}

// Root returns the watched history root
func (w *StoreWatcher) Root() string {
	return w.root
}

// Start starts watching for events
func (w *StoreWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("watcher is closed")
	}

	if w.started {
		return fmt.Errorf("watcher already started")
	}

	w.started = true

	go w.watch()

	return nil
}

// Close stops watching and drops any pending event
func (w *StoreWatcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}

	w.closed = true

	if w.started {
		close(w.done)
	}

	w.pendingMu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.folders = make(map[string]bool)
	w.pendingMu.Unlock()

	return w.watcher.Close()
}

func (w *StoreWatcher) watch() {
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
			w.logger.Warn("watcher error", "root", w.root, "err", err)

		case <-w.done:
			return
		}
	}
}

func (w *StoreWatcher) handleEvent(event fsnotify.Event) {
	var eventType EventType

	switch {
	case event.Op&fsnotify.Create == fsnotify.Create:
		eventType = EventCreate
	case event.Op&fsnotify.Write == fsnotify.Write:
		eventType = EventModify
	case event.Op&fsnotify.Remove == fsnotify.Remove:
		eventType = EventDelete
	case event.Op&fsnotify.Rename == fsnotify.Rename:
		eventType = EventRename
	default:
		return
	}

	folder := w.folderOf(event.Name)

	// A new snapshot folder directly under the root
	if eventType == EventCreate && filepath.Dir(event.Name) == w.root {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.watcher.Add(event.Name); err != nil {
				w.logger.Warn("cannot watch snapshot folder", "folder", folder, "err", err)
			}
		}
	}

	w.schedule(folder, eventType)
}

// folderOf returns the snapshot folder name containing path, or "" for the
// root itself
func (w *StoreWatcher) folderOf(path string) string {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." {
		return ""
	}
	first, _, _ := strings.Cut(filepath.ToSlash(rel), "/")
	return first
}

func (w *StoreWatcher) schedule(folder string, t EventType) {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()

	if folder != "" {
		w.folders[folder] = true
	}
	w.lastType = t

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

func (w *StoreWatcher) flush() {
	w.pendingMu.Lock()
	folders := make([]string, 0, len(w.folders))
	for f := range w.folders {
		folders = append(folders, f)
	}
	t := w.lastType
	w.folders = make(map[string]bool)
	w.timer = nil
	w.pendingMu.Unlock()

	sort.Strings(folders)
	w.callback(Event{Root: w.root, Folders: folders, Type: t})
}
