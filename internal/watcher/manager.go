// internal/watcher/manager.go
package watcher

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultDebounce is the quiet period before a store change is reported
const DefaultDebounce = 300 * time.Millisecond

// Manager keeps one StoreWatcher per history root
type Manager struct {
	watchers map[string]*StoreWatcher
	debounce time.Duration
	onChange func(Event)
	logger   *slog.Logger
	mu       sync.Mutex
}

// NewManager creates a Manager calling onChange for every settled event
func NewManager(debounce time.Duration, onChange func(Event), logger *slog.Logger) *Manager {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*StoreWatcher),
		debounce: debounce,
		onChange: onChange,
		logger:   logger,
	}
}

// Watch starts watching root. Watching an already watched root is a no-op.
func (m *Manager) Watch(root string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.watchers[root]; exists {
		return nil
	}

	w, err := New(root, m.debounce, m.onChange, m.logger)
	if err != nil {
		return fmt.Errorf("failed to watch history root: %w", err)
	}

	if err := w.Start(); err != nil {
		w.Close()
		return fmt.Errorf("failed to start watcher: %w", err)
	}

	m.watchers[root] = w
	m.logger.Debug("watching history root", "root", root)
	return nil
}

// Watching reports whether root has an active watcher
func (m *Manager) Watching(root string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.watchers[root]
	return ok
}

// Unwatch stops watching root
func (m *Manager) Unwatch(root string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w, exists := m.watchers[root]; exists {
		w.Close()
		delete(m.watchers, root)
	}
}

// Close stops every watcher
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, w := range m.watchers {
		w.Close()
	}
	m.watchers = make(map[string]*StoreWatcher)
}
