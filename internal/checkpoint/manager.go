// internal/checkpoint/manager.go
package checkpoint

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	securejoin "github.com/cyphar/filepath-securejoin"
)

// DefaultKeep is the number of checkpoints kept by Prune when given zero
const DefaultKeep = 20

// Manager undoes restores from their checkpoints
type Manager struct {
	storage *Storage
	logger  *slog.Logger
}

// NewManager creates a manager over storage
func NewManager(storage *Storage, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{storage: storage, logger: logger}
}

// Begin starts recording a checkpoint for a restore into destination
func (m *Manager) Begin(destination string) *Recorder {
	return m.storage.Begin(destination)
}

// List returns all checkpoints, newest first
func (m *Manager) List() ([]Checkpoint, error) {
	return m.storage.List()
}

// Undo puts every file of checkpoint id back the way it was before the
// restore: replaced files get their old content and created files are
// removed. The checkpoint is deleted once every file was handled.
func (m *Manager) Undo(id string) (*UndoResult, error) {
	cp, err := m.storage.Load(id)
	if err != nil {
		return nil, err
	}

	dest, err := filepath.EvalSymlinks(cp.Destination)
	if err != nil {
		return nil, fmt.Errorf("resolve destination: %w", err)
	}

	result := &UndoResult{
		Checkpoint: cp,
		Restored:   []string{},
		Removed:    []string{},
		Warnings:   []string{},
	}
	warn := func(format string, args ...any) {
		result.Warnings = append(result.Warnings, fmt.Sprintf(format, args...))
	}

	for _, f := range cp.Files {
		target, err := securejoin.SecureJoin(dest, filepath.FromSlash(f.Path))
		if err != nil {
			warn("%s: %v", f.Path, err)
			continue
		}

		if f.Created {
			if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
				warn("remove %s: %v", f.Path, err)
				continue
			}
			result.Removed = append(result.Removed, f.Path)
			continue
		}

		data, err := m.storage.readContent(f.Hash)
		if err != nil {
			warn("read backup of %s: %v", f.Path, err)
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			warn("create dir for %s: %v", f.Path, err)
			continue
		}
		perm := os.FileMode(f.Permissions)
		if perm == 0 {
			perm = 0644
		}
		if err := writeAtomic(target, data, perm); err != nil {
			warn("write %s: %v", f.Path, err)
			continue
		}
		result.Restored = append(result.Restored, f.Path)
	}

	if len(result.Warnings) == 0 {
		if err := m.storage.Delete(id); err != nil {
			m.logger.Warn("failed to delete checkpoint", "id", id, "err", err)
		}
	}

	m.logger.Info("restore undone",
		"id", id,
		"destination", dest,
		"restored", len(result.Restored),
		"removed", len(result.Removed),
		"warnings", len(result.Warnings))
	return result, nil
}

// Prune keeps the newest keep checkpoints, deletes the rest and drops pool
// content nothing references any more. It returns the number of checkpoints
// deleted.
func (m *Manager) Prune(keep int) (int, error) {
	if keep <= 0 {
		keep = DefaultKeep
	}

	checkpoints, err := m.storage.List()
	if err != nil {
		return 0, err
	}
	if len(checkpoints) <= keep {
		if _, err := m.storage.collectGarbage(checkpoints); err != nil {
			return 0, fmt.Errorf("collect garbage: %w", err)
		}
		return 0, nil
	}

	deleted := 0
	for _, cp := range checkpoints[keep:] {
		if err := m.storage.Delete(cp.ID); err != nil {
			m.logger.Warn("failed to delete checkpoint", "id", cp.ID, "err", err)
			continue
		}
		deleted++
	}

	removed, err := m.storage.collectGarbage(checkpoints[:keep])
	if err != nil {
		return deleted, fmt.Errorf("collect garbage: %w", err)
	}
	m.logger.Debug("pruned checkpoints", "deleted", deleted, "content", removed)
	return deleted, nil
}
