// internal/content/store.go
package content

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/zeebo/xxh3"

	"histex/internal/history"
	"histex/internal/manifest"
)

// ErrNotFound is returned when a snapshot cannot be read. This is a recoverable
// miss: the store may have changed since the index was built.
var ErrNotFound = errors.New("content not found")

// Store reads snapshot bytes from a history store
type Store struct {
	logger *slog.Logger
}

// NewStore creates a new content Store
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{logger: logger.With("component", "content")}
}

// Path returns the on-disk location of a snapshot
func Path(root string, loc history.Locator) string {
	return filepath.Join(root, loc.Folder, loc.ID)
}

// Fetch reads the snapshot at loc under an already validated root.
// An empty snapshot yields an empty, non-nil slice.
func (s *Store) Fetch(ctx context.Context, root string, loc history.Locator) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if !manifest.ValidID(loc.Folder) || !manifest.ValidID(loc.ID) {
		return nil, fmt.Errorf("%w: invalid locator %s", ErrNotFound, loc)
	}

	path := Path(root, loc)
	info, err := os.Stat(path)
	if err != nil {
		s.logger.Debug("snapshot missing", "path", path, "err", err)
		return nil, fmt.Errorf("%w: %s: %v", ErrNotFound, loc, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s is not a regular file", ErrNotFound, loc)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		s.logger.Warn("snapshot unreadable", "path", path, "err", err)
		return nil, fmt.Errorf("%w: %s: %v", ErrNotFound, loc, err)
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

// Hash returns the xxh3-128 digest of data as hex
func Hash(data []byte) string {
	return fmt.Sprintf("%x", xxh3.Hash128(data).Bytes())
}
