// internal/history/indexer.go
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"histex/internal/manifest"
)

// DefaultWorkers bounds concurrent folder scans
const DefaultWorkers = 16

// MaxWorkers caps any configured worker count
const MaxWorkers = 64

// ErrRootUnreadable is returned when the store root itself cannot be listed
var ErrRootUnreadable = errors.New("history root unreadable")

// Options configures an Indexer
type Options struct {
	Workers int
	Logger  *slog.Logger
}

// Indexer builds indexes from an on-disk history store
type Indexer struct {
	workers int
	logger  *slog.Logger
}

// NewIndexer creates a new Indexer
func NewIndexer(opts Options) *Indexer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{
		workers: ClampWorkers(opts.Workers),
		logger:  logger.With("component", "indexer"),
	}
}

// ClampWorkers maps a configured worker count into [1, MaxWorkers], defaulting
// non-positive values to DefaultWorkers
func ClampWorkers(n int) int {
	switch {
	case n <= 0:
		return DefaultWorkers
	case n > MaxWorkers:
		return MaxWorkers
	default:
		return n
	}
}

// folderResult is the contribution of one history folder
type folderResult struct {
	path     string
	versions []Version
	skip     string
	statMiss int
}

// Build scans root and returns a fresh index. The root must already be validated.
// Folder-level problems are recorded on the index; only an unlistable root fails.
func (ix *Indexer) Build(ctx context.Context, root string) (*Index, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRootUnreadable, err)
	}

	var folders []string
	for _, entry := range entries {
		if entry.IsDir() {
			folders = append(folders, entry.Name())
		}
	}

	results := make([]folderResult, len(folders))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.workers)
	for i, name := range folders {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = ix.scanFolder(root, name)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Merge in folder order so ties sort the same way on every build
	files := make(map[string]FileHistory)
	var skipped []SkippedFolder
	statMiss := 0
	for i, r := range results {
		if r.skip != "" {
			skipped = append(skipped, SkippedFolder{Folder: folders[i], Reason: r.skip})
			continue
		}
		files[r.path] = append(files[r.path], r.versions...)
		statMiss += r.statMiss
	}

	idx := NewIndex(root, files, skipped)
	idx.statMiss = statMiss

	ix.logger.Debug("index built",
		"root", root,
		"folders", len(folders),
		"files", idx.Len(),
		"skipped", len(skipped),
		"stat_misses", statMiss)

	return idx, nil
}

// scanFolder reads one folder's manifest and stats its snapshots
func (ix *Indexer) scanFolder(root, name string) folderResult {
	folderPath := filepath.Join(root, name)

	m, err := manifest.Read(folderPath)
	if err != nil {
		ix.logger.Debug("skipping history folder", "folder", name, "err", err)
		return folderResult{skip: err.Error()}
	}

	originalPath, err := manifest.DecodeResource(m.Resource)
	if err != nil {
		ix.logger.Warn("skipping history folder", "folder", name, "err", err)
		return folderResult{skip: err.Error()}
	}

	result := folderResult{
		path:     originalPath,
		versions: make([]Version, 0, len(m.Entries)),
	}

	for _, e := range m.Entries {
		var size int64
		info, err := os.Stat(filepath.Join(folderPath, e.ID))
		if err != nil {
			ix.logger.Warn("could not stat version file", "folder", name, "id", e.ID, "err", err)
			result.statMiss++
		} else {
			size = info.Size()
		}

		result.versions = append(result.versions, Version{
			ID:        e.ID,
			Timestamp: e.Timestamp,
			Size:      size,
			Source:    e.Source,
			Locator:   Locator{Folder: name, ID: e.ID},
		})
	}

	return result
}
