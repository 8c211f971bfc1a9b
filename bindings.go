// bindings.go
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"histex/internal/checkpoint"
	"histex/internal/content"
	"histex/internal/database"
	"histex/internal/diff"
	"histex/internal/eventhub"
	"histex/internal/export"
	"histex/internal/git"
	"histex/internal/history"
	"histex/internal/probe"
)

// ErrUnknownVersion is returned for a locator the index does not contain
var ErrUnknownVersion = fmt.Errorf("%w: version not indexed", content.ErrNotFound)

// ===== History Bindings =====

// FindCandidateRoots returns well-known history roots that exist
func (a *App) FindCandidateRoots() []string {
	var extras []string
	if a.config.Settings != nil {
		extras = a.config.Settings.CandidateRoots
	}
	return probe.Find(a.guard.Home(), extras)
}

// ListHistory returns the index for root: original path -> versions, newest
// first
func (a *App) ListHistory(ctx context.Context, root string) (*history.Index, error) {
	_, idx, err := a.index(ctx, root)
	return idx, err
}

// RefreshHistory rebuilds the index for root and returns its stats
func (a *App) RefreshHistory(ctx context.Context, root string) (*history.Stats, error) {
	resolved, err := a.resolveRoot(root)
	if err != nil {
		return nil, err
	}
	idx, err := a.cache.Refresh(ctx, resolved)
	if err != nil {
		return nil, err
	}
	st := idx.Stats()
	return &st, nil
}

// GetIndexStats returns counts and skipped folders for root
func (a *App) GetIndexStats(ctx context.Context, root string) (*history.Stats, error) {
	_, idx, err := a.index(ctx, root)
	if err != nil {
		return nil, err
	}
	st := idx.Stats()
	return &st, nil
}

// GetLastRoot returns the root most recently opened, or ""
func (a *App) GetLastRoot() (string, error) {
	if a.dbManager == nil {
		return "", nil
	}
	return a.dbManager.GetLastRoot()
}

// ===== Content Bindings =====

// ReadContent returns the raw bytes of one snapshot. A miss invalidates the
// cached index for root.
func (a *App) ReadContent(ctx context.Context, root, folder, id string) ([]byte, error) {
	resolved, err := a.resolveRoot(root)
	if err != nil {
		return nil, err
	}
	data, err := a.store.Fetch(ctx, resolved, history.Locator{Folder: folder, ID: id})
	if errors.Is(err, content.ErrNotFound) {
		a.cache.Invalidate(resolved)
	}
	return data, err
}

// GetContent returns one snapshot as text
func (a *App) GetContent(ctx context.Context, root, folder, id string) (string, error) {
	data, err := a.ReadContent(ctx, root, folder, id)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ===== Search Bindings =====

// Search returns the original paths whose path or any snapshot contains
// query, case-insensitively. Starting a search cancels the one in flight.
func (a *App) Search(ctx context.Context, root, query string) ([]string, error) {
	_, idx, err := a.index(ctx, root)
	if err != nil {
		return nil, err
	}

	ctx, done := a.beginSearch(ctx)
	defer done()

	return a.searcher.Search(ctx, idx, query)
}

// ===== Diff Bindings =====

// Diff compares two versions given as folder/id locators. Argument order does
// not matter: the result always runs older to newer.
func (a *App) Diff(ctx context.Context, root, locatorA, locatorB string) (*diff.Result, error) {
	resolved, idx, err := a.index(ctx, root)
	if err != nil {
		return nil, err
	}

	va, err := lookupVersion(idx, locatorA)
	if err != nil {
		return nil, err
	}
	vb, err := lookupVersion(idx, locatorB)
	if err != nil {
		return nil, err
	}

	result, err := a.differ.Compare(ctx, resolved, va, vb)
	if errors.Is(err, content.ErrNotFound) {
		a.cache.Invalidate(resolved)
	}
	return result, err
}

// DiffWithHead compares a snapshot with its file as committed at HEAD of the
// enclosing git repository
func (a *App) DiffWithHead(ctx context.Context, root, folder, id string) (*diff.HeadDiff, error) {
	resolved, idx, err := a.index(ctx, root)
	if err != nil {
		return nil, err
	}

	loc := history.Locator{Folder: folder, ID: id}
	path, version, ok := idx.Lookup(loc)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVersion, loc)
	}

	repo, err := git.Locate(path)
	if err != nil {
		return nil, err
	}
	head, err := repo.HeadFile(path)
	if err != nil {
		return nil, err
	}
	status, err := repo.FileStatus(path)
	if err != nil {
		a.logger.Debug("git status unavailable", "path", path, "err", err)
		status = "unknown"
	}

	data, err := a.store.Fetch(ctx, resolved, loc)
	if err != nil {
		if errors.Is(err, content.ErrNotFound) {
			a.cache.Invalidate(resolved)
		}
		return nil, err
	}

	short := head.Commit
	if len(short) > 7 {
		short = short[:7]
	}
	result := diff.Between(
		diff.Side{Label: "HEAD@" + short, Timestamp: head.Timestamp, Content: head.Content},
		diff.Side{Label: loc.String(), Timestamp: version.Timestamp, Content: data},
	)

	return &diff.HeadDiff{
		Path:   path,
		Repo:   repo.Root(),
		Commit: head.Commit,
		Status: status,
		Diff:   result,
	}, nil
}

func lookupVersion(idx *history.Index, locator string) (history.Version, error) {
	loc, err := history.ParseLocator(locator)
	if err != nil {
		return history.Version{}, err
	}
	_, v, ok := idx.Lookup(loc)
	if !ok {
		return history.Version{}, fmt.Errorf("%w: %s", ErrUnknownVersion, loc)
	}
	return v, nil
}

// ===== Export Bindings =====

// ArchiveFormat returns the configured default bundle format
func (a *App) ArchiveFormat() string {
	return string(a.format)
}

// ExportBundle streams an archive of the latest version of each path to w.
// An empty format uses the configured default.
func (a *App) ExportBundle(ctx context.Context, w io.Writer, root string, paths []string, format string) (*export.Report, error) {
	resolved, idx, err := a.index(ctx, root)
	if err != nil {
		return nil, err
	}
	f, err := a.bundleFormat(format)
	if err != nil {
		return nil, err
	}

	report, err := a.exporter.Bundle(ctx, w, idx, paths, f)
	if err != nil {
		return nil, err
	}
	a.recordRun(database.KindBundle, resolved, "", f, report)
	return report, nil
}

// ExportBundleTo writes the archive to file, an absolute path whose directory
// exists. The file only appears once the archive is complete.
func (a *App) ExportBundleTo(ctx context.Context, root string, paths []string, format, file string) (*export.Report, error) {
	resolved, idx, err := a.index(ctx, root)
	if err != nil {
		return nil, err
	}
	f, err := a.bundleFormat(format)
	if err != nil {
		return nil, err
	}

	if file == "" || !filepath.IsAbs(file) {
		return nil, fmt.Errorf("%w: archive path must be absolute", export.ErrInvalidDestination)
	}
	dir := filepath.Dir(file)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", export.ErrInvalidDestination, dir)
	}

	tmp, err := os.CreateTemp(dir, ".histex-bundle-*")
	if err != nil {
		return nil, fmt.Errorf("create archive: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	report, err := a.exporter.Bundle(ctx, tmp, idx, paths, f)
	if closeErr := tmp.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("close archive: %w", closeErr)
	}
	if err != nil {
		return nil, err
	}
	if err := os.Rename(tmpName, file); err != nil {
		return nil, fmt.Errorf("move archive into place: %w", err)
	}

	a.recordRun(database.KindBundle, resolved, file, f, report)
	return report, nil
}

// Restore writes the latest version of each path under destination
func (a *App) Restore(ctx context.Context, root string, paths []string, destination string) (*export.Report, error) {
	resolved, idx, err := a.index(ctx, root)
	if err != nil {
		return nil, err
	}

	if a.backups == nil {
		report, err := a.exporter.Restore(ctx, idx, paths, destination)
		if err != nil {
			return nil, err
		}
		a.recordRun(database.KindRestore, resolved, destination, "", report)
		return report, nil
	}

	rec := a.backups.Begin(destination)
	report, err := a.exporter.RestoreWithBackup(ctx, idx, paths, destination, rec)
	if report != nil && len(report.Succeeded) > 0 {
		a.commitBackup(rec, report.ID)
	}
	if err != nil {
		return nil, err
	}
	a.recordRun(database.KindRestore, resolved, destination, "", report)
	return report, nil
}

func (a *App) commitBackup(rec *checkpoint.Recorder, id string) {
	if _, err := rec.Commit(id); err != nil {
		a.logger.Warn("failed to save restore backup", "id", id, "err", err)
		return
	}
	if _, err := a.backups.Prune(checkpoint.DefaultKeep); err != nil {
		a.logger.Warn("failed to prune restore backups", "err", err)
	}
}

// ListRestoreBackups returns the restores that can still be undone, newest first
func (a *App) ListRestoreBackups() ([]checkpoint.Checkpoint, error) {
	if a.backups == nil {
		return []checkpoint.Checkpoint{}, nil
	}
	return a.backups.List()
}

// UndoRestore puts the destination files of restore id back the way they were
func (a *App) UndoRestore(id string) (*checkpoint.UndoResult, error) {
	if a.backups == nil {
		return nil, fmt.Errorf("%w: restore backups are disabled", checkpoint.ErrNotFound)
	}
	result, err := a.backups.Undo(id)
	if err != nil {
		return nil, err
	}
	a.eventHub.EmitRestoreUndone(eventhub.RunFinishedEvent{
		ID:          id,
		Destination: result.Checkpoint.Destination,
		Succeeded:   len(result.Restored) + len(result.Removed),
		Failed:      len(result.Warnings),
	})
	return result, nil
}

// ListExportRuns returns recent bundle and restore runs, newest first
func (a *App) ListExportRuns(limit int) ([]*database.ExportRun, error) {
	if a.dbManager == nil {
		return []*database.ExportRun{}, nil
	}
	return a.dbManager.ListExportRuns(limit)
}

// GetExportRun returns one recorded run
func (a *App) GetExportRun(id string) (*database.ExportRun, error) {
	if a.dbManager == nil {
		return nil, fmt.Errorf("%w: %s", database.ErrRunNotFound, id)
	}
	return a.dbManager.GetExportRun(id)
}

func (a *App) bundleFormat(format string) (export.Format, error) {
	if format == "" {
		return a.format, nil
	}
	return export.ParseFormat(format)
}
