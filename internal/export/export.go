// internal/export/export.go
package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"histex/internal/history"
)

// ErrInvalidDestination is returned when a restore destination was not an
// explicit, existing, absolute directory
var ErrInvalidDestination = errors.New("invalid restore destination")

// Fetcher reads snapshot content
type Fetcher interface {
	Fetch(ctx context.Context, root string, loc history.Locator) ([]byte, error)
}

// Failure records a requested path that was not exported
type Failure struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Report lists the outcome of a bundle or restore. Succeeded and Failed are
// sorted by path.
type Report struct {
	ID        string    `json:"id"`
	Succeeded []string  `json:"succeeded"`
	Failed    []Failure `json:"failed"`
}

// Partial reports whether any requested path failed
func (r *Report) Partial() bool {
	return len(r.Failed) > 0
}

func newReport() *Report {
	return &Report{
		ID:        uuid.New().String(),
		Succeeded: []string{},
		Failed:    []Failure{},
	}
}

func (r *Report) sort() {
	sort.Strings(r.Succeeded)
	sort.Slice(r.Failed, func(i, j int) bool { return r.Failed[i].Path < r.Failed[j].Path })
}

// Exporter bundles or restores the latest versions of selected files
type Exporter struct {
	fetcher Fetcher
	homes   []string
	workers int
	logger  *slog.Logger
}

// New creates an Exporter. Any of homes is stripped from original paths when
// naming archive entries and restored files; pass every spelling of the home
// directory (as configured and with symlinks resolved).
func New(fetcher Fetcher, homes []string, workers int, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{
		fetcher: fetcher,
		homes:   slices.Compact(slices.Sorted(slices.Values(homes))),
		workers: history.ClampWorkers(workers),
		logger:  logger.With("component", "export"),
	}
}

// job is one file selected for export
type job struct {
	path    string
	name    string
	version history.Version
}

// plan resolves the requested paths into jobs. Unknown paths, unsafe names and
// name collisions are recorded as failures.
func (e *Exporter) plan(idx *history.Index, paths []string, report *Report) []job {
	unique := make(map[string]struct{}, len(paths))
	var sorted []string
	for _, p := range paths {
		if _, ok := unique[p]; ok {
			continue
		}
		unique[p] = struct{}{}
		sorted = append(sorted, p)
	}
	sort.Strings(sorted)

	names := make(map[string]string)
	var jobs []job
	for _, p := range sorted {
		v, ok := idx.Latest(p)
		if !ok {
			report.Failed = append(report.Failed, Failure{Path: p, Reason: "not in history index"})
			continue
		}

		name, err := Normalize(p, e.homes...)
		if err != nil {
			report.Failed = append(report.Failed, Failure{Path: p, Reason: err.Error()})
			continue
		}
		if other, taken := names[name]; taken {
			report.Failed = append(report.Failed, Failure{Path: p, Reason: fmt.Sprintf("name %s already used by %s", name, other)})
			continue
		}
		names[name] = p

		jobs = append(jobs, job{path: p, name: name, version: v})
	}
	return jobs
}

// Bundle writes the latest version of each requested path into an archive on w.
// Files that cannot be fetched are reported and skipped; the archive still holds
// everything that succeeded. A write error on w aborts the bundle.
func (e *Exporter) Bundle(ctx context.Context, w io.Writer, idx *history.Index, paths []string, format Format) (*Report, error) {
	report := newReport()

	aw, err := newArchiveWriter(w, format)
	if err != nil {
		return nil, err
	}

	jobs := e.plan(idx, paths, report)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)

	for _, j := range jobs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			data, err := e.fetcher.Fetch(gctx, idx.Root(), j.version.Locator)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				e.logger.Warn("skipping file in bundle", "path", j.path, "err", err)
				mu.Lock()
				report.Failed = append(report.Failed, Failure{Path: j.path, Reason: err.Error()})
				mu.Unlock()
				return nil
			}

			mu.Lock()
			defer mu.Unlock()
			if err := aw.Add(j.name, data, j.version.Time()); err != nil {
				return fmt.Errorf("write %s to archive: %w", j.name, err)
			}
			report.Succeeded = append(report.Succeeded, j.path)
			return nil
		})
	}

	waitErr := g.Wait()
	closeErr := aw.Close()
	report.sort()

	if waitErr != nil {
		return report, waitErr
	}
	if closeErr != nil {
		return report, fmt.Errorf("finalize archive: %w", closeErr)
	}

	e.logger.Info("bundle written",
		"id", report.ID,
		"format", string(format),
		"succeeded", len(report.Succeeded),
		"failed", len(report.Failed))
	return report, nil
}

// Restore writes the latest version of each requested path beneath destination,
// creating intermediate directories. Files already written stay in place if the
// context is cancelled part way.
func (e *Exporter) Restore(ctx context.Context, idx *history.Index, paths []string, destination string) (*Report, error) {
	return e.RestoreWithBackup(ctx, idx, paths, destination, nil)
}

// Backup records the state of a destination file before restore replaces it.
// Implementations must be safe for concurrent use.
type Backup interface {
	Capture(name, target string) error
	Discard(name string)
}

// RestoreWithBackup is Restore with every target captured by backup before it
// is written. A path whose capture fails is reported as failed and left alone.
func (e *Exporter) RestoreWithBackup(ctx context.Context, idx *history.Index, paths []string, destination string, backup Backup) (*Report, error) {
	dest, err := validateDestination(destination)
	if err != nil {
		return nil, err
	}

	report := newReport()
	jobs := e.plan(idx, paths, report)

	var mu sync.Mutex
	fail := func(p string, err error) {
		mu.Lock()
		report.Failed = append(report.Failed, Failure{Path: p, Reason: err.Error()})
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)

	for _, j := range jobs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			data, err := e.fetcher.Fetch(gctx, idx.Root(), j.version.Locator)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				e.logger.Warn("skipping file in restore", "path", j.path, "err", err)
				fail(j.path, err)
				return nil
			}

			target, err := securejoin.SecureJoin(dest, filepath.FromSlash(j.name))
			if err != nil {
				fail(j.path, fmt.Errorf("%w: %v", ErrEscapesRoot, err))
				return nil
			}

			if backup != nil {
				if err := backup.Capture(j.name, target); err != nil {
					fail(j.path, fmt.Errorf("back up %s: %w", j.name, err))
					return nil
				}
			}

			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				if backup != nil {
					backup.Discard(j.name)
				}
				fail(j.path, fmt.Errorf("create dir for %s: %w", j.name, err))
				return nil
			}

			if err := writeFileAtomic(target, data, 0644); err != nil {
				if backup != nil {
					backup.Discard(j.name)
				}
				fail(j.path, fmt.Errorf("write %s: %w", j.name, err))
				return nil
			}

			mu.Lock()
			report.Succeeded = append(report.Succeeded, j.path)
			mu.Unlock()
			return nil
		})
	}

	err = g.Wait()
	report.sort()
	if err != nil {
		return report, err
	}

	e.logger.Info("restore complete",
		"id", report.ID,
		"destination", dest,
		"succeeded", len(report.Succeeded),
		"failed", len(report.Failed))
	return report, nil
}

func validateDestination(destination string) (string, error) {
	if destination == "" {
		return "", fmt.Errorf("%w: no destination given", ErrInvalidDestination)
	}
	if !filepath.IsAbs(destination) {
		return "", fmt.Errorf("%w: %s is not absolute", ErrInvalidDestination, destination)
	}

	resolved, err := filepath.EvalSymlinks(filepath.Clean(destination))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidDestination, err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidDestination, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", ErrInvalidDestination, destination)
	}
	return resolved, nil
}

// writeFileAtomic writes data to a temporary file next to path and renames it
// into place, so readers never observe a partially written file
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
