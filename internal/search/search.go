// internal/search/search.go
package search

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"histex/internal/history"
)

// ErrEmptyQuery is returned for a blank query
var ErrEmptyQuery = errors.New("empty search query")

// Fetcher reads snapshot content
type Fetcher interface {
	Fetch(ctx context.Context, root string, loc history.Locator) ([]byte, error)
}

// Engine runs case-insensitive substring searches over an index
type Engine struct {
	fetcher Fetcher
	workers int
	logger  *slog.Logger
}

// NewEngine creates a search Engine reading content through fetcher
func NewEngine(fetcher Fetcher, workers int, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		fetcher: fetcher,
		workers: history.ClampWorkers(workers),
		logger:  logger.With("component", "search"),
	}
}

// Search returns the paths in idx whose path or any version's content contains
// query, ignoring case. Results are sorted. Unreadable snapshots count as
// non-matches. Versions of a file are scanned newest first and scanning stops at
// the first match.
func (e *Engine) Search(ctx context.Context, idx *history.Index, query string) ([]string, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	needle := strings.ToLower(query)
	needleBytes := []byte(needle)

	var (
		mu      sync.Mutex
		matches []string
		misses  int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)

	for _, path := range idx.Paths() {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			if strings.Contains(strings.ToLower(path), needle) {
				mu.Lock()
				matches = append(matches, path)
				mu.Unlock()
				return nil
			}

			versions, _ := idx.History(path)
			for _, v := range versions {
				if err := gctx.Err(); err != nil {
					return err
				}
				data, err := e.fetcher.Fetch(gctx, idx.Root(), v.Locator)
				if err != nil {
					if ctxErr := gctx.Err(); ctxErr != nil {
						return ctxErr
					}
					mu.Lock()
					misses++
					mu.Unlock()
					continue
				}
				if bytes.Contains(bytes.ToLower(data), needleBytes) {
					mu.Lock()
					matches = append(matches, path)
					mu.Unlock()
					return nil
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Strings(matches)
	e.logger.Debug("search complete", "query", query, "matches", len(matches), "read_misses", misses)

	if matches == nil {
		matches = []string{}
	}
	return matches, nil
}
