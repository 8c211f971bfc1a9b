// app.go
package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"histex/internal/checkpoint"
	"histex/internal/config"
	"histex/internal/content"
	"histex/internal/database"
	"histex/internal/diff"
	"histex/internal/eventhub"
	"histex/internal/export"
	"histex/internal/history"
	"histex/internal/pathguard"
	"histex/internal/search"
	"histex/internal/watcher"
)

const (
	// backupLevel is the zstd level for restore backups
	backupLevel = 3
	// runRetention bounds how long export runs stay in the database
	runRetention = 90 * 24 * time.Hour
)

// App struct contains the core application state and managers
type App struct {
	config *config.Config
	logger *slog.Logger

	guard    *pathguard.Guard
	cache    *history.Cache
	store    *content.Store
	searcher *search.Engine
	differ   *diff.Engine
	exporter *export.Exporter
	format   export.Format
	backups  *checkpoint.Manager

	dbManager *database.Database
	eventHub  *eventhub.EventHub
	watchers  *watcher.Manager

	searchMu     sync.Mutex
	searchCancel context.CancelFunc
	searchSeq    uint64
}

// NewApp wires the engines for cfg. db may be nil, in which case runs and the
// last used root are not persisted.
func NewApp(cfg *config.Config, guard *pathguard.Guard, db *database.Database, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	settings := cfg.Settings
	if settings == nil {
		settings = config.DefaultSettings()
	}

	store := content.NewStore(logger)
	indexer := history.NewIndexer(history.Options{Workers: settings.Workers, Logger: logger})
	format, err := export.ParseFormat(settings.ArchiveFormat)
	if err != nil {
		format = export.FormatZip
	}

	a := &App{
		config:    cfg,
		logger:    logger,
		guard:     guard,
		cache:     history.NewCache(indexer),
		store:     store,
		searcher:  search.NewEngine(store, settings.Workers, logger),
		differ:    diff.NewEngine(store, logger),
		exporter:  export.New(store, []string{guard.Home(), cfg.HomeDir}, settings.Workers, logger),
		format:    format,
		dbManager: db,
		eventHub:  eventhub.New(),
	}

	if db != nil {
		if n, err := db.DeleteExportRunsBefore(time.Now().Add(-runRetention)); err != nil {
			logger.Warn("failed to prune export runs", "err", err)
		} else if n > 0 {
			logger.Debug("pruned export runs", "count", n)
		}
	}

	if cfg.BackupDir != "" {
		storage, err := checkpoint.NewStorage(cfg.BackupDir, backupLevel)
		if err != nil {
			logger.Warn("restore backups disabled", "err", err)
		} else {
			a.backups = checkpoint.NewManager(storage, logger)
		}
	}

	if settings.Watch {
		a.watchers = watcher.NewManager(watcher.DefaultDebounce, a.onStoreChanged, logger)
	}
	return a
}

// SetBroadcaster connects the event hub to the websocket server
func (a *App) SetBroadcaster(b eventhub.Broadcaster) {
	a.eventHub.SetBroadcaster(b)
}

// Shutdown stops watchers and any running search, then closes the database
func (a *App) Shutdown(ctx context.Context) {
	a.searchMu.Lock()
	if a.searchCancel != nil {
		a.searchCancel()
		a.searchCancel = nil
	}
	a.searchMu.Unlock()

	if a.watchers != nil {
		a.watchers.Close()
	}

	if a.dbManager != nil {
		if err := a.dbManager.Close(); err != nil {
			a.logger.Warn("failed to close database", "err", err)
		}
	}
}

// onStoreChanged drops the cached index for the root and tells clients
func (a *App) onStoreChanged(e watcher.Event) {
	a.cache.Invalidate(e.Root)
	a.logger.Debug("history store changed", "root", e.Root, "folders", len(e.Folders))
	a.eventHub.EmitHistoryChanged(eventhub.HistoryChangedEvent{Root: e.Root, Folders: e.Folders})
}

// resolveRoot guards a caller supplied root and remembers it
func (a *App) resolveRoot(root string) (string, error) {
	resolved, err := a.guard.Resolve(root)
	if err != nil {
		return "", err
	}

	if a.dbManager != nil {
		if last, err := a.dbManager.GetLastRoot(); err == nil && last != resolved {
			if err := a.dbManager.SetLastRoot(resolved); err != nil {
				a.logger.Warn("failed to save last root", "err", err)
			}
		}
	}

	if a.watchers != nil && !a.watchers.Watching(resolved) {
		if err := a.watchers.Watch(resolved); err != nil {
			a.logger.Debug("not watching history root", "root", resolved, "err", err)
		}
	}
	return resolved, nil
}

// index returns the cached index for a guarded root
func (a *App) index(ctx context.Context, root string) (string, *history.Index, error) {
	resolved, err := a.resolveRoot(root)
	if err != nil {
		return "", nil, err
	}
	idx, err := a.cache.Get(ctx, resolved)
	if err != nil {
		return "", nil, err
	}
	return resolved, idx, nil
}

// beginSearch cancels the previous search and returns a context for the next
func (a *App) beginSearch(ctx context.Context) (context.Context, func()) {
	a.searchMu.Lock()
	defer a.searchMu.Unlock()

	if a.searchCancel != nil {
		a.searchCancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	a.searchSeq++
	seq := a.searchSeq
	a.searchCancel = cancel

	return ctx, func() {
		a.searchMu.Lock()
		if a.searchSeq == seq {
			a.searchCancel = nil
		}
		a.searchMu.Unlock()
		cancel()
	}
}

// recordRun persists a finished run and emits its event
func (a *App) recordRun(kind, root, destination string, format export.Format, report *export.Report) {
	event := eventhub.RunFinishedEvent{
		ID:          report.ID,
		Root:        root,
		Destination: destination,
		Succeeded:   len(report.Succeeded),
		Failed:      len(report.Failed),
	}
	if kind == database.KindRestore {
		a.eventHub.EmitRestoreFinished(event)
	} else {
		a.eventHub.EmitExportFinished(event)
	}

	if report.Partial() {
		a.cache.Invalidate(root)
	}

	if a.dbManager == nil {
		return
	}
	failures := make([]database.RunFailure, 0, len(report.Failed))
	for _, f := range report.Failed {
		failures = append(failures, database.RunFailure{Path: f.Path, Reason: f.Reason})
	}
	run := &database.ExportRun{
		ID:          report.ID,
		Kind:        kind,
		Root:        root,
		Destination: destination,
		Format:      string(format),
		Succeeded:   len(report.Succeeded),
		Failed:      len(report.Failed),
		Failures:    failures,
	}
	if err := a.dbManager.RecordExportRun(run); err != nil {
		a.logger.Warn("failed to record export run", "id", report.ID, "err", err)
	}
}
