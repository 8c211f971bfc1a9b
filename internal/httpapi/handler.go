// Package httpapi serves the history browser's REST endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"histex/internal/checkpoint"
	"histex/internal/content"
	"histex/internal/database"
	"histex/internal/diff"
	"histex/internal/export"
	"histex/internal/git"
	"histex/internal/history"
	"histex/internal/origin"
	"histex/internal/pathguard"
	"histex/internal/search"
)

// maxBodyBytes bounds JSON request bodies
const maxBodyBytes = 1 << 20

// Service is the application surface the handlers call
type Service interface {
	FindCandidateRoots() []string
	ListHistory(ctx context.Context, root string) (*history.Index, error)
	GetIndexStats(ctx context.Context, root string) (*history.Stats, error)
	ReadContent(ctx context.Context, root, folder, id string) ([]byte, error)
	Search(ctx context.Context, root, query string) ([]string, error)
	Diff(ctx context.Context, root, locatorA, locatorB string) (*diff.Result, error)
	DiffWithHead(ctx context.Context, root, folder, id string) (*diff.HeadDiff, error)
	ArchiveFormat() string
	ExportBundle(ctx context.Context, w io.Writer, root string, paths []string, format string) (*export.Report, error)
	Restore(ctx context.Context, root string, paths []string, destination string) (*export.Report, error)
	ListExportRuns(limit int) ([]*database.ExportRun, error)
	GetExportRun(id string) (*database.ExportRun, error)
	ListRestoreBackups() ([]checkpoint.Checkpoint, error)
	UndoRestore(id string) (*checkpoint.UndoResult, error)
	GetLastRoot() (string, error)
}

// Handler routes /api requests to a Service
type Handler struct {
	service Service
	origins *origin.Policy
	logger  *slog.Logger
	mux     *http.ServeMux
}

// New creates a Handler with all routes registered. Requests from browser
// origins the policy refuses get 403; a nil policy accepts only same-host
// loopback pages.
func New(service Service, origins *origin.Policy, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		service: service,
		origins: origins,
		logger:  logger.With("component", "httpapi"),
		mux:     http.NewServeMux(),
	}

	h.mux.HandleFunc("GET /api/history/find", h.HandleFind)
	h.mux.HandleFunc("GET /api/history/last", h.HandleLastRoot)
	h.mux.HandleFunc("GET /api/history/stats", h.HandleStats)
	h.mux.HandleFunc("GET /api/history", h.HandleHistory)
	h.mux.HandleFunc("GET /api/content/{folder}/{id}", h.HandleContent)
	h.mux.HandleFunc("GET /api/search", h.HandleSearch)
	h.mux.HandleFunc("GET /api/diff", h.HandleDiff)
	h.mux.HandleFunc("GET /api/diff/head", h.HandleDiffHead)
	h.mux.HandleFunc("POST /api/export", h.HandleExport)
	h.mux.HandleFunc("POST /api/restore", h.HandleRestore)
	h.mux.HandleFunc("GET /api/restore/backups", h.HandleBackups)
	h.mux.HandleFunc("POST /api/restore/{id}/undo", h.HandleUndo)
	h.mux.HandleFunc("GET /api/runs", h.HandleRuns)
	h.mux.HandleFunc("GET /api/runs/{id}", h.HandleRun)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.origins.Allowed(r) {
		h.logger.Warn("refused request from foreign origin", "origin", r.Header.Get("Origin"), "path", r.URL.Path)
		h.sendError(w, http.StatusForbidden, "origin not allowed")
		return
	}
	h.mux.ServeHTTP(w, r)
}

// errorResponse is the JSON body of every failed request
type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) sendError(w http.ResponseWriter, status int, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(errorResponse{Error: fmt.Sprintf(format, args...)}); err != nil {
		h.logger.Warn("writing JSON error response", "error", err, "status", status)
	}
}

// fail maps err onto a status code and sends it
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		h.logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	h.sendError(w, status, "%v", err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, pathguard.ErrUnsafePath):
		return http.StatusForbidden
	case errors.Is(err, content.ErrNotFound),
		errors.Is(err, checkpoint.ErrNotFound),
		errors.Is(err, database.ErrRunNotFound),
		errors.Is(err, history.ErrRootUnreadable),
		errors.Is(err, git.ErrNotInRepo),
		errors.Is(err, git.ErrNotCommitted):
		return http.StatusNotFound
	case errors.Is(err, search.ErrEmptyQuery),
		errors.Is(err, history.ErrInvalidLocator),
		errors.Is(err, export.ErrInvalidDestination),
		errors.Is(err, export.ErrUnsupportedFormat):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled):
		// superseded by a newer request
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON encodes value as JSON into w, setting the Content-Type header.
func (h *Handler) writeJSON(w http.ResponseWriter, value any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(value); err != nil {
		h.logger.Warn("writing JSON response", "error", err)
	}
}

// basePath reads the required root parameter
func (h *Handler) basePath(w http.ResponseWriter, r *http.Request, names ...string) (string, bool) {
	if len(names) == 0 {
		names = []string{"basePath"}
	}
	for _, name := range names {
		if v := r.URL.Query().Get(name); v != "" {
			return v, true
		}
	}
	h.sendError(w, http.StatusBadRequest, "No history path provided")
	return "", false
}

// HandleFind lists well-known history roots present on this machine
func (h *Handler) HandleFind(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.service.FindCandidateRoots())
}

// HandleLastRoot returns the root most recently opened
func (h *Handler) HandleLastRoot(w http.ResponseWriter, r *http.Request) {
	root, err := h.service.GetLastRoot()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, map[string]string{"root": root})
}

// versionView is a Version plus the URL of its content
type versionView struct {
	history.Version
	ContentURL string `json:"contentUrl"`
}

// HandleHistory returns path -> versions for basePath
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	root, ok := h.basePath(w, r)
	if !ok {
		return
	}

	idx, err := h.service.ListHistory(r.Context(), root)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	files := idx.Files()
	out := make(map[string][]versionView, len(files))
	for path, versions := range files {
		views := make([]versionView, len(versions))
		for i, v := range versions {
			views[i] = versionView{Version: v, ContentURL: contentURL(root, v.Locator)}
		}
		out[path] = views
	}
	h.writeJSON(w, out)
}

func contentURL(root string, loc history.Locator) string {
	return "/api/content/" + url.PathEscape(loc.Folder) + "/" + url.PathEscape(loc.ID) +
		"?basePath=" + url.QueryEscape(root)
}

// HandleStats returns index counts and skipped folders
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	root, ok := h.basePath(w, r)
	if !ok {
		return
	}
	stats, err := h.service.GetIndexStats(r.Context(), root)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, stats)
}

// HandleContent returns one snapshot as text. The ETag is the content hash.
func (h *Handler) HandleContent(w http.ResponseWriter, r *http.Request) {
	root, ok := h.basePath(w, r)
	if !ok {
		return
	}

	data, err := h.service.ReadContent(r.Context(), root, r.PathValue("folder"), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	etag := `"` + content.Hash(data) + `"`
	w.Header().Set("ETag", etag)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	if _, err := w.Write(data); err != nil {
		h.logger.Warn("writing content response", "error", err)
	}
}

// HandleSearch returns the paths matching query
func (h *Handler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	root, ok := h.basePath(w, r, "path", "basePath")
	if !ok {
		return
	}

	results, err := h.service.Search(r.Context(), root, r.URL.Query().Get("query"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, results)
}

// HandleDiff compares versions a and b, each given as folder/id
func (h *Handler) HandleDiff(w http.ResponseWriter, r *http.Request) {
	root, ok := h.basePath(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()

	result, err := h.service.Diff(r.Context(), root, q.Get("a"), q.Get("b"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, result)
}

// HandleDiffHead compares a version with the committed file at HEAD
func (h *Handler) HandleDiffHead(w http.ResponseWriter, r *http.Request) {
	root, ok := h.basePath(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()

	result, err := h.service.DiffWithHead(r.Context(), root, q.Get("folder"), q.Get("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, result)
}

// exportRequest is the body of POST /api/export and POST /api/restore
type exportRequest struct {
	BasePath    string   `json:"basePath"`
	Paths       []string `json:"paths"`
	Format      string   `json:"format,omitempty"`
	Destination string   `json:"destination,omitempty"`
}

func (h *Handler) decodeExport(w http.ResponseWriter, r *http.Request) (*exportRequest, bool) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		h.sendError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return nil, false
	}

	var req exportRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return nil, false
	}
	if req.BasePath == "" {
		h.sendError(w, http.StatusBadRequest, "No history path provided")
		return nil, false
	}
	if len(req.Paths) == 0 {
		h.sendError(w, http.StatusBadRequest, "paths is required")
		return nil, false
	}
	return &req, true
}

// Export trailers carrying the outcome after the archive body
const (
	trailerExportID          = "X-Export-Id"
	trailerExportFailed      = "X-Export-Failed"
	trailerExportFailedPaths = "X-Export-Failed-Paths"
)

// HandleExport streams an archive of the latest versions of the requested
// paths. The outcome is sent in trailers since the body is already streaming.
func (h *Handler) HandleExport(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeExport(w, r)
	if !ok {
		return
	}

	format, err := export.ParseFormat(req.Format)
	if req.Format == "" {
		format, err = export.ParseFormat(h.service.ArchiveFormat())
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}

	name := fmt.Sprintf("history-export-%s%s", time.Now().Format("20060102-150405"), format.Extension())
	lw := &lazyWriter{w: w, start: func() {
		w.Header().Set("Content-Type", format.ContentType())
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, name))
		w.Header().Set("Trailer", strings.Join([]string{trailerExportID, trailerExportFailed, trailerExportFailedPaths}, ", "))
		w.WriteHeader(http.StatusOK)
	}}

	report, err := h.service.ExportBundle(r.Context(), lw, req.BasePath, req.Paths, string(format))
	if err != nil {
		if !lw.started {
			h.fail(w, r, err)
			return
		}
		// Headers are gone; the truncated body is all the client gets
		h.logger.Warn("export aborted mid-stream", "error", err)
		return
	}

	lw.begin()
	w.Header().Set(trailerExportID, report.ID)
	w.Header().Set(trailerExportFailed, strconv.Itoa(len(report.Failed)))
	w.Header().Set(trailerExportFailedPaths, encodeFailedPaths(report.Failed))
}

// encodeFailedPaths renders failed paths as a comma separated list of
// query-escaped paths, so commas and spaces inside a path survive
func encodeFailedPaths(failed []export.Failure) string {
	parts := make([]string, len(failed))
	for i, f := range failed {
		parts[i] = url.QueryEscape(f.Path)
	}
	return strings.Join(parts, ",")
}

// lazyWriter delays the response header until the first byte of the archive
type lazyWriter struct {
	w       io.Writer
	start   func()
	started bool
}

func (l *lazyWriter) begin() {
	if !l.started {
		l.started = true
		l.start()
	}
}

func (l *lazyWriter) Write(p []byte) (int, error) {
	l.begin()
	return l.w.Write(p)
}

// HandleRestore writes the latest versions under the destination directory
func (h *Handler) HandleRestore(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeExport(w, r)
	if !ok {
		return
	}
	if req.Destination == "" {
		h.sendError(w, http.StatusBadRequest, "destination is required")
		return
	}

	report, err := h.service.Restore(r.Context(), req.BasePath, req.Paths, req.Destination)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, report)
}

// HandleBackups lists restores that can be undone
func (h *Handler) HandleBackups(w http.ResponseWriter, r *http.Request) {
	backups, err := h.service.ListRestoreBackups()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, backups)
}

// HandleUndo reverts the destination files written by a restore
func (h *Handler) HandleUndo(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.UndoRestore(r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, result)
}

// HandleRuns lists recent bundle and restore runs
func (h *Handler) HandleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.sendError(w, http.StatusBadRequest, "invalid limit %q", v)
			return
		}
		limit = n
	}

	runs, err := h.service.ListExportRuns(limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, runs)
}

// HandleRun returns one recorded run
func (h *Handler) HandleRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.service.GetExportRun(r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, run)
}
