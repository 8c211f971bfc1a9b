package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

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

// stubService returns canned values; err, when set, is returned by every
// call that can fail
type stubService struct {
	err       error
	idx       *history.Index
	content   map[string]string
	lastRoot  string
	lastQuery string
	lastPaths []string
	lastDest  string
	failed    []export.Failure
	runs      []*database.ExportRun
}

func (s *stubService) FindCandidateRoots() []string { return []string{"/home/u/.config/Code/User/History"} }

func (s *stubService) ListHistory(ctx context.Context, root string) (*history.Index, error) {
	s.lastRoot = root
	return s.idx, s.err
}

func (s *stubService) GetIndexStats(ctx context.Context, root string) (*history.Stats, error) {
	if s.err != nil {
		return nil, s.err
	}
	st := s.idx.Stats()
	return &st, nil
}

func (s *stubService) ReadContent(ctx context.Context, root, folder, id string) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	data, ok := s.content[folder+"/"+id]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", content.ErrNotFound, folder, id)
	}
	return []byte(data), nil
}

func (s *stubService) Search(ctx context.Context, root, query string) ([]string, error) {
	s.lastRoot, s.lastQuery = root, query
	if query == "" {
		return nil, search.ErrEmptyQuery
	}
	return []string{"/home/u/proj/a.go"}, s.err
}

func (s *stubService) Diff(ctx context.Context, root, a, b string) (*diff.Result, error) {
	if s.err != nil {
		return nil, s.err
	}
	if _, err := history.ParseLocator(a); err != nil {
		return nil, err
	}
	return diff.Between(diff.Side{Label: a, Timestamp: 1, Content: []byte("x\n")}, diff.Side{Label: b, Timestamp: 2, Content: []byte("y\n")}), nil
}

func (s *stubService) DiffWithHead(ctx context.Context, root, folder, id string) (*diff.HeadDiff, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &diff.HeadDiff{Path: "/p", Commit: "abc", Diff: &diff.Result{Identical: true}}, nil
}

func (s *stubService) ArchiveFormat() string { return "zip" }

func (s *stubService) ExportBundle(ctx context.Context, w io.Writer, root string, paths []string, format string) (*export.Report, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.lastPaths = paths
	if _, err := w.Write([]byte("ARCHIVE:" + format)); err != nil {
		return nil, err
	}
	failed := s.failed
	if failed == nil {
		failed = []export.Failure{{Path: "x", Reason: "gone"}}
	}
	return &export.Report{ID: "run-1", Succeeded: paths[:1], Failed: failed}, nil
}

func (s *stubService) Restore(ctx context.Context, root string, paths []string, destination string) (*export.Report, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.lastPaths, s.lastDest = paths, destination
	return &export.Report{ID: "run-2", Succeeded: paths, Failed: []export.Failure{}}, nil
}

func (s *stubService) ListExportRuns(limit int) ([]*database.ExportRun, error) {
	if limit > 0 && limit < len(s.runs) {
		return s.runs[:limit], nil
	}
	return s.runs, nil
}

func (s *stubService) ListRestoreBackups() ([]checkpoint.Checkpoint, error) {
	return []checkpoint.Checkpoint{{ID: "run-2", Destination: "/out", Files: []checkpoint.FileSnapshot{}}}, nil
}

func (s *stubService) UndoRestore(id string) (*checkpoint.UndoResult, error) {
	if id != "run-2" {
		return nil, checkpoint.ErrNotFound
	}
	return &checkpoint.UndoResult{Restored: []string{"a"}, Removed: []string{}, Warnings: []string{}}, nil
}

func (s *stubService) GetExportRun(id string) (*database.ExportRun, error) {
	for _, run := range s.runs {
		if run.ID == id {
			return run, nil
		}
	}
	return nil, database.ErrRunNotFound
}

func (s *stubService) GetLastRoot() (string, error) { return "/last", nil }

func newStub() *stubService {
	files := map[string]history.FileHistory{
		"/home/u/my proj/a.go": {
			{ID: "v2", Timestamp: 2000, Size: 3, Locator: history.Locator{Folder: "f1", ID: "v2"}},
			{ID: "v1", Timestamp: 1000, Size: 2, Locator: history.Locator{Folder: "f1", ID: "v1"}},
		},
	}
	return &stubService{
		idx:     history.NewIndex("/root", files, nil),
		content: map[string]string{"f1/v1": "hello"},
		runs:    []*database.ExportRun{{ID: "r2"}, {ID: "r1"}},
	}
}

func do(t *testing.T, h http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandleFind(t *testing.T) {
	rec := do(t, New(newStub(), nil, nil), "GET", "/api/history/find", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var roots []string
	json.Unmarshal(rec.Body.Bytes(), &roots)
	if len(roots) != 1 {
		t.Errorf("Unexpected roots %v", roots)
	}
}

func TestHandleHistory(t *testing.T) {
	svc := newStub()
	h := New(svc, nil, nil)

	rec := do(t, h, "GET", "/api/history", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without basePath, got %d", rec.Code)
	}

	rec = do(t, h, "GET", "/api/history?basePath="+url.QueryEscape("/root"), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if svc.lastRoot != "/root" {
		t.Errorf("Expected root /root, got %s", svc.lastRoot)
	}

	var out map[string][]struct {
		ID             string          `json:"id"`
		Timestamp      int64           `json:"timestamp"`
		ContentLocator history.Locator `json:"contentLocator"`
		ContentURL     string          `json:"contentUrl"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("Bad JSON: %v", err)
	}
	versions := out["/home/u/my proj/a.go"]
	if len(versions) != 2 || versions[0].ID != "v2" {
		t.Fatalf("Unexpected versions %+v", versions)
	}
	if versions[0].ContentURL != "/api/content/f1/v2?basePath=%2Froot" {
		t.Errorf("Unexpected content URL %s", versions[0].ContentURL)
	}
	if versions[0].ContentLocator.Folder != "f1" {
		t.Errorf("Unexpected locator %+v", versions[0].ContentLocator)
	}
}

func TestHandleContent(t *testing.T) {
	h := New(newStub(), nil, nil)

	rec := do(t, h, "GET", "/api/content/f1/v1?basePath=/root", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "hello" {
		t.Fatalf("Unexpected response %d %q", rec.Code, rec.Body)
	}
	etag := rec.Header().Get("ETag")
	if etag != `"`+content.Hash([]byte("hello"))+`"` {
		t.Errorf("Unexpected ETag %s", etag)
	}

	req := httptest.NewRequest("GET", "/api/content/f1/v1?basePath=/root", nil)
	req.Header.Set("If-None-Match", etag)
	cached := httptest.NewRecorder()
	h.ServeHTTP(cached, req)
	if cached.Code != http.StatusNotModified {
		t.Errorf("Expected 304, got %d", cached.Code)
	}

	rec = do(t, h, "GET", "/api/content/f1/missing?basePath=/root", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrap: %w", pathguard.ErrUnsafePath), http.StatusForbidden},
		{content.ErrNotFound, http.StatusNotFound},
		{history.ErrRootUnreadable, http.StatusNotFound},
		{git.ErrNotInRepo, http.StatusNotFound},
		{git.ErrNotCommitted, http.StatusNotFound},
		{export.ErrInvalidDestination, http.StatusBadRequest},
		{context.Canceled, http.StatusConflict},
		{fmt.Errorf("disk on fire"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			svc := newStub()
			svc.err = tt.err
			rec := do(t, New(svc, nil, nil), "GET", "/api/history?basePath=/x", nil)
			if rec.Code != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, rec.Code)
			}
			var body errorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body.Error == "" {
				t.Errorf("Expected JSON error body, got %q", rec.Body)
			}
		})
	}
}

func TestHandleSearch(t *testing.T) {
	svc := newStub()
	h := New(svc, nil, nil)

	rec := do(t, h, "GET", "/api/search?query=Foo&path=/root", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if svc.lastRoot != "/root" || svc.lastQuery != "Foo" {
		t.Errorf("Unexpected call root=%s query=%s", svc.lastRoot, svc.lastQuery)
	}

	rec = do(t, h, "GET", "/api/search?query=&basePath=/root", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for empty query, got %d", rec.Code)
	}

	rec = do(t, h, "GET", "/api/search?query=x", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without path, got %d", rec.Code)
	}
}

func TestHandleDiff(t *testing.T) {
	h := New(newStub(), nil, nil)

	rec := do(t, h, "GET", "/api/diff?basePath=/root&a=f1/v1&b=f1/v2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var result diff.Result
	json.Unmarshal(rec.Body.Bytes(), &result)
	if result.Identical || result.Added != 1 || result.Removed != 1 {
		t.Errorf("Unexpected result %+v", result)
	}

	rec = do(t, h, "GET", "/api/diff?basePath=/root&a=bad&b=f1/v2", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad locator, got %d", rec.Code)
	}

	rec = do(t, h, "GET", "/api/diff/head?basePath=/root&folder=f1&id=v1", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"commit":"abc"`) {
		t.Errorf("Unexpected head diff %d %s", rec.Code, rec.Body)
	}
}

func TestHandleExport(t *testing.T) {
	svc := newStub()
	h := New(svc, nil, nil)

	rec := do(t, h, "POST", "/api/export", exportRequest{BasePath: "/root", Paths: []string{"/a", "x"}, Format: "tar.zst"})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if rec.Body.String() != "ARCHIVE:tar.zst" {
		t.Errorf("Unexpected body %q", rec.Body)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, ".tar.zst") {
		t.Errorf("Unexpected Content-Disposition %s", cd)
	}
	res := rec.Result()
	if res.Trailer.Get(trailerExportFailed) != "1" || res.Trailer.Get(trailerExportID) != "run-1" {
		t.Errorf("Unexpected trailers %v", res.Trailer)
	}
	if res.Trailer.Get(trailerExportFailedPaths) != "x" {
		t.Errorf("Unexpected failed paths trailer %q", res.Trailer.Get(trailerExportFailedPaths))
	}

	rec = do(t, h, "POST", "/api/export", exportRequest{BasePath: "/root", Paths: []string{"/a"}})
	if rec.Body.String() != "ARCHIVE:zip" {
		t.Errorf("Expected default zip format, got %q", rec.Body)
	}

	rec = do(t, h, "POST", "/api/export", exportRequest{BasePath: "/root", Paths: []string{"/a"}, Format: "rar"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown format, got %d", rec.Code)
	}

	rec = do(t, h, "POST", "/api/export", exportRequest{BasePath: "/root"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without paths, got %d", rec.Code)
	}

	svc.err = pathguard.ErrUnsafePath
	rec = do(t, h, "POST", "/api/export", exportRequest{BasePath: "/etc", Paths: []string{"/a"}})
	if rec.Code != http.StatusForbidden {
		t.Errorf("Expected 403 before streaming, got %d", rec.Code)
	}
}

func TestHandleExport_FailedPathsTrailer(t *testing.T) {
	svc := newStub()
	svc.failed = []export.Failure{
		{Path: "/home/u/my proj/a,b.go", Reason: "not in history index"},
		{Path: "/home/u/x.go", Reason: "name proj/x.go already used"},
	}
	h := New(svc, nil, nil)

	rec := do(t, h, "POST", "/api/export", exportRequest{BasePath: "/root", Paths: []string{"/a"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if !strings.Contains(rec.Header().Get("Trailer"), trailerExportFailedPaths) {
		t.Errorf("Trailer header should announce %s, got %q", trailerExportFailedPaths, rec.Header().Get("Trailer"))
	}

	res := rec.Result()
	if res.Trailer.Get(trailerExportFailed) != "2" {
		t.Errorf("Expected 2 failures, got %q", res.Trailer.Get(trailerExportFailed))
	}
	var got []string
	for _, part := range strings.Split(res.Trailer.Get(trailerExportFailedPaths), ",") {
		p, err := url.QueryUnescape(part)
		if err != nil {
			t.Fatalf("Bad escaping in %q: %v", part, err)
		}
		got = append(got, p)
	}
	if len(got) != 2 || got[0] != "/home/u/my proj/a,b.go" || got[1] != "/home/u/x.go" {
		t.Errorf("Unexpected failed paths %q", got)
	}

	svc.failed = []export.Failure{}
	rec = do(t, h, "POST", "/api/export", exportRequest{BasePath: "/root", Paths: []string{"/a"}})
	if v := rec.Result().Trailer.Get(trailerExportFailedPaths); v != "" {
		t.Errorf("Expected empty failed paths trailer, got %q", v)
	}
}

func TestHandleRestore(t *testing.T) {
	svc := newStub()
	h := New(svc, nil, nil)

	rec := do(t, h, "POST", "/api/restore", exportRequest{BasePath: "/root", Paths: []string{"/a"}})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without destination, got %d", rec.Code)
	}

	rec = do(t, h, "POST", "/api/restore", exportRequest{BasePath: "/root", Paths: []string{"/a"}, Destination: "/out"})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if svc.lastDest != "/out" {
		t.Errorf("Unexpected destination %s", svc.lastDest)
	}
	var report export.Report
	json.Unmarshal(rec.Body.Bytes(), &report)
	if report.ID != "run-2" || len(report.Succeeded) != 1 {
		t.Errorf("Unexpected report %+v", report)
	}

	req := httptest.NewRequest("POST", "/api/restore", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	bad := httptest.NewRecorder()
	h.ServeHTTP(bad, req)
	if bad.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad JSON, got %d", bad.Code)
	}
}

func TestHandleUndo(t *testing.T) {
	h := New(newStub(), nil, nil)

	rec := do(t, h, "GET", "/api/restore/backups", nil)
	var backups []checkpoint.Checkpoint
	json.Unmarshal(rec.Body.Bytes(), &backups)
	if rec.Code != http.StatusOK || len(backups) != 1 || backups[0].ID != "run-2" {
		t.Errorf("Unexpected backups %d %+v", rec.Code, backups)
	}

	rec = do(t, h, "POST", "/api/restore/run-2/undo", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var result checkpoint.UndoResult
	json.Unmarshal(rec.Body.Bytes(), &result)
	if len(result.Restored) != 1 {
		t.Errorf("Unexpected undo result %+v", result)
	}

	rec = do(t, h, "POST", "/api/restore/other/undo", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown backup, got %d", rec.Code)
	}
}

func TestRestoreRequiresJSON(t *testing.T) {
	svc := newStub()
	h := New(svc, nil, nil)

	body := `{"basePath":"/root","paths":["/a"],"destination":"/out"}`
	req := httptest.NewRequest("POST", "/api/restore", strings.NewReader(body))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Errorf("Expected 415 for a text/plain body, got %d", rec.Code)
	}
	if svc.lastDest != "" {
		t.Errorf("Restore ran for a text/plain body: %s", svc.lastDest)
	}

	req = httptest.NewRequest("POST", "/api/restore", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 with a charset parameter, got %d", rec.Code)
	}
}

func TestRefusesForeignOrigin(t *testing.T) {
	svc := newStub()
	h := New(svc, nil, nil)

	for _, target := range []string{"/api/restore", "/api/history?basePath=/root"} {
		method := "GET"
		var body any
		if target == "/api/restore" {
			method = "POST"
			body = exportRequest{BasePath: "/root", Paths: []string{"/a"}, Destination: "/out"}
		}
		data, _ := json.Marshal(body)
		req := httptest.NewRequest(method, target, bytes.NewReader(data))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Origin", "https://evil.example")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Errorf("%s %s from a foreign origin: expected 403, got %d", method, target, rec.Code)
		}
	}
	if svc.lastDest != "" {
		t.Errorf("Restore ran for a foreign origin: %s", svc.lastDest)
	}

	listed := New(svc, origin.New([]string{"https://ui.example"}), nil)
	req := httptest.NewRequest("GET", "/api/history/find", nil)
	req.Header.Set("Origin", "https://ui.example")
	rec := httptest.NewRecorder()
	listed.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 for a listed origin, got %d", rec.Code)
	}
}

func TestHandleRuns(t *testing.T) {
	h := New(newStub(), nil, nil)

	rec := do(t, h, "GET", "/api/runs?limit=1", nil)
	var runs []database.ExportRun
	json.Unmarshal(rec.Body.Bytes(), &runs)
	if len(runs) != 1 || runs[0].ID != "r2" {
		t.Errorf("Unexpected runs %+v", runs)
	}

	rec = do(t, h, "GET", "/api/runs?limit=abc", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", rec.Code)
	}

	rec = do(t, h, "GET", "/api/runs/r2", nil)
	var run database.ExportRun
	json.Unmarshal(rec.Body.Bytes(), &run)
	if rec.Code != http.StatusOK || run.ID != "r2" {
		t.Errorf("Unexpected run %d %+v", rec.Code, run)
	}

	rec = do(t, h, "GET", "/api/runs/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown run, got %d", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	rec := do(t, New(newStub(), nil, nil), "DELETE", "/api/history?basePath=/root", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", rec.Code)
	}
}
