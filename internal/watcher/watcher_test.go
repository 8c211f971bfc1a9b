package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func tempRoot(t *testing.T) string {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to resolve temp dir: %v", err)
	}
	return root
}

func waitEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(3 * time.Second):
		t.Fatal("Timed out waiting for event")
		return Event{}
	}
}

func TestNew(t *testing.T) {
	root := tempRoot(t)

	w, err := New(root, 100*time.Millisecond, func(e Event) {}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer w.Close()

	if w.Root() != root {
		t.Errorf("Expected root %s, got %s", root, w.Root())
	}
}

func TestNewInvalidPath(t *testing.T) {
	_, err := New("/nonexistent/path/that/does/not/exist", 100*time.Millisecond, func(e Event) {}, nil)
	if err == nil {
		t.Fatal("New() should return error for invalid path")
	}
}

func TestStartTwice(t *testing.T) {
	w, err := New(tempRoot(t), 50*time.Millisecond, func(e Event) {}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer w.Close()

	if err := w.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := w.Start(); err == nil {
		t.Error("Second Start() should fail")
	}
}

func TestStartAfterClose(t *testing.T) {
	w, err := New(tempRoot(t), 50*time.Millisecond, func(e Event) {}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("Second Close() should be a no-op, got %v", err)
	}
	if err := w.Start(); err == nil {
		t.Error("Start() after Close() should fail")
	}
}

func TestManifestWriteInExistingFolder(t *testing.T) {
	root := tempRoot(t)
	folder := filepath.Join(root, "a1")
	if err := os.Mkdir(folder, 0755); err != nil {
		t.Fatal(err)
	}

	events := make(chan Event, 4)
	w, err := New(root, 50*time.Millisecond, func(e Event) { events <- e }, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer w.Close()
	if err := w.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := os.WriteFile(filepath.Join(folder, "entries.json"), []byte("{}"), 0644); err != nil {
		t.Fatal(err)
	}

	e := waitEvent(t, events)
	if e.Root != root {
		t.Errorf("Expected root %s, got %s", root, e.Root)
	}
	if len(e.Folders) != 1 || e.Folders[0] != "a1" {
		t.Errorf("Expected folders [a1], got %v", e.Folders)
	}
}

func TestNewFolderIsWatched(t *testing.T) {
	root := tempRoot(t)

	events := make(chan Event, 8)
	w, err := New(root, 50*time.Millisecond, func(e Event) { events <- e }, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer w.Close()
	if err := w.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	folder := filepath.Join(root, "b2")
	if err := os.Mkdir(folder, 0755); err != nil {
		t.Fatal(err)
	}
	e := waitEvent(t, events)
	if len(e.Folders) != 1 || e.Folders[0] != "b2" || e.Type != EventCreate {
		t.Errorf("Unexpected create event %+v", e)
	}

	if err := os.WriteFile(filepath.Join(folder, "x1.txt"), []byte("v1"), 0644); err != nil {
		t.Fatal(err)
	}
	e = waitEvent(t, events)
	if len(e.Folders) != 1 || e.Folders[0] != "b2" {
		t.Errorf("Expected write in new folder to be reported, got %+v", e)
	}
}

func TestBurstIsCoalesced(t *testing.T) {
	root := tempRoot(t)
	for _, name := range []string{"a", "b"} {
		if err := os.Mkdir(filepath.Join(root, name), 0755); err != nil {
			t.Fatal(err)
		}
	}

	events := make(chan Event, 8)
	w, err := New(root, 200*time.Millisecond, func(e Event) { events <- e }, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer w.Close()
	if err := w.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	for i := 0; i < 5; i++ {
		for _, name := range []string{"b", "a"} {
			p := filepath.Join(root, name, "entries.json")
			if err := os.WriteFile(p, []byte{byte('0' + i)}, 0644); err != nil {
				t.Fatal(err)
			}
		}
	}

	e := waitEvent(t, events)
	if len(e.Folders) != 2 || e.Folders[0] != "a" || e.Folders[1] != "b" {
		t.Errorf("Expected folders [a b], got %v", e.Folders)
	}

	select {
	case extra := <-events:
		t.Errorf("Expected a single coalesced event, got extra %+v", extra)
	case <-time.After(400 * time.Millisecond):
	}
}

func TestFolderOf(t *testing.T) {
	w := &StoreWatcher{root: "/r"}
	tests := map[string]string{
		"/r":                  "",
		"/r/a1":               "a1",
		"/r/a1/entries.json":  "a1",
		"/r/a1/deep/file.txt": "a1",
	}
	for in, want := range tests {
		if got := w.folderOf(in); got != want {
			t.Errorf("folderOf(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestManager_WatchUnwatch(t *testing.T) {
	root := tempRoot(t)
	events := make(chan Event, 4)

	m := NewManager(50*time.Millisecond, func(e Event) { events <- e }, nil)
	defer m.Close()

	if err := m.Watch(root); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	if err := m.Watch(root); err != nil {
		t.Fatalf("Second Watch() should be a no-op, got %v", err)
	}
	if !m.Watching(root) {
		t.Fatal("Expected root to be watched")
	}

	if err := os.Mkdir(filepath.Join(root, "c3"), 0755); err != nil {
		t.Fatal(err)
	}
	if e := waitEvent(t, events); e.Root != root {
		t.Errorf("Unexpected event %+v", e)
	}

	m.Unwatch(root)
	if m.Watching(root) {
		t.Error("Expected root to be unwatched")
	}

	if err := m.Watch(filepath.Join(root, "missing")); err == nil {
		t.Error("Watching a missing root should fail")
	}
}
