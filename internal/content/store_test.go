package content

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"histex/internal/history"
	"histex/internal/testutil"
)

func TestStore_Fetch(t *testing.T) {
	_, root := testutil.NewHome(t)
	testutil.WriteFolder(t, root, "a1", "file:///home/u/x.ts",
		testutil.Snapshot{ID: "v1", Timestamp: 1, Content: testutil.Text("hello\nworld\n")},
		testutil.Snapshot{ID: "empty", Timestamp: 2, Content: testutil.Text("")},
	)

	store := NewStore(nil)
	ctx := context.Background()

	data, err := store.Fetch(ctx, root, history.Locator{Folder: "a1", ID: "v1"})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if string(data) != "hello\nworld\n" {
		t.Errorf("Unexpected content %q", data)
	}

	empty, err := store.Fetch(ctx, root, history.Locator{Folder: "a1", ID: "empty"})
	if err != nil {
		t.Fatalf("Fetch of empty snapshot failed: %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Errorf("Expected empty non-nil content, got %#v", empty)
	}
}

func TestStore_FetchNotFound(t *testing.T) {
	_, root := testutil.NewHome(t)
	testutil.WriteFolder(t, root, "a1", "file:///home/u/x.ts",
		testutil.Snapshot{ID: "v1", Timestamp: 1, Content: testutil.Text("x")},
	)
	if err := os.MkdirAll(filepath.Join(root, "a1", "dir"), 0755); err != nil {
		t.Fatal(err)
	}

	store := NewStore(nil)
	tests := []history.Locator{
		{Folder: "a1", ID: "missing"},
		{Folder: "nope", ID: "v1"},
		{Folder: "a1", ID: "dir"},
		{Folder: "..", ID: "v1"},
		{Folder: "a1", ID: "../a1/v1"},
	}

	for _, loc := range tests {
		_, err := store.Fetch(context.Background(), root, loc)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Fetch(%s) error = %v, want ErrNotFound", loc, err)
		}
	}
}

func TestStore_FetchAfterDeletion(t *testing.T) {
	_, root := testutil.NewHome(t)
	testutil.WriteFolder(t, root, "a1", "file:///home/u/x.ts",
		testutil.Snapshot{ID: "v1", Timestamp: 1, Content: testutil.Text("x")},
	)

	if err := os.Remove(filepath.Join(root, "a1", "v1")); err != nil {
		t.Fatal(err)
	}

	_, err := NewStore(nil).Fetch(context.Background(), root, history.Locator{Folder: "a1", ID: "v1"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after deletion, got %v", err)
	}
}

func TestHash(t *testing.T) {
	a := Hash([]byte("same"))
	if len(a) != 32 {
		t.Errorf("Expected 32 hex chars, got %d", len(a))
	}
	if a != Hash([]byte("same")) {
		t.Error("Hash should be deterministic")
	}
	if a == Hash([]byte("other")) {
		t.Error("Different content should hash differently")
	}
}
