// Package testutil builds history store fixtures for tests.
package testutil

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

// Snapshot describes one version written into a fixture folder.
// A nil Content lists the version in the manifest without creating its file.
type Snapshot struct {
	ID        string
	Timestamp int64
	Source    string
	Content   *string
}

// Text returns a pointer to s for Snapshot.Content
func Text(s string) *string { return &s }

// NewHome creates a fake home directory containing an empty store root.
// It returns the home and the store root.
func NewHome(t *testing.T) (string, string) {
	t.Helper()

	home := filepath.Join(t.TempDir(), "home", "u")
	root := filepath.Join(home, ".config", "Code", "User", "History")
	if err := os.MkdirAll(root, 0755); err != nil {
		t.Fatalf("Failed to create store root: %v", err)
	}

	// Canonical form so comparisons with guarded roots hold on symlinked temp dirs
	resolved, err := filepath.EvalSymlinks(home)
	if err != nil {
		t.Fatalf("Failed to resolve home: %v", err)
	}
	return resolved, filepath.Join(resolved, ".config", "Code", "User", "History")
}

// WriteFolder writes a history folder with an entries.json manifest for resource
func WriteFolder(t *testing.T, root, folder, resource string, snapshots ...Snapshot) {
	t.Helper()

	dir := filepath.Join(root, folder)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("Failed to create folder %s: %v", folder, err)
	}

	type entry struct {
		ID        string `json:"id"`
		Timestamp int64  `json:"timestamp"`
		Source    string `json:"source,omitempty"`
	}
	manifest := struct {
		Version  int     `json:"version"`
		Resource string  `json:"resource"`
		Entries  []entry `json:"entries"`
	}{Version: 1, Resource: resource}

	for _, s := range snapshots {
		manifest.Entries = append(manifest.Entries, entry{ID: s.ID, Timestamp: s.Timestamp, Source: s.Source})
		if s.Content != nil {
			if err := os.WriteFile(filepath.Join(dir, s.ID), []byte(*s.Content), 0644); err != nil {
				t.Fatalf("Failed to write snapshot %s: %v", s.ID, err)
			}
		}
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		t.Fatalf("Failed to marshal manifest: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "entries.json"), data, 0644); err != nil {
		t.Fatalf("Failed to write manifest: %v", err)
	}
}

// WriteRaw writes an arbitrary entries.json into folder
func WriteRaw(t *testing.T, root, folder, manifest string) {
	t.Helper()

	dir := filepath.Join(root, folder)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("Failed to create folder %s: %v", folder, err)
	}
	if err := os.WriteFile(filepath.Join(dir, "entries.json"), []byte(manifest), 0644); err != nil {
		t.Fatalf("Failed to write manifest: %v", err)
	}
}
