package git

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// setupTestRepo creates a temporary git repository for testing
func setupTestRepo(t *testing.T) (string, *git.Repository) {
	t.Helper()

	dir, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to resolve temp dir: %v", err)
	}

	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("Failed to init git repo: %v", err)
	}
	return dir, repo
}

// commitFile creates a file and commits it
func commitFile(t *testing.T, repo *git.Repository, repoPath, filename, content string) {
	t.Helper()

	filePath := filepath.Join(repoPath, filename)
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if err := os.WriteFile(filePath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("Failed to get worktree: %v", err)
	}
	if _, err := wt.Add(filename); err != nil {
		t.Fatalf("Failed to add file: %v", err)
	}
	_, err = wt.Commit("Add "+filename, &git.CommitOptions{
		Author: &object.Signature{Name: "Test User", Email: "test@example.com", When: time.Now()},
	})
	if err != nil {
		t.Fatalf("Failed to commit file: %v", err)
	}
}

func TestOpen(t *testing.T) {
	repoPath, _ := setupTestRepo(t)

	repo, err := Open(repoPath)
	if err != nil {
		t.Fatalf("Failed to open repository: %v", err)
	}
	if repo.Root() != repoPath {
		t.Errorf("Expected root %s, got %s", repoPath, repo.Root())
	}
}

func TestOpenNonExistentRepo(t *testing.T) {
	if _, err := Open(t.TempDir()); err == nil {
		t.Error("Expected error when opening non-git directory")
	}
}

func TestLocate_FromNestedMissingFile(t *testing.T) {
	repoPath, _ := setupTestRepo(t)
	if err := os.MkdirAll(filepath.Join(repoPath, "src"), 0755); err != nil {
		t.Fatal(err)
	}

	repo, err := Locate(filepath.Join(repoPath, "src", "gone", "file.go"))
	if err != nil {
		t.Fatalf("Locate failed: %v", err)
	}
	if repo.Root() != repoPath {
		t.Errorf("Expected root %s, got %s", repoPath, repo.Root())
	}
}

func TestLocate_NotInRepo(t *testing.T) {
	_, err := Locate(filepath.Join(t.TempDir(), "file.txt"))
	if !errors.Is(err, ErrNotInRepo) {
		t.Errorf("Expected ErrNotInRepo, got %v", err)
	}
}

func TestHeadFile(t *testing.T) {
	repoPath, gr := setupTestRepo(t)
	commitFile(t, gr, repoPath, "pkg/main.go", "package main\n")

	// Working copy changes must not affect the HEAD content
	if err := os.WriteFile(filepath.Join(repoPath, "pkg", "main.go"), []byte("changed\n"), 0644); err != nil {
		t.Fatal(err)
	}

	repo, err := Locate(filepath.Join(repoPath, "pkg", "main.go"))
	if err != nil {
		t.Fatalf("Locate failed: %v", err)
	}

	head, err := repo.HeadFile(filepath.Join(repoPath, "pkg", "main.go"))
	if err != nil {
		t.Fatalf("HeadFile failed: %v", err)
	}
	if string(head.Content) != "package main\n" {
		t.Errorf("Unexpected content %q", head.Content)
	}
	if head.Path != "pkg/main.go" || len(head.Commit) != 40 {
		t.Errorf("Unexpected head file %+v", head)
	}

	status, err := repo.FileStatus(filepath.Join(repoPath, "pkg", "main.go"))
	if err != nil {
		t.Fatalf("FileStatus failed: %v", err)
	}
	if status != "modified" {
		t.Errorf("Expected modified, got %s", status)
	}
}

func TestHeadFile_NotCommitted(t *testing.T) {
	repoPath, gr := setupTestRepo(t)

	repo, err := Open(repoPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if _, err := repo.HeadFile(filepath.Join(repoPath, "a.txt")); !errors.Is(err, ErrNotCommitted) {
		t.Errorf("Expected ErrNotCommitted on empty repo, got %v", err)
	}

	commitFile(t, gr, repoPath, "a.txt", "a")
	if _, err := repo.HeadFile(filepath.Join(repoPath, "b.txt")); !errors.Is(err, ErrNotCommitted) {
		t.Errorf("Expected ErrNotCommitted for missing file, got %v", err)
	}
}

func TestHeadFile_OutsideRepo(t *testing.T) {
	repoPath, _ := setupTestRepo(t)
	repo, err := Open(repoPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if _, err := repo.HeadFile(filepath.Join(filepath.Dir(repoPath), "elsewhere.txt")); !errors.Is(err, ErrNotInRepo) {
		t.Errorf("Expected ErrNotInRepo, got %v", err)
	}
}

func TestFileStatus_Untracked(t *testing.T) {
	repoPath, gr := setupTestRepo(t)
	commitFile(t, gr, repoPath, "a.txt", "a")
	if err := os.WriteFile(filepath.Join(repoPath, "new.txt"), []byte("n"), 0644); err != nil {
		t.Fatal(err)
	}

	repo, _ := Open(repoPath)
	status, err := repo.FileStatus(filepath.Join(repoPath, "new.txt"))
	if err != nil {
		t.Fatalf("FileStatus failed: %v", err)
	}
	if status != "untracked" {
		t.Errorf("Expected untracked, got %s", status)
	}

	status, _ = repo.FileStatus(filepath.Join(repoPath, "a.txt"))
	if status != "unmodified" {
		t.Errorf("Expected unmodified, got %s", status)
	}
}
