package git

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

var (
	// ErrNotInRepo means no enclosing repository was found
	ErrNotInRepo = errors.New("not inside a git repository")
	// ErrNotCommitted means HEAD has no such file, or there is no HEAD yet
	ErrNotCommitted = errors.New("file not committed at HEAD")
)

// Repo represents a Git repository
type Repo struct {
	root string
	repo *git.Repository
}

// HeadFile is a file's committed content at HEAD
type HeadFile struct {
	Path      string `json:"path"`
	Commit    string `json:"commit"`
	Timestamp int64  `json:"timestamp"` // committer time, ms epoch
	Content   []byte `json:"-"`
}

// Open opens a git repository at the given path
func Open(path string) (*Repo, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open git repository: %w", err)
	}
	return newRepo(repo)
}

// Locate finds the repository enclosing path. path need not exist; the
// search starts at its deepest existing ancestor.
func Locate(path string) (*Repo, error) {
	dir, err := existingDir(path)
	if err != nil {
		return nil, err
	}

	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("%w: %s", ErrNotInRepo, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open git repository: %w", err)
	}
	return newRepo(repo)
}

func newRepo(repo *git.Repository) (*Repo, error) {
	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("failed to get worktree: %w", err)
	}
	root, err := filepath.EvalSymlinks(wt.Filesystem.Root())
	if err != nil {
		return nil, fmt.Errorf("failed to resolve worktree root: %w", err)
	}
	return &Repo{root: root, repo: repo}, nil
}

// Root returns the worktree root
func (r *Repo) Root() string {
	return r.root
}

// HeadFile returns the content of path as committed at HEAD
func (r *Repo) HeadFile(path string) (*HeadFile, error) {
	rel, err := r.relative(path)
	if err != nil {
		return nil, err
	}

	ref, err := r.repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, fmt.Errorf("%w: repository has no commits", ErrNotCommitted)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve HEAD: %w", err)
	}

	commit, err := r.repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("failed to read HEAD commit: %w", err)
	}

	f, err := commit.File(rel)
	if errors.Is(err, object.ErrFileNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotCommitted, rel)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s at HEAD: %w", rel, err)
	}

	contents, err := f.Contents()
	if err != nil {
		return nil, fmt.Errorf("failed to read blob for %s: %w", rel, err)
	}

	return &HeadFile{
		Path:      rel,
		Commit:    ref.Hash().String(),
		Timestamp: commit.Committer.When.UnixMilli(),
		Content:   []byte(contents),
	}, nil
}

// FileStatus returns the worktree status of path: "unmodified", "modified",
// "untracked" and so on
func (r *Repo) FileStatus(path string) (string, error) {
	rel, err := r.relative(path)
	if err != nil {
		return "", err
	}

	wt, err := r.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("failed to get worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return "", fmt.Errorf("failed to get status: %w", err)
	}

	fs, ok := status[rel]
	if !ok {
		return mapStatusCode(git.Unmodified), nil
	}
	if fs.Worktree != git.Unmodified {
		return mapStatusCode(fs.Worktree), nil
	}
	return mapStatusCode(fs.Staging), nil
}

// relative maps an absolute path to a slash-separated path inside the
// worktree
func (r *Repo) relative(path string) (string, error) {
	resolved, err := resolve(path)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(r.root, resolved)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s is outside %s", ErrNotInRepo, path, r.root)
	}
	return filepath.ToSlash(rel), nil
}

// mapStatusCode converts go-git status codes to human-readable strings
func mapStatusCode(code git.StatusCode) string {
	switch code {
	case git.Unmodified:
		return "unmodified"
	case git.Untracked:
		return "untracked"
	case git.Modified:
		return "modified"
	case git.Added:
		return "added"
	case git.Deleted:
		return "deleted"
	case git.Renamed:
		return "renamed"
	case git.Copied:
		return "copied"
	case git.UpdatedButUnmerged:
		return "updated-but-unmerged"
	default:
		return "unknown"
	}
}

// resolve canonicalizes path through its deepest existing ancestor
func resolve(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		return real, nil
	}
	parent := filepath.Dir(abs)
	if parent == abs {
		return abs, nil
	}
	realParent, err := resolve(parent)
	if err != nil {
		return "", err
	}
	return filepath.Join(realParent, filepath.Base(abs)), nil
}

func existingDir(path string) (string, error) {
	p, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for {
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			return p, nil
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", fmt.Errorf("%w: %s", ErrNotInRepo, path)
		}
		p = parent
	}
}
