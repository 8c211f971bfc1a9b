// internal/pathguard/guard.go
package pathguard

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnsafePath is returned when a candidate root resolves outside the home directory
var ErrUnsafePath = errors.New("unsafe path")

// Guard validates caller-supplied roots against a home directory
type Guard struct {
	home string
}

// New creates a Guard anchored at home. The home directory is canonicalized once.
func New(home string) (*Guard, error) {
	if home == "" {
		return nil, fmt.Errorf("home directory is empty")
	}
	canon, err := canonicalize(home)
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	return &Guard{home: canon}, nil
}

// Home returns the canonical home directory
func (g *Guard) Home() string {
	return g.home
}

// Resolve canonicalizes candidate and checks that it is the home directory or lies
// beneath it. The returned path is absolute with symlinks resolved.
func (g *Guard) Resolve(candidate string) (string, error) {
	if strings.TrimSpace(candidate) == "" {
		return "", fmt.Errorf("%w: empty path", ErrUnsafePath)
	}

	resolved, err := canonicalize(candidate)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrUnsafePath, candidate, err)
	}

	if !Within(g.home, resolved) {
		return "", fmt.Errorf("%w: %s is outside %s", ErrUnsafePath, resolved, g.home)
	}
	return resolved, nil
}

// Within reports whether target equals base or is a descendant of it.
// Both paths must already be clean and absolute.
func Within(base, target string) bool {
	if target == base {
		return true
	}
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// canonicalize normalizes separators, makes the path absolute, and follows symlinks.
// A path that does not exist yet is resolved as far as its deepest existing ancestor.
func canonicalize(p string) (string, error) {
	if filepath.Separator == '/' {
		p = strings.ReplaceAll(p, `\`, "/")
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err == nil {
		return resolved, nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}

	// Resolve the existing prefix so a symlinked parent cannot smuggle the path out.
	dir, base := filepath.Split(abs)
	dir = filepath.Clean(dir)
	if dir == abs {
		return abs, nil
	}
	parent, err := canonicalize(dir)
	if err != nil {
		return "", err
	}
	return filepath.Join(parent, base), nil
}
