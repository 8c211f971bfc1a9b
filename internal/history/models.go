// internal/history/models.go
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"
)

// Locator identifies a snapshot file inside the store root
type Locator struct {
	Folder string `json:"folder"`
	ID     string `json:"id"`
}

// String renders the locator as folder/id
func (l Locator) String() string {
	return l.Folder + "/" + l.ID
}

// ErrInvalidLocator is returned for a locator not in folder/id form
var ErrInvalidLocator = errors.New("invalid locator")

// ParseLocator parses the folder/id form produced by String
func ParseLocator(s string) (Locator, error) {
	folder, id, ok := strings.Cut(s, "/")
	if !ok || folder == "" || id == "" || strings.Contains(id, "/") {
		return Locator{}, fmt.Errorf("%w: %q", ErrInvalidLocator, s)
	}
	return Locator{Folder: folder, ID: id}, nil
}

// Version represents one snapshot of a tracked file
type Version struct {
	ID        string  `json:"id"`
	Timestamp int64   `json:"timestamp"`
	Size      int64   `json:"size"`
	Source    string  `json:"source,omitempty"`
	Locator   Locator `json:"contentLocator"`
}

// Time returns the snapshot timestamp
func (v Version) Time() time.Time {
	return time.UnixMilli(v.Timestamp)
}

// FileHistory lists the versions of one file, most recent first
type FileHistory []Version

// SkippedFolder records a history folder that contributed nothing to an index
type SkippedFolder struct {
	Folder string `json:"folder"`
	Reason string `json:"reason"`
}

// Index maps original file paths to their histories. It is never modified after
// construction; accessors hand out copies.
type Index struct {
	root     string
	builtAt  time.Time
	files    map[string]FileHistory
	byLoc    map[Locator]string
	skipped  []SkippedFolder
	statMiss int
}

// NewIndex assembles an Index from per-path version lists. Empty lists are dropped
// and every history is sorted descending by timestamp, keeping input order on ties.
func NewIndex(root string, files map[string]FileHistory, skipped []SkippedFolder) *Index {
	idx := &Index{
		root:    root,
		builtAt: time.Now(),
		files:   make(map[string]FileHistory, len(files)),
		byLoc:   make(map[Locator]string),
		skipped: slices.Clone(skipped),
	}

	for path, versions := range files {
		if len(versions) == 0 {
			continue
		}
		sorted := slices.Clone(versions)
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].Timestamp > sorted[j].Timestamp
		})
		idx.files[path] = sorted
		for _, v := range sorted {
			idx.byLoc[v.Locator] = path
		}
	}

	return idx
}

// Root returns the store root the index was built from
func (idx *Index) Root() string { return idx.root }

// BuiltAt returns when the index was assembled
func (idx *Index) BuiltAt() time.Time { return idx.builtAt }

// Len returns the number of indexed files
func (idx *Index) Len() int { return len(idx.files) }

// Paths returns the indexed file paths in lexical order
func (idx *Index) Paths() []string {
	paths := make([]string, 0, len(idx.files))
	for p := range idx.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// History returns a copy of the versions recorded for path
func (idx *Index) History(path string) (FileHistory, bool) {
	h, ok := idx.files[path]
	if !ok {
		return nil, false
	}
	return slices.Clone(h), true
}

// Latest returns the most recent version of path
func (idx *Index) Latest(path string) (Version, bool) {
	h, ok := idx.files[path]
	if !ok {
		return Version{}, false
	}
	return h[0], true
}

// Lookup resolves a locator to its file path and version
func (idx *Index) Lookup(loc Locator) (string, Version, bool) {
	path, ok := idx.byLoc[loc]
	if !ok {
		return "", Version{}, false
	}
	for _, v := range idx.files[path] {
		if v.Locator == loc {
			return path, v, true
		}
	}
	return "", Version{}, false
}

// Files returns a deep copy of the path to history mapping
func (idx *Index) Files() map[string]FileHistory {
	out := make(map[string]FileHistory, len(idx.files))
	for p, h := range idx.files {
		out[p] = slices.Clone(h)
	}
	return out
}

// Skipped returns the folders left out of the index
func (idx *Index) Skipped() []SkippedFolder {
	return slices.Clone(idx.skipped)
}

// StatMisses returns how many versions were indexed with an unknown size
func (idx *Index) StatMisses() int { return idx.statMiss }

// Stats summarises an index
type Stats struct {
	Root       string          `json:"root"`
	Files      int             `json:"files"`
	Versions   int             `json:"versions"`
	StatMisses int             `json:"statMisses"`
	Skipped    []SkippedFolder `json:"skipped"`
	BuiltAt    time.Time       `json:"builtAt"`
}

// Stats returns counts and skipped folders
func (idx *Index) Stats() Stats {
	st := Stats{
		Root:       idx.root,
		Files:      len(idx.files),
		StatMisses: idx.statMiss,
		Skipped:    idx.Skipped(),
		BuiltAt:    idx.builtAt,
	}
	for _, h := range idx.files {
		st.Versions += len(h)
	}
	if st.Skipped == nil {
		st.Skipped = []SkippedFolder{}
	}
	return st
}

// MarshalJSON serializes the index as path -> versions
func (idx *Index) MarshalJSON() ([]byte, error) {
	return json.Marshal(idx.files)
}
