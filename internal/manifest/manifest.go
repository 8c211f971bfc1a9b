// internal/manifest/manifest.go
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// FileName is the manifest file kept in every history folder
const FileName = "entries.json"

// ErrSkip marks a folder that contributes nothing to the index
var ErrSkip = errors.New("manifest skipped")

// Entry is one recorded version as listed in the manifest
type Entry struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
	Size      *int64 `json:"size,omitempty"`
	Source    string `json:"source,omitempty"`
}

// Manifest is the parsed content of entries.json
type Manifest struct {
	Version  int     `json:"version,omitempty"`
	Resource string  `json:"resource"`
	Entries  []Entry `json:"entries"`
}

// Read parses the manifest in folder. Every failure wraps ErrSkip so callers can
// treat the folder as absent without inspecting the cause.
func Read(folder string) (*Manifest, error) {
	path := filepath.Join(folder, FileName)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrSkip, path, err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrSkip, path, err)
	}

	if strings.TrimSpace(m.Resource) == "" {
		return nil, fmt.Errorf("%w: %s has no resource", ErrSkip, path)
	}

	// Entries must name a snapshot file directly inside the folder
	entries := m.Entries[:0]
	for _, e := range m.Entries {
		if ValidID(e.ID) {
			entries = append(entries, e)
		}
	}
	m.Entries = entries

	if len(m.Entries) == 0 {
		return nil, fmt.Errorf("%w: %s has no entries", ErrSkip, path)
	}

	return &m, nil
}

// DecodeResource turns the manifest resource URI into the original file path:
// the scheme prefix is stripped and the remainder percent-decoded.
func DecodeResource(resource string) (string, error) {
	rest := resource
	if i := strings.Index(rest, "://"); i > 0 && isScheme(rest[:i]) {
		rest = rest[i+len("://"):]
	}

	decoded, err := url.PathUnescape(rest)
	if err != nil {
		return "", fmt.Errorf("decode resource %q: %w", resource, err)
	}
	if decoded == "" {
		return "", fmt.Errorf("decode resource %q: empty path", resource)
	}
	return decoded, nil
}

// ValidID reports whether id names a single file inside a history folder
func ValidID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, `/\`) && !strings.ContainsRune(id, 0)
}

func isScheme(s string) bool {
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && (r >= '0' && r <= '9' || r == '+' || r == '-' || r == '.'):
		default:
			return false
		}
	}
	return true
}
