// internal/export/normalize.go
package export

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrEscapesRoot is returned when a path cannot be placed inside an export root
var ErrEscapesRoot = errors.New("path escapes export root")

// Normalize maps an original absolute file path to a tidy relative name.
// The longest matching home prefix is stripped (both separator styles are
// recognized); other paths lose their drive letter and leading slashes.
// Results that would climb out of the export root are rejected.
func Normalize(original string, homes ...string) (string, error) {
	p := toSlash(original)

	var rel string
	matched := 0
	for _, home := range homes {
		h := strings.TrimRight(toSlash(home), "/")
		if h == "" {
			continue
		}
		if p == h {
			return "", fmt.Errorf("%w: %s is the home directory", ErrEscapesRoot, original)
		}
		if strings.HasPrefix(p, h+"/") && len(h) > matched {
			rel = p[len(h)+1:]
			matched = len(h)
		}
	}
	if matched == 0 {
		rel = stripVolume(p)
	}

	rel = strings.TrimLeft(rel, "/")
	if rel == "" {
		return "", fmt.Errorf("%w: %s", ErrEscapesRoot, original)
	}

	rel = path.Clean(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%w: %s", ErrEscapesRoot, original)
	}
	return rel, nil
}

// toSlash converts backslashes to slashes, drops the leading slash that file
// URIs put in front of a drive letter and lowercases the drive letter
// ("/C:/x" becomes "c:/x")
func toSlash(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	if len(p) >= 3 && p[0] == '/' && isDrive(p[1:]) {
		p = p[1:]
	}
	if isDrive(p) {
		p = strings.ToLower(p[:1]) + p[1:]
	}
	return p
}

func stripVolume(p string) string {
	if isDrive(p) {
		return p[2:]
	}
	return p
}

func isDrive(p string) bool {
	if len(p) < 2 || p[1] != ':' {
		return false
	}
	c := p[0]
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
