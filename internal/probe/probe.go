// Package probe lists well-known editor history store locations.
package probe

import (
	"os"
	"path/filepath"
	"runtime"
)

// editors are the user-data directory names of VS Code and its forks
var editors = []string{"Code", "Code - Insiders", "VSCodium", "Cursor", "Windsurf"}

// Candidates returns the history root locations for goos under home. getenv
// resolves APPDATA on Windows and XDG_CONFIG_HOME elsewhere.
func Candidates(goos, home string, getenv func(string) string) []string {
	var base string
	switch goos {
	case "darwin":
		base = filepath.Join(home, "Library", "Application Support")
	case "windows":
		base = getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
	default:
		base = getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
	}

	out := make([]string, 0, len(editors))
	for _, name := range editors {
		out = append(out, filepath.Join(base, name, "User", "History"))
	}
	return out
}

// Find returns the candidate roots for the running OS plus extras that exist
// as directories, in order and without duplicates.
func Find(home string, extras []string) []string {
	paths := append(Candidates(runtime.GOOS, home, os.Getenv), extras...)
	return existing(paths)
}

func existing(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	found := []string{}
	for _, p := range paths {
		p = filepath.Clean(p)
		if seen[p] {
			continue
		}
		seen[p] = true
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			found = append(found, p)
		}
	}
	return found
}
