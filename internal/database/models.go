// internal/database/models.go
package database

import "time"

// Run kinds
const (
	KindBundle  = "bundle"
	KindRestore = "restore"
)

// Setting stores application settings
type Setting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RunFailure is one path that could not be exported or restored
type RunFailure struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// ExportRun records a finished bundle or restore
type ExportRun struct {
	ID          string       `json:"id"`
	Kind        string       `json:"kind"`
	Root        string       `json:"root"`
	Destination string       `json:"destination,omitempty"`
	Format      string       `json:"format,omitempty"`
	Succeeded   int          `json:"succeeded"`
	Failed      int          `json:"failed"`
	Failures    []RunFailure `json:"failures"`
	CreatedAt   time.Time    `json:"created_at"`
}
