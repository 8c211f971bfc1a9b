// internal/checkpoint/models.go
package checkpoint

import "time"

// Checkpoint records what a restore replaced under Destination
type Checkpoint struct {
	ID          string         `json:"id"`
	Destination string         `json:"destination"`
	CreatedAt   time.Time      `json:"createdAt"`
	Files       []FileSnapshot `json:"files"`
}

// FileSnapshot is the state of one destination file before a restore wrote
// it. Created files did not exist and have no content in the pool.
type FileSnapshot struct {
	Path        string `json:"path"`
	Hash        string `json:"hash,omitempty"`
	Created     bool   `json:"created"`
	Permissions uint32 `json:"permissions,omitempty"`
	Size        int64  `json:"size"`
}

// UndoResult lists the outcome of undoing a checkpoint
type UndoResult struct {
	Checkpoint *Checkpoint `json:"checkpoint"`
	Restored   []string    `json:"restored"`
	Removed    []string    `json:"removed"`
	Warnings   []string    `json:"warnings"`
}
