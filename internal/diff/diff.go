// internal/diff/diff.go
package diff

import (
	"bytes"
	"context"
	"log/slog"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"histex/internal/content"
	"histex/internal/history"
)

// Kind tags a chunk of lines
type Kind string

const (
	Unchanged Kind = "unchanged"
	Added     Kind = "added"
	Removed   Kind = "removed"
)

// Chunk is a run of lines sharing one Kind. Text keeps the original line endings.
type Chunk struct {
	Kind  Kind     `json:"kind"`
	Text  string   `json:"text"`
	Lines []string `json:"lines"`
}

// Side is one input of a comparison
type Side struct {
	Label     string
	Timestamp int64
	Content   []byte
}

// Meta describes a compared side in a Result
type Meta struct {
	Label     string `json:"label"`
	Timestamp int64  `json:"timestamp"`
	Hash      string `json:"hash"`
}

// Result is the outcome of comparing two versions. Identical is a success
// variant: callers render "no differences" instead of an empty view.
type Result struct {
	Identical bool    `json:"identical"`
	Older     Meta    `json:"older"`
	Newer     Meta    `json:"newer"`
	Chunks    []Chunk `json:"chunks"`
	Added     int     `json:"added"`
	Removed   int     `json:"removed"`
}

// Fetcher reads snapshot content
type Fetcher interface {
	Fetch(ctx context.Context, root string, loc history.Locator) ([]byte, error)
}

// Engine compares versions of a history store
type Engine struct {
	fetcher Fetcher
	logger  *slog.Logger
}

// NewEngine creates a diff Engine
func NewEngine(fetcher Fetcher, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{fetcher: fetcher, logger: logger.With("component", "diff")}
}

// Compare fetches both versions and diffs them oldest to newest, whatever the
// argument order
func (e *Engine) Compare(ctx context.Context, root string, a, b history.Version) (*Result, error) {
	dataA, err := e.fetcher.Fetch(ctx, root, a.Locator)
	if err != nil {
		return nil, err
	}
	dataB, err := e.fetcher.Fetch(ctx, root, b.Locator)
	if err != nil {
		return nil, err
	}

	result := Between(
		Side{Label: a.Locator.String(), Timestamp: a.Timestamp, Content: dataA},
		Side{Label: b.Locator.String(), Timestamp: b.Timestamp, Content: dataB},
	)
	e.logger.Debug("compared versions",
		"older", result.Older.Label,
		"newer", result.Newer.Label,
		"identical", result.Identical)
	return result, nil
}

// Between diffs two sides after ordering them by ascending timestamp.
// Equal timestamps fall back to label order.
func Between(a, b Side) *Result {
	older, newer := a, b
	if b.Timestamp < a.Timestamp || (b.Timestamp == a.Timestamp && b.Label < a.Label) {
		older, newer = b, a
	}

	result := &Result{
		Older: Meta{Label: older.Label, Timestamp: older.Timestamp, Hash: content.Hash(older.Content)},
		Newer: Meta{Label: newer.Label, Timestamp: newer.Timestamp, Hash: content.Hash(newer.Content)},
	}

	if bytes.Equal(older.Content, newer.Content) {
		result.Identical = true
		result.Chunks = []Chunk{}
		if len(older.Content) > 0 {
			text := string(older.Content)
			result.Chunks = append(result.Chunks, Chunk{Kind: Unchanged, Text: text, Lines: splitLines(text)})
		}
		return result
	}

	result.Chunks = Lines(string(older.Content), string(newer.Content))
	for _, c := range result.Chunks {
		switch c.Kind {
		case Added:
			result.Added += len(c.Lines)
		case Removed:
			result.Removed += len(c.Lines)
		}
	}
	result.Identical = len(result.Chunks) == 1 && result.Chunks[0].Kind == Unchanged
	return result
}

// Lines computes a line-level edit script turning older into newer.
// Concatenating Unchanged and Removed texts yields older; Unchanged and Added
// texts yield newer.
func Lines(older, newer string) []Chunk {
	dmp := diffmatchpatch.New()
	a, b, lineArray := dmp.DiffLinesToChars(older, newer)
	diffs := dmp.DiffMain(a, b, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	chunks := make([]Chunk, 0, len(diffs))
	for _, d := range diffs {
		if d.Text == "" {
			continue
		}

		var kind Kind
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			kind = Added
		case diffmatchpatch.DiffDelete:
			kind = Removed
		default:
			kind = Unchanged
		}

		if n := len(chunks); n > 0 && chunks[n-1].Kind == kind {
			chunks[n-1].Text += d.Text
			chunks[n-1].Lines = splitLines(chunks[n-1].Text)
			continue
		}
		chunks = append(chunks, Chunk{Kind: kind, Text: d.Text, Lines: splitLines(d.Text)})
	}
	return chunks
}

// splitLines splits text into lines without their terminators
func splitLines(text string) []string {
	if text == "" {
		return []string{}
	}
	lines := strings.SplitAfter(text, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(strings.TrimSuffix(l, "\n"), "\r")
	}
	return lines
}

// HeadDiff compares a snapshot with its file as committed in a git repository
type HeadDiff struct {
	Path   string  `json:"path"`
	Repo   string  `json:"repo"`
	Commit string  `json:"commit"`
	Status string  `json:"status"`
	Diff   *Result `json:"diff"`
}
