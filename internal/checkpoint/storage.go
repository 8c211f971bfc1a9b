// internal/checkpoint/storage.go
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/xxh3"
)

// ErrNotFound is returned for an unknown checkpoint ID
var ErrNotFound = errors.New("checkpoint not found")

const metadataFile = "metadata.json"

// gcGrace protects pool content a restore in progress may still reference
const gcGrace = 10 * time.Minute

// Storage keeps checkpoints under baseDir. File contents are compressed and
// shared between checkpoints through a pool keyed by content hash.
type Storage struct {
	baseDir string
	mu      sync.RWMutex
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewStorage creates a storage rooted at baseDir using the given zstd level
func NewStorage(baseDir string, level int) (*Storage, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, fmt.Errorf("create encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create decoder: %w", err)
	}
	return &Storage{baseDir: baseDir, encoder: encoder, decoder: decoder}, nil
}

func (s *Storage) checkpointsDir() string {
	return filepath.Join(s.baseDir, "checkpoints")
}

func (s *Storage) poolDir() string {
	return filepath.Join(s.baseDir, "content_pool")
}

// checkpointDir rejects anything but a UUID so IDs cannot name other paths
func (s *Storage) checkpointDir(id string) (string, error) {
	if _, err := uuid.Parse(id); err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return filepath.Join(s.checkpointsDir(), id), nil
}

// Begin starts recording a checkpoint for a restore into destination
func (s *Storage) Begin(destination string) *Recorder {
	return &Recorder{
		storage:     s,
		destination: destination,
		files:       make(map[string]FileSnapshot),
	}
}

// putContent stores data in the pool and returns its hash
func (s *Storage) putContent(data []byte) (string, error) {
	hash := fmt.Sprintf("%x", xxh3.Hash128(data).Bytes())
	if err := os.MkdirAll(s.poolDir(), 0755); err != nil {
		return "", err
	}

	path := filepath.Join(s.poolDir(), hash)
	if _, err := os.Stat(path); err == nil {
		now := time.Now()
		os.Chtimes(path, now, now)
		return hash, nil
	}
	compressed := s.encoder.EncodeAll(data, nil)
	if err := writeAtomic(path, compressed, 0644); err != nil {
		return "", err
	}
	return hash, nil
}

func (s *Storage) readContent(hash string) ([]byte, error) {
	compressed, err := os.ReadFile(filepath.Join(s.poolDir(), filepath.Base(hash)))
	if err != nil {
		return nil, err
	}
	data, err := s.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress %s: %w", hash, err)
	}
	return data, nil
}

func (s *Storage) save(cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir, err := s.checkpointDir(cp.ID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if err := writeAtomic(filepath.Join(dir, metadataFile), data, 0644); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

// Load reads a checkpoint's metadata
func (s *Storage) Load(id string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dir, err := s.checkpointDir(id)
	if err != nil {
		return nil, err
	}
	return readMetadata(filepath.Join(dir, metadataFile))
}

func readMetadata(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, filepath.Base(filepath.Dir(path)))
	}
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	return &cp, nil
}

// List returns all checkpoints, newest first. Unreadable entries are skipped.
func (s *Storage) List() ([]Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.checkpointsDir())
	if errors.Is(err, fs.ErrNotExist) {
		return []Checkpoint{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoints: %w", err)
	}

	checkpoints := make([]Checkpoint, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		cp, err := readMetadata(filepath.Join(s.checkpointsDir(), entry.Name(), metadataFile))
		if err != nil {
			continue
		}
		checkpoints = append(checkpoints, *cp)
	}

	sort.Slice(checkpoints, func(i, j int) bool {
		if !checkpoints[i].CreatedAt.Equal(checkpoints[j].CreatedAt) {
			return checkpoints[i].CreatedAt.After(checkpoints[j].CreatedAt)
		}
		return checkpoints[i].ID < checkpoints[j].ID
	})
	return checkpoints, nil
}

// Delete removes a checkpoint's metadata. Pool content is left for Prune.
func (s *Storage) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir, err := s.checkpointDir(id)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

// collectGarbage removes pool entries no remaining checkpoint references
func (s *Storage) collectGarbage(keep []Checkpoint) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	referenced := make(map[string]bool)
	for _, cp := range keep {
		for _, f := range cp.Files {
			if f.Hash != "" {
				referenced[f.Hash] = true
			}
		}
	}

	entries, err := os.ReadDir(s.poolDir())
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-gcGrace)
	removed := 0
	for _, entry := range entries {
		if referenced[entry.Name()] {
			continue
		}
		if info, err := entry.Info(); err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.poolDir(), entry.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}

// Recorder captures destination files during a single restore
type Recorder struct {
	storage     *Storage
	destination string

	mu    sync.Mutex
	files map[string]FileSnapshot
}

// Capture saves the current state of target, the file restore will write for
// name. Only the first capture of a name counts.
func (r *Recorder) Capture(name, target string) error {
	r.mu.Lock()
	_, seen := r.files[name]
	r.mu.Unlock()
	if seen {
		return nil
	}

	snap := FileSnapshot{Path: name}
	info, err := os.Lstat(target)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		snap.Created = true
	case err != nil:
		return err
	case !info.Mode().IsRegular():
		return fmt.Errorf("%s is not a regular file", name)
	default:
		data, err := os.ReadFile(target)
		if err != nil {
			return err
		}
		hash, err := r.storage.putContent(data)
		if err != nil {
			return fmt.Errorf("store content: %w", err)
		}
		snap.Hash = hash
		snap.Size = int64(len(data))
		snap.Permissions = uint32(info.Mode().Perm())
	}

	r.mu.Lock()
	r.files[name] = snap
	r.mu.Unlock()
	return nil
}

// Discard forgets name after its write failed
func (r *Recorder) Discard(name string) {
	r.mu.Lock()
	delete(r.files, name)
	r.mu.Unlock()
}

// Len returns the number of captured files
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.files)
}

// Commit saves the captured files as checkpoint id
func (r *Recorder) Commit(id string) (*Checkpoint, error) {
	r.mu.Lock()
	files := make([]FileSnapshot, 0, len(r.files))
	for _, f := range r.files {
		files = append(files, f)
	}
	r.mu.Unlock()
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	cp := &Checkpoint{
		ID:          id,
		Destination: r.destination,
		CreatedAt:   time.Now().UTC(),
		Files:       files,
	}
	if err := r.storage.save(cp); err != nil {
		return nil, err
	}
	return cp, nil
}

func writeAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
