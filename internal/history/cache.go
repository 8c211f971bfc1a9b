// internal/history/cache.go
package history

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/zeebo/xxh3"
	"golang.org/x/sync/singleflight"

	"histex/internal/manifest"
)

// Cache keeps the latest index per root. An index is reused while the store's
// stamp is unchanged: the root mtime plus every folder's mtime and its
// manifest's mtime and size. A published index is replaced, never modified.
type Cache struct {
	indexer *Indexer
	group   singleflight.Group
	mu      sync.Mutex
	entries map[string]*cacheEntry
	gens    map[string]uint64
}

type cacheEntry struct {
	stamp uint64
	index *Index
}

// NewCache creates a cache backed by indexer
func NewCache(indexer *Indexer) *Cache {
	return &Cache{
		indexer: indexer,
		entries: make(map[string]*cacheEntry),
		gens:    make(map[string]uint64),
	}
}

// Get returns the cached index for root when nothing in the store changed,
// otherwise builds a new one
func (c *Cache) Get(ctx context.Context, root string) (*Index, error) {
	st, err := Stamp(root)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	entry, ok := c.entries[root]
	c.mu.Unlock()
	if ok && entry.stamp == st {
		return entry.index, nil
	}

	return c.build(ctx, root, st)
}

// Refresh drops any cached index for root and builds a new one
func (c *Cache) Refresh(ctx context.Context, root string) (*Index, error) {
	c.Invalidate(root)
	st, err := Stamp(root)
	if err != nil {
		return nil, err
	}
	return c.build(ctx, root, st)
}

// Invalidate forgets the cached index for root. Builds already running for root
// will not publish their result.
func (c *Cache) Invalidate(root string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, root)
	c.gens[root]++
}

// build shares one indexer run between concurrent callers. The run is detached
// from any single caller; each caller stops waiting when its own ctx ends.
func (c *Cache) build(ctx context.Context, root string, stamp uint64) (*Index, error) {
	c.mu.Lock()
	gen := c.gens[root]
	c.mu.Unlock()

	buildCtx := context.WithoutCancel(ctx)
	key := fmt.Sprintf("%s\x00%d", root, gen)
	ch := c.group.DoChan(key, func() (interface{}, error) {
		idx, err := c.indexer.Build(buildCtx, root)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		if c.gens[root] == gen {
			c.entries[root] = &cacheEntry{stamp: stamp, index: idx}
		}
		c.mu.Unlock()

		return idx, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Index), nil
	}
}

// Stamp summarizes the modification state of a store root without reading any
// manifest. Adding or removing a folder, adding a snapshot to a folder, and
// rewriting a manifest all change it.
func Stamp(root string) (uint64, error) {
	info, err := os.Stat(root)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRootUnreadable, err)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRootUnreadable, err)
	}

	h := xxh3.New()
	var buf [8]byte
	writeInt := func(n int64) {
		binary.LittleEndian.PutUint64(buf[:], uint64(n))
		h.Write(buf[:])
	}

	writeInt(info.ModTime().UnixNano())
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		h.WriteString(entry.Name())
		h.Write([]byte{0})

		folder := filepath.Join(root, entry.Name())
		if fi, err := os.Stat(folder); err == nil {
			writeInt(fi.ModTime().UnixNano())
		} else {
			writeInt(-1)
		}
		if mi, err := os.Stat(filepath.Join(folder, manifest.FileName)); err == nil {
			writeInt(mi.ModTime().UnixNano())
			writeInt(mi.Size())
		} else {
			writeInt(-1)
		}
	}
	return h.Sum64(), nil
}
