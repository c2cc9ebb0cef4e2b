package picturecache

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/lucasew/picturecache/internal/metrics"
	"github.com/lucasew/picturecache/internal/model"
)

// CachePath returns the file holding key, or "" when it is not cached.
func (c *Cache) CachePath(key CacheKey) string {
	item, ok := c.store.ValidItem(key)
	if !ok {
		return ""
	}
	return item.Path
}

// Item returns the entry stored under key.
func (c *Cache) Item(key CacheKey) (CacheItem, bool) {
	return c.store.Get(key)
}

// SaveCopy copies the cached file of key to dst. dst is written atomically.
func (c *Cache) SaveCopy(key CacheKey, dst string) error {
	src := c.CachePath(key)
	if src == "" {
		return fmt.Errorf("%w: %s is not cached", model.ErrStorageFailed, key)
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrStorageFailed, err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".picturecache-*")
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrStorageFailed, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", model.ErrStorageFailed, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %v", model.ErrStorageFailed, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("%w: %v", model.ErrStorageFailed, err)
	}
	return nil
}

// LifeSpanUsage is the disk footprint of one lifespan.
type LifeSpanUsage struct {
	LifeSpan LifeSpan
	Count    int
	Bytes    int64
	Budget   int64
}

// Stats is a snapshot of the cache state.
type Stats struct {
	Usage        []LifeSpanUsage
	Jobs         int
	MemoryImages int
	MemoryBytes  int64
	Latency      []metrics.Stats
}

// Stats returns the current usage. Latency is only filled when metrics are enabled.
func (c *Cache) Stats() Stats {
	usage := c.store.Usage()
	st := Stats{Jobs: c.jobs.Len()}
	for _, ls := range model.LifeSpans {
		u := usage[ls]
		var budget int64
		if c.opts.Budget != nil {
			budget = c.opts.Budget(ls)
		}
		st.Usage = append(st.Usage, LifeSpanUsage{LifeSpan: ls, Count: u.Count, Bytes: u.Bytes, Budget: budget})
	}
	st.MemoryImages, st.MemoryBytes = c.memory.Len()
	st.Latency = c.metrics.Tracker().AllStats()
	return st
}
