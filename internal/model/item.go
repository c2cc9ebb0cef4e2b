package model

import (
	"os"
	"time"
)

// CacheItem is the metadata attached to one CacheKey. It is handled as an
// immutable snapshot: updates build a new value that is written back to the
// store under its lock.
type CacheItem struct {
	Path       string
	URL        string
	LifeSpan   LifeSpan
	RemoteDate int64
	LastAccess int64

	// Size is the file size observed when the item was stored or loaded.
	// It is not persisted.
	Size int64
}

// Valid reports whether the item references an existing regular file.
func (c CacheItem) Valid() bool {
	if c.Path == "" {
		return false
	}
	info, err := os.Stat(c.Path)
	return err == nil && info.Mode().IsRegular()
}

// Touched returns a copy with LastAccess set to now.
func (c CacheItem) Touched(now time.Time) CacheItem {
	c.LastAccess = now.UnixMilli()
	return c
}

// Promoted merges a fresh observation into the item: the newer remote date
// and the longer lifespan win.
func (c CacheItem) Promoted(remoteDate int64, lifeSpan LifeSpan) CacheItem {
	if c.RemoteDate < remoteDate {
		c.RemoteDate = remoteDate
	}
	c.LifeSpan = c.LifeSpan.Longest(lifeSpan)
	return c
}

// CacheVariant is a file produced by a download job that still has to be
// recorded in the store.
type CacheVariant struct {
	Path string
	Key  CacheKey
}
