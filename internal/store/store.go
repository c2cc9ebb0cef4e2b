package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"github.com/lucasew/picturecache/internal/db"
	"github.com/lucasew/picturecache/internal/errutil"
	"github.com/lucasew/picturecache/internal/model"
)

// ErrLocked is returned by Open when another process owns the cache directory.
var ErrLocked = errors.New("cache directory is locked by another process")

// Backend is the persisted side of the store. *db.DB satisfies it.
type Backend interface {
	Upsert(ctx context.Context, r db.Row) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	LoadAll(ctx context.Context) ([]db.Row, error)
}

type entry struct {
	key  model.CacheKey
	item model.CacheItem
}

// Store maps CacheKeys to CacheItems. Reads are served from an in-memory
// mirror; every mutation is queued for the backend and applied in order by a
// single writer goroutine.
//
// Files live under {Dir}/pictures, downloads are staged in {Dir}/tmp.
type Store struct {
	mu      sync.Mutex
	entries map[string]entry

	dir     string
	dirMu   sync.Mutex
	dirDone bool

	lock   *flock.Flock
	writer *writeBehind
}

// Open locks dir, loads every persisted row and drops the ones whose file is gone.
func Open(ctx context.Context, dir string, backend Backend) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: failed to create cache dir: %v", model.ErrStorageFailed, err)
	}

	fl := flock.New(filepath.Join(dir, "picturecache.lock"))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock cache dir: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLocked, dir)
	}

	s := &Store{
		entries: make(map[string]entry),
		dir:     dir,
		lock:    fl,
		writer:  newWriteBehind(backend),
	}
	if err := s.load(ctx, backend); err != nil {
		s.writer.close()
		_ = fl.Unlock()
		return nil, err
	}
	return s, nil
}

// Close drains the write queue and releases the directory lock.
func (s *Store) Close() error {
	s.writer.close()
	return s.lock.Unlock()
}

// Flush blocks until every mutation queued so far has reached the backend.
func (s *Store) Flush() {
	s.writer.flush()
}

func (s *Store) picturesDir() string { return filepath.Join(s.dir, "pictures") }

// ensureDirs creates the working directories once per store, and again after Clear.
func (s *Store) ensureDirs() error {
	s.dirMu.Lock()
	defer s.dirMu.Unlock()
	if s.dirDone {
		return nil
	}
	for _, d := range []string{s.picturesDir(), s.TempDir()} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("%w: failed to create %s: %v", model.ErrStorageFailed, d, err)
		}
	}
	s.dirDone = true
	return nil
}

// TempDir is where downloads are staged before decoding.
func (s *Store) TempDir() string { return filepath.Join(s.dir, "tmp") }

// CreateTemp creates a staging file for a download.
func (s *Store) CreateTemp() (*os.File, error) {
	if err := s.ensureDirs(); err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(s.TempDir(), "download-*")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create temp file: %v", model.ErrStorageFailed, err)
	}
	return f, nil
}

// FilePath returns the destination of the file for key, creating the
// pictures directory on first use.
func (s *Store) FilePath(key model.CacheKey) (string, error) {
	if err := s.ensureDirs(); err != nil {
		return "", err
	}
	return filepath.Join(s.picturesDir(), key.Filename()), nil
}

// Get returns the item stored under key.
func (s *Store) Get(key model.CacheKey) (model.CacheItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key.String()]
	return e.item, ok
}

// Put stores item under key and returns the value it replaced, if any.
func (s *Store) Put(key model.CacheKey, item model.CacheItem) (model.CacheItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(key, item)
}

// Remove drops key. The backing file is left alone.
func (s *Store) Remove(key model.CacheKey) (model.CacheItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(key)
}

// ValidItem returns the item for key if its file still exists. Items whose
// file is missing are removed.
func (s *Store) ValidItem(key model.CacheKey) (model.CacheItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key.String()]
	if !ok {
		return model.CacheItem{}, false
	}
	if !e.item.Valid() {
		slog.Debug("Dropping picture with missing file", "key", key.String(), "path", e.item.Path)
		s.removeLocked(key)
		return model.CacheItem{}, false
	}
	return e.item, true
}

// URLOf returns the source URL stored for any variant of uuid.
func (s *Store) URLOf(uuid string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.key.UUID() == uuid && e.item.URL != "" {
			return e.item.URL
		}
	}
	return ""
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Usage is the footprint of one lifespan.
type Usage struct {
	Count int
	Bytes int64
}

// Usage sums entry sizes per lifespan.
func (s *Store) Usage() map[model.LifeSpan]Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[model.LifeSpan]Usage, len(model.LifeSpans))
	for _, e := range s.entries {
		u := out[e.item.LifeSpan]
		u.Count++
		u.Bytes += e.item.Size
		out[e.item.LifeSpan] = u
	}
	return out
}

// Update runs fn with the store lock held. Tx must not escape fn.
func (s *Store) Update(fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&Tx{s: s})
}

// Clear drops every entry, deletes the picture files and resets the
// persisted table.
func (s *Store) Clear() error {
	s.mu.Lock()
	s.entries = make(map[string]entry)
	s.writer.enqueue(writeOp{kind: opClear})
	s.mu.Unlock()

	s.dirMu.Lock()
	defer s.dirMu.Unlock()
	s.dirDone = false
	if err := os.RemoveAll(s.picturesDir()); err != nil {
		return fmt.Errorf("%w: failed to remove pictures: %v", model.ErrStorageFailed, err)
	}
	slog.Info("Cleared picture cache", "dir", s.dir)
	return nil
}

func (s *Store) putLocked(key model.CacheKey, item model.CacheItem) (model.CacheItem, bool) {
	k := key.String()
	prev, ok := s.entries[k]
	s.entries[k] = entry{key: key, item: item}
	s.writer.enqueue(writeOp{kind: opUpsert, row: toRow(key, item)})
	return prev.item, ok
}

func (s *Store) removeLocked(key model.CacheKey) (model.CacheItem, bool) {
	k := key.String()
	prev, ok := s.entries[k]
	if !ok {
		return model.CacheItem{}, false
	}
	delete(s.entries, k)
	s.writer.enqueue(writeOp{kind: opDelete, key: k})
	return prev.item, true
}

// Tx is the view of the store handed to Update.
type Tx struct {
	s *Store
}

func (tx *Tx) Get(key model.CacheKey) (model.CacheItem, bool) {
	e, ok := tx.s.entries[key.String()]
	return e.item, ok
}

func (tx *Tx) Put(key model.CacheKey, item model.CacheItem) (model.CacheItem, bool) {
	return tx.s.putLocked(key, item)
}

func (tx *Tx) Remove(key model.CacheKey) (model.CacheItem, bool) {
	return tx.s.removeLocked(key)
}

// ForEach calls fn for every entry of lifespan ls until fn returns false.
// fn must not mutate the store; collect keys and remove them afterwards.
func (tx *Tx) ForEach(ls model.LifeSpan, fn func(key model.CacheKey, item model.CacheItem) bool) {
	for _, e := range tx.s.entries {
		if e.item.LifeSpan != ls {
			continue
		}
		if !fn(e.key, e.item) {
			return
		}
	}
}

func toRow(key model.CacheKey, item model.CacheItem) db.Row {
	return db.Row{
		Key:        key.String(),
		URL:        item.URL,
		LifeSpan:   item.LifeSpan.ToStorage(),
		Path:       item.Path,
		RemoteDate: item.RemoteDate,
		LastAccess: item.LastAccess,
	}
}

func logDrop(key, path string, err error) {
	errutil.LogMsg(err, "Dropping persisted picture", "key", key, "path", path)
}
