package store

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/lucasew/picturecache/internal/errutil"
	"github.com/lucasew/picturecache/internal/model"
)

// OldUUIDFunc derives the identity an outdated version of uuid is archived
// under, given the URL that version was fetched from.
type OldUUIDFunc func(uuid, url string) string

// StoredKey resolves the key a request for url should read and write.
//
// When key already holds content from another URL, the most recent remote
// date wins: older stored content is moved to an archive key and key is
// returned empty for a fresh download; a request older than the stored
// content is pointed at its own archive key instead.
//
// Failures never surface: the requested key is returned unchanged.
func (s *Store) StoredKey(key model.CacheKey, url string, itemDate int64, oldUUID OldUUIDFunc) (resolved model.CacheKey) {
	resolved = key
	if url == "" || oldUUID == nil {
		return key
	}
	defer func() {
		if r := recover(); r != nil {
			errutil.ReportError(fmt.Errorf("panic: %v", r), "Key versioning failed", "key", key.String())
			resolved = key
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key.String()]
	if !ok || e.item.URL == url {
		return key
	}

	if e.item.RemoteDate <= itemDate {
		archived, err := key.WithUUID(oldUUID(key.UUID(), e.item.URL))
		if err != nil {
			errutil.LogMsg(err, "Cannot derive archive key", "key", key.String())
			return key
		}
		if err := s.moveLocked(key, archived, e.item); err != nil {
			errutil.LogMsg(err, "Cannot archive outdated picture", "key", key.String(), "to", archived.String())
		}
		return key
	}

	archived, err := key.WithUUID(oldUUID(key.UUID(), url))
	if err != nil {
		errutil.LogMsg(err, "Cannot derive archive key", "key", key.String())
		return key
	}
	slog.Debug("Request older than stored picture", "key", key.String(), "archive", archived.String())
	return archived
}

// moveLocked relocates the file and metadata of from to to, as SHORTTERM.
func (s *Store) moveLocked(from, to model.CacheKey, item model.CacheItem) error {
	if err := s.ensureDirs(); err != nil {
		return err
	}
	dst := filepath.Join(s.picturesDir(), to.Filename())
	if err := os.Rename(item.Path, dst); err != nil {
		if os.IsNotExist(err) {
			s.removeLocked(from)
		}
		return fmt.Errorf("%w: %v", model.ErrStorageFailed, err)
	}

	s.removeLocked(from)
	item.Path = dst
	item.LifeSpan = model.ShortTerm
	s.putLocked(to, item)
	slog.Info("Archived outdated picture", "from", from.String(), "to", to.String(), "url", item.URL)
	return nil
}
