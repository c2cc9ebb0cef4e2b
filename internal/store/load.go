package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/lucasew/picturecache/internal/model"
	"golang.org/x/sync/errgroup"
)

const loadConcurrency = 8

var errNoPath = errors.New("empty path")

type loadResult struct {
	key  model.CacheKey
	item model.CacheItem
	err  error
}

// load replays the persisted rows. Rows with a malformed key, an empty path or
// a missing file are deleted instead of being loaded.
func (s *Store) load(ctx context.Context, backend Backend) error {
	rows, err := backend.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load pictures: %w", err)
	}

	results := make([]loadResult, len(rows))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(loadConcurrency)
	for i, r := range rows {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			key, err := model.ParseKey(r.Key)
			if err != nil {
				results[i].err = err
				return nil
			}
			if r.Path == "" {
				results[i].err = errNoPath
				return nil
			}
			info, err := os.Stat(r.Path)
			if err == nil && !info.Mode().IsRegular() {
				err = fmt.Errorf("%s is not a regular file", r.Path)
			}
			if err != nil {
				results[i].err = err
				return nil
			}
			results[i] = loadResult{
				key: key,
				item: model.CacheItem{
					Path:       r.Path,
					URL:        r.URL,
					LifeSpan:   model.LifeSpanFromStorage(r.LifeSpan),
					RemoteDate: r.RemoteDate,
					LastAccess: r.LastAccess,
					Size:       info.Size(),
				},
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := 0
	for i, res := range results {
		if res.err != nil {
			logDrop(rows[i].Key, rows[i].Path, res.err)
			s.writer.enqueue(writeOp{kind: opDelete, key: rows[i].Key})
			dropped++
			continue
		}
		s.entries[res.key.String()] = entry{key: res.key, item: res.item}
	}
	slog.Info("Loaded picture cache", "dir", s.dir, "count", len(s.entries), "dropped", dropped)
	return nil
}
