package eviction

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lucasew/picturecache/internal/errutil"
	"github.com/lucasew/picturecache/internal/eviction/policy"
	"github.com/lucasew/picturecache/internal/eviction/policy/maxsize"
	"github.com/lucasew/picturecache/internal/model"
	"github.com/lucasew/picturecache/internal/store"
	"golang.org/x/sync/singleflight"
)

// DefaultThreshold is the number of additions to a lifespan that trigger a purge of it.
const DefaultThreshold = 7

// Budget returns the byte budget of a lifespan. 0 means unlimited.
type Budget func(ls model.LifeSpan) int64

// Result describes one purge pass.
type Result struct {
	LifeSpan model.LifeSpan
	Count    int
	Freed    int64
}

// Config configures a Manager.
type Config struct {
	Budget Budget
	// Threshold defaults to DefaultThreshold.
	Threshold int
	// Interval of the background loop started by Start. 0 disables it.
	Interval time.Duration
	// ShortTerm policies apply to SHORTTERM on top of its budget.
	ShortTerm []policy.Policy
	// OnEvict is called after every pass that removed something.
	OnEvict func(Result)
}

// Manager enforces per-lifespan budgets on a store by removing the entries
// with the oldest access date first.
type Manager struct {
	store     *store.Store
	budget    Budget
	threshold int64
	interval  time.Duration
	shortTerm []policy.Policy
	onEvict   func(Result)

	counters [3]atomic.Int64
	g        singleflight.Group
	wg       sync.WaitGroup
}

// NewManager creates a new eviction manager for s.
func NewManager(s *store.Store, cfg Config) *Manager {
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	budget := cfg.Budget
	if budget == nil {
		budget = func(model.LifeSpan) int64 { return 0 }
	}
	return &Manager{
		store:     s,
		budget:    budget,
		threshold: int64(threshold),
		interval:  cfg.Interval,
		shortTerm: cfg.ShortTerm,
		onEvict:   cfg.OnEvict,
	}
}

// Start runs the background eviction loop.
func (m *Manager) Start(ctx context.Context) {
	if m.interval <= 0 {
		return
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.PurgeAll()
		}
	}
}

// Added records a new entry of lifespan ls. Every threshold additions the
// lifespan is purged in the background.
func (m *Manager) Added(ls model.LifeSpan) {
	if !ls.Valid() {
		return
	}
	c := &m.counters[ls]
	if c.Add(1) < m.threshold {
		return
	}
	c.Store(0)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.purge(ls)
	}()
}

// Wait blocks until background purges scheduled by Added are done.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// PurgeAll purges every lifespan and resets the counters.
func (m *Manager) PurgeAll() []Result {
	results := make([]Result, 0, len(model.LifeSpans))
	for _, ls := range model.LifeSpans {
		m.counters[ls].Store(0)
		results = append(results, m.purge(ls))
	}
	return results
}

// Purge brings lifespan ls under its budget. Concurrent calls for the same
// lifespan share one pass.
func (m *Manager) Purge(ls model.LifeSpan) Result {
	return m.purge(ls)
}

func (m *Manager) purge(ls model.LifeSpan) Result {
	v, _, _ := m.g.Do(ls.String(), func() (interface{}, error) {
		return m.runPurge(ls), nil
	})
	return v.(Result)
}

func (m *Manager) policies(ls model.LifeSpan) []policy.Policy {
	ps := []policy.Policy{&maxsize.Policy{Budget: m.budget(ls)}}
	if ls == model.ShortTerm {
		ps = append(ps, m.shortTerm...)
	}
	return ps
}

type candidate struct {
	key  model.CacheKey
	item model.CacheItem
}

func (m *Manager) runPurge(ls model.LifeSpan) Result {
	res := Result{LifeSpan: ls}
	policies := m.policies(ls)

	_ = m.store.Update(func(tx *store.Tx) error {
		var current int64
		var candidates []candidate
		tx.ForEach(ls, func(key model.CacheKey, item model.CacheItem) bool {
			current += item.Size
			candidates = append(candidates, candidate{key: key, item: item})
			return true
		})

		toFree := policy.BytesToFree(current, policies...)
		if toFree <= 0 {
			return nil
		}

		sort.Slice(candidates, func(i, j int) bool {
			a, b := candidates[i], candidates[j]
			if a.item.LastAccess != b.item.LastAccess {
				return a.item.LastAccess < b.item.LastAccess
			}
			return a.key.String() < b.key.String()
		})

		slog.Info("Evicting pictures", "lifespan", ls.String(), "current_size", current, "to_free", toFree, "candidates", len(candidates))

		for _, c := range candidates {
			if res.Freed >= toFree {
				break
			}
			tx.Remove(c.key)
			if c.item.Path != "" {
				if err := os.Remove(c.item.Path); err != nil && !os.IsNotExist(err) {
					errutil.ReportError(fmt.Errorf("%w: %v", model.ErrStorageFailed, err), "Failed to remove picture", "key", c.key.String())
				}
			}
			res.Count++
			res.Freed += c.item.Size
		}
		return nil
	})

	if res.Count > 0 {
		slog.Info("Evicted pictures", "lifespan", ls.String(), "count", res.Count, "freed", res.Freed)
		if m.onEvict != nil {
			m.onEvict(res)
		}
	}
	return res
}
