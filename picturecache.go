package picturecache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lucasew/picturecache/internal/db"
	"github.com/lucasew/picturecache/internal/download"
	"github.com/lucasew/picturecache/internal/errutil"
	"github.com/lucasew/picturecache/internal/eviction"
	"github.com/lucasew/picturecache/internal/eviction/policy"
	"github.com/lucasew/picturecache/internal/eviction/policy/minfree"
	"github.com/lucasew/picturecache/internal/fetcher"
	"github.com/lucasew/picturecache/internal/httpclient"
	"github.com/lucasew/picturecache/internal/memcache"
	"github.com/lucasew/picturecache/internal/metrics"
	"github.com/lucasew/picturecache/internal/model"
	"github.com/lucasew/picturecache/internal/store"
	"github.com/prometheus/client_golang/prometheus"
)

// Options configures a Cache. Only Dir is required.
type Options struct {
	// Dir holds the picture files, the staging area and the lock file.
	Dir string
	// DBPath defaults to {Dir}/picturecache.db.
	DBPath string

	// Budget returns the byte budget of a lifespan, 0 meaning unlimited.
	Budget func(LifeSpan) int64
	// PurgeThreshold is the number of additions to a lifespan that trigger its purge.
	PurgeThreshold int
	// PurgeInterval runs a purge of every lifespan periodically. 0 disables it.
	PurgeInterval time.Duration
	// MinFreeSpace evicts SHORTTERM pictures while the disk has less free bytes.
	MinFreeSpace int64

	// MemoryBytes bounds the decoded-image cache. 0 disables it.
	MemoryBytes int64
	// MemoryItemBytes is the largest image kept in memory.
	MemoryItemBytes int64

	HTTPClient     *http.Client
	ConnectTimeout time.Duration
	// FetchTimeout bounds a whole transfer.
	FetchTimeout time.Duration
	UserAgent    string
	CAFile       string
	// AllowLocalSources lets requests read file:// URLs and absolute paths.
	// Leave it off when URLs come from untrusted clients.
	AllowLocalSources bool
	// Progress mirrors every transfer, see fetcher.Fetcher.
	Progress func(total int64) io.Writer

	// MaxDecodePixels refuses bigger decodes with ErrOutOfMemory. 0 disables it.
	MaxDecodePixels int64
	// OnLowMemory is told about refused decodes. Defaults to dropping the
	// decoded-image cache.
	OnLowMemory func(err error)

	// OldUUID maps an identity and a URL to the identity outdated content is
	// archived under. Defaults to DeriveOldUUID.
	OldUUID func(uuid, url string) string

	// Registerer receives the Prometheus metrics. nil disables them.
	Registerer prometheus.Registerer

	// Now defaults to time.Now.
	Now func() time.Time
}

// Request describes the variant a handler wants.
type Request struct {
	// URL of the source. Empty means "whatever URL is stored for UUID".
	URL string
	// UUID is the stable identity. Empty derives it from URL.
	UUID string

	// Dimension is the target height, or width when WidthBased. 0 keeps the
	// source size.
	Dimension   int
	WidthBased  bool
	StorageType StorageType
	// Variant, when set, must equal the variant of the handler's persist
	// transform, which is what the key is built from.
	Variant string

	Cookie any
	// ItemDate is the freshness of the source, e.g. its server-side
	// modification time.
	ItemDate int64
	LifeSpan LifeSpan
}

// Status is the immediate outcome of RequestPicture.
type Status int

const (
	// Delivered means the handler was notified before RequestPicture returned.
	Delivered Status = iota
	// Pending means the handler will be notified by a download job.
	Pending
	// Unchanged means the same request was already pending; nothing was done.
	Unchanged
)

func (s Status) String() string {
	switch s {
	case Delivered:
		return "delivered"
	case Pending:
		return "pending"
	case Unchanged:
		return "unchanged"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Cache is a disk-backed picture cache that downloads each URL at most once
// for any number of concurrent requests.
type Cache struct {
	opts    Options
	now     func() time.Time
	oldUUID store.OldUUIDFunc

	db      *db.DB
	store   *store.Store
	evict   *eviction.Manager
	jobs    *download.Registry
	memory  *memcache.LRU
	metrics *metrics.Metrics

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Open opens the cache in opts.Dir, repairing its persisted state.
func Open(ctx context.Context, opts Options) (*Cache, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("cache directory is required")
	}
	if opts.DBPath == "" {
		opts.DBPath = filepath.Join(opts.Dir, "picturecache.db")
	}

	c := &Cache{opts: opts, now: opts.Now, oldUUID: opts.OldUUID}
	if c.now == nil {
		c.now = time.Now
	}
	if c.oldUUID == nil {
		c.oldUUID = DeriveOldUUID
	}
	if opts.Registerer != nil {
		c.metrics = metrics.New(opts.Registerer)
	}
	if opts.MemoryBytes > 0 {
		c.memory = memcache.New(opts.MemoryBytes, opts.MemoryItemBytes)
	}

	database, err := db.Open(opts.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database at %s: %w", opts.DBPath, err)
	}
	c.db = database

	st, err := store.Open(ctx, opts.Dir, database)
	if err != nil {
		_ = database.Close()
		return nil, err
	}
	c.store = st

	var shortTerm []policy.Policy
	if opts.MinFreeSpace > 0 {
		slog.Info("Adding MinFreeSpace policy", "min_free", opts.MinFreeSpace)
		shortTerm = append(shortTerm, &minfree.Policy{Path: opts.Dir, MinFreeBytes: opts.MinFreeSpace})
	}
	var budget eviction.Budget
	if opts.Budget != nil {
		budget = eviction.Budget(opts.Budget)
	}
	c.evict = eviction.NewManager(st, eviction.Config{
		Budget:    budget,
		Threshold: opts.PurgeThreshold,
		Interval:  opts.PurgeInterval,
		ShortTerm: shortTerm,
		OnEvict: func(r eviction.Result) {
			c.metrics.Evicted(r.LifeSpan.String(), r.Count, r.Freed)
		},
	})

	client := opts.HTTPClient
	if client == nil {
		client = httpclient.NewClient(httpclient.Config{ConnectTimeout: opts.ConnectTimeout, CAFile: opts.CAFile})
	}
	f := fetcher.NewFetcher(client, opts.FetchTimeout)
	f.UserAgent = opts.UserAgent
	f.Progress = opts.Progress
	f.AllowLocal = opts.AllowLocalSources

	lowMemory := opts.OnLowMemory
	if lowMemory == nil {
		lowMemory = c.dropMemory
	}
	cfg := download.Config{
		Store:           st,
		Fetcher:         f,
		MaxDecodePixels: opts.MaxDecodePixels,
		OnLowMemory:     lowMemory,
		OnDone:          c.onJobDone,
		Metrics:         c.metrics,
	}
	if c.memory != nil {
		cfg.Memory = c.memory
	}
	c.jobs = download.NewRegistry(cfg)

	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.evict.Start(loopCtx)
	}()

	return c, nil
}

// Close stops in-flight downloads, waits for their jobs to notify their
// handlers and persists pending state.
func (c *Cache) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		c.wg.Wait()
		c.jobs.Close()
		c.evict.Wait()
		if cerr := c.store.Close(); cerr != nil {
			err = cerr
		}
		if cerr := c.db.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}

// DeriveUUID is the identity of a picture requested by URL only.
func DeriveUUID(url string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(url)).String()
}

// DeriveOldUUID is the default identity outdated content of id fetched from
// url is archived under.
func DeriveOldUUID(id, url string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(id+"\n"+url)).String()
}

// Key builds the cache key of req as rendered for h.
func (c *Cache) Key(req Request, h Handler) (CacheKey, error) {
	id := req.UUID
	if id == "" {
		if req.URL == "" {
			return CacheKey{}, fmt.Errorf("%w: neither url nor uuid", ErrInvalidKey)
		}
		id = DeriveUUID(req.URL)
	}
	var variant string
	if h != nil {
		if t := h.PersistTransform(); t != nil {
			variant = t.Variant()
		}
	}
	if req.Variant != "" && req.Variant != variant {
		return CacheKey{}, fmt.Errorf("%w: variant %q does not match the persist transform %q", ErrInvalidKey, req.Variant, variant)
	}
	return model.NewKey(id, req.Dimension, req.WidthBased, req.StorageType, variant)
}

// RequestPicture resolves req for h. The handler is notified exactly once per
// request, either before RequestPicture returns (Delivered) or by the
// download job (Pending). Invalid requests fail before anything is notified.
func (c *Cache) RequestPicture(req Request, h Handler) (Status, error) {
	if h == nil {
		return 0, fmt.Errorf("%w: nil handler", ErrInvalidKey)
	}
	key, err := c.Key(req, h)
	if err != nil {
		c.metrics.Request("invalid")
		return 0, err
	}

	url := req.URL
	if url == "" {
		url = c.store.URLOf(key.UUID())
	}
	prev := h.SetLoadingURL(url)
	if url == "" {
		if prev != "" {
			c.jobs.Cancel(h, prev)
		}
		c.metrics.Request("unknown")
		h.DrawDefault("", req.Cookie)
		return Delivered, nil
	}

	key = c.store.StoredKey(key, url, req.ItemDate, c.oldUUID)
	target := download.Target{Handler: h, Key: key, Cookie: req.Cookie}
	if c.jobs.Pending(url, target) {
		c.metrics.Request("unchanged")
		return Unchanged, nil
	}
	// Whatever h waited for before is stale now.
	if prev != "" {
		c.jobs.Cancel(h, prev)
	}

	if c.memory != nil {
		if img := c.memory.Get(model.MemoryKey(key, url, h)); img != nil {
			c.metrics.Request("memory")
			c.touch(key)
			h.DrawBitmap(img, url, req.Cookie)
			return Delivered, nil
		}
	}

	if c.jobs.Submit(url, target, req.ItemDate, req.LifeSpan) == download.Duplicate {
		c.metrics.Request("unchanged")
		return Unchanged, nil
	}
	c.metrics.Request("job")
	return Pending, nil
}

// Cancel withdraws h from the job for url. h receives its placeholder before
// Cancel returns if it was still waiting.
func (c *Cache) Cancel(h Handler, url string) bool {
	return c.jobs.Cancel(h, url)
}

// RemoveLoader detaches h from whatever it is loading. An empty oldURL
// means the URL h was loading.
func (c *Cache) RemoveLoader(h Handler, oldURL string) {
	prev := h.SetLoadingURL("")
	if oldURL == "" {
		oldURL = prev
	}
	if oldURL != "" {
		c.jobs.Cancel(h, oldURL)
	}
}

// NotifyStorageBudgetChanged purges every lifespan against the current budget.
func (c *Cache) NotifyStorageBudgetChanged() {
	c.Purge()
}

// PurgeResult describes what a purge removed from one lifespan.
type PurgeResult struct {
	LifeSpan LifeSpan
	Count    int
	Freed    int64
}

// Purge brings every lifespan under its budget now.
func (c *Cache) Purge() []PurgeResult {
	results := c.evict.PurgeAll()
	out := make([]PurgeResult, len(results))
	for i, r := range results {
		out[i] = PurgeResult{LifeSpan: r.LifeSpan, Count: r.Count, Freed: r.Freed}
	}
	return out
}

// ClearAll drops every picture from memory and disk.
func (c *Cache) ClearAll() error {
	c.memory.Purge()
	return c.store.Clear()
}

// Flush waits until every store mutation so far is persisted.
func (c *Cache) Flush() {
	c.store.Flush()
}

// Wait blocks until running download jobs and the purges they triggered are done.
func (c *Cache) Wait() {
	c.jobs.Wait()
	c.evict.Wait()
}

func (c *Cache) touch(key CacheKey) {
	now := c.now()
	_ = c.store.Update(func(tx *store.Tx) error {
		if item, ok := tx.Get(key); ok {
			tx.Put(key, item.Touched(now))
		}
		return nil
	})
}

func (c *Cache) dropMemory(err error) {
	errutil.LogMsg(err, "Low memory, dropping decoded pictures")
	c.memory.Purge()
}

// onJobDone records what a job produced. It runs after the job delivered to
// every target.
func (c *Cache) onJobDone(res download.Result) {
	sizes := make([]int64, len(res.Variants))
	for i, v := range res.Variants {
		if info, err := os.Stat(v.Path); err == nil {
			sizes[i] = info.Size()
		}
	}

	now := c.now()
	var added []LifeSpan
	_ = c.store.Update(func(tx *store.Tx) error {
		for i, v := range res.Variants {
			item, ok := tx.Get(v.Key)
			if ok {
				item = item.Promoted(res.ItemDate, res.LifeSpan)
			} else {
				item = CacheItem{LifeSpan: res.LifeSpan, RemoteDate: res.ItemDate}
				added = append(added, res.LifeSpan)
			}
			item.Path = v.Path
			item.URL = res.URL
			item.Size = sizes[i]
			tx.Put(v.Key, item.Touched(now))
		}
		for _, k := range res.Hits {
			if item, ok := tx.Get(k); ok {
				tx.Put(k, item.Promoted(res.ItemDate, res.LifeSpan).Touched(now))
			}
		}
		return nil
	})

	for _, ls := range added {
		c.evict.Added(ls)
	}
}
