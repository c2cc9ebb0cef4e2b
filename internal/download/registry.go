package download

import (
	"context"
	"image"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/lucasew/picturecache/internal/fetcher"
	"github.com/lucasew/picturecache/internal/metrics"
	"github.com/lucasew/picturecache/internal/model"
	"golang.org/x/sync/errgroup"
)

// Storage is the part of the cache store a job writes through.
type Storage interface {
	ValidItem(key model.CacheKey) (model.CacheItem, bool)
	FilePath(key model.CacheKey) (string, error)
	CreateTemp() (*os.File, error)
}

// Fetcher copies a source into w, polling checkpoint between chunks.
type Fetcher interface {
	Fetch(ctx context.Context, source string, w io.Writer, checkpoint fetcher.Checkpoint) (int64, error)
}

// MemoryCache keeps decoded images. Put returns nil when img is not kept.
type MemoryCache interface {
	Put(key string, img image.Image) image.Image
}

// Config is shared by every job of a Registry.
type Config struct {
	Store   Storage
	Fetcher Fetcher
	Memory  MemoryCache

	MaxDecodePixels int64

	// OnLowMemory is notified when a decode is refused by MaxDecodePixels.
	OnLowMemory func(err error)
	// OnDone runs once per job after its deliveries.
	OnDone func(Result)

	Metrics *metrics.Metrics
}

// Submission tells how Submit handled a target.
type Submission int

const (
	// Created means a new job was started for the target.
	Created Submission = iota
	// Attached means the target joined a running job.
	Attached
	// Duplicate means the target was already waiting on the running job.
	Duplicate
)

// Registry keeps at most one accepting job per URL.
//
// Lock order is Registry.mu then Job.mu; a job never calls back into the
// registry while holding its own lock.
type Registry struct {
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	jobs map[string]*Job
	g    errgroup.Group
}

func NewRegistry(cfg Config) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*Job),
	}
}

// Submit attaches t to the job for url, starting a new one when there is
// none or the current one no longer accepts targets.
func (r *Registry) Submit(url string, t Target, itemDate int64, ls model.LifeSpan) Submission {
	r.mu.Lock()
	defer r.mu.Unlock()

	if j, ok := r.jobs[url]; ok {
		if j.has(t) {
			return Duplicate
		}
		if j.add(t, itemDate, ls) {
			slog.Debug("Attached to download job", "url", url, "key", t.Key.String())
			return Attached
		}
	}

	j := newJob(url, &r.cfg)
	j.add(t, itemDate, ls)
	r.jobs[url] = j
	r.cfg.Metrics.JobStarted()
	r.g.Go(func() error {
		defer r.finished(j)
		j.run(r.ctx)
		return nil
	})
	slog.Debug("Started download job", "url", url, "key", t.Key.String())
	return Created
}

// Pending reports whether t is waiting on the job for url.
func (r *Registry) Pending(url string, t Target) bool {
	r.mu.Lock()
	j := r.jobs[url]
	r.mu.Unlock()
	return j != nil && j.has(t)
}

// Cancel removes the targets of h from the job for url. Each removed target
// is sent its placeholder before Cancel returns.
func (r *Registry) Cancel(h model.Handler, url string) bool {
	r.mu.Lock()
	j := r.jobs[url]
	r.mu.Unlock()
	if j == nil {
		return false
	}

	removed := j.remove(h)
	for _, t := range removed {
		r.cfg.Metrics.Delivery("cancelled")
		t.Handler.DrawDefault(url, t.Cookie)
	}
	return len(removed) > 0
}

// Job returns the job currently registered for url.
func (r *Registry) Job(url string) *Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jobs[url]
}

// Len returns the number of registered jobs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

// Wait blocks until every started job is done.
func (r *Registry) Wait() {
	_ = r.g.Wait()
}

// Close stops in-flight transfers and waits for the jobs to finish.
func (r *Registry) Close() {
	r.cancel()
	r.Wait()
}

func (r *Registry) finished(j *Job) {
	r.mu.Lock()
	if r.jobs[j.url] == j {
		delete(r.jobs, j.url)
	}
	r.mu.Unlock()
	r.cfg.Metrics.JobDone()
}
