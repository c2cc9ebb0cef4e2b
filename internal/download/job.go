package download

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/lucasew/picturecache/internal/errutil"
	"github.com/lucasew/picturecache/internal/imaging"
	"github.com/lucasew/picturecache/internal/metrics"
	"github.com/lucasew/picturecache/internal/model"
)

// State is the life cycle stage of a Job.
type State int

const (
	// Collecting accepts new targets; the job has not started yet.
	Collecting State = iota
	// Running accepts new targets while the source is fetched and processed.
	Running
	// Finalizing freezes the targets and delivers results.
	Finalizing
	// Done means every target was notified.
	Done
)

func (s State) String() string {
	switch s {
	case Collecting:
		return "collecting"
	case Running:
		return "running"
	case Finalizing:
		return "finalizing"
	case Done:
		return "done"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var errDownloadNotAllowed = errors.New("download not allowed")

// Target is a handler waiting for the variant key of a job's URL.
type Target struct {
	Handler model.Handler
	Key     model.CacheKey
	Cookie  any
}

func (t Target) same(o Target) bool {
	return t.Handler == o.Handler && t.Key.Equal(o.Key)
}

// Result is handed to Config.OnDone once per job, after every delivery.
type Result struct {
	URL      string
	ItemDate int64
	LifeSpan model.LifeSpan
	// Variants are the files written by this job.
	Variants []model.CacheVariant
	// Hits are the keys served from an existing cache file.
	Hits []model.CacheKey
	// Err is the job-wide failure: ErrAborted or the fetch error.
	Err error
}

// Job fetches one URL at most once and renders it for every target.
type Job struct {
	url string
	cfg *Config

	mu       sync.Mutex
	state    State
	targets  []Target
	itemDate int64
	lifeSpan model.LifeSpan
}

func newJob(url string, cfg *Config) *Job {
	return &Job{url: url, cfg: cfg}
}

// URL returns the source of the job.
func (j *Job) URL() string { return j.url }

// State returns the current state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// add registers t. It reports false once the job is finalizing; duplicates
// are accepted without being added twice.
func (j *Job) add(t Target, itemDate int64, ls model.LifeSpan) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state >= Finalizing {
		return false
	}
	j.itemDate = max(j.itemDate, itemDate)
	j.lifeSpan = j.lifeSpan.Longest(ls)
	if !slices.ContainsFunc(j.targets, t.same) {
		j.targets = append(j.targets, t)
	}
	return true
}

// has reports whether t is still waiting on this job.
func (j *Job) has(t Target) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state < Done && slices.ContainsFunc(j.targets, t.same)
}

// remove drops every target of h and returns them.
func (j *Job) remove(h model.Handler) []Target {
	j.mu.Lock()
	defer j.mu.Unlock()
	var removed []Target
	j.targets = slices.DeleteFunc(j.targets, func(t Target) bool {
		if t.Handler == h {
			removed = append(removed, t)
			return true
		}
		return false
	})
	return removed
}

// claim removes t so that it is delivered exactly once.
func (j *Job) claim(t Target) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	i := slices.IndexFunc(j.targets, t.same)
	if i < 0 {
		return false
	}
	j.targets = slices.Delete(j.targets, i, i+1)
	return true
}

func (j *Job) setState(s State) {
	j.mu.Lock()
	j.state = s
	j.mu.Unlock()
}

// checkpoint aborts the job once every target has left.
func (j *Job) checkpoint() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.targets) == 0 {
		return fmt.Errorf("%w: %s", model.ErrAborted, j.url)
	}
	return nil
}

// next returns the targets of the first key not processed yet. When none is
// left the job stops accepting targets in the same critical section, so a
// late Submit starts a fresh job instead of attaching to this one.
func (j *Job) next(processed map[string]bool) (model.CacheKey, []Target, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.targets) == 0 {
		return model.CacheKey{}, nil, fmt.Errorf("%w: %s", model.ErrAborted, j.url)
	}
	var key model.CacheKey
	var group []Target
	for _, t := range j.targets {
		if processed[t.Key.String()] {
			continue
		}
		if key.IsZero() {
			key = t.Key
		}
		if t.Key.Equal(key) {
			group = append(group, t)
		}
	}
	if key.IsZero() {
		j.state = Finalizing
	}
	return key, group, nil
}

// runState is owned by the goroutine running the job.
type runState struct {
	tmp      string
	fetchErr error
	probed   bool
	src      image.Config
	results  map[string]image.Image
	variants []model.CacheVariant
	hits     []model.CacheKey
}

func (j *Job) run(ctx context.Context) {
	j.setState(Running)
	st := &runState{results: make(map[string]image.Image)}
	defer func() {
		if st.tmp != "" {
			_ = os.Remove(st.tmp)
		}
	}()

	err := j.process(ctx, st)
	if err == nil {
		err = st.fetchErr
	}
	errutil.Log(err, "Download job failed", "url", j.url)

	j.finalize(st.results)

	j.mu.Lock()
	res := Result{URL: j.url, ItemDate: j.itemDate, LifeSpan: j.lifeSpan, Variants: st.variants, Hits: st.hits, Err: err}
	j.state = Done
	j.mu.Unlock()

	if j.cfg.OnDone != nil {
		j.cfg.OnDone(res)
	}
}

// process renders every key once, in submission order. Only an abort stops it.
func (j *Job) process(ctx context.Context, st *runState) error {
	processed := make(map[string]bool)
	for {
		key, group, err := j.next(processed)
		if err != nil {
			return err
		}
		if key.IsZero() {
			return nil
		}
		processed[key.String()] = true

		img, err := j.render(ctx, key, group, st)
		if errors.Is(err, model.ErrAborted) {
			return err
		}
		if errors.Is(err, model.ErrOutOfMemory) {
			j.cfg.Metrics.OutOfMemory()
			if j.cfg.OnLowMemory != nil {
				j.cfg.OnLowMemory(err)
			}
		}
		if errors.Is(err, errDownloadNotAllowed) {
			slog.Debug("Download not allowed for picture", "url", j.url, "key", key.String())
			continue
		}
		if err != nil {
			errutil.Log(err, "Cannot render picture", "url", j.url, "key", key.String())
			continue
		}
		st.results[key.String()] = img
	}
}

// render produces the bitmap for key, reading the cached file when it is
// valid and the downloaded source otherwise.
func (j *Job) render(ctx context.Context, key model.CacheKey, group []Target, st *runState) (image.Image, error) {
	if item, ok := j.cfg.Store.ValidItem(key); ok {
		img, err := j.decodeCached(item.Path, key)
		if err == nil {
			st.hits = append(st.hits, key)
			return img, nil
		}
		errutil.LogMsg(err, "Cached picture unreadable, downloading again", "key", key.String())
	}

	if !slices.ContainsFunc(group, func(t Target) bool { return t.Handler.IsDownloadAllowed() }) {
		return nil, errDownloadNotAllowed
	}
	if err := j.fetchOnce(ctx, st); err != nil {
		return nil, err
	}
	if err := j.checkpoint(); err != nil {
		return nil, err
	}

	if !st.probed {
		cfg, err := imaging.Probe(st.tmp)
		if err != nil {
			return nil, err
		}
		st.src, st.probed = cfg, true
	}

	start := time.Now()
	finalHeight := key.FinalHeight(st.src.Width, st.src.Height)
	img, err := imaging.Decode(st.tmp, imaging.SampleSize(st.src.Height, finalHeight), j.cfg.MaxDecodePixels)
	if err != nil {
		return nil, err
	}
	img, err = imaging.Scale(img, finalHeight, j.cfg.MaxDecodePixels)
	if err != nil {
		return nil, err
	}
	if t := group[0].Handler.PersistTransform(); t != nil {
		img = t.Apply(img)
	}
	j.cfg.Metrics.Tracker().Since(metrics.StageDecode, start)

	start = time.Now()
	path, err := j.cfg.Store.FilePath(key)
	if err == nil {
		err = imaging.WriteFile(path, img, key.StorageType())
	}
	if err != nil {
		// The bitmap is still delivered, it just is not cached.
		errutil.ReportError(err, "Cannot store picture", "url", j.url, "key", key.String())
		return img, nil
	}
	j.cfg.Metrics.Tracker().Since(metrics.StageEncode, start)
	j.cfg.Metrics.VariantWritten()
	st.variants = append(st.variants, model.CacheVariant{Path: path, Key: key})
	slog.Debug("Stored variant", "url", j.url, "key", key.String(), "path", path)
	return img, nil
}

func (j *Job) decodeCached(path string, key model.CacheKey) (image.Image, error) {
	img, err := imaging.Decode(path, 1, j.cfg.MaxDecodePixels)
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	return imaging.Scale(img, key.FinalHeight(b.Dx(), b.Dy()), j.cfg.MaxDecodePixels)
}

// fetchOnce downloads the source into a temp file the first time it is
// called. Later calls return the first outcome.
func (j *Job) fetchOnce(ctx context.Context, st *runState) error {
	if st.tmp != "" || st.fetchErr != nil {
		return st.fetchErr
	}

	f, err := j.cfg.Store.CreateTemp()
	if err != nil {
		st.fetchErr = err
		return err
	}
	st.tmp = f.Name()

	start := time.Now()
	n, err := j.cfg.Fetcher.Fetch(ctx, j.url, f, j.checkpoint)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("%w: %v", model.ErrFetchFailed, cerr)
	}
	j.cfg.Metrics.Tracker().Since(metrics.StageFetch, start)

	switch {
	case errors.Is(err, model.ErrAborted):
		j.cfg.Metrics.Fetch("aborted", n)
		// Not cached in fetchErr: the caller stops on it.
		return err
	case err != nil:
		j.cfg.Metrics.Fetch("failed", n)
		st.fetchErr = err
		return err
	}
	j.cfg.Metrics.Fetch("ok", n)
	slog.Info("Downloaded picture", "url", j.url, "size", n, "duration", time.Since(start))
	return nil
}

// finalize freezes the targets and notifies each of them exactly once.
// Handlers run without the job lock held.
func (j *Job) finalize(results map[string]image.Image) {
	j.mu.Lock()
	j.state = Finalizing
	snapshot := slices.Clone(j.targets)
	j.mu.Unlock()

	for _, t := range snapshot {
		if !j.claim(t) {
			continue
		}
		j.deliver(t, results[t.Key.String()])
	}
}

func (j *Job) deliver(t Target, img image.Image) {
	defer func() {
		if r := recover(); r != nil {
			errutil.ReportError(fmt.Errorf("panic: %v", r), "Picture handler failed", "url", j.url, "key", t.Key.String())
		}
	}()

	if img == nil {
		j.cfg.Metrics.Delivery("placeholder")
		t.Handler.DrawDefault(j.url, t.Cookie)
		return
	}
	if dt := t.Handler.DisplayTransform(); dt != nil {
		img = dt.Apply(img)
	}
	if j.cfg.Memory != nil && t.Handler.CanKeepInMemory(img) {
		if cached := j.cfg.Memory.Put(model.MemoryKey(t.Key, j.url, t.Handler), img); cached != nil {
			img = cached
		}
	}
	j.cfg.Metrics.Delivery("bitmap")
	t.Handler.DrawBitmap(img, j.url, t.Cookie)
}
