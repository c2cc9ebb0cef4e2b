package picturecache

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pictureServer struct {
	*httptest.Server
	hits atomic.Int32

	mu    sync.Mutex
	pics  map[string][]byte
	gate  chan struct{}
	fails map[string]int
}

func newPictureServer(t *testing.T) *pictureServer {
	t.Helper()
	ps := &pictureServer{pics: make(map[string][]byte), fails: make(map[string]int)}
	ps.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ps.hits.Add(1)
		ps.mu.Lock()
		gate := ps.gate
		data, ok := ps.pics[r.URL.Path]
		status := ps.fails[r.URL.Path]
		ps.mu.Unlock()

		if gate != nil {
			select {
			case <-gate:
			case <-r.Context().Done():
				return
			}
		}
		if status != 0 {
			w.WriteHeader(status)
			return
		}
		if !ok {
			http.NotFound(w, r)
			return
		}
		if _, err := w.Write(data); err != nil {
			t.Errorf("failed to write picture: %v", err)
		}
	}))
	t.Cleanup(ps.Close)
	return ps
}

func (ps *pictureServer) add(t *testing.T, path string, w, h int, c color.Color) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	ps.mu.Lock()
	ps.pics[path] = buf.Bytes()
	ps.mu.Unlock()
	return ps.URL + path
}

func openCache(t *testing.T, dir string, mutate ...func(*Options)) *Cache {
	t.Helper()
	opts := Options{Dir: dir}
	for _, m := range mutate {
		m(&opts)
	}
	c, err := Open(t.Context(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitDelivery(t *testing.T, h *ResultHandler) Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d, err := h.Wait(ctx)
	require.NoError(t, err)
	return d
}

func TestRequestPictureCoalescesDownloads(t *testing.T) {
	ps := newPictureServer(t)
	url := ps.add(t, "/a.png", 40, 20, color.White)
	gate := make(chan struct{})
	ps.gate = gate

	c := openCache(t, t.TempDir())

	handlers := make([]*ResultHandler, 5)
	for i := range handlers {
		handlers[i] = NewResultHandler()
		status, err := c.RequestPicture(Request{URL: url, Dimension: 10}, handlers[i])
		require.NoError(t, err)
		assert.Equal(t, Pending, status)
	}
	close(gate)

	for _, h := range handlers {
		d := waitDelivery(t, h)
		require.False(t, d.Placeholder())
		assert.Equal(t, 10, d.Image.Bounds().Dy())
		assert.Equal(t, url, d.URL)
	}
	c.Wait()
	assert.EqualValues(t, 1, ps.hits.Load())

	key, err := c.Key(Request{URL: url, Dimension: 10}, handlers[0])
	require.NoError(t, err)
	item, ok := c.Item(key)
	require.True(t, ok)
	assert.Equal(t, url, item.URL)
	assert.NotEmpty(t, c.CachePath(key))
}

func TestRequestPictureSameHandlerIsUnchanged(t *testing.T) {
	ps := newPictureServer(t)
	url := ps.add(t, "/a.png", 8, 8, color.White)
	gate := make(chan struct{})
	ps.gate = gate

	c := openCache(t, t.TempDir())
	h := NewResultHandler()

	status, err := c.RequestPicture(Request{URL: url}, h)
	require.NoError(t, err)
	assert.Equal(t, Pending, status)

	status, err = c.RequestPicture(Request{URL: url}, h)
	require.NoError(t, err)
	assert.Equal(t, Unchanged, status)

	close(gate)
	waitDelivery(t, h)
	c.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = h.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "handler must be notified once")
}

func TestRequestPictureServedFromDiskAfterReopen(t *testing.T) {
	ps := newPictureServer(t)
	url := ps.add(t, "/a.png", 16, 16, color.White)
	dir := t.TempDir()

	c, err := Open(t.Context(), Options{Dir: dir})
	require.NoError(t, err)
	h := NewResultHandler()
	_, err = c.RequestPicture(Request{URL: url, LifeSpan: LongTerm}, h)
	require.NoError(t, err)
	waitDelivery(t, h)
	c.Wait()
	require.NoError(t, c.Close())

	c = openCache(t, dir)
	h = NewResultHandler()
	status, err := c.RequestPicture(Request{URL: url}, h)
	require.NoError(t, err)
	assert.Equal(t, Pending, status)
	d := waitDelivery(t, h)
	assert.False(t, d.Placeholder())
	assert.EqualValues(t, 1, ps.hits.Load())

	c.Wait()
	key, err := c.Key(Request{URL: url}, h)
	require.NoError(t, err)
	item, ok := c.Item(key)
	require.True(t, ok)
	assert.Equal(t, LongTerm, item.LifeSpan, "a shorter request must not demote")
}

func TestRequestPictureMemoryHit(t *testing.T) {
	ps := newPictureServer(t)
	url := ps.add(t, "/a.png", 16, 16, color.White)
	c := openCache(t, t.TempDir(), func(o *Options) { o.MemoryBytes = 1 << 20 })

	h := NewResultHandler()
	_, err := c.RequestPicture(Request{URL: url}, h)
	require.NoError(t, err)
	waitDelivery(t, h)
	c.Wait()

	h = NewResultHandler()
	status, err := c.RequestPicture(Request{URL: url}, h)
	require.NoError(t, err)
	assert.Equal(t, Delivered, status)
	assert.False(t, waitDelivery(t, h).Placeholder())
	assert.Equal(t, 1, c.Stats().MemoryImages)
}

func TestRequestPictureMemoryKeepsDimensionsApart(t *testing.T) {
	ps := newPictureServer(t)
	url := ps.add(t, "/tall.png", 100, 400, color.White)
	c := openCache(t, t.TempDir(), func(o *Options) { o.MemoryBytes = 16 << 20 })

	for _, dim := range []int{50, 200, 50} {
		h := NewResultHandler()
		_, err := c.RequestPicture(Request{URL: url, Dimension: dim}, h)
		require.NoError(t, err)
		d := waitDelivery(t, h)
		require.False(t, d.Placeholder())
		assert.Equal(t, dim, d.Image.Bounds().Dy(), "dimension %d", dim)
		c.Wait()
	}

	h := NewResultHandler()
	_, err := c.RequestPicture(Request{URL: url, Dimension: 50, StorageType: PNG}, h)
	require.NoError(t, err)
	assert.Equal(t, 50, waitDelivery(t, h).Image.Bounds().Dy())
	c.Wait()
	assert.Equal(t, 3, c.Stats().MemoryImages)
}

func TestRequestPictureByIdentity(t *testing.T) {
	ps := newPictureServer(t)
	url := ps.add(t, "/a.png", 8, 8, color.White)
	c := openCache(t, t.TempDir())

	h := NewResultHandler()
	_, err := c.RequestPicture(Request{URL: url, UUID: "profile-1"}, h)
	require.NoError(t, err)
	waitDelivery(t, h)
	c.Wait()

	h = NewResultHandler()
	_, err = c.RequestPicture(Request{UUID: "profile-1"}, h)
	require.NoError(t, err)
	d := waitDelivery(t, h)
	assert.False(t, d.Placeholder())
	assert.Equal(t, url, d.URL)

	h = NewResultHandler()
	status, err := c.RequestPicture(Request{UUID: "unknown"}, h)
	require.NoError(t, err)
	assert.Equal(t, Delivered, status)
	assert.True(t, waitDelivery(t, h).Placeholder())
}

func TestRequestPictureInvalid(t *testing.T) {
	c := openCache(t, t.TempDir())

	_, err := c.RequestPicture(Request{}, NewResultHandler())
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = c.RequestPicture(Request{URL: "http://example.com/a.png"}, nil)
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = c.RequestPicture(Request{URL: "http://example.com/a.png", Dimension: -1}, NewResultHandler())
	assert.ErrorIs(t, err, ErrInvalidKey)
}

type labelTransform string

func (l labelTransform) Apply(img image.Image) image.Image { return img }
func (l labelTransform) Variant() string                   { return string(l) }

func TestKeyVariantFollowsPersistTransform(t *testing.T) {
	c := openCache(t, t.TempDir())
	const url = "http://example.com/a.png"

	plain := NewResultHandler()
	rounded := NewResultHandler()
	rounded.Persist = labelTransform("_r")
	blurred := NewResultHandler()
	blurred.Persist = labelTransform("_b")

	k, err := c.Key(Request{URL: url}, rounded)
	require.NoError(t, err)
	assert.Equal(t, "_r", k.Variant())

	k, err = c.Key(Request{URL: url, Variant: "_r"}, rounded)
	require.NoError(t, err)
	assert.Equal(t, "_r", k.Variant())

	kb, err := c.Key(Request{URL: url}, blurred)
	require.NoError(t, err)
	assert.False(t, k.Equal(kb), "different persist transforms must not share a key")

	_, err = c.RequestPicture(Request{URL: url, Variant: "_r"}, blurred)
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = c.RequestPicture(Request{URL: url, Variant: "_r"}, plain)
	assert.ErrorIs(t, err, ErrInvalidKey)
	assert.Empty(t, plain.LoadingURL(), "rejected requests do not touch the handler")
}

func TestRequestPictureLocalSources(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	path := filepath.Join(t.TempDir(), "local.png")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))

	c := openCache(t, t.TempDir())
	h := NewResultHandler()
	_, err := c.RequestPicture(Request{URL: path}, h)
	require.NoError(t, err)
	assert.True(t, waitDelivery(t, h).Placeholder(), "local sources are off by default")
	c.Wait()

	c = openCache(t, t.TempDir(), func(o *Options) { o.AllowLocalSources = true })
	for _, src := range []string{path, "file://" + path} {
		h = NewResultHandler()
		_, err = c.RequestPicture(Request{URL: src}, h)
		require.NoError(t, err)
		assert.False(t, waitDelivery(t, h).Placeholder(), src)
	}
	c.Wait()
}

func TestRequestPictureOffline(t *testing.T) {
	ps := newPictureServer(t)
	url := ps.add(t, "/a.png", 8, 8, color.White)
	c := openCache(t, t.TempDir())

	h := NewResultHandler()
	h.Offline = true
	_, err := c.RequestPicture(Request{URL: url}, h)
	require.NoError(t, err)
	assert.True(t, waitDelivery(t, h).Placeholder())
	assert.EqualValues(t, 0, ps.hits.Load())
}

func TestRequestPictureFetchFailure(t *testing.T) {
	ps := newPictureServer(t)
	ps.fails["/broken.png"] = http.StatusInternalServerError
	c := openCache(t, t.TempDir())

	h := NewResultHandler()
	_, err := c.RequestPicture(Request{URL: ps.URL + "/broken.png"}, h)
	require.NoError(t, err)
	assert.True(t, waitDelivery(t, h).Placeholder())
	c.Wait()
	assert.Equal(t, 0, c.Stats().Usage[0].Count)
}

func TestRequestPictureArchivesOutdatedContent(t *testing.T) {
	ps := newPictureServer(t)
	oldURL := ps.add(t, "/v1.png", 8, 8, color.White)
	newURL := ps.add(t, "/v2.png", 8, 8, color.Black)
	c := openCache(t, t.TempDir())

	h := NewResultHandler()
	_, err := c.RequestPicture(Request{URL: oldURL, UUID: "avatar", ItemDate: 10, LifeSpan: LongTerm}, h)
	require.NoError(t, err)
	waitDelivery(t, h)
	c.Wait()

	h = NewResultHandler()
	_, err = c.RequestPicture(Request{URL: newURL, UUID: "avatar", ItemDate: 20, LifeSpan: LongTerm}, h)
	require.NoError(t, err)
	assert.False(t, waitDelivery(t, h).Placeholder())
	c.Wait()
	assert.EqualValues(t, 2, ps.hits.Load())

	key, err := c.Key(Request{UUID: "avatar"}, h)
	require.NoError(t, err)
	current, ok := c.Item(key)
	require.True(t, ok)
	assert.Equal(t, newURL, current.URL)

	archivedKey, err := key.WithUUID(DeriveOldUUID("avatar", oldURL))
	require.NoError(t, err)
	archived, ok := c.Item(archivedKey)
	require.True(t, ok)
	assert.Equal(t, oldURL, archived.URL)
	assert.Equal(t, ShortTerm, archived.LifeSpan)
	assert.FileExists(t, archived.Path)

	// An older request reads the archive instead of overwriting the current picture.
	h = NewResultHandler()
	_, err = c.RequestPicture(Request{URL: oldURL, UUID: "avatar", ItemDate: 5}, h)
	require.NoError(t, err)
	waitDelivery(t, h)
	c.Wait()
	assert.EqualValues(t, 2, ps.hits.Load())
	current, _ = c.Item(key)
	assert.Equal(t, newURL, current.URL)
}

func TestCancelSendsPlaceholder(t *testing.T) {
	ps := newPictureServer(t)
	url := ps.add(t, "/a.png", 8, 8, color.White)
	gate := make(chan struct{})
	ps.gate = gate
	defer close(gate)

	c := openCache(t, t.TempDir())
	h := NewResultHandler()
	_, err := c.RequestPicture(Request{URL: url}, h)
	require.NoError(t, err)

	c.RemoveLoader(h, "")
	assert.True(t, waitDelivery(t, h).Placeholder())
	assert.Empty(t, h.LoadingURL())
}

func TestEvictionAfterThreshold(t *testing.T) {
	ps := newPictureServer(t)
	c := openCache(t, t.TempDir(), func(o *Options) {
		o.PurgeThreshold = 2
		o.Budget = func(ls LifeSpan) int64 {
			if ls == ShortTerm {
				return 1
			}
			return 0
		}
	})

	for _, p := range []string{"/a.png", "/b.png"} {
		url := ps.add(t, p, 8, 8, color.White)
		h := NewResultHandler()
		_, err := c.RequestPicture(Request{URL: url}, h)
		require.NoError(t, err)
		waitDelivery(t, h)
		c.Wait()
	}
	url := ps.add(t, "/keep.png", 8, 8, color.White)
	h := NewResultHandler()
	_, err := c.RequestPicture(Request{URL: url, LifeSpan: Eternal}, h)
	require.NoError(t, err)
	waitDelivery(t, h)
	c.Wait()

	usage := c.Stats().Usage
	assert.Equal(t, 0, usage[ShortTerm].Count)
	assert.Equal(t, 1, usage[Eternal].Count)
}

func TestClearAll(t *testing.T) {
	ps := newPictureServer(t)
	url := ps.add(t, "/a.png", 8, 8, color.White)
	c := openCache(t, t.TempDir(), func(o *Options) { o.MemoryBytes = 1 << 20 })

	h := NewResultHandler()
	_, err := c.RequestPicture(Request{URL: url}, h)
	require.NoError(t, err)
	waitDelivery(t, h)
	c.Wait()

	key, err := c.Key(Request{URL: url}, h)
	require.NoError(t, err)
	path := c.CachePath(key)
	require.NotEmpty(t, path)

	require.NoError(t, c.ClearAll())
	assert.Empty(t, c.CachePath(key))
	assert.NoFileExists(t, path)
	assert.Equal(t, 0, c.Stats().MemoryImages)

	// The cache keeps working after a clear.
	h = NewResultHandler()
	_, err = c.RequestPicture(Request{URL: url}, h)
	require.NoError(t, err)
	assert.False(t, waitDelivery(t, h).Placeholder())
}

func TestSaveCopy(t *testing.T) {
	ps := newPictureServer(t)
	url := ps.add(t, "/a.png", 8, 8, color.White)
	c := openCache(t, t.TempDir())

	h := NewResultHandler()
	_, err := c.RequestPicture(Request{URL: url, StorageType: PNG}, h)
	require.NoError(t, err)
	waitDelivery(t, h)
	c.Wait()

	key, err := c.Key(Request{URL: url, StorageType: PNG}, h)
	require.NoError(t, err)
	dst := filepath.Join(t.TempDir(), "copy.png")
	require.NoError(t, c.SaveCopy(key, dst))

	f, err := os.Open(dst)
	require.NoError(t, err)
	defer f.Close()
	_, err = png.Decode(f)
	require.NoError(t, err)

	missing, err := c.Key(Request{URL: "http://example.com/missing.png"}, h)
	require.NoError(t, err)
	assert.True(t, errors.Is(c.SaveCopy(missing, dst), ErrStorageFailed))
}

func TestOpenLocksDirectory(t *testing.T) {
	dir := t.TempDir()
	openCache(t, dir)
	_, err := Open(t.Context(), Options{Dir: dir})
	assert.ErrorIs(t, err, ErrLocked)
}

func TestPrecache(t *testing.T) {
	ps := newPictureServer(t)
	a := ps.add(t, "/a.png", 8, 8, color.White)
	b := ps.add(t, "/b.png", 8, 8, color.White)
	c := openCache(t, t.TempDir())

	out, err := c.Precache(t.Context(), []Request{{URL: a}, {URL: b}, {}}, nil)
	assert.ErrorIs(t, err, ErrInvalidKey)
	require.Len(t, out, 3)
	assert.False(t, out[0].Placeholder())
	assert.False(t, out[1].Placeholder())
	assert.True(t, out[2].Placeholder())
}
