package picturecache

import (
	"context"
	"errors"
	"image"
	"sync"
)

// Delivery is one notification received by a ResultHandler.
type Delivery struct {
	Image  image.Image
	URL    string
	Cookie any
}

// Placeholder reports whether the handler was told to draw its default
// picture instead of a bitmap.
func (d Delivery) Placeholder() bool { return d.Image == nil }

// ResultHandler is a headless Handler that queues its notifications. It is
// meant for callers without a view: HTTP responses, precaching, tests.
type ResultHandler struct {
	Persist Transform
	Display Transform
	// Offline forbids downloads: only cached pictures are delivered.
	Offline bool
	// NoMemory keeps delivered bitmaps out of the decoded-image cache.
	NoMemory bool

	mu         sync.Mutex
	loading    string
	deliveries []Delivery
	signal     chan struct{}
}

func NewResultHandler() *ResultHandler {
	return &ResultHandler{signal: make(chan struct{}, 1)}
}

func (h *ResultHandler) push(d Delivery) {
	h.mu.Lock()
	h.deliveries = append(h.deliveries, d)
	h.mu.Unlock()
	select {
	case h.signal <- struct{}{}:
	default:
	}
}

func (h *ResultHandler) DrawBitmap(img image.Image, url string, cookie any) {
	h.push(Delivery{Image: img, URL: url, Cookie: cookie})
}

func (h *ResultHandler) DrawDefault(url string, cookie any) {
	h.push(Delivery{URL: url, Cookie: cookie})
}

func (h *ResultHandler) SetLoadingURL(url string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.loading
	h.loading = url
	return prev
}

// LoadingURL returns the URL the handler last asked for.
func (h *ResultHandler) LoadingURL() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loading
}

func (h *ResultHandler) PersistTransform() Transform { return h.Persist }
func (h *ResultHandler) DisplayTransform() Transform { return h.Display }
func (h *ResultHandler) IsDownloadAllowed() bool     { return !h.Offline }

func (h *ResultHandler) CanKeepInMemory(image.Image) bool { return !h.NoMemory }

// Wait returns the oldest delivery not returned yet, blocking until one
// arrives or ctx is done.
func (h *ResultHandler) Wait(ctx context.Context) (Delivery, error) {
	for {
		h.mu.Lock()
		if len(h.deliveries) > 0 {
			d := h.deliveries[0]
			h.deliveries = h.deliveries[1:]
			h.mu.Unlock()
			return d, nil
		}
		h.mu.Unlock()

		select {
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		case <-h.signal:
		}
	}
}

// Precache requests every picture of reqs, stored with the persist transform
// (may be nil), and waits for all of them. It returns one delivery per
// request, in order. Invalid requests are reported in the joined error and get
// a zero Delivery.
func (c *Cache) Precache(ctx context.Context, reqs []Request, persist Transform) ([]Delivery, error) {
	handlers := make([]*ResultHandler, len(reqs))
	var errs []error
	for i, req := range reqs {
		h := NewResultHandler()
		h.Persist = persist
		if _, err := c.RequestPicture(req, h); err != nil {
			errs = append(errs, err)
			continue
		}
		handlers[i] = h
	}

	out := make([]Delivery, len(reqs))
	for i, h := range handlers {
		if h == nil {
			continue
		}
		d, err := h.Wait(ctx)
		if err != nil {
			c.RemoveLoader(h, "")
			errs = append(errs, err)
			continue
		}
		out[i] = d
	}
	return out, errors.Join(errs...)
}
