package model

import "image"

// Transform rewrites a decoded image. Variant names the result: a persist
// transform's variant is part of the CacheKey, a display transform's variant
// is appended to in-memory cache keys. Transforms reporting the same variant
// must produce the same image.
type Transform interface {
	Apply(img image.Image) image.Image
	Variant() string
}

// Handler receives the outcome of a picture request. Implementations are
// provided by the caller (a view binding, a headless precache target, an HTTP
// response...) and must be comparable: a job deduplicates its targets on the
// (key, handler) pair.
//
// Draw calls may come from any goroutine.
type Handler interface {
	DrawBitmap(img image.Image, url string, cookie any)
	DrawDefault(url string, cookie any)

	// SetLoadingURL records the URL the handler now waits for and returns the
	// previous one.
	SetLoadingURL(url string) (previous string)

	// PersistTransform is baked into the stored file. May be nil.
	PersistTransform() Transform
	// DisplayTransform is applied before each delivery and never stored. May be nil.
	DisplayTransform() Transform

	IsDownloadAllowed() bool
	CanKeepInMemory(img image.Image) bool
}

// MemoryKey is the decoded-image cache key for a handler rendering key from
// url. The key's serialized form already carries the dimension, the storage
// type and the persist variant, so only the display variant is appended.
func MemoryKey(key CacheKey, url string, h Handler) string {
	s := key.String() + "|" + url
	if h == nil {
		return s
	}
	if t := h.DisplayTransform(); t != nil {
		s += "|" + t.Variant()
	}
	return s
}
