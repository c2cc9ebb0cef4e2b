package memcache

import (
	"image"
	"testing"
)

func img(w, h int) image.Image {
	return image.NewRGBA(image.Rect(0, 0, w, h))
}

func TestLRU(t *testing.T) {
	// 10x10 images count 400 bytes each.
	l := New(1200, 400)

	l.Put("a", img(10, 10))
	l.Put("b", img(10, 10))
	l.Put("c", img(10, 10))

	// Order: c, b, a (most recent first)
	if l.Get("a") == nil {
		t.Fatalf("expected a to be cached")
	}
	// Order: a, c, b

	l.Put("d", img(10, 10))
	if l.Get("b") != nil {
		t.Errorf("expected b to be evicted")
	}
	for _, k := range []string{"a", "c", "d"} {
		if l.Get(k) == nil {
			t.Errorf("expected %s to be cached", k)
		}
	}
	if n, size := l.Len(); n != 3 || size != 1200 {
		t.Errorf("expected 3 items / 1200 bytes, got %d / %d", n, size)
	}
}

func TestLRU_TooLarge(t *testing.T) {
	l := New(1200, 400)
	if got := l.Put("big", img(20, 20)); got != nil {
		t.Errorf("expected image over the item limit to be rejected")
	}
	if l.Get("big") != nil {
		t.Errorf("rejected image must not be cached")
	}
}

func TestLRU_Remove(t *testing.T) {
	l := New(1200, 400)
	l.Put("a", img(10, 10))
	l.Remove("a")
	if n, size := l.Len(); n != 0 || size != 0 {
		t.Errorf("expected empty cache after remove, got %d / %d", n, size)
	}
	l.Put("a", img(10, 10))
	l.Purge()
	if l.Get("a") != nil {
		t.Errorf("expected empty cache after purge")
	}
}

func TestLRU_Nil(t *testing.T) {
	var l *LRU
	if l.Put("a", img(1, 1)) != nil || l.Get("a") != nil {
		t.Errorf("nil cache must not store anything")
	}
}
