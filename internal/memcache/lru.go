package memcache

import (
	"container/list"
	"image"
	"sync"
)

// LRU holds decoded images up to a total of MaxBytes, approximating each
// image as four bytes per pixel. The least recently used images go first.
type LRU struct {
	mu       sync.Mutex
	list     *list.List
	items    map[string]*list.Element
	size     int64
	maxBytes int64
	maxItem  int64
}

type entry struct {
	key  string
	img  image.Image
	size int64
}

// New creates an LRU bounded to maxBytes. Images larger than maxItem bytes are
// never kept; maxItem <= 0 means maxBytes/4.
func New(maxBytes, maxItem int64) *LRU {
	if maxItem <= 0 {
		maxItem = maxBytes / 4
	}
	return &LRU{
		list:     list.New(),
		items:    make(map[string]*list.Element),
		maxBytes: maxBytes,
		maxItem:  maxItem,
	}
}

// ImageSize is the footprint counted for img.
func ImageSize(img image.Image) int64 {
	b := img.Bounds()
	return int64(b.Dx()) * int64(b.Dy()) * 4
}

// Get returns the image stored under key and marks it as recently used.
func (l *LRU) Get(key string) image.Image {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if elem, ok := l.items[key]; ok {
		l.list.MoveToFront(elem)
		return elem.Value.(*entry).img
	}
	return nil
}

// Put stores img under key and returns it, or returns nil when img is too
// large to be kept.
func (l *LRU) Put(key string, img image.Image) image.Image {
	if l == nil || img == nil {
		return nil
	}
	size := ImageSize(img)
	if size > l.maxItem || size > l.maxBytes {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if elem, ok := l.items[key]; ok {
		ent := elem.Value.(*entry)
		l.size += size - ent.size
		ent.img = img
		ent.size = size
		l.list.MoveToFront(elem)
	} else {
		l.items[key] = l.list.PushFront(&entry{key: key, img: img, size: size})
		l.size += size
	}

	for l.size > l.maxBytes {
		l.removeElement(l.list.Back())
	}
	return img
}

// Remove drops key.
func (l *LRU) Remove(key string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if elem, ok := l.items[key]; ok {
		l.removeElement(elem)
	}
}

// Purge drops every image.
func (l *LRU) Purge() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.list.Init()
	l.items = make(map[string]*list.Element)
	l.size = 0
}

// Len returns the number of images and their total size.
func (l *LRU) Len() (int, int64) {
	if l == nil {
		return 0, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.list.Len(), l.size
}

func (l *LRU) removeElement(elem *list.Element) {
	ent := elem.Value.(*entry)
	l.list.Remove(elem)
	delete(l.items, ent.key)
	l.size -= ent.size
}
