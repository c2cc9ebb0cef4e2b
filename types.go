package picturecache

import (
	"github.com/lucasew/picturecache/internal/model"
	"github.com/lucasew/picturecache/internal/store"
)

type (
	CacheKey     = model.CacheKey
	CacheItem    = model.CacheItem
	CacheVariant = model.CacheVariant
	LifeSpan     = model.LifeSpan
	StorageType  = model.StorageType
	Handler      = model.Handler
	Transform    = model.Transform

	HTTPStatusError = model.HTTPStatusError
)

const (
	ShortTerm = model.ShortTerm
	LongTerm  = model.LongTerm
	Eternal   = model.Eternal

	Auto = model.Auto
	PNG  = model.PNG
	JPEG = model.JPEG
)

var (
	// ErrInvalidKey is returned when a request carries neither a URL nor a UUID.
	ErrInvalidKey = model.ErrInvalidKey
	// ErrFetchFailed wraps every transport failure.
	ErrFetchFailed   = model.ErrFetchFailed
	ErrDecodeFailed  = model.ErrDecodeFailed
	ErrOutOfMemory   = model.ErrOutOfMemory
	ErrStorageFailed = model.ErrStorageFailed
	// ErrAborted is reported when every handler left a download.
	ErrAborted = model.ErrAborted
	// ErrLocked is returned by Open when another process uses the directory.
	ErrLocked = store.ErrLocked
)

// ParseKey parses the string form of a CacheKey.
func ParseKey(s string) (CacheKey, error) { return model.ParseKey(s) }

// ParseLifeSpan parses "shortterm", "longterm" or "eternal".
func ParseLifeSpan(s string) (LifeSpan, error) { return model.ParseLifeSpan(s) }

// ParseStorageType parses "auto", "png" or "jpeg".
func ParseStorageType(s string) (StorageType, error) { return model.ParseStorageType(s) }
