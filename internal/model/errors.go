package model

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidKey is returned when a request does not carry a usable identity.
	ErrInvalidKey = errors.New("invalid cache key")

	// ErrFetchFailed covers transport failures: unknown host, malformed URL,
	// non-200 status and I/O errors while reading the body.
	ErrFetchFailed = errors.New("fetch failed")

	// ErrDecodeFailed is returned for corrupt or empty image data.
	ErrDecodeFailed = errors.New("decode failed")

	// ErrOutOfMemory is returned when decoding or scaling would exceed the
	// configured pixel budget.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrStorageFailed is returned when a cache file cannot be written, moved
	// or removed.
	ErrStorageFailed = errors.New("storage failed")

	// ErrAborted signals that a download job lost all of its targets.
	ErrAborted = errors.New("download aborted")
)

// HTTPStatusError is returned when a source responds with a non-200 status code.
type HTTPStatusError struct {
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.StatusCode)
}
