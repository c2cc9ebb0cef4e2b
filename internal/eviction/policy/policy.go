package policy

import "github.com/lucasew/picturecache/internal/errutil"

// Policy defines the interface for checking if eviction is needed.
type Policy interface {
	// BytesToFree returns the number of bytes that should be evicted from a
	// lifespan currently holding currentSize bytes. Returns 0 if no eviction
	// is needed.
	BytesToFree(currentSize int64) (int64, error)
}

// BytesToFree returns the largest amount any of policies asks for. Failing
// policies are logged and skipped.
func BytesToFree(currentSize int64, policies ...Policy) int64 {
	var maxToFree int64
	for _, p := range policies {
		toFree, err := p.BytesToFree(currentSize)
		if err != nil {
			errutil.ReportError(err, "Failed to check capacity policy")
			continue
		}
		if toFree > maxToFree {
			maxToFree = toFree
		}
	}
	return maxToFree
}
