package minfree

import (
	"fmt"
	"log/slog"
	"syscall"
)

// Policy asks for eviction while the filesystem holding Path has less than
// MinFreeBytes available. The request is capped at the size of the lifespan
// it is applied to.
type Policy struct {
	Path         string
	MinFreeBytes int64

	// FreeSpace overrides the statfs lookup.
	FreeSpace func(path string) (int64, error)
}

func (m *Policy) BytesToFree(currentSize int64) (int64, error) {
	if m.MinFreeBytes <= 0 {
		return 0, nil
	}
	free := m.FreeSpace
	if free == nil {
		free = statfsFree
	}
	freeSpace, err := free(m.Path)
	if err != nil {
		return 0, err
	}

	slog.Debug("Disk space check", "path", m.Path, "free_bytes", freeSpace, "min_required", m.MinFreeBytes)

	if freeSpace >= m.MinFreeBytes {
		return 0, nil
	}
	return min(m.MinFreeBytes-freeSpace, currentSize), nil
}

func statfsFree(path string) (int64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, fmt.Errorf("failed to check disk space: %w", err)
	}
	return int64(stat.Bavail) * int64(stat.Bsize), nil
}
