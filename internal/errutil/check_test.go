package errutil

import (
	"fmt"
	"log/slog"
	"testing"

	"github.com/lucasew/picturecache/internal/model"
)

func TestLevel(t *testing.T) {
	tests := []struct {
		err  error
		want slog.Level
	}{
		{fmt.Errorf("%w: job for x", model.ErrAborted), slog.LevelDebug},
		{fmt.Errorf("%w: 404", model.ErrFetchFailed), slog.LevelWarn},
		{model.ErrDecodeFailed, slog.LevelWarn},
		{model.ErrOutOfMemory, slog.LevelWarn},
		{fmt.Errorf("%w: rename", model.ErrStorageFailed), slog.LevelError},
		{fmt.Errorf("boom"), slog.LevelError},
	}
	for _, tt := range tests {
		if got := Level(tt.err); got != tt.want {
			t.Errorf("Level(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
