package errutil

import (
	"context"
	"errors"
	"log/slog"

	"github.com/lucasew/picturecache/internal/model"
)

// LogMsg logs the error with a custom message if it is not nil.
func LogMsg(err error, msg string, args ...any) {
	if err != nil {
		allArgs := append([]any{"error", err}, args...)
		slog.Warn(msg, allArgs...)
	}
}

// ReportError logs an unexpected error.
// It funnels errors through a centralized reporting mechanism (currently slog).
func ReportError(err error, msg string, args ...any) {
	if err != nil {
		allArgs := append([]any{"error", err}, args...)
		slog.Error(msg, allArgs...)
	}
}

// Level maps an error to the level it is logged at. Aborts are expected,
// transport and decode failures degrade a single target, anything else is
// unexpected.
func Level(err error) slog.Level {
	switch {
	case errors.Is(err, model.ErrAborted):
		return slog.LevelDebug
	case errors.Is(err, model.ErrFetchFailed),
		errors.Is(err, model.ErrDecodeFailed),
		errors.Is(err, model.ErrOutOfMemory),
		errors.Is(err, model.ErrInvalidKey):
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// Log logs a non-nil error at the level Level picks for it.
func Log(err error, msg string, args ...any) {
	if err != nil {
		allArgs := append([]any{"error", err}, args...)
		slog.Log(context.Background(), Level(err), msg, allArgs...)
	}
}
