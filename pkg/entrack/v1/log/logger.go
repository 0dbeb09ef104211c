// Package log defines the logging contract shared by entrack components.
package log

import (
	"context"
	"log/slog"
)

// Logger is the logging surface every entrack component receives through its
// constructor. Implementations decide the sink and format.
type Logger interface {
	// Printf-style helpers, one per level.
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	// Errorf logs at ERROR. When the last argument is an error, implementations
	// should attach it as structured attributes as well.
	Errorf(format string, args ...interface{})

	// Log emits a structured record with key-value attributes.
	Log(level slog.Level, msg string, args ...interface{})
	// LogCtx is Log with a context, so span identifiers can be attached.
	LogCtx(ctx context.Context, level slog.Level, msg string, args ...interface{})

	// With returns a child logger carrying the given attributes.
	With(args ...interface{}) Logger
	// WithError returns a child logger carrying err as attributes.
	WithError(err error) Logger
	// IsEnabled reports whether records at level would be emitted.
	IsEnabled(level slog.Level) bool
}
