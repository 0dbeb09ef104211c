package logger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	entrackerrors "github.com/gxo-labs/entrack/pkg/entrack/v1/errors"
	entracklog "github.com/gxo-labs/entrack/pkg/entrack/v1/log"
	"go.opentelemetry.io/otel/trace"
)

const defaultLevel = slog.LevelInfo

// parseLogLevel maps case-insensitive level names onto slog levels.
func parseLogLevel(levelStr string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(levelStr)) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return defaultLevel
	}
}

// slogLogger implements entracklog.Logger on top of log/slog.
type slogLogger struct {
	*slog.Logger
}

var _ entracklog.Logger = (*slogLogger)(nil)

// NewLogger builds a Logger at the given level writing "text" or "json"
// records to writer (os.Stderr when nil). Records carry trace and span ids
// when the logging context holds a valid span.
func NewLogger(levelStr string, formatStr string, writer io.Writer) entracklog.Logger {
	if writer == nil {
		writer = os.Stderr
	}
	opts := &slog.HandlerOptions{
		Level:       parseLogLevel(levelStr),
		ReplaceAttr: replaceLevelAttribute,
	}

	var base slog.Handler
	if strings.EqualFold(formatStr, "json") {
		base = slog.NewJSONHandler(writer, opts)
	} else {
		base = slog.NewTextHandler(writer, opts)
	}
	return &slogLogger{Logger: slog.New(NewOtelHandler(base))}
}

// NewDefaultLogger is a text logger on stderr.
func NewDefaultLogger(levelStr string) entracklog.Logger {
	return NewLogger(levelStr, "text", os.Stderr)
}

// NewDiscardLogger drops every record. Used by tests and library callers that
// do not pass a logger.
func NewDiscardLogger() entracklog.Logger {
	return NewLogger("error", "text", io.Discard)
}

var levelNames = map[slog.Level]string{
	slog.LevelDebug: "DEBUG",
	slog.LevelInfo:  "INFO",
	slog.LevelWarn:  "WARN",
	slog.LevelError: "ERROR",
}

// replaceLevelAttribute renders the level attribute as an uppercase name.
func replaceLevelAttribute(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	level, ok := a.Value.Any().(slog.Level)
	if !ok {
		return a
	}
	name, ok := levelNames[level]
	if !ok {
		name = level.String()
	}
	a.Value = slog.StringValue(name)
	return a
}

func (l *slogLogger) Debugf(format string, args ...interface{}) {
	l.logf(slog.LevelDebug, format, args...)
}

func (l *slogLogger) Infof(format string, args ...interface{}) {
	l.logf(slog.LevelInfo, format, args...)
}

func (l *slogLogger) Warnf(format string, args ...interface{}) {
	l.logf(slog.LevelWarn, format, args...)
}

// Errorf formats the message and, if the last argument is an error, also
// attaches it as structured attributes.
func (l *slogLogger) Errorf(format string, args ...interface{}) {
	ctx := context.Background()
	if !l.Logger.Enabled(ctx, slog.LevelError) {
		return
	}
	msg := fmt.Sprintf(format, args...)
	var attrs []any
	if len(args) > 0 {
		if err, ok := args[len(args)-1].(error); ok {
			attrs = errorAttrs(err)
		}
	}
	l.Logger.Log(ctx, slog.LevelError, msg, attrs...)
}

func (l *slogLogger) logf(level slog.Level, format string, args ...interface{}) {
	ctx := context.Background()
	if l.Logger.Enabled(ctx, level) {
		l.Logger.Log(ctx, level, fmt.Sprintf(format, args...))
	}
}

// errorAttrs flattens entrack error kinds into attributes so log pipelines
// can filter on the code without parsing messages.
func errorAttrs(err error) []any {
	attrs := []any{slog.String("error", err.Error())}

	var conflict *entrackerrors.IdentityConflictError
	var invalidKey *entrackerrors.InvalidKeyError
	var notTracked *entrackerrors.NotTrackedError
	var transition *entrackerrors.IllegalStateTransitionError
	var integrity *entrackerrors.GraphIntegrityError
	var storeErr *entrackerrors.StoreError

	switch {
	case errors.As(err, &conflict):
		attrs = append(attrs, slog.String("error_type", "IdentityConflict"), slog.String("error_code", string(conflict.Code)))
		if conflict.Key != "" {
			attrs = append(attrs, slog.String("key", conflict.Key))
		}
	case errors.As(err, &invalidKey):
		attrs = append(attrs, slog.String("error_type", "InvalidKey"), slog.String("error_code", string(invalidKey.Code)))
		if invalidKey.Key != "" {
			attrs = append(attrs, slog.String("key", invalidKey.Key))
		}
	case errors.As(err, &notTracked):
		attrs = append(attrs, slog.String("error_type", "NotTracked"), slog.String("error_code", string(notTracked.Code)))
	case errors.As(err, &transition):
		attrs = append(attrs, slog.String("error_type", "IllegalStateTransition"), slog.String("error_code", string(transition.Code)))
	case errors.As(err, &integrity):
		attrs = append(attrs, slog.String("error_type", "GraphIntegrity"), slog.String("error_code", string(integrity.Code)),
			slog.Int("key_count", len(integrity.Keys)))
	case errors.As(err, &storeErr):
		attrs = append(attrs, slog.String("error_type", "Store"), slog.String("operation", storeErr.Operation))
	case entrackerrors.IsResourceDisposed(err):
		attrs = append(attrs, slog.String("error_type", "ResourceDisposed"))
	}
	return attrs
}

func (l *slogLogger) Log(level slog.Level, msg string, args ...interface{}) {
	l.Logger.Log(context.Background(), level, msg, args...)
}

// LogCtx passes ctx through so OtelHandler can attach span identifiers.
func (l *slogLogger) LogCtx(ctx context.Context, level slog.Level, msg string, args ...interface{}) {
	l.Logger.Log(ctx, level, msg, args...)
}

func (l *slogLogger) With(args ...interface{}) entracklog.Logger {
	return &slogLogger{Logger: l.Logger.With(args...)}
}

func (l *slogLogger) WithError(err error) entracklog.Logger {
	if err == nil {
		return l
	}
	return &slogLogger{Logger: l.Logger.With(errorAttrs(err)...)}
}

func (l *slogLogger) IsEnabled(level slog.Level) bool {
	return l.Logger.Enabled(context.Background(), level)
}

// --- OtelHandler ---

// OtelHandler is slog middleware that adds trace_id and span_id attributes
// when the record's context carries a valid span.
type OtelHandler struct {
	next slog.Handler
}

// NewOtelHandler wraps next.
func NewOtelHandler(next slog.Handler) *OtelHandler {
	return &OtelHandler{next: next}
}

func (h *OtelHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *OtelHandler) Handle(ctx context.Context, record slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		record.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return h.next.Handle(ctx, record)
}

func (h *OtelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return NewOtelHandler(h.next.WithAttrs(attrs))
}

func (h *OtelHandler) WithGroup(name string) slog.Handler {
	return NewOtelHandler(h.next.WithGroup(name))
}
