package tracing

import (
	"context"
	"errors"

	"github.com/gxo-labs/entrack/internal/secrets"
	entracktracing "github.com/gxo-labs/entrack/pkg/entrack/v1/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope of every entrack span.
const TracerName = "github.com/gxo-labs/entrack"

// Span attribute keys.
const (
	AttrEntitySet   = attribute.Key("entrack.entity_set")
	AttrEntityCount = attribute.Key("entrack.entity_count")
	AttrBatchSize   = attribute.Key("entrack.batch_size")
	AttrBatchIndex  = attribute.Key("entrack.batch_index")
	AttrRefreshMode = attribute.Key("entrack.refresh_mode")
	AttrMergeOption = attribute.Key("entrack.merge_option")
	AttrSaveOptions = attribute.Key("entrack.save_options")
	AttrStateCount  = attribute.Key("entrack.affected")
)

// Tracer wraps a provider's tracer with the redaction tracker used for
// recorded errors.
type Tracer struct {
	tracer  oteltrace.Tracer
	tracker *secrets.SecretTracker
}

// NewTracer builds a Tracer. A nil provider yields the noop tracer.
func NewTracer(p entracktracing.TracerProvider, tracker *secrets.SecretTracker) *Tracer {
	if p == nil {
		p = NewNoOpProvider()
	}
	return &Tracer{tracer: p.GetTracer(TracerName), tracker: tracker}
}

// Start opens a span named "entrack.<op>".
func (t *Tracer) Start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return t.tracer.Start(ctx, "entrack."+op, oteltrace.WithAttributes(attrs...))
}

// End records err, if any, and ends span.
func (t *Tracer) End(span oteltrace.Span, err error) {
	RecordError(span, err, t.tracker)
	span.End()
}

// RecordError records err on span with tracked secrets removed from its
// message, and marks the span as failed.
func RecordError(span oteltrace.Span, err error, tracker *secrets.SecretTracker) {
	if err == nil || span == nil || !span.IsRecording() {
		return
	}
	msg := tracker.Redact(err.Error())
	span.RecordError(errors.New(msg))
	span.SetStatus(codes.Error, msg)
}
