package tracing

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// TracerProvider hands out the tracers used for SaveChanges, Refresh and
// query spans.
type TracerProvider interface {
	// GetTracer returns a named tracer.
	GetTracer(name string, opts ...trace.TracerOption) trace.Tracer

	// Shutdown flushes buffered spans. NoOp providers return nil.
	Shutdown(ctx context.Context) error
}
