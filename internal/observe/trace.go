package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// scopeName is the instrumentation scope spans are attributed to.
const scopeName = "github.com/estatebuddy/estatevoice"

// StartSpan opens a span named op on the globally registered tracer
// provider. The caller ends the span.
func StartSpan(ctx context.Context, op string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(scopeName).Start(ctx, op, opts...)
}

// CorrelationID is the trace ID of the span in ctx, or "" when there is
// none. It is what clients see in the X-Correlation-ID header, so a
// support ticket quoting the header lines straight up with the trace.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns a logger carrying the trace and span IDs from ctx, so
// log lines from one request can be stitched back together. Without an
// active span it is just the default logger.
func Logger(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return slog.Default()
	}
	return slog.Default().With(
		"trace_id", sc.TraceID().String(),
		"span_id", sc.SpanID().String(),
	)
}
