package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// tracerName identifies this package's spans in any configured exporter.
const tracerName = "github.com/haasonsaas/toolgate/internal/observability"

// StartRequestSpan opens a span for one tool request's lifecycle. The
// gateway ends it when the request reaches a terminal resolution, so the
// span's duration always matches toolgate_request_duration_seconds.
func StartRequestSpan(ctx context.Context, toolName string) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	return tracer.Start(ctx, "tool_request:"+toolName)
}

// TraceID extracts the current span's trace id as a string, or "" if the
// context carries no recording span — usable in log lines so a trace can be
// correlated against its request_id without a real exporter wired up.
func TraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().HasTraceID() {
		return ""
	}
	return span.SpanContext().TraceID().String()
}

// Detach returns a background context carrying the same span as ctx, for
// work that must outlive whatever could cancel ctx — a pending approval or
// an in-flight dispatch must survive the originating connection closing.
func Detach(ctx context.Context) context.Context {
	return trace.ContextWithSpan(context.Background(), trace.SpanFromContext(ctx))
}
