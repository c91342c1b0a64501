package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/fiscal/failure"
	"github.com/xraph/fiscal/workitem"
)

// tracerName is the instrumentation scope name for fiscal tracing.
const tracerName = "github.com/xraph/fiscal"

// Tracing returns middleware that wraps item processing in an
// OpenTelemetry span. If no TracerProvider is configured globally, the
// default noop tracer is used and this middleware becomes a pass-through.
//
// Span attributes include: fiscal.item.id, fiscal.operation, fiscal.lane,
// fiscal.attempt, fiscal.tenant_id, fiscal.trace_id (the item's
// correlation trace stamped at publish time).
// On error, the span status is set to codes.Error and the failure class
// is recorded as fiscal.failure_class.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided tracer.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, item *workitem.WorkItem, next Handler) error {
		ctx, span := tracer.Start(ctx, "fiscal.item.process",
			trace.WithAttributes(
				attribute.String("fiscal.item.id", item.ID.String()),
				attribute.String("fiscal.operation", string(item.Operation)),
				attribute.String("fiscal.lane", item.Lane),
				attribute.Int("fiscal.attempt", item.AttemptCount),
				attribute.String("fiscal.tenant_id", item.TenantID),
				attribute.String("fiscal.trace_id", item.Meta(workitem.MetaTraceID)),
			),
			trace.WithSpanKind(trace.SpanKindConsumer),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetAttributes(attribute.String("fiscal.failure_class", string(failure.Of(err))))
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return err
	}
}
