// Copyright 2025 James Ross
package obs

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "dataset-processor"

func tracer() trace.Tracer { return otel.Tracer(tracerName) }

// KeyValue is a thin alias kept so call sites read like obs.KeyValue(...)
// uniformly instead of mixing attribute.String/Int at each site.
func KeyValue(k string, v interface{}) attribute.KeyValue {
	switch val := v.(type) {
	case string:
		return attribute.String(k, val)
	case int:
		return attribute.Int(k, val)
	case int64:
		return attribute.Int64(k, val)
	case bool:
		return attribute.Bool(k, val)
	default:
		return attribute.String(k, "")
	}
}

// StartEnqueueSpan opens a span around the controller's enqueue operation.
func StartEnqueueSpan(ctx context.Context, datasetID string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "controller.enqueue", trace.WithAttributes(KeyValue("dataset.id", datasetID)))
}

// StartDequeueSpan opens a span around a single broker consume attempt.
func StartDequeueSpan(ctx context.Context, queueKey string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "broker.consume", trace.WithAttributes(KeyValue("queue.key", queueKey)))
}

// ContextWithJobSpan opens a span around one pipeline run for jobID.
func ContextWithJobSpan(ctx context.Context, jobID, datasetID string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "worker.pipeline", trace.WithAttributes(
		KeyValue("job.id", jobID),
		KeyValue("dataset.id", datasetID),
	))
}

func AddSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}

func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

func SetSpanSuccess(ctx context.Context) {
	trace.SpanFromContext(ctx).SetStatus(codes.Ok, "")
}

func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
