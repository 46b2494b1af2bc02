package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type entityCtxKey struct{}
type recordCtxKey struct{}

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 4)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if id := EntityIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("entity_id", id))
	}
	if id := RecordIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("record_id", id))
	}

	return fields
}

// WithEntityID tags ctx with the entity a pipeline run is working on.
func WithEntityID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, entityCtxKey{}, id)
}

// EntityIDFromContext returns the entity id set by WithEntityID.
func EntityIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(entityCtxKey{}).(string)
	return id
}

// WithRecordID tags ctx with the record id that triggered a pipeline run.
func WithRecordID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, recordCtxKey{}, id)
}

// RecordIDFromContext returns the record id set by WithRecordID.
func RecordIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(recordCtxKey{}).(string)
	return id
}
