package tracing

import (
	"context"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// LoggerFromContext returns baseLogger with the tracing fields of ctx.
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)
	logCtx := baseLogger.With()
	if tc.TraceID != "" {
		logCtx = logCtx.Str("trace_id", tc.TraceID)
	}
	if tc.TaskID != "" {
		logCtx = logCtx.Str("task_id", tc.TaskID)
	}
	if tc.PlanID != "" {
		logCtx = logCtx.Str("plan_id", tc.PlanID)
	}
	if tc.ApprovalID != "" {
		logCtx = logCtx.Str("approval_id", tc.ApprovalID)
	}
	return logCtx.Logger()
}

// Attributes returns the tracing fields of ctx as span attributes.
func Attributes(ctx context.Context) []attribute.KeyValue {
	tc := FromContext(ctx)
	var attrs []attribute.KeyValue
	if tc.TaskID != "" {
		attrs = append(attrs, attribute.String("task.id", tc.TaskID))
	}
	if tc.PlanID != "" {
		attrs = append(attrs, attribute.String("plan.id", tc.PlanID))
	}
	if tc.ApprovalID != "" {
		attrs = append(attrs, attribute.String("approval.id", tc.ApprovalID))
	}
	return attrs
}
