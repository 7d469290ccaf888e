package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// TaskIDKey is the context key for the task being handled
	TaskIDKey ContextKey = "task_id"
	// PlanIDKey is the context key for the plan being executed
	PlanIDKey ContextKey = "plan_id"
	// ApprovalIDKey is the context key for the approval request being monitored
	ApprovalIDKey ContextKey = "approval_id"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID    string
	TaskID     string
	PlanID     string
	ApprovalID string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithTaskID adds a task ID to the context
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, TaskIDKey, taskID)
}

// WithPlanID adds a plan ID to the context
func WithPlanID(ctx context.Context, planID string) context.Context {
	return context.WithValue(ctx, PlanIDKey, planID)
}

// WithApprovalID adds an approval request ID to the context
func WithApprovalID(ctx context.Context, approvalID string) context.Context {
	return context.WithValue(ctx, ApprovalIDKey, approvalID)
}

func value(ctx context.Context, key ContextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	return value(ctx, TraceIDKey)
}

// GetTaskID retrieves the task ID from the context
func GetTaskID(ctx context.Context) string {
	return value(ctx, TaskIDKey)
}

// GetPlanID retrieves the plan ID from the context
func GetPlanID(ctx context.Context) string {
	return value(ctx, PlanIDKey)
}

// GetApprovalID retrieves the approval request ID from the context
func GetApprovalID(ctx context.Context) string {
	return value(ctx, ApprovalIDKey)
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:    GetTraceID(ctx),
		TaskID:     GetTaskID(ctx),
		PlanID:     GetPlanID(ctx),
		ApprovalID: GetApprovalID(ctx),
	}
}

// NewContext creates a new context with tracing information
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.TaskID != "" {
		ctx = WithTaskID(ctx, tc.TaskID)
	}
	if tc.PlanID != "" {
		ctx = WithPlanID(ctx, tc.PlanID)
	}
	if tc.ApprovalID != "" {
		ctx = WithApprovalID(ctx, tc.ApprovalID)
	}
	return ctx
}

// NewTaskContext tags ctx with taskID and starts a trace unless one is
// already running.
func NewTaskContext(ctx context.Context, taskID string) context.Context {
	if GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, NewTraceID())
	}
	return WithTaskID(ctx, taskID)
}
