package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/felixgeelhaar/flotilla"

func start(ctx context.Context, component, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := GetTracerProvider().Tracer(instrumentationName).Start(ctx, component+"."+name)
	span.SetAttributes(append(attrs, attribute.String("component", component))...)
	return ctx, span
}

// StartScheduleSpan creates a span for a scheduling pass.
//
// Usage:
//
//	ctx, span := telemetry.StartScheduleSpan(ctx, "waves", len(tasks))
//	defer span.End()
func StartScheduleSpan(ctx context.Context, kind string, tasks int) (context.Context, trace.Span) {
	return start(ctx, "scheduler", kind, attribute.Int("tasks", tasks))
}

// StartResolveSpan creates a span for one call of the merge loop
func StartResolveSpan(ctx context.Context, prdID string, results int) (context.Context, trace.Span) {
	return start(ctx, "resolver", "resolve",
		attribute.String("prd_id", prdID),
		attribute.Int("results", results),
	)
}

// StartMergeSpan creates a span for a single merge into the integration line
func StartMergeSpan(ctx context.Context, prdID, taskID, branch string) (context.Context, trace.Span) {
	return start(ctx, "integration", "merge",
		attribute.String("prd_id", prdID),
		attribute.String("task_id", taskID),
		attribute.String("branch", branch),
	)
}

// StartApprovalSpan creates a span covering an approval gate call, including the wait
func StartApprovalSpan(ctx context.Context, phase, risk, operation string) (context.Context, trace.Span) {
	return start(ctx, "approval", "request",
		attribute.String("phase", phase),
		attribute.String("risk", risk),
		attribute.String("operation", operation),
	)
}

// StartExecutorSpan creates a span for a PRD execution or one loop iteration
func StartExecutorSpan(ctx context.Context, name, prdID string) (context.Context, trace.Span) {
	return start(ctx, "executor", name, attribute.String("prd_id", prdID))
}

// RecordSuccess marks a span as successful with optional result attributes
func RecordSuccess(span trace.Span, attrs ...attribute.KeyValue) {
	span.SetAttributes(attrs...)
	span.SetStatus(codes.Ok, "")
}

// RecordError records an error in a span and sets error status
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
