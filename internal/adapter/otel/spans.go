package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "agenttask"

// StartCreateSpan starts a span for task admission.
func StartCreateSpan(ctx context.Context, parentID, agentID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "task.create",
		trace.WithAttributes(
			attribute.String("task.parent_id", parentID),
			attribute.String("task.agent_id", agentID),
		),
	)
}

// StartDequeueSpan starts a span for one dequeue pass.
func StartDequeueSpan(ctx context.Context) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "task.dequeue")
}

// StartFinalizeSpan starts a span for driving a task to reported.
func StartFinalizeSpan(ctx context.Context, taskID string, fallback bool) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "task.finalize",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.Bool("report.fallback", fallback),
		),
	)
}

// StartTerminateSpan starts a span for subtree teardown.
func StartTerminateSpan(ctx context.Context, taskID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "task.terminate",
		trace.WithAttributes(attribute.String("task.id", taskID)),
	)
}
