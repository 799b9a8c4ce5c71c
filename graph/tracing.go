package graph

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation name of the engine's spans.
const TracerName = "github.com/dshills/superstep-go/graph"

// Span names.
const (
	spanWorkflowRun     = "workflow.run"
	spanExecutorProcess = "executor.process"
)

func tracer() trace.Tracer { return otel.GetTracerProvider().Tracer(TracerName) }

// startExecutorSpan opens the span of one handler call, linked to the spans
// that sent the message.
func startExecutorSpan(ctx context.Context, exec Executor, msg Message) (context.Context, trace.Span) {
	var links []trace.Link
	for _, tc := range msg.TraceContexts {
		remote := propagation.TraceContext{}.Extract(context.Background(), propagation.MapCarrier(tc))
		if sc := trace.SpanContextFromContext(remote); sc.IsValid() {
			links = append(links, trace.Link{SpanContext: sc})
		}
	}
	return tracer().Start(ctx, spanExecutorProcess,
		trace.WithLinks(links...),
		trace.WithAttributes(
			attribute.String("executor.id", exec.ID()),
			attribute.String("executor.type", executorTypeName(exec)),
			attribute.String("message.source_id", msg.SourceID),
			attribute.String("message.type", string(msg.messageType())),
		))
}

func startWorkflowSpan(ctx context.Context, w *Workflow) (context.Context, trace.Span) {
	return tracer().Start(ctx, spanWorkflowRun,
		trace.WithAttributes(
			attribute.String("workflow.id", w.id),
			attribute.String("workflow.name", w.cfg.name),
			attribute.String("workflow.description", w.cfg.description),
			attribute.Int("workflow.max_iterations", w.cfg.maxIterations),
		))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
