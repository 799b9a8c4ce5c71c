package emit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys set on every event span.
const (
	AttrWorkflowID = "superstep.workflow_id"
	AttrSuperstep  = "superstep.superstep"
	AttrExecutorID = "superstep.executor_id"
	attrMetaPrefix = "superstep.meta."
)

// OTelEmitter records each event as an instantaneous OpenTelemetry span
// named after event.Msg. Events carrying Meta["error"] get an error status.
//
// Setup:
//
//	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
//	otel.SetTracerProvider(tp)
//	emitter := emit.NewOTelEmitter(otel.Tracer("superstep"))
//
// These spans complement the executor spans the engine opens itself; they
// make lifecycle and status transitions visible in the same trace backend.
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an emitter using tracer. A nil tracer means the
// global provider's "superstep" tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	if tracer == nil {
		tracer = otel.Tracer("superstep")
	}
	return &OTelEmitter{tracer: tracer}
}

// Emit creates and immediately ends one span for event.
func (o *OTelEmitter) Emit(event Event) {
	o.record(context.Background(), event)
}

// EmitBatch records events as spans under ctx, which may carry a parent
// span. It stops early when ctx is cancelled.
func (o *OTelEmitter) EmitBatch(ctx context.Context, events []Event) error {
	for _, event := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		o.record(ctx, event)
	}
	return nil
}

func (o *OTelEmitter) record(ctx context.Context, event Event) {
	_, span := o.tracer.Start(ctx, event.Msg)
	defer span.End()

	span.SetAttributes(
		attribute.String(AttrWorkflowID, event.WorkflowID),
		attribute.Int(AttrSuperstep, event.Superstep),
	)
	if event.ExecutorID != "" {
		span.SetAttributes(attribute.String(AttrExecutorID, event.ExecutorID))
	}
	for key, value := range event.Meta {
		span.SetAttributes(metaAttribute(attrMetaPrefix+key, value))
	}
	if msg, ok := event.Meta["error"].(string); ok {
		span.SetStatus(codes.Error, msg)
		span.RecordError(errors.New(msg))
	}
}

// Flush forces export of buffered spans when the global provider supports
// it (the SDK provider does; the no-op provider does not).
func (o *OTelEmitter) Flush(ctx context.Context) error {
	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := otel.GetTracerProvider().(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}

func metaAttribute(key string, value any) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	case bool:
		return attribute.Bool(key, v)
	case time.Duration:
		return attribute.Int64(key, v.Milliseconds())
	case []string:
		return attribute.StringSlice(key, v)
	default:
		return attribute.String(key, fmt.Sprintf("%v", v))
	}
}
