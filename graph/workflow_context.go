package graph

import (
	"context"
	"fmt"
	"reflect"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/dshills/superstep-go/graph/log"
)

// WorkflowContext is what a handler uses to act on the run: send messages,
// yield outputs, emit events, request external input and touch shared
// state. A context is valid only for the handler call it was passed to.
type WorkflowContext struct {
	executor  *BaseExecutor
	sourceIDs []string
	state     *SharedState
	rc        RunnerContext
}

func newWorkflowContext(exec *BaseExecutor, sourceIDs []string, state *SharedState, rc RunnerContext) *WorkflowContext {
	return &WorkflowContext{
		executor:  exec,
		sourceIDs: append([]string(nil), sourceIDs...),
		state:     state,
		rc:        rc,
	}
}

// ExecutorID returns the ID of the executor running the handler.
func (w *WorkflowContext) ExecutorID() string { return w.executor.id }

// SendMessage queues data for delivery in the next superstep. An empty
// targetID delivers to every target of the executor's edge groups.
func (w *WorkflowContext) SendMessage(ctx context.Context, data any, targetID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := Message{
		Data:     data,
		SourceID: w.executor.id,
		TargetID: targetID,
		Type:     MessageStandard,
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		carrier := propagation.MapCarrier{}
		propagation.TraceContext{}.Inject(ctx, carrier)
		msg.TraceContexts = []map[string]string{map[string]string(carrier)}
		msg.SourceSpanIDs = []string{sc.SpanID().String()}
	}
	w.rc.SendMessage(msg)
	return nil
}

// YieldOutput emits a WorkflowOutputEvent carrying data.
func (w *WorkflowContext) YieldOutput(data any) {
	w.rc.AddEvent(WorkflowOutputEvent{Data: data, SourceExecutorID: w.executor.id})
}

// AddEvent emits a custom event. Lifecycle events are reserved for the
// framework; those are replaced by a WorkflowWarningEvent.
func (w *WorkflowContext) AddEvent(ev WorkflowEvent) {
	if isLifecycleEvent(ev) {
		msg := fmt.Sprintf("executor %q attempted to emit %T, which is reserved for the framework; ignoring",
			w.executor.id, ev)
		log.Warnf("%s", msg)
		w.rc.AddEvent(WorkflowWarningEvent{Message: msg})
		return
	}
	w.rc.AddEvent(ev)
}

// RequestInfo pauses for external input. The run reports a RequestInfoEvent
// and the response, once supplied through Workflow.SendResponses, is
// delivered to this executor's HandleResponse handler. It returns the
// request ID.
func (w *WorkflowContext) RequestInfo(data any, responseType reflect.Type) string {
	ev := NewRequestInfoEvent(uuid.NewString(), w.executor.id, data, responseType)
	if !w.executor.HasResponseHandler(ev.RequestType, responseType) {
		log.Warnf("Executor %s requested info of type %v with response type %v but has no matching response handler",
			w.executor.id, ev.RequestType, responseType)
	}
	w.rc.AddRequestInfoEvent(ev)
	return ev.RequestID
}

// GetSharedState returns the value for key, or ErrKeyNotFound.
func (w *WorkflowContext) GetSharedState(key string) (any, error) { return w.state.Get(key) }

// SetSharedState stores value under key.
func (w *WorkflowContext) SetSharedState(key string, value any) { w.state.Set(key, value) }

// SharedState returns the run's shared state.
func (w *WorkflowContext) SharedState() *SharedState { return w.state }

// SourceExecutorID returns the single executor the message came from. It
// fails for fan-in deliveries; use SourceExecutorIDs there.
func (w *WorkflowContext) SourceExecutorID() (string, error) {
	if len(w.sourceIDs) != 1 {
		return "", fmt.Errorf("%w: %v", ErrMultipleSources, w.sourceIDs)
	}
	return w.sourceIDs[0], nil
}

// SourceExecutorIDs returns every executor the message came from.
func (w *WorkflowContext) SourceExecutorIDs() []string {
	return append([]string(nil), w.sourceIDs...)
}

// SetExecutorState stores state for this executor under ExecutorStateKey,
// replacing what was stored before. It is saved with the next checkpoint.
func (w *WorkflowContext) SetExecutorState(state map[string]any) error {
	return setExecutorState(w.state, w.executor.id, state)
}

// GetExecutorState returns the state stored for this executor, if any.
func (w *WorkflowContext) GetExecutorState() (map[string]any, bool) {
	raw, err := w.state.Get(ExecutorStateKey)
	if err != nil {
		return nil, false
	}
	states, ok := raw.(map[string]any)
	if !ok {
		return nil, false
	}
	st, ok := states[w.executor.id].(map[string]any)
	return st, ok
}

// IsStreaming reports whether the run was started with a streaming entry
// point.
func (w *WorkflowContext) IsStreaming() bool { return w.rc.IsStreaming() }

func setExecutorState(state *SharedState, executorID string, value map[string]any) error {
	return state.Hold(func(tx *SharedStateTx) error {
		states := map[string]any{}
		if tx.Has(ExecutorStateKey) {
			raw, _ := tx.Get(ExecutorStateKey)
			existing, ok := raw.(map[string]any)
			if !ok {
				return fmt.Errorf("%w: %s holds %T, not a map", ErrInvalidExecutorState, ExecutorStateKey, raw)
			}
			for k, v := range existing {
				states[k] = v
			}
		}
		states[executorID] = value
		tx.Set(ExecutorStateKey, states)
		return nil
	})
}
