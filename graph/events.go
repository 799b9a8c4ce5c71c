package graph

import (
	"fmt"
	"reflect"

	"github.com/dshills/superstep-go/graph/codec"
)

// WorkflowEvent is anything a run reports to its caller.
type WorkflowEvent interface {
	// EventType is a stable snake_case name for the event kind.
	EventType() string
}

// RunState is the coarse lifecycle state reported by WorkflowStatusEvent.
type RunState string

const (
	RunStateStarted                   RunState = "STARTED"
	RunStateInProgress                RunState = "IN_PROGRESS"
	RunStateInProgressPendingRequests RunState = "IN_PROGRESS_PENDING_REQUESTS"
	RunStateIdle                      RunState = "IDLE"
	RunStateIdleWithPendingRequests   RunState = "IDLE_WITH_PENDING_REQUESTS"
	RunStateFailed                    RunState = "FAILED"
	RunStateCancelled                 RunState = "CANCELLED"
)

// WorkflowStartedEvent is the first event of every run.
type WorkflowStartedEvent struct{}

func (WorkflowStartedEvent) EventType() string { return "workflow_started" }

// WorkflowWarningEvent carries a non-fatal problem observed during a run.
type WorkflowWarningEvent struct {
	Message string
}

func (WorkflowWarningEvent) EventType() string { return "workflow_warning" }

// WorkflowErrorEvent carries a non-fatal error observed during a run.
type WorkflowErrorEvent struct {
	Err error
}

func (WorkflowErrorEvent) EventType() string { return "workflow_error" }

// WorkflowStatusEvent reports a run state transition.
type WorkflowStatusEvent struct {
	State RunState
}

func (WorkflowStatusEvent) EventType() string { return "workflow_status" }

// WorkflowFailedEvent is emitted once, right before a run returns an error.
type WorkflowFailedEvent struct {
	Details ErrorDetails
}

func (WorkflowFailedEvent) EventType() string { return "workflow_failed" }

// WorkflowOutputEvent is emitted by WorkflowContext.YieldOutput.
type WorkflowOutputEvent struct {
	Data             any
	SourceExecutorID string
}

func (WorkflowOutputEvent) EventType() string { return "workflow_output" }

// ExecutorInvokedEvent is emitted before a handler runs.
type ExecutorInvokedEvent struct {
	ExecutorID string
	Data       any
}

func (ExecutorInvokedEvent) EventType() string { return "executor_invoked" }

// ExecutorCompletedEvent is emitted after a handler returns without error.
type ExecutorCompletedEvent struct {
	ExecutorID string
	Data       any
}

func (ExecutorCompletedEvent) EventType() string { return "executor_completed" }

// ExecutorFailedEvent is emitted when a handler returns an error.
type ExecutorFailedEvent struct {
	ExecutorID string
	Details    ErrorDetails
}

func (ExecutorFailedEvent) EventType() string { return "executor_failed" }

// RequestInfoEvent is a pause point: an executor asked for external input and
// the run waits for a response correlated by RequestID.
type RequestInfoEvent struct {
	RequestID        string
	SourceExecutorID string
	Data             any
	// RequestType is the dynamic type of Data.
	RequestType reflect.Type
	// ResponseType is the type a response must have to be accepted.
	ResponseType reflect.Type
}

func (*RequestInfoEvent) EventType() string { return "request_info" }

// NewRequestInfoEvent creates a request for data and registers both types with
// the checkpoint codec so the request survives a checkpoint round trip.
func NewRequestInfoEvent(requestID, sourceExecutorID string, data any, responseType reflect.Type) *RequestInfoEvent {
	ev := &RequestInfoEvent{
		RequestID:        requestID,
		SourceExecutorID: sourceExecutorID,
		Data:             data,
		RequestType:      reflect.TypeOf(data),
		ResponseType:     responseType,
	}
	if ev.RequestType != nil {
		codec.RegisterType(ev.RequestType)
	}
	if responseType != nil {
		codec.RegisterType(responseType)
	}
	return ev
}

func (e *RequestInfoEvent) String() string {
	return fmt.Sprintf("RequestInfoEvent(request_id=%s, source_executor_id=%s, request_type=%s, data=%v, response_type=%s)",
		e.RequestID, e.SourceExecutorID, codec.TypeName(e.RequestType), e.Data, codec.TypeName(e.ResponseType))
}

// ToDict converts the request into its checkpoint form.
func (e *RequestInfoEvent) ToDict() map[string]any {
	return map[string]any{
		"data":               codec.Encode(e.Data),
		"request_id":         e.RequestID,
		"source_executor_id": e.SourceExecutorID,
		"request_type":       codec.TypeName(e.RequestType),
		"response_type":      codec.TypeName(e.ResponseType),
	}
}

// RequestInfoEventFromDict rebuilds a request from its checkpoint form. The
// decoded data must match the recorded request type.
func RequestInfoEventFromDict(d map[string]any) (*RequestInfoEvent, error) {
	for _, key := range []string{"data", "request_id", "source_executor_id", "request_type", "response_type"} {
		if _, ok := d[key]; !ok {
			return nil, fmt.Errorf("missing %q field in request info record", key)
		}
	}
	str := func(key string) (string, error) {
		s, ok := d[key].(string)
		if !ok {
			return "", fmt.Errorf("field %q in request info record must be a string, got %T", key, d[key])
		}
		return s, nil
	}
	requestID, err := str("request_id")
	if err != nil {
		return nil, err
	}
	source, err := str("source_executor_id")
	if err != nil {
		return nil, err
	}
	reqTypeName, err := str("request_type")
	if err != nil {
		return nil, err
	}
	respTypeName, err := str("response_type")
	if err != nil {
		return nil, err
	}

	respType, ok := lookupTypeName(respTypeName)
	if !ok {
		return nil, fmt.Errorf("unknown response type %q in request info record", respTypeName)
	}
	reqType, ok := lookupTypeName(reqTypeName)
	if !ok {
		return nil, fmt.Errorf("unknown request type %q in request info record", reqTypeName)
	}

	data := codec.Decode(d["data"])
	coerced := data
	if reqType == nil {
		if data != nil {
			return nil, fmt.Errorf("request data of type %T does not match request_type nil", data)
		}
	} else if coerced, ok = codec.Coerce(data, reqType); !ok {
		return nil, fmt.Errorf("request data of type %T does not match request_type %s", data, reqTypeName)
	}

	return &RequestInfoEvent{
		RequestID:        requestID,
		SourceExecutorID: source,
		Data:             coerced,
		RequestType:      reqType,
		ResponseType:     respType,
	}, nil
}

func lookupTypeName(name string) (reflect.Type, bool) {
	if name == codec.TypeName(nil) {
		return nil, true
	}
	return codec.LookupType(name)
}

// isLifecycleEvent reports events only the framework may emit.
func isLifecycleEvent(ev WorkflowEvent) bool {
	switch ev.(type) {
	case WorkflowStartedEvent, *WorkflowStartedEvent,
		WorkflowStatusEvent, *WorkflowStatusEvent,
		WorkflowFailedEvent, *WorkflowFailedEvent:
		return true
	}
	return false
}
