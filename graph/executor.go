package graph

import (
	"context"
	"fmt"
	"reflect"

	"github.com/dshills/superstep-go/graph/codec"
)

// Executor is a named processing unit of the graph.
//
// Executors receive messages from edge runners, run the handler registered
// for the payload type, and interact with the run through a WorkflowContext:
// sending messages, yielding outputs, requesting external input and reading
// or writing shared state.
//
// Most executors embed *BaseExecutor and register handlers with Handle and
// HandleResponse.
type Executor interface {
	// ID is unique within a workflow.
	ID() string
	// CanHandle reports whether a handler exists for msg.
	CanHandle(msg Message) bool
	// Execute runs the handler for msg. sourceIDs lists the executors the
	// message came from (several for fan-in).
	Execute(ctx context.Context, msg Message, sourceIDs []string, state *SharedState, rc RunnerContext) error
}

// Snapshottable is implemented by executors that keep state across
// supersteps. The runner snapshots them before every checkpoint and restores
// them on resume.
type Snapshottable interface {
	SnapshotState(ctx context.Context) (map[string]any, error)
	RestoreState(ctx context.Context, state map[string]any) error
}

// TypeNamer lets an executor choose the name recorded for it in the graph
// signature. By default the Go type name is used.
type TypeNamer interface {
	TypeName() string
}

type handler struct {
	inType reflect.Type
	fn     func(ctx context.Context, data any, wc *WorkflowContext) error
}

type responseHandler struct {
	reqType  reflect.Type
	respType reflect.Type
	fn       func(ctx context.Context, req, resp any, wc *WorkflowContext) error
}

// BaseExecutor implements Executor over a registry of typed handlers.
//
// Handlers are resolved in registration order: first a handler whose type
// accepts the payload as is, then one the payload can be converted to (for
// example an int restored from JSON as float64).
type BaseExecutor struct {
	id               string
	handlers         []handler
	responseHandlers []responseHandler
}

// NewBaseExecutor creates an executor with no handlers.
func NewBaseExecutor(id string) *BaseExecutor {
	return &BaseExecutor{id: id}
}

func (e *BaseExecutor) ID() string { return e.id }

// Handle registers fn for payloads of type T and registers T with the
// checkpoint codec.
func Handle[T any](e *BaseExecutor, fn func(ctx context.Context, msg T, wc *WorkflowContext) error) *BaseExecutor {
	t := reflect.TypeFor[T]()
	codec.RegisterType(t)
	e.handlers = append(e.handlers, handler{
		inType: t,
		fn: func(ctx context.Context, data any, wc *WorkflowContext) error {
			v, _ := data.(T)
			return fn(ctx, v, wc)
		},
	})
	return e
}

// HandleResponse registers fn for responses of type Resp to requests of type
// Req made with WorkflowContext.RequestInfo.
func HandleResponse[Req, Resp any](e *BaseExecutor, fn func(ctx context.Context, req Req, resp Resp, wc *WorkflowContext) error) *BaseExecutor {
	reqT, respT := reflect.TypeFor[Req](), reflect.TypeFor[Resp]()
	codec.RegisterType(reqT)
	codec.RegisterType(respT)
	e.responseHandlers = append(e.responseHandlers, responseHandler{
		reqType:  reqT,
		respType: respT,
		fn: func(ctx context.Context, req, resp any, wc *WorkflowContext) error {
			r, _ := req.(Req)
			s, _ := resp.(Resp)
			return fn(ctx, r, s, wc)
		},
	})
	return e
}

// InputTypes returns the payload types with a registered handler.
func (e *BaseExecutor) InputTypes() []reflect.Type {
	out := make([]reflect.Type, len(e.handlers))
	for i, h := range e.handlers {
		out[i] = h.inType
	}
	return out
}

func (e *BaseExecutor) CanHandle(msg Message) bool {
	_, err := e.resolve(msg)
	return err == nil
}

// HasResponseHandler reports whether a response of respType to a request of
// reqType would be dispatched.
func (e *BaseExecutor) HasResponseHandler(reqType, respType reflect.Type) bool {
	for _, h := range e.responseHandlers {
		if typeAccepts(h.reqType, reqType) && typeAccepts(h.respType, respType) {
			return true
		}
	}
	return false
}

func typeAccepts(handlerType, valueType reflect.Type) bool {
	if valueType == nil {
		return handlerType.Kind() == reflect.Interface
	}
	return valueType.AssignableTo(handlerType)
}

type boundHandler func(ctx context.Context, wc *WorkflowContext) error

func (e *BaseExecutor) resolve(msg Message) (boundHandler, error) {
	if msg.IsResponse() {
		return e.resolveResponse(msg)
	}
	for _, h := range e.handlers {
		if codec.Assignable(msg.Data, h.inType) {
			data := msg.Data
			return func(ctx context.Context, wc *WorkflowContext) error { return h.fn(ctx, data, wc) }, nil
		}
	}
	for _, h := range e.handlers {
		if v, ok := codec.Coerce(msg.Data, h.inType); ok {
			return func(ctx context.Context, wc *WorkflowContext) error { return h.fn(ctx, v, wc) }, nil
		}
	}
	return nil, fmt.Errorf("%w: executor %s cannot handle %T", ErrNoHandler, e.id, msg.Data)
}

func (e *BaseExecutor) resolveResponse(msg Message) (boundHandler, error) {
	var req any
	if msg.OriginalRequest != nil {
		req = msg.OriginalRequest.Data
	}
	for _, h := range e.responseHandlers {
		r, ok := codec.Coerce(req, h.reqType)
		if !ok {
			continue
		}
		s, ok := codec.Coerce(msg.Data, h.respType)
		if !ok {
			continue
		}
		return func(ctx context.Context, wc *WorkflowContext) error { return h.fn(ctx, r, s, wc) }, nil
	}
	return nil, fmt.Errorf("%w: executor %s has no response handler for request %T and response %T",
		ErrNoHandler, e.id, req, msg.Data)
}

// Execute dispatches msg to its handler, emitting ExecutorInvokedEvent and
// then ExecutorCompletedEvent or ExecutorFailedEvent.
func (e *BaseExecutor) Execute(ctx context.Context, msg Message, sourceIDs []string, state *SharedState, rc RunnerContext) error {
	call, err := e.resolve(msg)
	if err != nil {
		return err
	}
	wc := newWorkflowContext(e, sourceIDs, state, rc)

	rc.AddEvent(ExecutorInvokedEvent{ExecutorID: e.id, Data: msg.Data})
	if err := call(ctx, wc); err != nil {
		rc.AddEvent(ExecutorFailedEvent{ExecutorID: e.id, Details: NewErrorDetails(err, e.id)})
		return &HandlerError{ExecutorID: e.id, Err: err}
	}
	rc.AddEvent(ExecutorCompletedEvent{ExecutorID: e.id})
	return nil
}

// FunctionExecutor wraps a single function as an executor.
type FunctionExecutor struct {
	*BaseExecutor
}

// NewFunctionExecutor creates an executor with fn as its only handler.
//
//	upper := graph.NewFunctionExecutor("upper", func(ctx context.Context, s string, wc *graph.WorkflowContext) error {
//	    return wc.SendMessage(ctx, strings.ToUpper(s), "")
//	})
func NewFunctionExecutor[T any](id string, fn func(ctx context.Context, msg T, wc *WorkflowContext) error) *FunctionExecutor {
	e := NewBaseExecutor(id)
	Handle(e, fn)
	return &FunctionExecutor{BaseExecutor: e}
}

// executorTypeName is the name recorded for exec in the graph signature.
func executorTypeName(exec Executor) string {
	if n, ok := exec.(TypeNamer); ok {
		return n.TypeName()
	}
	t := reflect.TypeOf(exec)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return codec.TypeName(t)
}
