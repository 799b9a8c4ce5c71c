package graph

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/dshills/superstep-go/graph/codec"
	"github.com/dshills/superstep-go/graph/log"
)

// WorkflowExecutor runs a whole workflow as one executor of a parent graph.
//
// Every input the sub-workflow's start executor accepts starts a sub-run.
// Outputs of the sub-run are sent on as messages, or yielded as outputs of
// the parent with WithDirectOutput. Requests raised inside the sub-workflow
// become requests of the parent run; once every one of them is answered
// through the parent's SendResponses, the batch is passed to the
// sub-workflow and the sub-run continues.
//
// The sub-workflow holds one run at a time. An input that arrives while a
// sub-run still waits for responses abandons that sub-run, and late answers
// to its requests are ignored.
type WorkflowExecutor struct {
	*BaseExecutor
	sub          *Workflow
	directOutput bool

	mu sync.Mutex
	// pending maps a parent request ID to the sub-workflow request ID it
	// stands for.
	pending map[string]string
	// requests holds every open sub-workflow request, answered or not.
	requests  map[string]*RequestInfoEvent
	collected map[string]any
}

// WorkflowExecutorOption configures a WorkflowExecutor.
type WorkflowExecutorOption func(*WorkflowExecutor)

// WithDirectOutput yields sub-workflow outputs as outputs of the parent run
// instead of sending them to the next executors.
func WithDirectOutput() WorkflowExecutorOption {
	return func(e *WorkflowExecutor) { e.directOutput = true }
}

// NewWorkflowExecutor wraps sub as the executor id.
//
//	review := graph.NewWorkflowExecutor("review", reviewFlow)
//	parent, err := graph.NewWorkflowBuilder().
//	    SetStartExecutor(intake).
//	    AddChain(intake, review, publish).
//	    Build()
func NewWorkflowExecutor(id string, sub *Workflow, opts ...WorkflowExecutorOption) *WorkflowExecutor {
	e := &WorkflowExecutor{
		BaseExecutor: NewBaseExecutor(id),
		sub:          sub,
		pending:      make(map[string]string),
		requests:     make(map[string]*RequestInfoEvent),
		collected:    make(map[string]any),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Workflow returns the wrapped workflow.
func (e *WorkflowExecutor) Workflow() *Workflow { return e.sub }

// TypeName ties the parent's graph signature to the sub-workflow's, so
// checkpoints do not survive a change to the sub-graph.
func (e *WorkflowExecutor) TypeName() string {
	return "WorkflowExecutor[" + e.sub.GraphSignatureHash() + "]"
}

// CanHandle accepts what the sub-workflow's start executor accepts, and every
// response.
func (e *WorkflowExecutor) CanHandle(msg Message) bool {
	if msg.IsResponse() {
		return true
	}
	return e.sub.StartExecutor().CanHandle(msg)
}

func (e *WorkflowExecutor) Execute(ctx context.Context, msg Message, sourceIDs []string, state *SharedState, rc RunnerContext) error {
	wc := newWorkflowContext(e.BaseExecutor, sourceIDs, state, rc)
	rc.AddEvent(ExecutorInvokedEvent{ExecutorID: e.id, Data: msg.Data})

	var err error
	if msg.IsResponse() {
		err = e.respond(ctx, msg, wc)
	} else {
		err = e.start(ctx, msg.Data, wc)
	}
	if err != nil {
		rc.AddEvent(ExecutorFailedEvent{ExecutorID: e.id, Details: NewErrorDetails(err, e.id)})
		return &HandlerError{ExecutorID: e.id, Err: err}
	}
	rc.AddEvent(ExecutorCompletedEvent{ExecutorID: e.id})
	return nil
}

func (e *WorkflowExecutor) start(ctx context.Context, input any, wc *WorkflowContext) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.pending) > 0 {
		log.Warnf("WorkflowExecutor %s abandons a sub-run of %s waiting for %d responses", e.id, e.sub.ID(), len(e.pending))
		e.pending = make(map[string]string)
		e.requests = make(map[string]*RequestInfoEvent)
		e.collected = make(map[string]any)
	}

	log.Debugf("WorkflowExecutor %s starting sub-workflow %s", e.id, e.sub.ID())
	result, err := e.sub.Run(ctx, input)
	if err != nil {
		return fmt.Errorf("sub-workflow %s failed: %w", e.sub.ID(), err)
	}
	return e.forward(ctx, result, wc)
}

func (e *WorkflowExecutor) respond(ctx context.Context, msg Message, wc *WorkflowContext) error {
	if msg.OriginalRequest == nil {
		return fmt.Errorf("%w: response without its request", ErrUnknownRequest)
	}
	parentID := msg.OriginalRequest.RequestID

	e.mu.Lock()
	defer e.mu.Unlock()

	subID, ok := e.pending[parentID]
	if !ok {
		log.Warnf("WorkflowExecutor %s received a response for unknown request %s; ignoring it.", e.id, parentID)
		return nil
	}
	delete(e.pending, parentID)
	e.collected[subID] = msg.Data
	if len(e.pending) > 0 {
		log.Debugf("WorkflowExecutor %s waiting for %d more responses", e.id, len(e.pending))
		return nil
	}

	responses := e.collected
	e.collected = make(map[string]any)
	e.requests = make(map[string]*RequestInfoEvent)
	result, err := e.sub.SendResponses(ctx, responses)
	if err != nil {
		return fmt.Errorf("sub-workflow %s failed: %w", e.sub.ID(), err)
	}
	return e.forward(ctx, result, wc)
}

// forward hands a sub-run's outputs and requests to the parent. Outputs go
// first.
func (e *WorkflowExecutor) forward(ctx context.Context, result *RunResult, wc *WorkflowContext) error {
	for _, out := range result.Outputs() {
		if e.directOutput {
			wc.YieldOutput(out)
			continue
		}
		if err := wc.SendMessage(ctx, out, ""); err != nil {
			return err
		}
	}
	for _, req := range result.RequestInfoEvents() {
		parent := NewRequestInfoEvent(uuid.NewString(), e.id, req.Data, req.ResponseType)
		e.pending[parent.RequestID] = req.RequestID
		e.requests[req.RequestID] = req
		wc.rc.AddRequestInfoEvent(parent)
	}
	log.Debugf("WorkflowExecutor %s forwarded %d outputs and %d requests; sub-run state %s",
		e.id, len(result.Outputs()), len(result.RequestInfoEvents()), result.FinalState())
	return nil
}

// SnapshotState records the open sub-workflow requests and the responses
// collected so far.
func (e *WorkflowExecutor) SnapshotState(context.Context) (map[string]any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pending := make(map[string]any, len(e.pending))
	for parentID, subID := range e.pending {
		pending[parentID] = subID
	}
	requests := make(map[string]any, len(e.requests))
	for subID, req := range e.requests {
		requests[subID] = req.ToDict()
	}
	collected := make(map[string]any, len(e.collected))
	for subID, resp := range e.collected {
		collected[subID] = codec.Encode(resp)
	}
	return map[string]any{"pending": pending, "requests": requests, "collected": collected}, nil
}

// RestoreState reopens the recorded requests in the sub-workflow so the
// responses can be passed on after a resume.
func (e *WorkflowExecutor) RestoreState(_ context.Context, state map[string]any) error {
	rawRequests, ok := state["requests"].(map[string]any)
	if !ok {
		return fmt.Errorf("sub-workflow requests are %T, not a map", state["requests"])
	}
	requests := make(map[string]*RequestInfoEvent, len(rawRequests))
	for subID, raw := range rawRequests {
		d, ok := raw.(map[string]any)
		if !ok {
			return fmt.Errorf("request %s is %T, not a map", subID, raw)
		}
		req, err := RequestInfoEventFromDict(d)
		if err != nil {
			return fmt.Errorf("request %s: %w", subID, err)
		}
		requests[subID] = req
	}

	rawPending, ok := state["pending"].(map[string]any)
	if !ok {
		return fmt.Errorf("pending requests are %T, not a map", state["pending"])
	}
	pending := make(map[string]string, len(rawPending))
	for parentID, raw := range rawPending {
		subID, ok := raw.(string)
		if !ok || requests[subID] == nil {
			return fmt.Errorf("request %s points at unknown sub-workflow request %v", parentID, raw)
		}
		pending[parentID] = subID
	}

	collected := make(map[string]any)
	if rawCollected, ok := state["collected"].(map[string]any); ok {
		for subID, v := range rawCollected {
			collected[subID] = codec.Decode(v)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = pending
	e.requests = requests
	e.collected = collected

	// Reopen the requests without announcing them again.
	rc := e.sub.runner.Context()
	for _, req := range requests {
		rc.AddRequestInfoEvent(req)
	}
	rc.DrainEvents()
	return nil
}
