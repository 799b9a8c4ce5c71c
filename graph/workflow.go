package graph

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/superstep-go/graph/codec"
	"github.com/dshills/superstep-go/graph/emit"
	"github.com/dshills/superstep-go/graph/store"
)

// workflowSourceID is the source reported to the start executor for the
// run's input message.
const workflowSourceID = "Workflow"

// Workflow is a built, immutable graph of executors plus the runner that
// executes it. Create one with NewWorkflowBuilder.
//
// A Workflow runs one thing at a time: Run, RunStream, RunFromCheckpoint,
// RunStreamFromCheckpoint, SendResponses and SendResponsesStream fail with
// ErrAlreadyRunning while another of them is in progress.
//
// Between runs the workflow keeps its queues and open requests, which is what
// SendResponses continues from. Run and RunStream start from a clean slate.
type Workflow struct {
	id            string
	cfg           workflowConfig
	executors     map[string]Executor
	edgeGroups    []EdgeGroup
	startID       string
	signatureHash string

	runner  *Runner
	running atomic.Bool
}

// ID returns the workflow's unique ID.
func (w *Workflow) ID() string { return w.id }

// Name returns the name set with WithName.
func (w *Workflow) Name() string { return w.cfg.name }

// Description returns the description set with WithDescription.
func (w *Workflow) Description() string { return w.cfg.description }

// MaxIterations returns the superstep cap.
func (w *Workflow) MaxIterations() int { return w.cfg.maxIterations }

// StartExecutor returns the executor that receives the run's input.
func (w *Workflow) StartExecutor() Executor { return w.executors[w.startID] }

// Executor returns the executor with id.
func (w *Workflow) Executor(id string) (Executor, bool) {
	exec, ok := w.executors[id]
	return exec, ok
}

// ExecutorIDs returns the sorted IDs of all executors.
func (w *Workflow) ExecutorIDs() []string {
	ids := make([]string, 0, len(w.executors))
	for id := range w.executors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// EdgeGroups returns the edge groups, including the internal groups that
// route request responses.
func (w *Workflow) EdgeGroups() []EdgeGroup { return append([]EdgeGroup(nil), w.edgeGroups...) }

// GraphSignatureHash returns the topology hash stored in checkpoints.
func (w *Workflow) GraphSignatureHash() string { return w.signatureHash }

// SharedState returns the state shared by the workflow's executors.
func (w *Workflow) SharedState() *SharedState { return w.runner.SharedState() }

// PendingRequests returns the requests still waiting for a response.
func (w *Workflow) PendingRequests() map[string]*RequestInfoEvent {
	return w.runner.Context().PendingRequestInfoEvents()
}

// IsRunning reports whether a run is in progress.
func (w *Workflow) IsRunning() bool { return w.running.Load() }

// RunOption configures a single run.
type RunOption func(*runOptions)

type runOptions struct {
	storage      store.CheckpointStorage
	responses    map[string]any
	statusEvents bool
}

// WithCheckpointStorage sets the storage RunFromCheckpoint reads from when
// the workflow was built without WithCheckpointing.
func WithCheckpointStorage(storage store.CheckpointStorage) RunOption {
	return func(o *runOptions) { o.storage = storage }
}

// WithResponses answers restored requests right after a checkpoint is
// restored, keyed by request ID.
func WithResponses(responses map[string]any) RunOption {
	return func(o *runOptions) { o.responses = responses }
}

// WithStatusEvents keeps WorkflowStatusEvents in RunResult.Events.
func WithStatusEvents() RunOption {
	return func(o *runOptions) { o.statusEvents = true }
}

func newRunOptions(opts []RunOption) runOptions {
	var o runOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// initialFunc prepares the run before the superstep loop starts.
type initialFunc func(ctx context.Context) error

// Run sends input to the start executor and runs until the graph is idle.
//
// The returned error is non-nil when the run failed; the RunResult is still
// returned and holds every event observed up to the failure.
//
// Example:
//
//	result, err := wf.Run(ctx, 0)
//	if err != nil {
//	    return err
//	}
//	for _, out := range result.Outputs() {
//	    fmt.Println(out)
//	}
func (w *Workflow) Run(ctx context.Context, input any, opts ...RunOption) (*RunResult, error) {
	if err := w.acquire(); err != nil {
		return nil, err
	}
	defer w.running.Store(false)
	return w.collect(ctx, newRunOptions(opts), true, w.startWith(input), false)
}

// RunStream is Run delivering events as they happen. The caller must read
// Events until it is closed or cancel ctx; see EventStream.
func (w *Workflow) RunStream(ctx context.Context, input any) *EventStream {
	if err := w.acquire(); err != nil {
		return failedStream(err)
	}
	return w.stream(ctx, true, w.startWith(input), true)
}

// RunFromCheckpoint restores checkpointID and continues the run from there.
//
// The checkpoint is read from the workflow's own storage or, when it was
// built without checkpointing, from WithCheckpointStorage. With
// WithResponses, restored requests are answered before the first superstep.
func (w *Workflow) RunFromCheckpoint(ctx context.Context, checkpointID string, opts ...RunOption) (*RunResult, error) {
	if err := w.acquire(); err != nil {
		return nil, err
	}
	defer w.running.Store(false)
	o := newRunOptions(opts)
	return w.collect(ctx, o, false, w.restoreWith(checkpointID, o), false)
}

// RunStreamFromCheckpoint is RunFromCheckpoint delivering events as they
// happen.
func (w *Workflow) RunStreamFromCheckpoint(ctx context.Context, checkpointID string, opts ...RunOption) *EventStream {
	if err := w.acquire(); err != nil {
		return failedStream(err)
	}
	return w.stream(ctx, false, w.restoreWith(checkpointID, newRunOptions(opts)), true)
}

// SendResponses answers pending requests, keyed by request ID, and runs
// until the graph is idle again. Every response is validated before any is
// delivered.
func (w *Workflow) SendResponses(ctx context.Context, responses map[string]any, opts ...RunOption) (*RunResult, error) {
	if err := w.acquire(); err != nil {
		return nil, err
	}
	defer w.running.Store(false)
	return w.collect(ctx, newRunOptions(opts), false, w.respondWith(responses), false)
}

// SendResponsesStream is SendResponses delivering events as they happen.
func (w *Workflow) SendResponsesStream(ctx context.Context, responses map[string]any) *EventStream {
	if err := w.acquire(); err != nil {
		return failedStream(err)
	}
	return w.stream(ctx, false, w.respondWith(responses), true)
}

func (w *Workflow) acquire() error {
	if !w.running.CompareAndSwap(false, true) {
		return &WorkflowError{
			Message: "workflow is already running; concurrent executions are not allowed",
			Code:    CodeAlreadyRunning,
			Err:     ErrAlreadyRunning,
		}
	}
	return nil
}

func (w *Workflow) collect(ctx context.Context, o runOptions, reset bool, initial initialFunc, streaming bool) (*RunResult, error) {
	var events []WorkflowEvent
	err := w.execute(ctx, reset, initial, streaming, func(ev WorkflowEvent) {
		events = append(events, ev)
	})
	return newRunResult(events, w.runner.SharedState().Export(), o.statusEvents), err
}

func (w *Workflow) stream(ctx context.Context, reset bool, initial initialFunc, streaming bool) *EventStream {
	s := &EventStream{ch: make(chan WorkflowEvent, streamBuffer)}
	go func() {
		defer close(s.ch)
		defer w.running.Store(false)
		s.err = w.execute(ctx, reset, initial, streaming, func(ev WorkflowEvent) {
			select {
			case s.ch <- ev:
			case <-ctx.Done():
			}
		})
	}()
	return s
}

func (w *Workflow) startWith(input any) initialFunc {
	return func(ctx context.Context) error {
		start := w.executors[w.startID]
		msg := Message{Data: input, SourceID: workflowSourceID, TargetID: w.startID, Type: MessageStandard}
		return w.runner.invoke(ctx, start, msg, []string{workflowSourceID}, w.runner.SharedState(), w.runner.Context())
	}
}

func (w *Workflow) restoreWith(checkpointID string, o runOptions) initialFunc {
	return func(ctx context.Context) error {
		if !w.runner.Context().HasCheckpointing() && o.storage == nil {
			return fmt.Errorf("%w: build with WithCheckpointing or pass WithCheckpointStorage", ErrCheckpointingDisabled)
		}
		ok, err := w.runner.RestoreFromCheckpoint(ctx, checkpointID, o.storage)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrRestoreFailed, checkpointID)
		}
		if len(o.responses) > 0 {
			return w.dispatchResponses(ctx, o.responses)
		}
		return nil
	}
}

func (w *Workflow) respondWith(responses map[string]any) initialFunc {
	return func(ctx context.Context) error {
		return w.dispatchResponses(ctx, responses)
	}
}

// dispatchResponses validates every response against its pending request,
// then delivers them.
func (w *Workflow) dispatchResponses(ctx context.Context, responses map[string]any) error {
	rc := w.runner.Context()
	pending := rc.PendingRequestInfoEvents()
	if len(pending) == 0 {
		return ErrNoPendingRequests
	}
	for id, resp := range responses {
		req, ok := pending[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownRequest, id)
		}
		if req.ResponseType == nil {
			continue
		}
		if _, ok := codec.Coerce(resp, req.ResponseType); !ok {
			return fmt.Errorf("%w for request %s: expected %s, got %T", ErrResponseTypeMismatch, id, req.ResponseType, resp)
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	var g errgroup.Group
	for id, resp := range responses {
		g.Go(func() error { return rc.SendRequestInfoResponse(id, resp) })
	}
	return g.Wait()
}

// execute is the lifecycle shared by every entry point: Started, IN_PROGRESS,
// optional reset, initial step, supersteps, then a terminal status.
func (w *Workflow) execute(ctx context.Context, reset bool, initial initialFunc, streaming bool, yield func(WorkflowEvent)) (err error) {
	ctx, span := startWorkflowSpan(ctx, w)
	defer func() { endSpan(span, err) }()

	rc := w.runner.Context()
	emitEvent := func(ev WorkflowEvent) {
		w.mirror(ev)
		yield(ev)
	}

	emitEvent(WorkflowStartedEvent{})
	emitEvent(WorkflowStatusEvent{State: RunStateInProgress})

	if reset {
		w.runner.ResetForNewRun()
		rc.ResetForNewRun()
		w.runner.SharedState().Clear()
	}
	rc.SetStreaming(streaming)

	sawRequest := false
	forward := func(ev WorkflowEvent) {
		emitEvent(ev)
		if _, ok := ev.(*RequestInfoEvent); ok && !sawRequest {
			sawRequest = true
			emitEvent(WorkflowStatusEvent{State: RunStateInProgressPendingRequests})
		}
	}

	if initial != nil {
		err = initial(ctx)
	}
	if err == nil {
		err = w.runner.RunUntilConvergence(ctx, forward)
	}
	if err != nil {
		for _, ev := range rc.DrainEvents() {
			forward(ev)
		}
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			emitEvent(WorkflowStatusEvent{State: RunStateCancelled})
			return err
		}
		emitEvent(WorkflowFailedEvent{Details: NewErrorDetails(err, "")})
		emitEvent(WorkflowStatusEvent{State: RunStateFailed})
		return err
	}

	if sawRequest {
		emitEvent(WorkflowStatusEvent{State: RunStateIdleWithPendingRequests})
	} else {
		emitEvent(WorkflowStatusEvent{State: RunStateIdle})
	}
	return nil
}

// mirror sends ev to the configured emitter.
func (w *Workflow) mirror(ev WorkflowEvent) {
	if w.cfg.emitter == nil {
		return
	}
	out := emit.Event{
		WorkflowID: w.runner.Context().WorkflowID(),
		Superstep:  w.runner.Iteration(),
		Msg:        ev.EventType(),
	}
	if out.WorkflowID == "" {
		out.WorkflowID = w.id
	}
	switch e := ev.(type) {
	case WorkflowStatusEvent:
		out.Meta = map[string]any{"state": string(e.State)}
	case WorkflowFailedEvent:
		out.ExecutorID = e.Details.ExecutorID
		out.Meta = map[string]any{"error": e.Details.Message, "error_type": e.Details.ErrorType}
	case WorkflowWarningEvent:
		out.Meta = map[string]any{"message": e.Message}
	case WorkflowErrorEvent:
		if e.Err != nil {
			out.Meta = map[string]any{"error": e.Err.Error()}
		}
	case WorkflowOutputEvent:
		out.ExecutorID = e.SourceExecutorID
		out.Meta = map[string]any{"data": e.Data}
	case ExecutorInvokedEvent:
		out.ExecutorID = e.ExecutorID
	case ExecutorCompletedEvent:
		out.ExecutorID = e.ExecutorID
	case ExecutorFailedEvent:
		out.ExecutorID = e.ExecutorID
		out.Meta = map[string]any{"error": e.Details.Message, "error_type": e.Details.ErrorType}
	case *RequestInfoEvent:
		out.ExecutorID = e.SourceExecutorID
		out.Meta = map[string]any{"request_id": e.RequestID}
	}
	w.cfg.emitter.Emit(out)
}

// RunResult is the outcome of a non-streaming run.
type RunResult struct {
	events   []WorkflowEvent
	statuses []WorkflowStatusEvent
	state    map[string]any
}

func newRunResult(all []WorkflowEvent, state map[string]any, keepStatus bool) *RunResult {
	r := &RunResult{state: state}
	for _, ev := range all {
		switch e := ev.(type) {
		case WorkflowStartedEvent:
			continue
		case WorkflowStatusEvent:
			r.statuses = append(r.statuses, e)
			if !keepStatus {
				continue
			}
		}
		r.events = append(r.events, ev)
	}
	return r
}

// Events returns the run's events in order. WorkflowStartedEvent is left
// out, and so are status events unless WithStatusEvents was given.
func (r *RunResult) Events() []WorkflowEvent { return append([]WorkflowEvent(nil), r.events...) }

// Outputs returns the data of every WorkflowOutputEvent, in order.
func (r *RunResult) Outputs() []any {
	var out []any
	for _, ev := range r.events {
		if o, ok := ev.(WorkflowOutputEvent); ok {
			out = append(out, o.Data)
		}
	}
	return out
}

// RequestInfoEvents returns the requests raised during the run.
func (r *RunResult) RequestInfoEvents() []*RequestInfoEvent {
	var out []*RequestInfoEvent
	for _, ev := range r.events {
		if req, ok := ev.(*RequestInfoEvent); ok {
			out = append(out, req)
		}
	}
	return out
}

// StatusTimeline returns every status the run went through.
func (r *RunResult) StatusTimeline() []WorkflowStatusEvent {
	return append([]WorkflowStatusEvent(nil), r.statuses...)
}

// FinalState returns the last status, or "" when there was none.
func (r *RunResult) FinalState() RunState {
	if len(r.statuses) == 0 {
		return ""
	}
	return r.statuses[len(r.statuses)-1].State
}

// SharedState returns a copy of the shared state as it was when the run
// ended.
func (r *RunResult) SharedState() map[string]any { return r.state }

const streamBuffer = 64

// EventStream delivers a run's events. Range over Events until it is closed,
// then check Err.
//
//	stream := wf.RunStream(ctx, input)
//	for ev := range stream.Events() {
//	    handle(ev)
//	}
//	if err := stream.Err(); err != nil {
//	    return err
//	}
//
// The run holds the workflow until its last event has been received. A
// caller that stops reading early must cancel the run's context, otherwise
// the run blocks once the buffer of 64 events fills and the workflow
// rejects every later run with ErrAlreadyRunning. Cancelling stops delivery
// and drops undelivered events.
type EventStream struct {
	ch  chan WorkflowEvent
	err error
}

func failedStream(err error) *EventStream {
	s := &EventStream{ch: make(chan WorkflowEvent), err: err}
	close(s.ch)
	return s
}

// Events returns the event channel. It is closed when the run ends.
func (s *EventStream) Events() <-chan WorkflowEvent { return s.ch }

// Err returns the run's error. It is valid once Events is closed.
func (s *EventStream) Err() error { return s.err }

// Collect drains the stream and returns its events and error.
func (s *EventStream) Collect() ([]WorkflowEvent, error) {
	var events []WorkflowEvent
	for ev := range s.ch {
		events = append(events, ev)
	}
	return events, s.err
}
