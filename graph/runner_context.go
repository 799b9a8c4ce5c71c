package graph

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/dshills/superstep-go/graph/codec"
	"github.com/dshills/superstep-go/graph/log"
	"github.com/dshills/superstep-go/graph/store"
)

// RunnerContext is the per-run mailbox shared by the runner and executors:
// the outgoing message queue keyed by source executor, the event queue, open
// external-input requests and the checkpoint glue.
//
// Drains are destructive: each call returns a fresh batch and nothing it
// returned is seen again.
type RunnerContext interface {
	SendMessage(msg Message)
	DrainMessages() map[string][]Message
	HasMessages() bool

	AddEvent(ev WorkflowEvent)
	DrainEvents() []WorkflowEvent
	HasEvents() bool
	// NextEvent blocks until an event is queued or ctx is done.
	NextEvent(ctx context.Context) (WorkflowEvent, error)
	// EventSignal receives a value after events were added. A receive does
	// not guarantee events are still queued.
	EventSignal() <-chan struct{}

	HasCheckpointing() bool
	CreateCheckpoint(ctx context.Context, state *SharedState, iteration int, metadata map[string]any) (string, error)
	LoadCheckpoint(ctx context.Context, checkpointID string) (*store.WorkflowCheckpoint, error)
	ApplyCheckpoint(cp *store.WorkflowCheckpoint) error

	WorkflowID() string
	SetWorkflowID(id string)
	ResetForNewRun()
	SetStreaming(streaming bool)
	IsStreaming() bool

	AddRequestInfoEvent(ev *RequestInfoEvent)
	SendRequestInfoResponse(requestID string, response any) error
	PendingRequestInfoEvents() map[string]*RequestInfoEvent
}

// InProcRunnerContext is the in-process RunnerContext used by Workflow.
type InProcRunnerContext struct {
	storage store.CheckpointStorage

	mu         sync.Mutex
	messages   map[string][]Message
	events     []WorkflowEvent
	pending    map[string]*RequestInfoEvent
	workflowID string
	streaming  bool

	signal chan struct{}
}

// NewInProcRunnerContext creates a context. storage may be nil, which
// disables checkpointing.
func NewInProcRunnerContext(storage store.CheckpointStorage) *InProcRunnerContext {
	return &InProcRunnerContext{
		storage:  storage,
		messages: make(map[string][]Message),
		pending:  make(map[string]*RequestInfoEvent),
		signal:   make(chan struct{}, 1),
	}
}

func (c *InProcRunnerContext) SendMessage(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages[msg.SourceID] = append(c.messages[msg.SourceID], msg)
}

func (c *InProcRunnerContext) DrainMessages() map[string][]Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.messages
	c.messages = make(map[string][]Message)
	return out
}

func (c *InProcRunnerContext) HasMessages() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages) > 0
}

func (c *InProcRunnerContext) AddEvent(ev WorkflowEvent) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

func (c *InProcRunnerContext) DrainEvents() []WorkflowEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.events
	c.events = nil
	return out
}

func (c *InProcRunnerContext) HasEvents() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events) > 0
}

func (c *InProcRunnerContext) NextEvent(ctx context.Context) (WorkflowEvent, error) {
	for {
		c.mu.Lock()
		if len(c.events) > 0 {
			ev := c.events[0]
			c.events = c.events[1:]
			c.mu.Unlock()
			return ev, nil
		}
		c.mu.Unlock()

		select {
		case <-c.signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *InProcRunnerContext) EventSignal() <-chan struct{} { return c.signal }

func (c *InProcRunnerContext) HasCheckpointing() bool { return c.storage != nil }

// CreateCheckpoint snapshots the queued messages, the shared state and the
// open requests and saves them. A workflow ID is assigned if none is set.
func (c *InProcRunnerContext) CreateCheckpoint(ctx context.Context, state *SharedState, iteration int, metadata map[string]any) (string, error) {
	if c.storage == nil {
		return "", ErrCheckpointingDisabled
	}

	c.mu.Lock()
	if c.workflowID == "" {
		c.workflowID = uuid.NewString()
	}
	cp := store.NewWorkflowCheckpoint(c.workflowID)
	for source, msgs := range c.messages {
		encoded := make([]map[string]any, len(msgs))
		for i, m := range msgs {
			encoded[i] = m.toDict()
		}
		cp.Messages[source] = encoded
	}
	for id, req := range c.pending {
		cp.PendingRequestInfoEvents[id] = req.ToDict()
	}
	c.mu.Unlock()

	if encoded, ok := codec.Encode(state.Export()).(map[string]any); ok {
		cp.SharedState = encoded
	}
	cp.IterationCount = iteration
	for k, v := range metadata {
		cp.Metadata[k] = v
	}

	id, err := c.storage.SaveCheckpoint(ctx, cp)
	if err != nil {
		return "", fmt.Errorf("failed to save checkpoint: %w", err)
	}
	log.Infof("Created checkpoint %s for workflow %s", id, cp.WorkflowID)
	return id, nil
}

func (c *InProcRunnerContext) LoadCheckpoint(ctx context.Context, checkpointID string) (*store.WorkflowCheckpoint, error) {
	if c.storage == nil {
		return nil, ErrCheckpointingDisabled
	}
	return c.storage.LoadCheckpoint(ctx, checkpointID)
}

// ApplyCheckpoint replaces the queued messages and open requests with the
// checkpoint's and re-emits a RequestInfoEvent for every open request.
func (c *InProcRunnerContext) ApplyCheckpoint(cp *store.WorkflowCheckpoint) error {
	messages := make(map[string][]Message, len(cp.Messages))
	for source, list := range cp.Messages {
		msgs := make([]Message, 0, len(list))
		for _, raw := range list {
			m, err := messageFromDict(raw)
			if err != nil {
				return err
			}
			msgs = append(msgs, m)
		}
		messages[source] = msgs
	}

	ids := make([]string, 0, len(cp.PendingRequestInfoEvents))
	for id := range cp.PendingRequestInfoEvents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	pending := make(map[string]*RequestInfoEvent, len(ids))
	restored := make([]*RequestInfoEvent, 0, len(ids))
	for _, id := range ids {
		req, err := RequestInfoEventFromDict(cp.PendingRequestInfoEvents[id])
		if err != nil {
			return fmt.Errorf("pending request %s: %w", id, err)
		}
		pending[id] = req
		restored = append(restored, req)
	}

	c.mu.Lock()
	c.messages = messages
	c.pending = pending
	c.workflowID = cp.WorkflowID
	c.mu.Unlock()

	for _, req := range restored {
		c.AddEvent(req)
	}
	return nil
}

func (c *InProcRunnerContext) WorkflowID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.workflowID
}

func (c *InProcRunnerContext) SetWorkflowID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.workflowID = id
}

// ResetForNewRun clears messages, events and open requests and turns
// streaming off. The workflow ID and storage are kept.
func (c *InProcRunnerContext) ResetForNewRun() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = make(map[string][]Message)
	c.events = nil
	c.pending = make(map[string]*RequestInfoEvent)
	c.streaming = false
}

func (c *InProcRunnerContext) SetStreaming(streaming bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streaming = streaming
}

func (c *InProcRunnerContext) IsStreaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streaming
}

// AddRequestInfoEvent records ev as open and emits it.
func (c *InProcRunnerContext) AddRequestInfoEvent(ev *RequestInfoEvent) {
	c.mu.Lock()
	c.pending[ev.RequestID] = ev
	c.mu.Unlock()
	c.AddEvent(ev)
}

// SendRequestInfoResponse closes the request and queues the response for the
// executor that asked, through its internal edge group.
func (c *InProcRunnerContext) SendRequestInfoResponse(requestID string, response any) error {
	c.mu.Lock()
	req, ok := c.pending[requestID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: no pending request found for request_id %s", ErrUnknownRequest, requestID)
	}
	if req.ResponseType != nil {
		coerced, ok := codec.Coerce(response, req.ResponseType)
		if !ok {
			c.mu.Unlock()
			return fmt.Errorf("%w for request_id %s: expected %s, got %T",
				ErrResponseTypeMismatch, requestID, req.ResponseType, response)
		}
		response = coerced
	}
	delete(c.pending, requestID)
	c.mu.Unlock()

	c.SendMessage(Message{
		Data:            response,
		SourceID:        InternalSourceID(req.SourceExecutorID),
		TargetID:        req.SourceExecutorID,
		Type:            MessageResponse,
		OriginalRequest: req,
	})
	return nil
}

// PendingRequestInfoEvents returns a copy of the open requests.
func (c *InProcRunnerContext) PendingRequestInfoEvents() map[string]*RequestInfoEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]*RequestInfoEvent, len(c.pending))
	for k, v := range c.pending {
		out[k] = v
	}
	return out
}
