package emit

import "sync"

// BufferedEmitter keeps events in memory, grouped by workflow ID, and lets
// callers query the history of a run.
//
// Every event is retained until Clear is called, so long-lived processes
// should clear finished workflows.
//
//	emitter := emit.NewBufferedEmitter()
//	wf, _ := graph.NewWorkflowBuilder(graph.WithEmitter(emitter)).
//	    ...
//	failures := emitter.GetHistoryWithFilter(wf.ID(), emit.HistoryFilter{Msg: "executor_failed"})
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event
}

// HistoryFilter selects events. Zero fields match everything; set fields
// must all match.
type HistoryFilter struct {
	ExecutorID   string
	Msg          string
	MinSuperstep *int
	MaxSuperstep *int
}

func (f HistoryFilter) empty() bool {
	return f.ExecutorID == "" && f.Msg == "" && f.MinSuperstep == nil && f.MaxSuperstep == nil
}

func (f HistoryFilter) matches(event Event) bool {
	if f.ExecutorID != "" && event.ExecutorID != f.ExecutorID {
		return false
	}
	if f.Msg != "" && event.Msg != f.Msg {
		return false
	}
	if f.MinSuperstep != nil && event.Superstep < *f.MinSuperstep {
		return false
	}
	if f.MaxSuperstep != nil && event.Superstep > *f.MaxSuperstep {
		return false
	}
	return true
}

// NewBufferedEmitter creates an empty BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{
		events: make(map[string][]Event),
	}
}

// Emit appends event to its workflow's history.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events[event.WorkflowID] = append(b.events[event.WorkflowID], event)
}

// GetHistory returns a copy of the events of workflowID in emission order.
// It never returns nil.
func (b *BufferedEmitter) GetHistory(workflowID string) []Event {
	return b.GetHistoryWithFilter(workflowID, HistoryFilter{})
}

// GetHistoryWithFilter returns the events of workflowID matching filter, in
// emission order. It never returns nil.
func (b *BufferedEmitter) GetHistoryWithFilter(workflowID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.events[workflowID]
	if filter.empty() {
		result := make([]Event, len(events))
		copy(result, events)
		return result
	}

	result := []Event{}
	for _, event := range events {
		if filter.matches(event) {
			result = append(result, event)
		}
	}
	return result
}

// WorkflowIDs returns the IDs of workflows with buffered events.
func (b *BufferedEmitter) WorkflowIDs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]string, 0, len(b.events))
	for id := range b.events {
		ids = append(ids, id)
	}
	return ids
}

// Clear drops the history of workflowID, or of every workflow when
// workflowID is empty.
func (b *BufferedEmitter) Clear(workflowID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if workflowID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, workflowID)
}
