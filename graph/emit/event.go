package emit

// Event is the observability form of a workflow event.
//
// The engine mirrors every event a run yields (lifecycle, status, executor,
// output and request events) to the configured Emitter as an Event:
//
//	Msg            source
//	workflow_started   WorkflowStartedEvent
//	workflow_status    WorkflowStatusEvent (Meta["state"])
//	executor_invoked   ExecutorInvokedEvent
//	executor_completed ExecutorCompletedEvent
//	executor_failed    ExecutorFailedEvent (Meta["error"])
//	workflow_output    WorkflowOutputEvent (Meta["data"])
//	request_info       RequestInfoEvent (Meta["request_id"])
//	workflow_failed    WorkflowFailedEvent (Meta["error"])
type Event struct {
	// WorkflowID identifies the run that emitted this event.
	WorkflowID string

	// Superstep is the number of supersteps completed when the event was
	// observed. Zero for events raised before the first superstep finishes.
	Superstep int

	// ExecutorID names the executor the event is about. Empty for
	// workflow-level events.
	ExecutorID string

	// Msg is the event type.
	Msg string

	// Meta holds event-specific fields. Common keys:
	//   - "state": run state for workflow_status
	//   - "error": error message for failures
	//   - "error_type": error code or Go type for failures
	//   - "request_id": pending request identifier
	//   - "data": output payload
	Meta map[string]any
}

// HasError reports whether the event carries an error message.
func (e Event) HasError() bool {
	_, ok := e.Meta["error"].(string)
	return ok
}
