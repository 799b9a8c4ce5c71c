// Package graph provides a superstep (Pregel-style) execution engine for
// message-driven executor graphs with durable checkpointing.
package graph

import (
	"errors"
	"fmt"
)

// ErrAlreadyRunning is returned when a run-triggering entry point is called
// while another run of the same workflow is still in flight.
var ErrAlreadyRunning = errors.New("workflow is already running; concurrent executions are not allowed")

// ErrConvergence indicates the superstep limit was reached while messages were
// still pending.
var ErrConvergence = errors.New("workflow did not converge")

// ErrGraphSignatureMismatch is returned when resuming from a checkpoint that
// was created by a graph with a different topology.
var ErrGraphSignatureMismatch = errors.New("workflow graph has changed since the checkpoint was created")

// ErrNoHandler indicates an executor has no handler for a message payload.
var ErrNoHandler = errors.New("no handler registered for message")

// ErrInvalidSelection is returned when a fan-out selection function names a
// target outside the edge group.
var ErrInvalidSelection = errors.New("selection returned targets outside the edge group")

// ErrExecutorNotFound indicates a reference to an executor ID that is not part
// of the graph.
var ErrExecutorNotFound = errors.New("executor not found")

// Request/response errors.
var (
	ErrNoPendingRequests    = errors.New("no pending requests found in workflow context")
	ErrUnknownRequest       = errors.New("response provided for unknown request")
	ErrResponseTypeMismatch = errors.New("response type mismatch")
)

// Checkpoint errors.
var (
	ErrCheckpointingDisabled = errors.New("checkpointing is not enabled and no checkpoint storage was provided")
	ErrRestoreFailed         = errors.New("failed to restore from checkpoint")
	ErrInvalidExecutorState  = errors.New("invalid executor state in checkpoint")
)

// ErrKeyNotFound is returned by SharedState.Get for a missing key.
var ErrKeyNotFound = errors.New("key not found in shared state")

// ErrMultipleSources is returned by WorkflowContext.SourceExecutorID when the
// message was delivered by a fan-in edge group.
var ErrMultipleSources = errors.New("message has multiple source executors")

// Builder validation errors.
var (
	ErrNoStartExecutor     = errors.New("starting executor must be set")
	ErrDuplicateExecutor   = errors.New("duplicate executor ID")
	ErrUnknownEdgeEndpoint = errors.New("edge references an executor that is not registered")
	ErrSwitchCaseNoDefault = errors.New("switch-case edge group requires a default target")
	ErrEmptyEdgeGroup      = errors.New("edge group has no sources or targets")
)

// Error codes carried by WorkflowError.
const (
	CodeMaxIterationsExceeded = "MAX_ITERATIONS_EXCEEDED"
	CodeAlreadyRunning        = "ALREADY_RUNNING"
	CodeHandlerTimeout        = "HANDLER_TIMEOUT"
	CodeHandlerFailed         = "HANDLER_FAILED"
)

// WorkflowError is a coded engine error. Err, when set, is the sentinel the
// error matches under errors.Is.
type WorkflowError struct {
	Message string
	Code    string
	Err     error
}

func (e *WorkflowError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

func (e *WorkflowError) Unwrap() error { return e.Err }

// ErrorDetails describes a failure in a form that survives serialization.
type ErrorDetails struct {
	ErrorType  string         `json:"error_type"`
	Message    string         `json:"message"`
	ExecutorID string         `json:"executor_id,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// NewErrorDetails builds details from err. ErrorType is the WorkflowError
// code when there is one, otherwise the Go type of the error.
func NewErrorDetails(err error, executorID string) ErrorDetails {
	if err == nil {
		return ErrorDetails{ExecutorID: executorID}
	}
	d := ErrorDetails{
		ErrorType:  fmt.Sprintf("%T", err),
		Message:    err.Error(),
		ExecutorID: executorID,
	}
	var we *WorkflowError
	if errors.As(err, &we) && we.Code != "" {
		d.ErrorType = we.Code
	}
	var he *HandlerError
	if errors.As(err, &he) && d.ExecutorID == "" {
		d.ExecutorID = he.ExecutorID
	}
	return d
}

// HandlerError wraps an error returned by an executor handler with the ID of
// the executor that produced it.
type HandlerError struct {
	ExecutorID string
	Err        error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("executor %s: %v", e.ExecutorID, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }
