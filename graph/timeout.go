package graph

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// handlerTimeout determines the timeout for an executor based on precedence:
// 1. per-executor override (WithExecutorTimeout)
// 2. workflow default (WithDefaultHandlerTimeout)
// 3. 0 (no timeout)
func handlerTimeout(executorID string, overrides map[string]time.Duration, defaultTimeout time.Duration) time.Duration {
	if d, ok := overrides[executorID]; ok && d > 0 {
		return d
	}
	if defaultTimeout > 0 {
		return defaultTimeout
	}
	return 0
}

// executeWithTimeout runs exec with a deadline derived from timeout. Handlers
// observe the deadline through ctx; a handler that returns after the deadline
// passed is reported as a HANDLER_TIMEOUT WorkflowError.
func executeWithTimeout(
	ctx context.Context,
	exec Executor,
	msg Message,
	sourceIDs []string,
	state *SharedState,
	rc RunnerContext,
	timeout time.Duration,
) error {
	if timeout == 0 {
		return exec.Execute(ctx, msg, sourceIDs, state, rc)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := exec.Execute(timeoutCtx, msg, sourceIDs, state, rc)
	if errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		timeoutErr := &WorkflowError{
			Message: fmt.Sprintf("executor %s exceeded timeout of %v", exec.ID(), timeout),
			Code:    CodeHandlerTimeout,
			Err:     context.DeadlineExceeded,
		}
		if err == nil {
			// The handler finished late without noticing the deadline.
			rc.AddEvent(ExecutorFailedEvent{ExecutorID: exec.ID(), Details: NewErrorDetails(timeoutErr, exec.ID())})
		}
		return timeoutErr
	}
	return err
}
