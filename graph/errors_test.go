package graph

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWorkflowError(t *testing.T) {
	err := &WorkflowError{Message: "runner did not converge after 5 iterations", Code: CodeMaxIterationsExceeded, Err: ErrConvergence}
	assert.Equal(t, "MAX_ITERATIONS_EXCEEDED: runner did not converge after 5 iterations", err.Error())
	assert.ErrorIs(t, err, ErrConvergence)

	wrapped := fmt.Errorf("run: %w", err)
	var we *WorkflowError
	assert.True(t, errors.As(wrapped, &we))
	assert.Equal(t, CodeMaxIterationsExceeded, we.Code)

	assert.Equal(t, "plain", (&WorkflowError{Message: "plain"}).Error())
}

func TestHandlerError(t *testing.T) {
	cause := errors.New("boom")
	err := &HandlerError{ExecutorID: "parser", Err: cause}
	assert.Equal(t, "executor parser: boom", err.Error())
	assert.ErrorIs(t, err, cause)
}

func TestNewErrorDetails(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		executorID string
		want       ErrorDetails
	}{
		{
			name: "nil",
			err:  nil, executorID: "a",
			want: ErrorDetails{ExecutorID: "a"},
		},
		{
			name: "coded",
			err:  &WorkflowError{Message: "slow", Code: CodeHandlerTimeout, Err: context.DeadlineExceeded},
			want: ErrorDetails{ErrorType: CodeHandlerTimeout, Message: "HANDLER_TIMEOUT: slow"},
		},
		{
			name: "handler error fills executor",
			err:  &HandlerError{ExecutorID: "b", Err: errors.New("bad input")},
			want: ErrorDetails{ErrorType: "*graph.HandlerError", Message: "executor b: bad input", ExecutorID: "b"},
		},
		{
			name: "explicit executor wins",
			err:  &HandlerError{ExecutorID: "b", Err: errors.New("bad input")}, executorID: "c",
			want: ErrorDetails{ErrorType: "*graph.HandlerError", Message: "executor b: bad input", ExecutorID: "c"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NewErrorDetails(tt.err, tt.executorID))
		})
	}
}

func TestSentinelsAreDistinct(t *testing.T) {
	sentinels := []error{
		ErrAlreadyRunning, ErrConvergence, ErrGraphSignatureMismatch, ErrNoHandler,
		ErrInvalidSelection, ErrExecutorNotFound, ErrNoPendingRequests, ErrUnknownRequest,
		ErrResponseTypeMismatch, ErrCheckpointingDisabled, ErrRestoreFailed, ErrInvalidExecutorState,
		ErrKeyNotFound, ErrMultipleSources, ErrNoStartExecutor, ErrDuplicateExecutor,
		ErrUnknownEdgeEndpoint, ErrSwitchCaseNoDefault, ErrEmptyEdgeGroup,
	}
	for i, a := range sentinels {
		for j, b := range sentinels {
			if i != j {
				assert.NotErrorIs(t, a, b)
			}
		}
	}
}
