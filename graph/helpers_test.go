package graph

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/dshills/superstep-go/graph/log"
)

// newIncrement returns an executor that forwards n+1 while n < limit and
// yields n once the limit is reached.
func newIncrement(id string, limit int) *BaseExecutor {
	e := NewBaseExecutor(id)
	return Handle(e, func(ctx context.Context, n int, wc *WorkflowContext) error {
		if n < limit {
			return wc.SendMessage(ctx, n+1, "")
		}
		wc.YieldOutput(n)
		return nil
	})
}

// newCollector returns an executor that yields every payload it receives.
func newCollector[T any](id string) *FunctionExecutor {
	return NewFunctionExecutor(id, func(_ context.Context, v T, wc *WorkflowContext) error {
		wc.YieldOutput(v)
		return nil
	})
}

// observeLogs routes the package logger into an in-memory observer for the
// duration of the test.
func observeLogs(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	prev := log.Default
	log.Default = zap.New(core).Sugar()
	t.Cleanup(func() { log.Default = prev })
	return logs
}

// recordingContext wraps an InProcRunnerContext, failing checkpoint creation
// on demand.
type recordingContext struct {
	*InProcRunnerContext
	failCheckpoints bool
	checkpointCalls int
}

func (r *recordingContext) CreateCheckpoint(ctx context.Context, state *SharedState, iteration int, metadata map[string]any) (string, error) {
	r.checkpointCalls++
	if r.failCheckpoints {
		return "", context.DeadlineExceeded
	}
	return r.InProcRunnerContext.CreateCheckpoint(ctx, state, iteration, metadata)
}

func statesOf(timeline []WorkflowStatusEvent) []RunState {
	out := make([]RunState, len(timeline))
	for i, ev := range timeline {
		out[i] = ev.State
	}
	return out
}

func eventTypes(events []WorkflowEvent) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.EventType()
	}
	return out
}
