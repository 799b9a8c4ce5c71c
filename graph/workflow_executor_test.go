package graph

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/superstep-go/graph/store"
)

func newShout(t *testing.T) *Workflow {
	t.Helper()
	upper := NewFunctionExecutor("upper", func(ctx context.Context, s string, wc *WorkflowContext) error {
		return wc.SendMessage(ctx, strings.ToUpper(s), "")
	})
	bang := NewFunctionExecutor("bang", func(_ context.Context, s string, wc *WorkflowContext) error {
		wc.YieldOutput(s + "!")
		return nil
	})
	wf, err := NewWorkflowBuilder().SetStartExecutor(upper).AddEdge(upper, bang, nil).Build()
	require.NoError(t, err)
	return wf
}

func TestWorkflowExecutor_OutputsBecomeMessages(t *testing.T) {
	intake := NewFunctionExecutor("intake", func(ctx context.Context, s string, wc *WorkflowContext) error {
		return wc.SendMessage(ctx, strings.TrimSpace(s), "")
	})
	shout := NewWorkflowExecutor("shout", newShout(t))
	out := newCollector[string]("out")

	wf, err := NewWorkflowBuilder().SetStartExecutor(intake).AddChain(intake, shout, out).Build()
	require.NoError(t, err)

	result, err := wf.Run(context.Background(), "  hello ")
	require.NoError(t, err)
	assert.Equal(t, []any{"HELLO!"}, result.Outputs(), "sub-workflow outputs are not outputs of the parent")
}

func TestWorkflowExecutor_DirectOutput(t *testing.T) {
	shout := NewWorkflowExecutor("shout", newShout(t), WithDirectOutput())
	wf, err := NewWorkflowBuilder().SetStartExecutor(shout).Build()
	require.NoError(t, err)

	result, err := wf.Run(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, []any{"HI!"}, result.Outputs())
}

func TestWorkflowExecutor_CanHandle(t *testing.T) {
	shout := NewWorkflowExecutor("shout", newShout(t))
	assert.True(t, shout.CanHandle(Message{Data: "text", Type: MessageStandard}))
	assert.False(t, shout.CanHandle(Message{Data: 42, Type: MessageStandard}))
	assert.True(t, shout.CanHandle(Message{Data: 42, Type: MessageResponse}))
}

func TestWorkflowExecutor_ForwardsRequests(t *testing.T) {
	ctx := context.Background()
	review := NewWorkflowExecutor("review", newReviewFlow(t), WithDirectOutput())
	wf, err := NewWorkflowBuilder().SetStartExecutor(review).Build()
	require.NoError(t, err)

	paused, err := wf.Run(ctx, "draft")
	require.NoError(t, err)
	assert.Empty(t, paused.Outputs())
	assert.Equal(t, RunStateIdleWithPendingRequests, paused.FinalState())
	require.Len(t, paused.RequestInfoEvents(), 1)
	req := paused.RequestInfoEvents()[0]
	assert.Equal(t, "review", req.SourceExecutorID)
	assert.Equal(t, approvalRequest{Draft: "draft"}, req.Data)

	done, err := wf.SendResponses(ctx, map[string]any{req.RequestID: approval{Approved: true, Note: "ok"}})
	require.NoError(t, err)
	assert.Equal(t, []any{"draft (approved: ok)"}, done.Outputs())
	assert.Equal(t, RunStateIdle, done.FinalState())

	_, err = wf.SendResponses(ctx, map[string]any{req.RequestID: approval{}})
	assert.ErrorIs(t, err, ErrNoPendingRequests)
}

func TestWorkflowExecutor_ResumeWithOpenRequest(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemStore()
	build := func() *Workflow {
		review := NewWorkflowExecutor("review", newReviewFlow(t), WithDirectOutput())
		wf, err := NewWorkflowBuilder(WithCheckpointing(mem)).SetStartExecutor(review).Build()
		require.NoError(t, err)
		return wf
	}

	first := build()
	paused, err := first.Run(ctx, "draft")
	require.NoError(t, err)
	require.Len(t, paused.RequestInfoEvents(), 1)
	requestID := paused.RequestInfoEvents()[0].RequestID

	ids, err := mem.ListCheckpointIDs(ctx, first.ID())
	require.NoError(t, err)
	require.NotEmpty(t, ids)

	resumed, err := build().RunFromCheckpoint(ctx, ids[len(ids)-1],
		WithResponses(map[string]any{requestID: approval{Approved: false}}))
	require.NoError(t, err)
	assert.Equal(t, []any{"draft (rejected)"}, resumed.Outputs())
}

func TestWorkflowExecutor_SubWorkflowFailure(t *testing.T) {
	broken := NewFunctionExecutor("broken", func(context.Context, string, *WorkflowContext) error {
		return errors.New("cannot parse")
	})
	sub, err := NewWorkflowBuilder().SetStartExecutor(broken).Build()
	require.NoError(t, err)

	wf, err := NewWorkflowBuilder().SetStartExecutor(NewWorkflowExecutor("wrapper", sub)).Build()
	require.NoError(t, err)

	result, err := wf.Run(context.Background(), "x")
	require.Error(t, err)
	assert.ErrorContains(t, err, "cannot parse")
	var handlerErr *HandlerError
	require.ErrorAs(t, err, &handlerErr)
	assert.Equal(t, "wrapper", handlerErr.ExecutorID)
	assert.Equal(t, RunStateFailed, result.FinalState())
}

func TestWorkflowExecutor_IgnoresUnknownResponses(t *testing.T) {
	logs := observeLogs(t)
	review := NewWorkflowExecutor("review", newReviewFlow(t))
	msg := Message{
		Data:            approval{Approved: true},
		Type:            MessageResponse,
		OriginalRequest: &RequestInfoEvent{RequestID: "nope"},
	}
	err := review.Execute(context.Background(), msg, nil, NewSharedState(), NewInProcRunnerContext(nil))
	require.NoError(t, err)
	assert.Equal(t, 1, logs.FilterMessageSnippet("unknown request nope").Len())
}

func TestWorkflowExecutor_NewInputAbandonsWaitingSubRun(t *testing.T) {
	ctx := context.Background()
	review := NewWorkflowExecutor("review", newReviewFlow(t), WithDirectOutput())
	wf, err := NewWorkflowBuilder().SetStartExecutor(review).Build()
	require.NoError(t, err)

	first, err := wf.Run(ctx, "one")
	require.NoError(t, err)
	require.Len(t, first.RequestInfoEvents(), 1)

	second, err := wf.Run(ctx, "two")
	require.NoError(t, err)
	require.Len(t, second.RequestInfoEvents(), 1)
	assert.Equal(t, approvalRequest{Draft: "two"}, second.RequestInfoEvents()[0].Data)

	state, err := review.SnapshotState(ctx)
	require.NoError(t, err)
	assert.Len(t, state["pending"], 1)
}
