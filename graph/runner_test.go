package graph

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/dshills/superstep-go/graph/store"
)

// newCycle builds the two-executor increment loop used by the checkpoint
// tests.
func newCycle(t *testing.T, limit int, opts ...Option) *Workflow {
	t.Helper()
	a := newIncrement("executor_a", limit)
	b := newIncrement("executor_b", limit)
	wf, err := NewWorkflowBuilder(opts...).
		SetStartExecutor(a).
		AddEdge(a, b, nil).
		AddEdge(b, a, nil).
		Build()
	require.NoError(t, err)
	return wf
}

func checkpointAt(t *testing.T, storage store.CheckpointStorage, workflowID string, iteration int) *store.WorkflowCheckpoint {
	t.Helper()
	cps, err := storage.ListCheckpoints(context.Background(), workflowID)
	require.NoError(t, err)
	for _, cp := range cps {
		if cp.IterationCount == iteration && cp.Metadata[store.MetaCheckpointType] == checkpointTypeSuperstep {
			return cp
		}
	}
	t.Fatalf("no superstep checkpoint at iteration %d", iteration)
	return nil
}

func TestRunner_CheckpointsEverySuperstep(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemStore()
	wf := newCycle(t, 10, WithCheckpointing(mem))

	_, err := wf.Run(ctx, 0)
	require.NoError(t, err)

	cps, err := mem.ListCheckpoints(ctx, wf.ID())
	require.NoError(t, err)
	require.Len(t, cps, 11, "one initial checkpoint plus one per superstep")

	assert.Equal(t, checkpointTypeInitial, cps[0].Metadata[store.MetaCheckpointType])
	assert.Equal(t, 0, cps[0].IterationCount)
	for i, cp := range cps[1:] {
		assert.Equal(t, checkpointTypeSuperstep, cp.Metadata[store.MetaCheckpointType])
		assert.Equal(t, i+1, cp.IterationCount)
		assert.Equal(t, i+1, cp.Metadata[store.MetaSuperstep])
		assert.Equal(t, wf.GraphSignatureHash(), cp.GraphSignature())
	}
	assert.Empty(t, cps[len(cps)-1].Messages, "the last checkpoint is taken once the graph is idle")
}

func TestRunner_ResumeFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemStore()
	original := newCycle(t, 10, WithCheckpointing(mem))
	_, err := original.Run(ctx, 0)
	require.NoError(t, err)

	cp := checkpointAt(t, mem, original.ID(), 5)
	require.Contains(t, cp.Messages, "executor_b")

	resumed := newCycle(t, 10, WithCheckpointing(mem))
	require.Equal(t, original.GraphSignatureHash(), resumed.GraphSignatureHash())

	result, err := resumed.RunFromCheckpoint(ctx, cp.CheckpointID)
	require.NoError(t, err)
	assert.Equal(t, []any{10}, result.Outputs())
	assert.Equal(t, RunStateIdle, result.FinalState())

	cps, err := mem.ListCheckpoints(ctx, original.ID())
	require.NoError(t, err)
	assert.Len(t, cps, 16, "resuming skips the initial checkpoint and adds supersteps 6 to 10")
}

func TestRunner_ResumeFromSQLite(t *testing.T) {
	ctx := context.Background()
	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "checkpoints.db"))
	require.NoError(t, err)
	defer db.Close()

	original := newCycle(t, 6, WithCheckpointing(db))
	_, err = original.Run(ctx, 0)
	require.NoError(t, err)

	cp := checkpointAt(t, db, original.ID(), 3)
	result, err := newCycle(t, 6, WithCheckpointing(db)).RunFromCheckpoint(ctx, cp.CheckpointID)
	require.NoError(t, err)
	assert.Equal(t, []any{6}, result.Outputs())
}

func TestRunner_ResumeWithExternalStorage(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemStore()
	original := newCycle(t, 4, WithCheckpointing(mem))
	_, err := original.Run(ctx, 0)
	require.NoError(t, err)
	cp := checkpointAt(t, mem, original.ID(), 2)

	plain := newCycle(t, 4)
	_, err = plain.RunFromCheckpoint(ctx, cp.CheckpointID)
	assert.ErrorIs(t, err, ErrCheckpointingDisabled)

	result, err := plain.RunFromCheckpoint(ctx, cp.CheckpointID, WithCheckpointStorage(mem))
	require.NoError(t, err)
	assert.Equal(t, []any{4}, result.Outputs())
}

// newFanInWave builds split -> {fast, slow1 -> slow} -> join, where fast
// reaches the fan-in group one superstep before slow does.
func newFanInWave(t *testing.T, opts ...Option) *Workflow {
	t.Helper()
	step := func(id string, f func(int) int) *FunctionExecutor {
		return NewFunctionExecutor(id, func(ctx context.Context, n int, wc *WorkflowContext) error {
			return wc.SendMessage(ctx, f(n), "")
		})
	}
	split := step("split", func(n int) int { return n })
	fast := step("fast", func(n int) int { return n + 1 })
	slow1 := step("slow1", func(n int) int { return n * 2 })
	slow := step("slow", func(n int) int { return n + 2 })
	join := newCollector[[]any]("join")

	wf, err := NewWorkflowBuilder(opts...).
		SetStartExecutor(split).
		AddFanOutEdges(split, []Executor{fast, slow1}, nil).
		AddEdge(slow1, slow, nil).
		AddFanInEdges([]Executor{fast, slow}, join).
		Build()
	require.NoError(t, err)
	return wf
}

func TestRunner_ResumeInsideFanInWave(t *testing.T) {
	ctx := context.Background()
	fileStore, err := store.NewFileStore(ctx, t.TempDir())
	require.NoError(t, err)
	storages := map[string]store.CheckpointStorage{
		"memory": store.NewMemStore(),
		"file":   fileStore,
	}
	for name, storage := range storages {
		t.Run(name, func(t *testing.T) {
			original := newFanInWave(t, WithCheckpointing(storage))
			result, err := original.Run(ctx, 2)
			require.NoError(t, err)
			require.Equal(t, []any{[]any{3, 6}}, result.Outputs())

			cp := checkpointAt(t, storage, original.ID(), 2)
			buffers, ok := cp.Metadata[store.MetaFanInBuffers].(map[string]any)
			require.True(t, ok, "fast is waiting for slow")
			assert.Contains(t, buffers, "fast,slow->join")
			assert.Contains(t, cp.Messages, "slow")

			resumed, err := newFanInWave(t, WithCheckpointing(storage)).RunFromCheckpoint(ctx, cp.CheckpointID)
			require.NoError(t, err)
			assert.Equal(t, []any{[]any{3, 6}}, resumed.Outputs())
		})
	}
}

func TestRunner_RestoreReplacesFanInBuffers(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemStore()
	original := newFanInWave(t, WithCheckpointing(mem))
	_, err := original.Run(ctx, 2)
	require.NoError(t, err)
	idle := checkpointAt(t, mem, original.ID(), 3)
	assert.NotContains(t, idle.Metadata, store.MetaFanInBuffers)

	wf := newFanInWave(t, WithCheckpointing(mem))
	_, ready := wf.runner.fanIns[0].add(Message{Data: 99, SourceID: "fast", Type: MessageStandard})
	require.False(t, ready)
	require.Equal(t, 1, wf.runner.fanIns[0].buffered("fast"))

	ok, err := wf.runner.RestoreFromCheckpoint(ctx, idle.CheckpointID, nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, wf.runner.fanIns[0].buffered("fast"))
}

func TestRunner_FreshRunAfterFailedResume(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemStore()
	var fail atomic.Bool
	a := NewBaseExecutor("a")
	Handle(a, func(ctx context.Context, n int, wc *WorkflowContext) error {
		if fail.Load() {
			return errors.New("boom")
		}
		if n < 4 {
			return wc.SendMessage(ctx, n+1, "")
		}
		wc.YieldOutput(n)
		return nil
	})
	b := newIncrement("b", 4)
	wf, err := NewWorkflowBuilder(WithCheckpointing(mem)).SetStartExecutor(a).AddEdge(a, b, nil).AddEdge(b, a, nil).Build()
	require.NoError(t, err)

	initials := func() int {
		cps, err := mem.ListCheckpoints(ctx, "")
		require.NoError(t, err)
		n := 0
		for _, cp := range cps {
			if cp.Metadata[store.MetaCheckpointType] == checkpointTypeInitial {
				n++
			}
		}
		return n
	}

	_, err = wf.Run(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 1, initials())

	cp := checkpointAt(t, mem, wf.ID(), 1)
	fail.Store(true)
	_, err = wf.RunFromCheckpoint(ctx, cp.CheckpointID)
	require.Error(t, err)
	assert.Equal(t, 1, initials(), "a resumed run takes no initial checkpoint")

	fail.Store(false)
	result, err := wf.Run(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []any{4}, result.Outputs())
	assert.Equal(t, 2, initials(), "the fresh run is not treated as resumed")
}

func TestRunner_RestoreFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown checkpoint", func(t *testing.T) {
		logs := observeLogs(t)
		wf := newCycle(t, 3, WithCheckpointing(store.NewMemStore()))

		result, err := wf.RunFromCheckpoint(ctx, "missing")
		assert.ErrorIs(t, err, ErrRestoreFailed)
		assert.Equal(t, RunStateFailed, result.FinalState())
		assert.Equal(t, 1, logs.FilterMessage("Checkpoint missing not found").Len())
	})

	t.Run("graph changed", func(t *testing.T) {
		mem := store.NewMemStore()
		original := newCycle(t, 3, WithCheckpointing(mem))
		_, err := original.Run(ctx, 0)
		require.NoError(t, err)
		cp := checkpointAt(t, mem, original.ID(), 1)

		a := newIncrement("executor_a", 3)
		b := newIncrement("executor_b", 3)
		c := newCollector[int]("executor_c")
		changed, err := NewWorkflowBuilder(WithCheckpointing(mem)).
			SetStartExecutor(a).
			AddEdge(a, b, nil).
			AddEdge(b, a, nil).
			AddEdge(b, c, nil).
			Build()
		require.NoError(t, err)
		require.NotEqual(t, original.GraphSignatureHash(), changed.GraphSignatureHash())

		result, err := changed.RunFromCheckpoint(ctx, cp.CheckpointID)
		assert.ErrorIs(t, err, ErrGraphSignatureMismatch)
		assert.Equal(t, RunStateFailed, result.FinalState())
	})

	t.Run("unknown executor in saved state", func(t *testing.T) {
		mem := store.NewMemStore()
		wf := newCycle(t, 3, WithCheckpointing(mem))

		cp := store.NewWorkflowCheckpoint(wf.ID())
		cp.SharedState[ExecutorStateKey] = map[string]any{
			"ghost": map[string]any{"count": 1},
		}
		cp.Metadata[store.MetaGraphSignature] = wf.GraphSignatureHash()
		_, err := mem.SaveCheckpoint(ctx, cp)
		require.NoError(t, err)

		_, err = wf.RunFromCheckpoint(ctx, cp.CheckpointID)
		assert.ErrorIs(t, err, ErrInvalidExecutorState)
	})
}

func TestRunner_RestoreWithoutSignatureWarns(t *testing.T) {
	ctx := context.Background()
	logs := observeLogs(t)
	mem := store.NewMemStore()
	original := newCycle(t, 4, WithCheckpointing(mem))
	_, err := original.Run(ctx, 0)
	require.NoError(t, err)

	legacy := *checkpointAt(t, mem, original.ID(), 2)
	legacy.CheckpointID = "legacy"
	legacy.Metadata = map[string]any{}
	_, err = mem.SaveCheckpoint(ctx, &legacy)
	require.NoError(t, err)

	result, err := newCycle(t, 4, WithCheckpointing(mem)).RunFromCheckpoint(ctx, "legacy")
	require.NoError(t, err)
	assert.Equal(t, []any{4}, result.Outputs())
	assert.Equal(t, 1, logs.FilterMessageSnippet("does not include graph signature metadata").Len())
}

func TestRunner_RestoredRequestsCanBeAnswered(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemStore()
	first := newReviewFlow(t, WithCheckpointing(mem))

	paused, err := first.Run(ctx, "draft")
	require.NoError(t, err)
	require.Len(t, paused.RequestInfoEvents(), 1)
	requestID := paused.RequestInfoEvents()[0].RequestID

	ids, err := mem.ListCheckpointIDs(ctx, first.ID())
	require.NoError(t, err)
	require.NotEmpty(t, ids)
	last := ids[len(ids)-1]

	t.Run("re-emitted on restore", func(t *testing.T) {
		wf := newReviewFlow(t, WithCheckpointing(mem))
		result, err := wf.RunFromCheckpoint(ctx, last)
		require.NoError(t, err)
		require.Len(t, result.RequestInfoEvents(), 1)
		assert.Equal(t, requestID, result.RequestInfoEvents()[0].RequestID)
		assert.Equal(t, approvalRequest{Draft: "draft"}, result.RequestInfoEvents()[0].Data)
		assert.Equal(t, RunStateIdleWithPendingRequests, result.FinalState())

		answered, err := wf.SendResponses(ctx, map[string]any{requestID: approval{Approved: false}})
		require.NoError(t, err)
		assert.Equal(t, []any{"draft (rejected)"}, answered.Outputs())
	})

	t.Run("answered while restoring", func(t *testing.T) {
		wf := newReviewFlow(t, WithCheckpointing(mem))
		result, err := wf.RunFromCheckpoint(ctx, last,
			WithResponses(map[string]any{requestID: approval{Approved: true, Note: "ok"}}))
		require.NoError(t, err)
		assert.Equal(t, []any{"draft (approved: ok)"}, result.Outputs())
		assert.Empty(t, wf.PendingRequests())
	})
}

func TestRunner_CheckpointFailureDoesNotStopRun(t *testing.T) {
	logs := observeLogs(t)
	rc := &recordingContext{InProcRunnerContext: NewInProcRunnerContext(store.NewMemStore()), failCheckpoints: true}
	executors := map[string]Executor{
		"a": newIncrement("a", 10),
		"b": newIncrement("b", 10),
	}
	groups := []EdgeGroup{
		NewSingleEdgeGroup("a", "b", nil),
		NewSingleEdgeGroup("b", "a", nil),
	}
	runner, err := NewRunner(groups, executors, NewSharedState(), rc)
	require.NoError(t, err)

	rc.SendMessage(Message{Data: 0, SourceID: "b", TargetID: "a", Type: MessageStandard})

	var outputs []any
	err = runner.RunUntilConvergence(context.Background(), func(ev WorkflowEvent) {
		if out, ok := ev.(WorkflowOutputEvent); ok {
			outputs = append(outputs, out.Data)
		}
	})
	require.NoError(t, err)
	assert.Equal(t, []any{10}, outputs)
	assert.Equal(t, 12, rc.checkpointCalls, "initial checkpoint plus eleven supersteps")
	assert.Equal(t, 12, logs.FilterMessageSnippet("Failed to create").Len())
	assert.Equal(t, 0, runner.Iteration(), "the counter resets after convergence")
}

func TestRunner_RejectsReentry(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	gate := NewFunctionExecutor("gate", func(_ context.Context, _ int, _ *WorkflowContext) error {
		close(entered)
		<-release
		return nil
	})
	rc := NewInProcRunnerContext(nil)
	runner, err := NewRunner(
		[]EdgeGroup{NewSingleEdgeGroup("src", "gate", nil)},
		map[string]Executor{"src": newCollector[int]("src"), "gate": gate},
		NewSharedState(), rc)
	require.NoError(t, err)
	rc.SendMessage(Message{Data: 1, SourceID: "src", Type: MessageStandard})

	done := make(chan error, 1)
	go func() { done <- runner.RunUntilConvergence(context.Background(), func(WorkflowEvent) {}) }()
	<-entered
	assert.True(t, runner.IsRunning())

	err = runner.RunUntilConvergence(context.Background(), func(WorkflowEvent) {})
	var we *WorkflowError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, CodeAlreadyRunning, we.Code)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, runner.IsRunning())
}

// tally counts every message it handles and keeps the count across
// checkpoints.
type tally struct {
	*BaseExecutor
	count int
}

func newTally(id string, limit int) *tally {
	t := &tally{BaseExecutor: NewBaseExecutor(id)}
	Handle(t.BaseExecutor, func(ctx context.Context, n int, wc *WorkflowContext) error {
		t.count++
		if n < limit {
			return wc.SendMessage(ctx, n+1, "")
		}
		wc.YieldOutput(t.count)
		return nil
	})
	return t
}

func (t *tally) SnapshotState(context.Context) (map[string]any, error) {
	return map[string]any{"count": t.count}, nil
}

func (t *tally) RestoreState(_ context.Context, state map[string]any) error {
	switch n := state["count"].(type) {
	case int:
		t.count = n
	case float64:
		t.count = int(n)
	}
	return nil
}

func TestRunner_SnapshottableExecutors(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemStore()
	build := func(exec *tally) *Workflow {
		wf, err := NewWorkflowBuilder(WithCheckpointing(mem)).
			SetStartExecutor(exec).
			AddEdge(exec, exec, nil).
			Build()
		require.NoError(t, err)
		return wf
	}

	original := build(newTally("tally", 4))
	result, err := original.Run(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []any{5}, result.Outputs())

	cp := checkpointAt(t, mem, original.ID(), 2)
	states, ok := cp.SharedState[ExecutorStateKey].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"count": 3}, states["tally"])

	fresh := newTally("tally", 4)
	resumed, err := build(fresh).RunFromCheckpoint(ctx, cp.CheckpointID)
	require.NoError(t, err)
	assert.Equal(t, []any{5}, resumed.Outputs(), "the restored count carries over")
}

func TestRunner_Metrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewPrometheusMetrics(registry, "test")
	wf := newCycle(t, 10, WithMetrics(metrics), WithCheckpointing(store.NewMemStore()))

	_, err := wf.Run(context.Background(), 0)
	require.NoError(t, err)

	assert.Equal(t, 10.0, testutil.ToFloat64(metrics.supersteps.WithLabelValues(wf.ID())))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.checkpoints.WithLabelValues(checkpointTypeInitial, "success")))
	assert.Equal(t, 10.0, testutil.ToFloat64(metrics.checkpoints.WithLabelValues(checkpointTypeSuperstep, "success")))
	assert.Equal(t, 5.0, testutil.ToFloat64(metrics.messagesDelivered.WithLabelValues("executor_a")))
	assert.Equal(t, 5.0, testutil.ToFloat64(metrics.messagesDelivered.WithLabelValues("executor_b")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.activeRuns))
	assert.Equal(t, 2, testutil.CollectAndCount(metrics.handlerLatency), "one series per executor")

	metrics.Disable()
	_, err = wf.Run(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 10.0, testutil.ToFloat64(metrics.supersteps.WithLabelValues(wf.ID())))
}

func TestRunner_MetricsCountDeliveredMessagesOnly(t *testing.T) {
	ctx := context.Background()

	metrics := NewPrometheusMetrics(prometheus.NewRegistry(), "test")
	a, b, c := newIncrement("a", 1), newIncrement("b", 1), newIncrement("c", 2)
	wf, err := NewWorkflowBuilder(WithMetrics(metrics)).
		SetStartExecutor(a).
		AddFanOutEdges(a, []Executor{b, c}, nil).
		Build()
	require.NoError(t, err)
	_, err = wf.Run(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.messagesDelivered.WithLabelValues("a")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.messagesDelivered.WithLabelValues("c")), "c has no outgoing edges")

	failing := NewPrometheusMetrics(prometheus.NewRegistry(), "test")
	src := newIncrement("src", 5)
	boom := NewFunctionExecutor("boom", func(context.Context, int, *WorkflowContext) error {
		return errors.New("boom")
	})
	wf, err = NewWorkflowBuilder(WithMetrics(failing)).SetStartExecutor(src).AddEdge(src, boom, nil).Build()
	require.NoError(t, err)
	_, err = wf.Run(ctx, 0)
	require.Error(t, err)
	assert.Equal(t, 0.0, testutil.ToFloat64(failing.messagesDelivered.WithLabelValues("src")), "failed deliveries are not counted")
}

func TestRunner_Tracing(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	wf := newCycle(t, 3, WithName("traced"))
	_, err := wf.Run(context.Background(), 0)
	require.NoError(t, err)

	var (
		root      sdktrace.ReadOnlySpan
		executors []sdktrace.ReadOnlySpan
	)
	for _, span := range recorder.Ended() {
		switch span.Name() {
		case spanWorkflowRun:
			root = span
		case spanExecutorProcess:
			executors = append(executors, span)
		}
	}
	require.NotNil(t, root)
	require.Len(t, executors, 4, "the initial invocation plus three supersteps")

	linked := 0
	for _, span := range executors {
		assert.Equal(t, root.SpanContext().SpanID(), span.Parent().SpanID())
		if len(span.Links()) == 1 {
			linked++
		}
	}
	assert.Equal(t, 3, linked, "every delivered message links to the span that sent it")
}
