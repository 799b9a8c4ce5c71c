package graph

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sink records every payload delivered to the executors it creates.
type sink struct {
	mu  sync.Mutex
	got map[string][]any
}

func newSink() *sink { return &sink{got: make(map[string][]any)} }

func (s *sink) executor(id string) *FunctionExecutor {
	return NewFunctionExecutor(id, func(_ context.Context, v any, _ *WorkflowContext) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.got[id] = append(s.got[id], v)
		return nil
	})
}

func (s *sink) received(id string) []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]any(nil), s.got[id]...)
}

func send(t *testing.T, er EdgeRunner, msg Message) bool {
	t.Helper()
	if msg.Type == "" {
		msg.Type = MessageStandard
	}
	handled, err := er.SendMessage(context.Background(), msg, NewSharedState(), NewInProcRunnerContext(nil))
	require.NoError(t, err)
	return handled
}

func TestEdge_ShouldRoute(t *testing.T) {
	always := Edge{SourceID: "a", TargetID: "b"}
	assert.Equal(t, "a->b", always.ID())
	assert.True(t, always.ShouldRoute(nil))

	positive := Edge{SourceID: "a", TargetID: "b", Condition: func(v any) bool { return v.(int) > 0 }}
	assert.True(t, positive.ShouldRoute(3))
	assert.False(t, positive.ShouldRoute(-3))
}

func TestEdgeGroups_Endpoints(t *testing.T) {
	tests := []struct {
		name    string
		group   EdgeGroup
		kind    EdgeGroupKind
		sources []string
		targets []string
	}{
		{"single", NewSingleEdgeGroup("a", "b", nil), KindSingle, []string{"a"}, []string{"b"}},
		{"fan-out", NewFanOutEdgeGroup("a", []string{"b", "c"}, nil), KindFanOut, []string{"a"}, []string{"b", "c"}},
		{"fan-in", NewFanInEdgeGroup([]string{"b", "c"}, "d"), KindFanIn, []string{"b", "c"}, []string{"d"}},
		{"switch-case", NewSwitchCaseEdgeGroup("a", []SwitchCase{Case(nil, "b"), Case(nil, "b"), Default("c")}), KindSwitchCase, []string{"a"}, []string{"b", "c"}},
		{"internal", newInternalEdgeGroup("a"), KindInternal, []string{"internal:a"}, []string{"a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, tt.group.Kind())
			assert.Equal(t, tt.sources, tt.group.SourceIDs())
			assert.Equal(t, tt.targets, tt.group.TargetIDs())
			assert.Contains(t, tt.group.ID(), string(tt.kind)+"/")
		})
	}

	a, b := NewSingleEdgeGroup("a", "b", nil), NewSingleEdgeGroup("a", "b", nil)
	assert.NotEqual(t, a.ID(), b.ID(), "group IDs are unique")
}

func TestSwitchCase_FirstMatchWins(t *testing.T) {
	small := func(v any) bool { return v.(int) < 10 }
	even := func(v any) bool { return v.(int)%2 == 0 }
	g := NewSwitchCaseEdgeGroup("src", []SwitchCase{
		Case(small, "small"),
		Case(even, "even"),
		Default("other"),
	})

	def, ok := g.DefaultTarget()
	require.True(t, ok)
	assert.Equal(t, "other", def)
	assert.Equal(t, []string{"small"}, g.selectTarget(4, nil))
	assert.Equal(t, []string{"even"}, g.selectTarget(12, nil))
	assert.Equal(t, []string{"other"}, g.selectTarget(13, nil))

	noDefault := NewSwitchCaseEdgeGroup("src", []SwitchCase{Case(small, "small")})
	_, ok = noDefault.DefaultTarget()
	assert.False(t, ok)
	assert.Empty(t, noDefault.selectTarget(50, nil))
}

func TestNewEdgeRunner_UnknownTarget(t *testing.T) {
	_, err := NewEdgeRunner(NewSingleEdgeGroup("a", "missing", nil), map[string]Executor{})
	assert.ErrorIs(t, err, ErrExecutorNotFound)
}

func TestSingleEdgeRunner(t *testing.T) {
	s := newSink()
	executors := map[string]Executor{"b": s.executor("b"), "text": newCollector[string]("text")}

	positive, err := NewEdgeRunner(NewSingleEdgeGroup("a", "b", func(v any) bool { return v.(int) > 0 }), executors)
	require.NoError(t, err)

	assert.True(t, send(t, positive, Message{Data: 1, SourceID: "a"}))
	assert.True(t, send(t, positive, Message{Data: -1, SourceID: "a"}), "a false condition still counts as handled")
	assert.False(t, send(t, positive, Message{Data: 2, SourceID: "a", TargetID: "c"}))
	assert.Equal(t, []any{1}, s.received("b"))

	typed, err := NewEdgeRunner(NewSingleEdgeGroup("a", "text", nil), executors)
	require.NoError(t, err)
	assert.False(t, send(t, typed, Message{Data: 7, SourceID: "a"}), "target cannot handle an int")
}

func TestFanOutEdgeRunner(t *testing.T) {
	s := newSink()
	executors := map[string]Executor{"b": s.executor("b"), "c": s.executor("c")}

	t.Run("broadcast", func(t *testing.T) {
		er, err := NewEdgeRunner(NewFanOutEdgeGroup("a", []string{"b", "c"}, nil), executors)
		require.NoError(t, err)
		assert.True(t, send(t, er, Message{Data: "x", SourceID: "a"}))
		assert.Equal(t, []any{"x"}, s.received("b"))
		assert.Equal(t, []any{"x"}, s.received("c"))
	})

	t.Run("targeted", func(t *testing.T) {
		er, err := NewEdgeRunner(NewFanOutEdgeGroup("a", []string{"b", "c"}, nil), executors)
		require.NoError(t, err)
		assert.True(t, send(t, er, Message{Data: "only-c", SourceID: "a", TargetID: "c"}))
		assert.NotContains(t, s.received("b"), "only-c")
		assert.Contains(t, s.received("c"), "only-c")
	})

	t.Run("selection", func(t *testing.T) {
		last := func(_ any, targets []string) []string { return targets[len(targets)-1:] }
		er, err := NewEdgeRunner(NewFanOutEdgeGroup("a", []string{"b", "c"}, last), executors)
		require.NoError(t, err)
		assert.True(t, send(t, er, Message{Data: "picked", SourceID: "a"}))
		assert.NotContains(t, s.received("b"), "picked")
		assert.Contains(t, s.received("c"), "picked")
	})

	t.Run("selection outside the group", func(t *testing.T) {
		rogue := func(any, []string) []string { return []string{"z"} }
		er, err := NewEdgeRunner(NewFanOutEdgeGroup("a", []string{"b", "c"}, rogue), executors)
		require.NoError(t, err)
		_, err = er.SendMessage(context.Background(), Message{Data: 1, SourceID: "a", Type: MessageStandard},
			NewSharedState(), NewInProcRunnerContext(nil))
		assert.ErrorIs(t, err, ErrInvalidSelection)
	})

	t.Run("empty selection", func(t *testing.T) {
		none := func(any, []string) []string { return nil }
		er, err := NewEdgeRunner(NewFanOutEdgeGroup("a", []string{"b", "c"}, none), executors)
		require.NoError(t, err)
		assert.False(t, send(t, er, Message{Data: 1, SourceID: "a"}))
	})
}

func TestFanInEdgeRunner_BuffersPerSource(t *testing.T) {
	s := newSink()
	executors := map[string]Executor{"join": s.executor("join")}
	er, err := NewEdgeRunner(NewFanInEdgeGroup([]string{"left", "right"}, "join"), executors)
	require.NoError(t, err)
	fanIn := er.(*fanInEdgeRunner)

	assert.True(t, send(t, er, Message{Data: "r1", SourceID: "right"}))
	assert.True(t, send(t, er, Message{Data: "r2", SourceID: "right"}))
	assert.Empty(t, s.received("join"), "waits for every source")
	assert.Equal(t, 2, fanIn.buffered("right"))

	assert.True(t, send(t, er, Message{Data: "l1", SourceID: "left"}))
	assert.Equal(t, []any{[]any{"l1", "r1"}}, s.received("join"), "batch follows source order, oldest first")
	assert.Equal(t, 1, fanIn.buffered("right"))
	assert.Equal(t, 0, fanIn.buffered("left"))

	assert.True(t, send(t, er, Message{Data: "l2", SourceID: "left"}))
	assert.Equal(t, []any{[]any{"l1", "r1"}, []any{"l2", "r2"}}, s.received("join"))
	assert.Equal(t, 0, fanIn.buffered("right"))
}

func TestFanInEdgeRunner_TargetMustAcceptList(t *testing.T) {
	er, err := NewEdgeRunner(NewFanInEdgeGroup([]string{"a", "b"}, "n"), map[string]Executor{"n": newCollector[int]("n")})
	require.NoError(t, err)
	assert.False(t, send(t, er, Message{Data: 1, SourceID: "a"}))
	assert.Equal(t, 0, er.(*fanInEdgeRunner).buffered("a"))
}

func TestFanInEdgeRunner_SnapshotAndRestore(t *testing.T) {
	s := newSink()
	executors := map[string]Executor{"join": s.executor("join")}
	group := NewFanInEdgeGroup([]string{"right", "left"}, "join")
	er, err := NewEdgeRunner(group, executors)
	require.NoError(t, err)
	fanIn := er.(*fanInEdgeRunner)

	assert.Equal(t, "left,right->join", fanIn.bufferKey())
	assert.Nil(t, fanIn.snapshotBuffer())

	assert.True(t, send(t, er, Message{Data: "r1", SourceID: "right"}))
	snap := fanIn.snapshotBuffer()
	require.Contains(t, snap, "right")

	rebuilt, err := NewEdgeRunner(NewFanInEdgeGroup([]string{"right", "left"}, "join"), executors)
	require.NoError(t, err)
	restored := rebuilt.(*fanInEdgeRunner)
	require.NoError(t, restored.restoreBuffer(snap))
	assert.Equal(t, 1, restored.buffered("right"))

	assert.True(t, send(t, rebuilt, Message{Data: "l1", SourceID: "left"}))
	assert.Equal(t, []any{[]any{"r1", "l1"}}, s.received("join"))

	restored.resetBuffer()
	assert.Nil(t, restored.snapshotBuffer())
}

func TestFanInEdgeRunner_RestoreRejectsMalformedBuffers(t *testing.T) {
	er, err := NewEdgeRunner(NewFanInEdgeGroup([]string{"a", "b"}, "n"), map[string]Executor{"n": newCollector[[]any]("n")})
	require.NoError(t, err)
	fanIn := er.(*fanInEdgeRunner)

	tests := []struct {
		name     string
		snapshot map[string]any
	}{
		{"not a list", map[string]any{"a": "x"}},
		{"not a map", map[string]any{"a": []any{42}}},
		{"missing source", map[string]any{"a": []any{map[string]any{"data": 1}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, fanIn.restoreBuffer(tt.snapshot))
		})
	}
}
