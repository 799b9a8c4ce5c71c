package graph

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/superstep-go/graph/log"
)

// EdgeRunner delivers messages along one edge group.
type EdgeRunner interface {
	// Group returns the edge group this runner serves.
	Group() EdgeGroup
	// SendMessage reports whether the message was accepted by the group.
	SendMessage(ctx context.Context, msg Message, state *SharedState, rc RunnerContext) (bool, error)
}

// invokeFunc runs one executor for one message. The runner supplies it so
// timeouts, metrics and tracing wrap every delivery.
type invokeFunc func(ctx context.Context, exec Executor, msg Message, sourceIDs []string, state *SharedState, rc RunnerContext) error

func directInvoke(ctx context.Context, exec Executor, msg Message, sourceIDs []string, state *SharedState, rc RunnerContext) error {
	return exec.Execute(ctx, msg, sourceIDs, state, rc)
}

// NewEdgeRunner binds group to live executors.
func NewEdgeRunner(group EdgeGroup, executors map[string]Executor) (EdgeRunner, error) {
	return newEdgeRunner(group, executors, directInvoke)
}

func newEdgeRunner(group EdgeGroup, executors map[string]Executor, invoke invokeFunc) (EdgeRunner, error) {
	for _, e := range group.Edges() {
		if _, ok := executors[e.TargetID]; !ok {
			return nil, fmt.Errorf("%w: %s (edge %s)", ErrExecutorNotFound, e.TargetID, e.ID())
		}
	}
	base := edgeRunnerBase{executors: executors, invoke: invoke}
	switch g := group.(type) {
	case *SingleEdgeGroup:
		return &singleEdgeRunner{edgeRunnerBase: base, group: g, edge: g.Edge()}, nil
	case *InternalEdgeGroup:
		return &singleEdgeRunner{edgeRunnerBase: base, group: g, edge: g.Edge()}, nil
	case *SwitchCaseEdgeGroup:
		return &fanOutEdgeRunner{edgeRunnerBase: base, group: g, fanOut: g.FanOutEdgeGroup}, nil
	case *FanOutEdgeGroup:
		return &fanOutEdgeRunner{edgeRunnerBase: base, group: g, fanOut: g}, nil
	case *FanInEdgeGroup:
		return newFanInEdgeRunner(base, g), nil
	}
	return nil, fmt.Errorf("unsupported edge group type %T", group)
}

type edgeRunnerBase struct {
	executors map[string]Executor
	invoke    invokeFunc
}

func (b *edgeRunnerBase) deliver(ctx context.Context, targetID string, msg Message, sourceIDs []string, state *SharedState, rc RunnerContext) error {
	return b.invoke(ctx, b.executors[targetID], msg, sourceIDs, state, rc)
}

type singleEdgeRunner struct {
	edgeRunnerBase
	group EdgeGroup
	edge  Edge
}

func (r *singleEdgeRunner) Group() EdgeGroup { return r.group }

func (r *singleEdgeRunner) SendMessage(ctx context.Context, msg Message, state *SharedState, rc RunnerContext) (bool, error) {
	if msg.TargetID != "" && msg.TargetID != r.edge.TargetID {
		return false, nil
	}
	if !r.executors[r.edge.TargetID].CanHandle(msg) {
		return false, nil
	}
	// A failed condition still counts as handled by this group.
	if !r.edge.ShouldRoute(msg.Data) {
		return true, nil
	}
	return true, r.deliver(ctx, r.edge.TargetID, msg, []string{r.edge.SourceID}, state, rc)
}

type fanOutEdgeRunner struct {
	edgeRunnerBase
	group  EdgeGroup
	fanOut *FanOutEdgeGroup
}

func (r *fanOutEdgeRunner) Group() EdgeGroup { return r.group }

func (r *fanOutEdgeRunner) selectTargets(data any) ([]string, error) {
	if r.fanOut.selection == nil {
		return r.fanOut.targetIDs, nil
	}
	selected := r.fanOut.selection(data, append([]string(nil), r.fanOut.targetIDs...))
	valid := make(map[string]bool, len(r.fanOut.targetIDs))
	for _, t := range r.fanOut.targetIDs {
		valid[t] = true
	}
	for _, t := range selected {
		if !valid[t] {
			return nil, fmt.Errorf("%w: %q is not a target of %s", ErrInvalidSelection, t, r.group.ID())
		}
	}
	return selected, nil
}

func (r *fanOutEdgeRunner) SendMessage(ctx context.Context, msg Message, state *SharedState, rc RunnerContext) (bool, error) {
	targets, err := r.selectTargets(msg.Data)
	if err != nil {
		return false, err
	}
	if len(targets) == 0 {
		log.Debugf("Edge group %s selected no targets; message from %s not delivered", r.group.ID(), msg.SourceID)
		return false, nil
	}

	edges := make(map[string]Edge, len(r.fanOut.edges))
	for _, e := range r.fanOut.edges {
		edges[e.TargetID] = e
	}
	sources := []string{r.fanOut.sourceID}

	if msg.TargetID != "" {
		for _, t := range targets {
			if t != msg.TargetID {
				continue
			}
			if !r.executors[t].CanHandle(msg) {
				return false, nil
			}
			if !edges[t].ShouldRoute(msg.Data) {
				return true, nil
			}
			return true, r.deliver(ctx, t, msg, sources, state, rc)
		}
		return false, nil
	}

	var eligible []string
	for _, t := range targets {
		if r.executors[t].CanHandle(msg) && edges[t].ShouldRoute(msg.Data) {
			eligible = append(eligible, t)
		}
	}
	if len(eligible) == 0 {
		return false, nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range eligible {
		g.Go(func() error {
			return r.deliver(gctx, t, msg, sources, state, rc)
		})
	}
	return true, g.Wait()
}

// fanInEdgeRunner buffers messages per source and fires once every source
// has contributed. The batch takes the oldest buffered message of each
// source; later messages from the same source wait for the next batch.
type fanInEdgeRunner struct {
	edgeRunnerBase
	group    *FanInEdgeGroup
	sources  []string
	targetID string

	mu     sync.Mutex
	buffer map[string][]Message
}

func newFanInEdgeRunner(base edgeRunnerBase, g *FanInEdgeGroup) *fanInEdgeRunner {
	return &fanInEdgeRunner{
		edgeRunnerBase: base,
		group:          g,
		sources:        g.SourceIDs(),
		targetID:       g.TargetIDs()[0],
		buffer:         make(map[string][]Message),
	}
}

func (r *fanInEdgeRunner) Group() EdgeGroup { return r.group }

func (r *fanInEdgeRunner) SendMessage(ctx context.Context, msg Message, state *SharedState, rc RunnerContext) (bool, error) {
	if msg.TargetID != "" && msg.TargetID != r.targetID {
		return false, nil
	}
	sample := msg
	sample.Data = []any{msg.Data}
	if !r.executors[r.targetID].CanHandle(sample) {
		return false, nil
	}

	batch, ready := r.add(msg)
	if !ready {
		return true, nil
	}

	data := make([]any, len(batch))
	combined := Message{SourceID: msg.SourceID, TargetID: r.targetID, Type: MessageStandard}
	for i, m := range batch {
		data[i] = m.Data
		combined.TraceContexts = append(combined.TraceContexts, m.TraceContexts...)
		combined.SourceSpanIDs = append(combined.SourceSpanIDs, m.SourceSpanIDs...)
	}
	combined.Data = data
	return true, r.deliver(ctx, r.targetID, combined, append([]string(nil), r.sources...), state, rc)
}

func (r *fanInEdgeRunner) add(msg Message) ([]Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buffer[msg.SourceID] = append(r.buffer[msg.SourceID], msg)
	for _, s := range r.sources {
		if len(r.buffer[s]) == 0 {
			return nil, false
		}
	}
	batch := make([]Message, len(r.sources))
	for i, s := range r.sources {
		batch[i] = r.buffer[s][0]
		r.buffer[s] = r.buffer[s][1:]
		if len(r.buffer[s]) == 0 {
			delete(r.buffer, s)
		}
	}
	return batch, true
}

// buffered returns how many messages wait for source.
func (r *fanInEdgeRunner) buffered(source string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffer[source])
}

// bufferKey identifies the group across builds of the same graph. Group IDs
// are random, so the key is made of the sorted sources and the target.
func (r *fanInEdgeRunner) bufferKey() string {
	sources := append([]string(nil), r.sources...)
	sort.Strings(sources)
	return strings.Join(sources, ",") + "->" + r.targetID
}

// snapshotBuffer returns the waiting messages in checkpoint form, or nil
// when nothing waits.
func (r *fanInEdgeRunner) snapshotBuffer() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buffer) == 0 {
		return nil
	}
	out := make(map[string]any, len(r.buffer))
	for source, msgs := range r.buffer {
		encoded := make([]any, len(msgs))
		for i, m := range msgs {
			encoded[i] = m.toDict()
		}
		out[source] = encoded
	}
	return out
}

// restoreBuffer replaces the waiting messages with those of a snapshot.
func (r *fanInEdgeRunner) restoreBuffer(snapshot map[string]any) error {
	buffer := make(map[string][]Message, len(snapshot))
	for source, raw := range snapshot {
		var dicts []map[string]any
		switch list := raw.(type) {
		case []any:
			for _, item := range list {
				d, ok := item.(map[string]any)
				if !ok {
					return fmt.Errorf("fan-in buffer %s: message from %s is %T, not a map", r.bufferKey(), source, item)
				}
				dicts = append(dicts, d)
			}
		case []map[string]any:
			dicts = list
		default:
			return fmt.Errorf("fan-in buffer %s: messages from %s are %T, not a list", r.bufferKey(), source, raw)
		}
		for _, d := range dicts {
			m, err := messageFromDict(d)
			if err != nil {
				return fmt.Errorf("fan-in buffer %s: %w", r.bufferKey(), err)
			}
			buffer[source] = append(buffer[source], m)
		}
	}
	r.mu.Lock()
	r.buffer = buffer
	r.mu.Unlock()
	return nil
}

// resetBuffer drops every waiting message.
func (r *fanInEdgeRunner) resetBuffer() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buffer = make(map[string][]Message)
}
