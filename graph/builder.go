package graph

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/google/uuid"
)

// WorkflowBuilder assembles executors and edge groups into a Workflow.
//
// Executors are registered implicitly by the methods that connect them.
// Errors are collected and reported by Build, so calls can be chained.
//
// Example:
//
//	wf, err := graph.NewWorkflowBuilder(graph.WithMaxIterations(20)).
//	    SetStartExecutor(parse).
//	    AddEdge(parse, validate, nil).
//	    AddSwitchCaseEdgeGroup(validate,
//	        graph.Case(isValid, "store"),
//	        graph.Default("reject"),
//	    ).
//	    Build()
type WorkflowBuilder struct {
	opts      []Option
	executors map[string]Executor
	order     []string
	groups    []EdgeGroup
	start     string
	errs      []error
}

// NewWorkflowBuilder creates a builder. opts are applied by Build.
func NewWorkflowBuilder(opts ...Option) *WorkflowBuilder {
	return &WorkflowBuilder{
		opts:      opts,
		executors: make(map[string]Executor),
	}
}

// AddExecutors registers executors that are only referenced by ID, for
// example from edge groups passed to AddEdgeGroup.
func (b *WorkflowBuilder) AddExecutors(execs ...Executor) *WorkflowBuilder {
	for _, exec := range execs {
		b.register(exec)
	}
	return b
}

// SetStartExecutor sets the executor that receives the run's input.
func (b *WorkflowBuilder) SetStartExecutor(exec Executor) *WorkflowBuilder {
	if b.register(exec) {
		b.start = exec.ID()
	}
	return b
}

// AddEdge connects source to target. A nil cond always routes.
func (b *WorkflowBuilder) AddEdge(source, target Executor, cond Condition) *WorkflowBuilder {
	if b.register(source) && b.register(target) {
		b.groups = append(b.groups, NewSingleEdgeGroup(source.ID(), target.ID(), cond))
	}
	return b
}

// AddFanOutEdges delivers every message from source to targets. When
// selection is set it picks the targets per message.
func (b *WorkflowBuilder) AddFanOutEdges(source Executor, targets []Executor, selection SelectionFunc) *WorkflowBuilder {
	if len(targets) == 0 {
		b.errs = append(b.errs, fmt.Errorf("%w: fan-out from %s has no targets", ErrEmptyEdgeGroup, idOf(source)))
		return b
	}
	ids, ok := b.registerAll(append([]Executor{source}, targets...))
	if ok {
		b.groups = append(b.groups, NewFanOutEdgeGroup(ids[0], ids[1:], selection))
	}
	return b
}

// AddFanInEdges delivers to target one []any per wave, holding one message
// from each of sources in the order given.
func (b *WorkflowBuilder) AddFanInEdges(sources []Executor, target Executor) *WorkflowBuilder {
	if len(sources) == 0 {
		b.errs = append(b.errs, fmt.Errorf("%w: fan-in to %s has no sources", ErrEmptyEdgeGroup, idOf(target)))
		return b
	}
	ids, ok := b.registerAll(append(append([]Executor(nil), sources...), target))
	if ok {
		b.groups = append(b.groups, NewFanInEdgeGroup(ids[:len(ids)-1], ids[len(ids)-1]))
	}
	return b
}

// AddSwitchCaseEdgeGroup routes each message from source to the first case
// whose condition holds, or to the Default case. Case targets are executor
// IDs and must be registered by the time Build runs.
func (b *WorkflowBuilder) AddSwitchCaseEdgeGroup(source Executor, cases ...SwitchCase) *WorkflowBuilder {
	if !b.register(source) {
		return b
	}
	if len(cases) == 0 {
		b.errs = append(b.errs, fmt.Errorf("%w: switch-case from %s has no cases", ErrEmptyEdgeGroup, source.ID()))
		return b
	}
	b.groups = append(b.groups, NewSwitchCaseEdgeGroup(source.ID(), cases))
	return b
}

// AddChain connects execs one after the other with unconditional edges.
func (b *WorkflowBuilder) AddChain(execs ...Executor) *WorkflowBuilder {
	for i := 1; i < len(execs); i++ {
		b.AddEdge(execs[i-1], execs[i], nil)
	}
	if len(execs) == 1 {
		b.register(execs[0])
	}
	return b
}

// AddEdgeGroup adds a prebuilt edge group. Its endpoints must be registered.
func (b *WorkflowBuilder) AddEdgeGroup(group EdgeGroup) *WorkflowBuilder {
	if group == nil {
		b.errs = append(b.errs, fmt.Errorf("%w: nil edge group", ErrEmptyEdgeGroup))
		return b
	}
	b.groups = append(b.groups, group)
	return b
}

// Build validates the graph and returns the Workflow.
//
// Returns error if:
//   - an option is invalid
//   - no start executor was set (ErrNoStartExecutor)
//   - two different executors share an ID (ErrDuplicateExecutor)
//   - an edge references an unregistered executor (ErrUnknownEdgeEndpoint)
//   - a switch-case group has no default (ErrSwitchCaseNoDefault)
func (b *WorkflowBuilder) Build() (*Workflow, error) {
	cfg := defaultWorkflowConfig()
	if err := applyOptions(&cfg, b.opts); err != nil {
		return nil, err
	}

	errs := append([]error(nil), b.errs...)
	if b.start == "" {
		errs = append(errs, ErrNoStartExecutor)
	}
	for _, g := range b.groups {
		for _, id := range append(g.SourceIDs(), g.TargetIDs()...) {
			if _, ok := b.executors[id]; !ok {
				errs = append(errs, fmt.Errorf("%w: %s in %s", ErrUnknownEdgeEndpoint, id, g.Kind()))
			}
		}
		if sc, ok := g.(*SwitchCaseEdgeGroup); ok {
			if _, ok := sc.DefaultTarget(); !ok {
				errs = append(errs, fmt.Errorf("%w: source %s", ErrSwitchCaseNoDefault, sc.sourceID))
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	groups := append([]EdgeGroup(nil), b.groups...)
	for _, id := range b.order {
		groups = append(groups, newInternalEdgeGroup(id))
	}

	executors := make(map[string]Executor, len(b.executors))
	for id, exec := range b.executors {
		executors[id] = exec
	}

	hash, err := computeGraphSignature(b.start, executors, groups, cfg.maxIterations).hash()
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	state := NewSharedState()
	rc := NewInProcRunnerContext(cfg.storage)
	rc.SetWorkflowID(id)
	runner, err := newRunner(groups, executors, state, rc, cfg)
	if err != nil {
		return nil, err
	}
	runner.SetGraphSignatureHash(hash)

	return &Workflow{
		id:            id,
		cfg:           cfg,
		executors:     executors,
		edgeGroups:    groups,
		startID:       b.start,
		signatureHash: hash,
		runner:        runner,
	}, nil
}

// register adds exec, reporting false when it is nil or collides with a
// different executor of the same ID.
func (b *WorkflowBuilder) register(exec Executor) bool {
	if exec == nil {
		b.errs = append(b.errs, errors.New("executor cannot be nil"))
		return false
	}
	id := exec.ID()
	if id == "" {
		b.errs = append(b.errs, errors.New("executor ID cannot be empty"))
		return false
	}
	if existing, ok := b.executors[id]; ok {
		if !sameExecutor(existing, exec) {
			b.errs = append(b.errs, fmt.Errorf("%w: %s", ErrDuplicateExecutor, id))
			return false
		}
		return true
	}
	b.executors[id] = exec
	b.order = append(b.order, id)
	return true
}

func (b *WorkflowBuilder) registerAll(execs []Executor) ([]string, bool) {
	ids := make([]string, len(execs))
	ok := true
	for i, exec := range execs {
		if !b.register(exec) {
			ok = false
			continue
		}
		ids[i] = exec.ID()
	}
	return ids, ok
}

func sameExecutor(a, b Executor) bool {
	if !reflect.TypeOf(a).Comparable() || reflect.TypeOf(a) != reflect.TypeOf(b) {
		return false
	}
	return a == b
}

func idOf(exec Executor) string {
	if exec == nil {
		return "<nil>"
	}
	return exec.ID()
}
