package graph

import (
	"reflect"
	"runtime"

	"github.com/google/uuid"
)

// Condition decides whether a message payload travels along an edge.
// A nil Condition always routes.
type Condition func(data any) bool

// SelectionFunc picks, for a payload, the subset of targetIDs a fan-out edge
// group delivers to.
type SelectionFunc func(data any, targetIDs []string) []string

// Edge connects two executors inside an edge group.
type Edge struct {
	SourceID  string
	TargetID  string
	Condition Condition
}

// ID returns "source->target".
func (e Edge) ID() string { return e.SourceID + "->" + e.TargetID }

// ShouldRoute evaluates the condition on data.
func (e Edge) ShouldRoute(data any) bool {
	if e.Condition == nil {
		return true
	}
	return e.Condition(data)
}

// EdgeGroupKind names the routing variant of an edge group.
type EdgeGroupKind string

const (
	KindSingle     EdgeGroupKind = "SingleEdgeGroup"
	KindFanOut     EdgeGroupKind = "FanOutEdgeGroup"
	KindFanIn      EdgeGroupKind = "FanInEdgeGroup"
	KindSwitchCase EdgeGroupKind = "SwitchCaseEdgeGroup"
	KindInternal   EdgeGroupKind = "InternalEdgeGroup"
)

// EdgeGroup is an immutable routing rule between executors.
type EdgeGroup interface {
	ID() string
	Kind() EdgeGroupKind
	SourceIDs() []string
	TargetIDs() []string
	Edges() []Edge
}

type edgeGroupBase struct {
	id    string
	edges []Edge
}

func newEdgeGroupBase(kind EdgeGroupKind, edges []Edge) edgeGroupBase {
	return edgeGroupBase{id: string(kind) + "/" + uuid.NewString(), edges: edges}
}

func (g *edgeGroupBase) ID() string { return g.id }

func (g *edgeGroupBase) Edges() []Edge { return append([]Edge(nil), g.edges...) }

func (g *edgeGroupBase) SourceIDs() []string {
	return uniqueIDs(g.edges, func(e Edge) string { return e.SourceID })
}

func (g *edgeGroupBase) TargetIDs() []string {
	return uniqueIDs(g.edges, func(e Edge) string { return e.TargetID })
}

func uniqueIDs(edges []Edge, pick func(Edge) string) []string {
	seen := make(map[string]bool, len(edges))
	var out []string
	for _, e := range edges {
		id := pick(e)
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// SingleEdgeGroup is one source to one target with an optional condition.
type SingleEdgeGroup struct {
	edgeGroupBase
}

// NewSingleEdgeGroup creates a direct edge.
func NewSingleEdgeGroup(sourceID, targetID string, cond Condition) *SingleEdgeGroup {
	return &SingleEdgeGroup{newEdgeGroupBase(KindSingle, []Edge{{SourceID: sourceID, TargetID: targetID, Condition: cond}})}
}

func (g *SingleEdgeGroup) Kind() EdgeGroupKind { return KindSingle }

// Edge returns the group's only edge.
func (g *SingleEdgeGroup) Edge() Edge { return g.edges[0] }

// InternalEdgeGroup routes responses from the synthetic "internal:<id>"
// source back to executor id. The builder adds one per executor.
type InternalEdgeGroup struct {
	edgeGroupBase
}

func newInternalEdgeGroup(executorID string) *InternalEdgeGroup {
	return &InternalEdgeGroup{newEdgeGroupBase(KindInternal, []Edge{{SourceID: InternalSourceID(executorID), TargetID: executorID}})}
}

func (g *InternalEdgeGroup) Kind() EdgeGroupKind { return KindInternal }

func (g *InternalEdgeGroup) Edge() Edge { return g.edges[0] }

// FanOutEdgeGroup is one source to many targets. Selection, when set,
// chooses the targets per message; otherwise every target receives it.
type FanOutEdgeGroup struct {
	edgeGroupBase
	sourceID  string
	targetIDs []string
	selection SelectionFunc
}

// NewFanOutEdgeGroup creates a broadcast edge group.
func NewFanOutEdgeGroup(sourceID string, targetIDs []string, selection SelectionFunc) *FanOutEdgeGroup {
	return newFanOut(KindFanOut, sourceID, targetIDs, selection)
}

func newFanOut(kind EdgeGroupKind, sourceID string, targetIDs []string, selection SelectionFunc) *FanOutEdgeGroup {
	edges := make([]Edge, len(targetIDs))
	for i, t := range targetIDs {
		edges[i] = Edge{SourceID: sourceID, TargetID: t}
	}
	return &FanOutEdgeGroup{
		edgeGroupBase: newEdgeGroupBase(kind, edges),
		sourceID:      sourceID,
		targetIDs:     append([]string(nil), targetIDs...),
		selection:     selection,
	}
}

func (g *FanOutEdgeGroup) Kind() EdgeGroupKind { return KindFanOut }

// Selection returns the selection function, or nil.
func (g *FanOutEdgeGroup) Selection() SelectionFunc { return g.selection }

// FanInEdgeGroup is many sources to one target. The target receives one
// []any holding a message from every source.
type FanInEdgeGroup struct {
	edgeGroupBase
}

// NewFanInEdgeGroup creates an aggregating edge group.
func NewFanInEdgeGroup(sourceIDs []string, targetID string) *FanInEdgeGroup {
	edges := make([]Edge, len(sourceIDs))
	for i, s := range sourceIDs {
		edges[i] = Edge{SourceID: s, TargetID: targetID}
	}
	return &FanInEdgeGroup{newEdgeGroupBase(KindFanIn, edges)}
}

func (g *FanInEdgeGroup) Kind() EdgeGroupKind { return KindFanIn }

// SwitchCase is one branch of a switch-case edge group. Build with Case or
// Default.
type SwitchCase struct {
	Condition Condition
	TargetID  string
	isDefault bool
}

// Case routes to targetID when cond holds.
func Case(cond Condition, targetID string) SwitchCase {
	return SwitchCase{Condition: cond, TargetID: targetID}
}

// Default routes to targetID when no case matched.
func Default(targetID string) SwitchCase {
	return SwitchCase{TargetID: targetID, isDefault: true}
}

// IsDefault reports whether c was created by Default.
func (c SwitchCase) IsDefault() bool { return c.isDefault }

// SwitchCaseEdgeGroup evaluates its cases in order and delivers each message
// to the first match, or to the default target.
type SwitchCaseEdgeGroup struct {
	*FanOutEdgeGroup
	cases []SwitchCase
}

// NewSwitchCaseEdgeGroup creates a conditional edge group. A group without a
// default delivers nothing when no case matches.
func NewSwitchCaseEdgeGroup(sourceID string, cases []SwitchCase) *SwitchCaseEdgeGroup {
	targets := make([]string, 0, len(cases))
	seen := make(map[string]bool, len(cases))
	for _, c := range cases {
		if !seen[c.TargetID] {
			seen[c.TargetID] = true
			targets = append(targets, c.TargetID)
		}
	}
	g := &SwitchCaseEdgeGroup{cases: append([]SwitchCase(nil), cases...)}
	g.FanOutEdgeGroup = newFanOut(KindSwitchCase, sourceID, targets, g.selectTarget)
	return g
}

func (g *SwitchCaseEdgeGroup) Kind() EdgeGroupKind { return KindSwitchCase }

// Cases returns the branches in evaluation order.
func (g *SwitchCaseEdgeGroup) Cases() []SwitchCase { return append([]SwitchCase(nil), g.cases...) }

// DefaultTarget returns the default target and whether one is configured.
func (g *SwitchCaseEdgeGroup) DefaultTarget() (string, bool) {
	for _, c := range g.cases {
		if c.isDefault {
			return c.TargetID, true
		}
	}
	return "", false
}

func (g *SwitchCaseEdgeGroup) selectTarget(data any, _ []string) []string {
	for _, c := range g.cases {
		if c.isDefault {
			continue
		}
		if c.Condition == nil || c.Condition(data) {
			return []string{c.TargetID}
		}
	}
	if def, ok := g.DefaultTarget(); ok {
		return []string{def}
	}
	return nil
}

// funcName returns the symbol name of fn, or "" for nil.
func funcName(fn any) string {
	if fn == nil {
		return ""
	}
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return ""
	}
	if f := runtime.FuncForPC(v.Pointer()); f != nil {
		return f.Name()
	}
	return ""
}
