package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// graphSignature is the canonical, JSON-serializable description of a graph's
// topology. Two workflows with the same signature can share checkpoints.
type graphSignature struct {
	StartExecutor string               `json:"start_executor"`
	Executors     map[string]string    `json:"executors"`
	EdgeGroups    []edgeGroupSignature `json:"edge_groups"`
	MaxIterations int                  `json:"max_iterations"`
}

type edgeGroupSignature struct {
	GroupType     string          `json:"group_type"`
	Sources       []string        `json:"sources"`
	Targets       []string        `json:"targets"`
	Edges         []edgeSignature `json:"edges"`
	SelectionFunc string          `json:"selection_func,omitempty"`
	Cases         []caseSignature `json:"cases,omitempty"`
}

type edgeSignature struct {
	Source    string `json:"source"`
	Target    string `json:"target"`
	Condition string `json:"condition,omitempty"`
}

type caseSignature struct {
	Target    string `json:"target"`
	Condition string `json:"condition,omitempty"`
	Default   bool   `json:"default,omitempty"`
}

// computeGraphSignature describes the graph. Internal edge groups are
// derived from the executor set and are left out.
func computeGraphSignature(start string, executors map[string]Executor, groups []EdgeGroup, maxIterations int) graphSignature {
	sig := graphSignature{
		StartExecutor: start,
		Executors:     make(map[string]string, len(executors)),
		MaxIterations: maxIterations,
	}
	for id, exec := range executors {
		sig.Executors[id] = executorTypeName(exec)
	}

	for _, g := range groups {
		if g.Kind() == KindInternal {
			continue
		}
		gs := edgeGroupSignature{
			GroupType: string(g.Kind()),
			Sources:   sortedCopy(g.SourceIDs()),
			Targets:   sortedCopy(g.TargetIDs()),
		}
		for _, e := range g.Edges() {
			gs.Edges = append(gs.Edges, edgeSignature{Source: e.SourceID, Target: e.TargetID, Condition: funcName(e.Condition)})
		}
		sort.Slice(gs.Edges, func(i, j int) bool {
			if gs.Edges[i].Source != gs.Edges[j].Source {
				return gs.Edges[i].Source < gs.Edges[j].Source
			}
			return gs.Edges[i].Target < gs.Edges[j].Target
		})

		switch typed := g.(type) {
		case *SwitchCaseEdgeGroup:
			for _, c := range typed.Cases() {
				gs.Cases = append(gs.Cases, caseSignature{Target: c.TargetID, Condition: funcName(c.Condition), Default: c.IsDefault()})
			}
		case *FanOutEdgeGroup:
			gs.SelectionFunc = funcName(typed.Selection())
		}
		sig.EdgeGroups = append(sig.EdgeGroups, gs)
	}

	sort.SliceStable(sig.EdgeGroups, func(i, j int) bool {
		return groupSortKey(sig.EdgeGroups[i]) < groupSortKey(sig.EdgeGroups[j])
	})
	return sig
}

func groupSortKey(g edgeGroupSignature) string {
	return fmt.Sprintf("%s|%s|%s", g.GroupType, strings.Join(g.Sources, ","), strings.Join(g.Targets, ","))
}

// hash returns the hex SHA-256 of the signature's JSON form. Map keys are
// sorted by encoding/json, so the result is stable.
func (s graphSignature) hash() (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to serialize graph signature: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func sortedCopy(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	return out
}
