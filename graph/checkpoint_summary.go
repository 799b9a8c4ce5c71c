package graph

import (
	"fmt"
	"sort"

	"github.com/dshills/superstep-go/graph/store"
)

// CheckpointStatus describes where a checkpointed run stood.
type CheckpointStatus string

const (
	// CheckpointStatusIdle means nothing was left to do.
	CheckpointStatusIdle CheckpointStatus = "idle"
	// CheckpointStatusAwaitingSuperstep means messages were queued for the
	// next superstep.
	CheckpointStatusAwaitingSuperstep CheckpointStatus = "awaiting_next_superstep"
	// CheckpointStatusAwaitingResponses means at least one request was
	// waiting for a response.
	CheckpointStatusAwaitingResponses CheckpointStatus = "awaiting_responses"
)

// CheckpointSummary is a readable digest of a checkpoint, for listing
// checkpoints before choosing one to resume.
type CheckpointSummary struct {
	CheckpointID   string
	WorkflowID     string
	Timestamp      string
	IterationCount int
	// Type is the checkpoint type recorded in metadata, such as "initial" or
	// "superstep".
	Type string

	// Sources lists the executors with queued messages, sorted.
	Sources         []string
	PendingMessages int
	// ExecutorIDs lists the executors with persisted state, sorted.
	ExecutorIDs []string
	// PendingRequests is ordered by request ID.
	PendingRequests []*RequestInfoEvent

	Status CheckpointStatus
}

func (s *CheckpointSummary) String() string {
	return fmt.Sprintf("%s iteration=%d type=%s status=%s messages=%d requests=%d",
		s.CheckpointID, s.IterationCount, s.Type, s.Status, s.PendingMessages, len(s.PendingRequests))
}

// SummarizeCheckpoint digests cp. It fails when a pending request cannot be
// decoded.
func SummarizeCheckpoint(cp *store.WorkflowCheckpoint) (*CheckpointSummary, error) {
	if cp == nil {
		return nil, fmt.Errorf("checkpoint is nil")
	}
	s := &CheckpointSummary{
		CheckpointID:   cp.CheckpointID,
		WorkflowID:     cp.WorkflowID,
		Timestamp:      cp.Timestamp,
		IterationCount: cp.IterationCount,
		Sources:        []string{},
		ExecutorIDs:    []string{},
	}
	if t, ok := cp.Metadata[store.MetaCheckpointType].(string); ok {
		s.Type = t
	}

	for source, msgs := range cp.Messages {
		if len(msgs) == 0 {
			continue
		}
		s.Sources = append(s.Sources, source)
		s.PendingMessages += len(msgs)
	}
	sort.Strings(s.Sources)

	if states, ok := cp.SharedState[ExecutorStateKey].(map[string]any); ok {
		for id := range states {
			s.ExecutorIDs = append(s.ExecutorIDs, id)
		}
		sort.Strings(s.ExecutorIDs)
	}

	for id, raw := range cp.PendingRequestInfoEvents {
		req, err := RequestInfoEventFromDict(raw)
		if err != nil {
			return nil, fmt.Errorf("checkpoint %s: pending request %s: %w", cp.CheckpointID, id, err)
		}
		s.PendingRequests = append(s.PendingRequests, req)
	}
	sort.Slice(s.PendingRequests, func(i, j int) bool {
		return s.PendingRequests[i].RequestID < s.PendingRequests[j].RequestID
	})

	switch {
	case len(s.PendingRequests) > 0:
		s.Status = CheckpointStatusAwaitingResponses
	case s.PendingMessages > 0:
		s.Status = CheckpointStatusAwaitingSuperstep
	default:
		s.Status = CheckpointStatusIdle
	}
	return s, nil
}
