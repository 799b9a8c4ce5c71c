// Package store provides durable storage for workflow checkpoints.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/superstep-go/graph/codec"
)

// ErrNotFound is returned when a requested checkpoint ID does not exist.
var ErrNotFound = errors.New("not found")

// CheckpointVersion is the format version written into new checkpoints.
const CheckpointVersion = "1.0"

// Metadata keys written by the runner.
const (
	MetaSuperstep      = "superstep"
	MetaCheckpointType = "checkpoint_type"
	MetaGraphSignature = "graph_signature"

	// MetaFanInBuffers holds messages that reached a fan-in group before
	// every source had contributed.
	MetaFanInBuffers = "fan_in_buffers"
)

// WorkflowCheckpoint is a durable snapshot of a workflow run: everything the
// runner needs to continue from the start of the next superstep.
//
// Messages, SharedState and PendingRequestInfoEvents hold values already in
// checkpoint form (see package codec), so every field is plain JSON.
type WorkflowCheckpoint struct {
	CheckpointID string `json:"checkpoint_id"`
	WorkflowID   string `json:"workflow_id"`
	// Timestamp is RFC 3339 in UTC.
	Timestamp string `json:"timestamp"`

	// Messages maps a source executor ID to its queued outgoing messages.
	Messages map[string][]map[string]any `json:"messages"`

	SharedState map[string]any `json:"shared_state"`

	// PendingRequestInfoEvents maps a request ID to the serialized request.
	PendingRequestInfoEvents map[string]map[string]any `json:"pending_request_info_events"`

	// IterationCount is the number of the next superstep to run.
	IterationCount int `json:"iteration_count"`

	Metadata map[string]any `json:"metadata"`
	Version  string         `json:"version"`
}

// NewWorkflowCheckpoint returns a checkpoint with a fresh ID, the current
// time and empty collections.
func NewWorkflowCheckpoint(workflowID string) *WorkflowCheckpoint {
	return &WorkflowCheckpoint{
		CheckpointID:             uuid.NewString(),
		WorkflowID:               workflowID,
		Timestamp:                time.Now().UTC().Format(time.RFC3339Nano),
		Messages:                 make(map[string][]map[string]any),
		SharedState:              make(map[string]any),
		PendingRequestInfoEvents: make(map[string]map[string]any),
		Metadata:                 make(map[string]any),
		Version:                  CheckpointVersion,
	}
}

// GraphSignature returns the graph signature hash recorded in the metadata,
// or "" when the checkpoint predates signatures.
func (c *WorkflowCheckpoint) GraphSignature() string {
	if c == nil || c.Metadata == nil {
		return ""
	}
	s, _ := c.Metadata[MetaGraphSignature].(string)
	return s
}

// Time parses Timestamp. A malformed timestamp yields the zero time.
func (c *WorkflowCheckpoint) Time() time.Time {
	t, err := time.Parse(time.RFC3339Nano, c.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

// normalizeNumbers turns the json.Number values left by codec.Unmarshal into
// Go numbers.
func (c *WorkflowCheckpoint) normalizeNumbers() {
	for _, msgs := range c.Messages {
		codec.Numbers(msgs)
	}
	codec.Numbers(c.SharedState)
	for _, req := range c.PendingRequestInfoEvents {
		codec.Numbers(req)
	}
	codec.Numbers(c.Metadata)
}

// CheckpointStorage persists workflow checkpoints.
//
// Implementations must be safe for concurrent use. The runner only needs
// SaveCheckpoint and LoadCheckpoint; the list and delete operations serve
// callers that manage checkpoint history.
type CheckpointStorage interface {
	// SaveCheckpoint stores cp under cp.CheckpointID, replacing any previous
	// record with that ID, and returns the ID.
	SaveCheckpoint(ctx context.Context, cp *WorkflowCheckpoint) (string, error)

	// LoadCheckpoint returns ErrNotFound when id is unknown.
	LoadCheckpoint(ctx context.Context, id string) (*WorkflowCheckpoint, error)

	// ListCheckpointIDs returns IDs in creation order. An empty workflowID
	// matches every workflow.
	ListCheckpointIDs(ctx context.Context, workflowID string) ([]string, error)

	// ListCheckpoints is ListCheckpointIDs returning full records.
	ListCheckpoints(ctx context.Context, workflowID string) ([]*WorkflowCheckpoint, error)

	// DeleteCheckpoint reports whether a checkpoint was removed.
	DeleteCheckpoint(ctx context.Context, id string) (bool, error)
}
