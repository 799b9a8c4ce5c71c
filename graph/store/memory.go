package store

import (
	"context"
	"encoding/json"
	"sync"
)

// MemStore is an in-memory CheckpointStorage.
//
// Checkpoints live for the lifetime of the process. MemStore is safe for
// concurrent use and keeps records in save order, so listings come back in
// the order the runner created them.
//
// MemStore holds the saved *WorkflowCheckpoint itself; callers must not
// mutate a checkpoint after saving it.
type MemStore struct {
	mu          sync.RWMutex
	checkpoints map[string]*WorkflowCheckpoint
	order       []string
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		checkpoints: make(map[string]*WorkflowCheckpoint),
	}
}

// SaveCheckpoint implements CheckpointStorage.
func (m *MemStore) SaveCheckpoint(_ context.Context, cp *WorkflowCheckpoint) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.checkpoints[cp.CheckpointID]; !exists {
		m.order = append(m.order, cp.CheckpointID)
	}
	m.checkpoints[cp.CheckpointID] = cp
	return cp.CheckpointID, nil
}

// LoadCheckpoint implements CheckpointStorage.
func (m *MemStore) LoadCheckpoint(_ context.Context, id string) (*WorkflowCheckpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cp, ok := m.checkpoints[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cp, nil
}

// ListCheckpointIDs implements CheckpointStorage.
func (m *MemStore) ListCheckpointIDs(ctx context.Context, workflowID string) ([]string, error) {
	cps, err := m.ListCheckpoints(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(cps))
	for i, cp := range cps {
		ids[i] = cp.CheckpointID
	}
	return ids, nil
}

// ListCheckpoints implements CheckpointStorage.
func (m *MemStore) ListCheckpoints(_ context.Context, workflowID string) ([]*WorkflowCheckpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*WorkflowCheckpoint, 0, len(m.order))
	for _, id := range m.order {
		cp := m.checkpoints[id]
		if workflowID == "" || cp.WorkflowID == workflowID {
			result = append(result, cp)
		}
	}
	return result, nil
}

// DeleteCheckpoint implements CheckpointStorage.
func (m *MemStore) DeleteCheckpoint(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.checkpoints[id]; !ok {
		return false, nil
	}
	delete(m.checkpoints, id)
	for i, existing := range m.order {
		if existing == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true, nil
}

// MarshalJSON serializes every stored checkpoint in save order. Combined
// with UnmarshalJSON it lets a test or a short-lived tool persist the store.
func (m *MemStore) MarshalJSON() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := make([]*WorkflowCheckpoint, 0, len(m.order))
	for _, id := range m.order {
		list = append(list, m.checkpoints[id])
	}
	return json.Marshal(list)
}

// UnmarshalJSON replaces the store contents with the serialized checkpoints.
func (m *MemStore) UnmarshalJSON(data []byte) error {
	var list []*WorkflowCheckpoint
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.checkpoints = make(map[string]*WorkflowCheckpoint, len(list))
	m.order = m.order[:0]
	for _, cp := range list {
		if _, dup := m.checkpoints[cp.CheckpointID]; !dup {
			m.order = append(m.order, cp.CheckpointID)
		}
		m.checkpoints[cp.CheckpointID] = cp
	}
	return nil
}
