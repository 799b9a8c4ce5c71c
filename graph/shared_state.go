package graph

import (
	"fmt"
	"sync"
)

// ExecutorStateKey is the reserved shared-state key under which executor
// snapshots are stored in a checkpoint, as map[executorID]map[string]any.
const ExecutorStateKey = "_executor_state"

// SharedState is the key/value store visible to every executor of a run.
//
// Every operation runs under a single mutex, so concurrent handlers never
// observe a torn read-modify-write. Use Hold to perform several operations
// atomically.
type SharedState struct {
	mu    sync.Mutex
	state map[string]any
}

// NewSharedState returns an empty store.
func NewSharedState() *SharedState {
	return &SharedState{state: make(map[string]any)}
}

// Get returns the value for key, or ErrKeyNotFound.
func (s *SharedState) Get(key string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(key)
}

// Set stores value under key.
func (s *SharedState) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[key] = value
}

// Has reports whether key is present.
func (s *SharedState) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.state[key]
	return ok
}

// Delete removes key. It returns ErrKeyNotFound if key was absent.
func (s *SharedState) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state[key]; !ok {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	delete(s.state, key)
	return nil
}

// Clear removes every key.
func (s *SharedState) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = make(map[string]any)
}

// Export returns a shallow copy of the store.
func (s *SharedState) Export() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.state))
	for k, v := range s.state {
		out[k] = v
	}
	return out
}

// Import merges state into the store, overwriting existing keys.
func (s *SharedState) Import(state map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range state {
		s.state[k] = v
	}
}

// Hold runs fn with the lock held. fn receives a view that must not escape
// the call.
func (s *SharedState) Hold(fn func(tx *SharedStateTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&SharedStateTx{s: s})
}

func (s *SharedState) get(key string) (any, error) {
	v, ok := s.state[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	return v, nil
}

// SharedStateTx is the lock-held view passed to SharedState.Hold.
type SharedStateTx struct {
	s *SharedState
}

func (tx *SharedStateTx) Get(key string) (any, error) { return tx.s.get(key) }

func (tx *SharedStateTx) Set(key string, value any) { tx.s.state[key] = value }

func (tx *SharedStateTx) Has(key string) bool {
	_, ok := tx.s.state[key]
	return ok
}

func (tx *SharedStateTx) Delete(key string) { delete(tx.s.state, key) }
