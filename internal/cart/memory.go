package cart

import (
	"context"
	"slices"
	"sync"
)

// MemoryStore keeps session documents in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]State
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]State)}
}

func (s *MemoryStore) Load(_ context.Context, key string) (State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneState(s.states[key]), nil
}

func (s *MemoryStore) Save(_ context.Context, key string, state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[key] = cloneState(state)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, key)
	return nil
}

func cloneState(state State) State {
	out := State{Lines: slices.Clone(state.Lines), UpdatedAt: state.UpdatedAt}
	if state.Destination != nil {
		dest := *state.Destination
		out.Destination = &dest
	}
	return out
}

