package spend

import (
	"context"
	"strings"
	"sync"
)

// Store persists ledger state keyed by principal.
type Store interface {
	// Load returns ErrStateNotFound if nothing was saved for principal.
	Load(ctx context.Context, principal string) (*State, error)
	Save(ctx context.Context, principal string, st *State) error
}

// MemoryStore keeps ledger state for the lifetime of the process.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]*State
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]*State)}
}

func (s *MemoryStore) Load(_ context.Context, principal string) (*State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.states[strings.ToLower(principal)]
	if !ok {
		return nil, ErrStateNotFound
	}
	return st.clone(), nil
}

func (s *MemoryStore) Save(_ context.Context, principal string, st *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.states[strings.ToLower(principal)] = st.clone()
	return nil
}
