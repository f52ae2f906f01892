package session

import (
	"context"
	"sync"
)

type memoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryStore returns an unbounded in-process store.
func NewMemoryStore() Store {
	return &memoryStore{sessions: make(map[string]*Session)}
}

func (m *memoryStore) Get(_ context.Context, userID string) (*Session, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[userID]
	if !ok {
		return nil, false, nil
	}
	return s.Clone(), true, nil
}

func (m *memoryStore) Create(_ context.Context, userID string) (*Session, error) {
	s := Fresh(now())
	m.mu.Lock()
	m.sessions[userID] = s
	m.mu.Unlock()
	return s.Clone(), nil
}

func (m *memoryStore) Save(_ context.Context, userID string, s *Session) error {
	stored := s.Clone()
	stored.UpdatedAt = now()
	m.mu.Lock()
	m.sessions[userID] = stored
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) Delete(_ context.Context, userID string) error {
	m.mu.Lock()
	delete(m.sessions, userID)
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) Close() error { return nil }

// Len reports the number of stored sessions.
func (m *memoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
