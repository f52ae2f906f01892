package session

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type lruStore struct {
	cache *expirable.LRU[string, *Session]
}

// NewLRUStore returns an in-process store that keeps at most size sessions
// and evicts those idle for longer than ttl. Zero values disable either limit.
func NewLRUStore(size int, ttl time.Duration) Store {
	if size < 0 {
		size = 0
	}
	return &lruStore{cache: expirable.NewLRU[string, *Session](size, nil, ttl)}
}

func (l *lruStore) Get(_ context.Context, userID string) (*Session, bool, error) {
	s, ok := l.cache.Get(userID)
	if !ok {
		return nil, false, nil
	}
	return s.Clone(), true, nil
}

func (l *lruStore) Create(_ context.Context, userID string) (*Session, error) {
	s := Fresh(now())
	l.cache.Add(userID, s)
	return s.Clone(), nil
}

// Save re-adds the entry, which refreshes its idle deadline.
func (l *lruStore) Save(_ context.Context, userID string, s *Session) error {
	stored := s.Clone()
	stored.UpdatedAt = now()
	l.cache.Add(userID, stored)
	return nil
}

func (l *lruStore) Delete(_ context.Context, userID string) error {
	l.cache.Remove(userID)
	return nil
}

func (l *lruStore) Close() error {
	l.cache.Purge()
	return nil
}
