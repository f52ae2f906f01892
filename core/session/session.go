// Package session stores the in-progress daily report of each user.
//
// A Store hands out copies: callers mutate the copy and write it back with
// Save. Serializing concurrent mutations for one user is the caller's job.
package session

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/createrken-code/nippo-shokuninn/core/config"
)

// ErrNotFound is returned by backends that must distinguish a missing row internally.
var ErrNotFound = errors.New("session: not found")

// Session is the per-user conversation record.
type Session struct {
	ID        string            `json:"id"`
	Step      int               `json:"step"`
	Answers   map[string]string `json:"answers"`
	Images    []string          `json:"images"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Fresh returns a step-0 session with a new id.
func Fresh(now time.Time) *Session {
	return &Session{
		ID:        uuid.NewString(),
		Answers:   make(map[string]string),
		Images:    []string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy of s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Answers = maps.Clone(s.Answers)
	if out.Answers == nil {
		out.Answers = make(map[string]string)
	}
	out.Images = slices.Clone(s.Images)
	if out.Images == nil {
		out.Images = []string{}
	}
	return &out
}

// Store persists sessions keyed by platform user id.
type Store interface {
	// Get returns a copy of the user's session and whether one exists.
	Get(ctx context.Context, userID string) (*Session, bool, error)
	// Create replaces any existing session with a fresh one.
	Create(ctx context.Context, userID string) (*Session, error)
	// Save writes back a mutated session.
	Save(ctx context.Context, userID string, s *Session) error
	// Delete drops the user's session; a missing session is not an error.
	Delete(ctx context.Context, userID string) error
	// Close releases backend resources.
	Close() error
}

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendLRU      = "lru"
	BackendPostgres = "postgres"
	BackendBolt     = "bolt"
)

// Open builds the store selected by cfg. db is required only for postgres.
func Open(cfg config.SessionConfig, db *sqlx.DB) (Store, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendLRU:
		return NewLRUStore(cfg.MaxSessions, cfg.IdleTTL), nil
	case BackendPostgres:
		if db == nil {
			return nil, fmt.Errorf("session: postgres backend requires a database connection")
		}
		return NewPostgresStore(db), nil
	case BackendBolt:
		return NewBoltStore(cfg.BoltPath)
	default:
		return nil, fmt.Errorf("session: unknown backend %q", cfg.Backend)
	}
}

func now() time.Time { return time.Now().UTC() }
