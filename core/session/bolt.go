package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var sessionsBucket = []byte("sessions")

type boltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) a single-file store at path.
func NewBoltStore(path string) (Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("session: create bolt dir: %w", err)
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("session: open bolt database %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("session: create sessions bucket: %w", err)
	}
	return &boltStore{db: db}, nil
}

func (b *boltStore) Get(_ context.Context, userID string) (*Session, bool, error) {
	var s *Session
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(sessionsBucket).Get([]byte(userID))
		if data == nil {
			return nil
		}
		s = &Session{}
		return json.Unmarshal(data, s)
	})
	if err != nil {
		return nil, false, fmt.Errorf("session: read %s: %w", userID, err)
	}
	if s == nil {
		return nil, false, nil
	}
	return s.Clone(), true, nil
}

func (b *boltStore) Create(_ context.Context, userID string) (*Session, error) {
	s := Fresh(now())
	if err := b.put(userID, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (b *boltStore) Save(_ context.Context, userID string, s *Session) error {
	stored := s.Clone()
	stored.UpdatedAt = now()
	return b.put(userID, stored)
}

func (b *boltStore) Delete(_ context.Context, userID string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).Delete([]byte(userID))
	})
	if err != nil {
		return fmt.Errorf("session: delete %s: %w", userID, err)
	}
	return nil
}

func (b *boltStore) Close() error { return b.db.Close() }

func (b *boltStore) put(userID string, s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("session: marshal %s: %w", userID, err)
	}
	err = b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).Put([]byte(userID), data)
	})
	if err != nil {
		return fmt.Errorf("session: write %s: %w", userID, err)
	}
	return nil
}
