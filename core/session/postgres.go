package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

type postgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore uses the report_sessions table created by the database migrations.
func NewPostgresStore(db *sqlx.DB) Store {
	return &postgresStore{db: db}
}

type sessionRow struct {
	UserID    string    `db:"user_id"`
	SessionID string    `db:"session_id"`
	Step      int       `db:"step"`
	Answers   string    `db:"answers"`
	Images    string    `db:"images"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

const (
	selectSessionSQL = `SELECT user_id, session_id, step, answers, images, created_at, updated_at
FROM report_sessions WHERE user_id = $1`
	upsertSessionSQL = `INSERT INTO report_sessions (user_id, session_id, step, answers, images, created_at, updated_at)
VALUES (:user_id, :session_id, :step, :answers, :images, :created_at, :updated_at)
ON CONFLICT (user_id) DO UPDATE SET
	session_id = EXCLUDED.session_id,
	step = EXCLUDED.step,
	answers = EXCLUDED.answers,
	images = EXCLUDED.images,
	created_at = EXCLUDED.created_at,
	updated_at = EXCLUDED.updated_at`
	deleteSessionSQL = `DELETE FROM report_sessions WHERE user_id = $1`
)

func (p *postgresStore) Get(ctx context.Context, userID string) (*Session, bool, error) {
	var row sessionRow
	if err := p.db.GetContext(ctx, &row, selectSessionSQL, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("session: select %s: %w", userID, err)
	}
	s := &Session{
		ID:        row.SessionID,
		Step:      row.Step,
		CreatedAt: row.CreatedAt.UTC(),
		UpdatedAt: row.UpdatedAt.UTC(),
	}
	if err := json.Unmarshal([]byte(row.Answers), &s.Answers); err != nil {
		return nil, false, fmt.Errorf("session: decode answers for %s: %w", userID, err)
	}
	if err := json.Unmarshal([]byte(row.Images), &s.Images); err != nil {
		return nil, false, fmt.Errorf("session: decode images for %s: %w", userID, err)
	}
	return s.Clone(), true, nil
}

func (p *postgresStore) Create(ctx context.Context, userID string) (*Session, error) {
	s := Fresh(now())
	if err := p.upsert(ctx, userID, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (p *postgresStore) Save(ctx context.Context, userID string, s *Session) error {
	stored := s.Clone()
	stored.UpdatedAt = now()
	return p.upsert(ctx, userID, stored)
}

func (p *postgresStore) Delete(ctx context.Context, userID string) error {
	if _, err := p.db.ExecContext(ctx, deleteSessionSQL, userID); err != nil {
		return fmt.Errorf("session: delete %s: %w", userID, err)
	}
	return nil
}

// Close is a no-op; the pool belongs to the caller.
func (p *postgresStore) Close() error { return nil }

func (p *postgresStore) upsert(ctx context.Context, userID string, s *Session) error {
	answers, err := json.Marshal(s.Answers)
	if err != nil {
		return fmt.Errorf("session: encode answers for %s: %w", userID, err)
	}
	images, err := json.Marshal(s.Images)
	if err != nil {
		return fmt.Errorf("session: encode images for %s: %w", userID, err)
	}
	row := sessionRow{
		UserID:    userID,
		SessionID: s.ID,
		Step:      s.Step,
		Answers:   string(answers),
		Images:    string(images),
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
	if _, err := p.db.NamedExecContext(ctx, upsertSessionSQL, row); err != nil {
		return fmt.Errorf("session: upsert %s: %w", userID, err)
	}
	return nil
}
