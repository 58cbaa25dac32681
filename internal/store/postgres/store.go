// Package postgres implements the turn store on PostgreSQL.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cadence-voice/cadence/internal/store"
)

// Compile-time interface check.
var _ store.TurnStore = (*Store)(nil)

// schema creates the turns table. Idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS turns (
    id              BIGSERIAL PRIMARY KEY,
    turn_id         TEXT        NOT NULL,
    session_id      TEXT        NOT NULL,
    user_text       TEXT        NOT NULL DEFAULT '',
    agent_text      TEXT        NOT NULL DEFAULT '',
    duration_ms     BIGINT      NOT NULL DEFAULT 0,
    was_interrupted BOOLEAN     NOT NULL DEFAULT FALSE,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS turns_session_idx ON turns (session_id, created_at DESC);
`

// Store is the PostgreSQL-backed turn store. All operations are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore establishes a connection pool to the database at dsn and ensures
// the turns table exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// SaveTurn implements store.TurnStore.
func (s *Store) SaveTurn(ctx context.Context, rec store.TurnRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO turns (turn_id, session_id, user_text, agent_text, duration_ms, was_interrupted)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.TurnID, rec.SessionID, rec.UserText, rec.AgentText, rec.DurationMS, rec.WasInterrupted,
	)
	if err != nil {
		return fmt.Errorf("postgres store: save turn: %w", err)
	}
	return nil
}

// ListTurns implements store.TurnStore.
func (s *Store) ListTurns(ctx context.Context, sessionID string, limit int) ([]store.TurnRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT turn_id, session_id, user_text, agent_text, duration_ms, was_interrupted, created_at
		FROM turns
		WHERE session_id = $1
		ORDER BY created_at DESC
		LIMIT $2`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list turns: %w", err)
	}
	defer rows.Close()

	var out []store.TurnRecord
	for rows.Next() {
		var rec store.TurnRecord
		if err := rows.Scan(&rec.TurnID, &rec.SessionID, &rec.UserText, &rec.AgentText,
			&rec.DurationMS, &rec.WasInterrupted, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres store: scan turn: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres store: list turns: %w", err)
	}
	return out, nil
}

// Healthy implements store.TurnStore.
func (s *Store) Healthy(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres store: ping: %w", err)
	}
	return nil
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}
