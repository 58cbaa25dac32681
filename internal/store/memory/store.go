// Package memory implements the turn store in process memory. Used when no
// database is configured; records vanish on restart.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/cadence-voice/cadence/internal/store"
)

// maxRecordsPerSession bounds per-session retention.
const maxRecordsPerSession = 1000

// Compile-time interface check.
var _ store.TurnStore = (*Store)(nil)

// Store keeps turn records in memory, newest last, bounded per session.
type Store struct {
	mu       sync.Mutex
	sessions map[string][]store.TurnRecord
}

// NewStore returns an empty in-memory turn store.
func NewStore() *Store {
	return &Store{sessions: make(map[string][]store.TurnRecord)}
}

// SaveTurn implements store.TurnStore.
func (s *Store) SaveTurn(_ context.Context, rec store.TurnRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	records := append(s.sessions[rec.SessionID], rec)
	if len(records) > maxRecordsPerSession {
		records = records[len(records)-maxRecordsPerSession:]
	}
	s.sessions[rec.SessionID] = records
	return nil
}

// ListTurns implements store.TurnStore.
func (s *Store) ListTurns(_ context.Context, sessionID string, limit int) ([]store.TurnRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	records := s.sessions[sessionID]
	if len(records) > limit {
		records = records[len(records)-limit:]
	}
	// Newest first, matching the database-backed store.
	out := make([]store.TurnRecord, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		out = append(out, records[i])
	}
	return out, nil
}

// Healthy implements store.TurnStore. The in-memory store is always healthy.
func (s *Store) Healthy(context.Context) error {
	return nil
}

// Close implements store.TurnStore.
func (s *Store) Close() {}
