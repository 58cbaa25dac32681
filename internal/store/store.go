// Package store persists completed turn records. The server works without a
// database; persistence is an optional sink for analytics and transcript
// review.
package store

import (
	"context"
	"time"
)

// TurnRecord is one completed user-speaks / agent-responds cycle.
type TurnRecord struct {
	TurnID         string
	SessionID      string
	UserText       string
	AgentText      string
	DurationMS     int64
	WasInterrupted bool
	CreatedAt      time.Time
}

// TurnStore is the persistence contract for completed turns.
type TurnStore interface {
	// SaveTurn appends one completed turn record.
	SaveTurn(ctx context.Context, rec TurnRecord) error

	// ListTurns returns the most recent records for a session, newest first,
	// capped at limit.
	ListTurns(ctx context.Context, sessionID string, limit int) ([]TurnRecord, error)

	// Healthy reports whether the backing storage is reachable.
	Healthy(ctx context.Context) error

	// Close releases underlying resources.
	Close()
}
