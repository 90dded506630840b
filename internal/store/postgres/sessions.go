package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/harmonysearch/crawler/internal/crawl"
)

const sessionColumns = `session_id, domain, status, max_depth, started_at,
	ended_at, cancelled_at, created_at`

// CreateSession inserts a new running session.
func (s *Store) CreateSession(ctx context.Context, session crawl.Session) error {
	query := `
		INSERT INTO sessions (session_id, domain, status, max_depth, started_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := s.db.Exec(ctx, query,
		session.SessionID, session.Domain, crawl.SessionRunning,
		session.MaxDepth, session.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession fetches a session by ID.
func (s *Store) GetSession(ctx context.Context, sessionID string) (crawl.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE session_id = $1`

	var session crawl.Session
	err := s.db.QueryRow(ctx, query, sessionID).Scan(
		&session.SessionID, &session.Domain, &session.Status, &session.MaxDepth,
		&session.StartedAt, &session.EndedAt, &session.CancelledAt, &session.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawl.Session{}, fmt.Errorf("get session %s: %w", sessionID, crawl.ErrNotFound)
		}
		return crawl.Session{}, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

// EndSession moves a running session to a terminal status, setting ended_at
// exactly once. The status guard makes later calls no-ops, so the first
// transition out of running wins.
func (s *Store) EndSession(ctx context.Context, sessionID string, status crawl.SessionStatus, at time.Time) error {
	query := `
		UPDATE sessions
		SET status = $2,
			ended_at = $3,
			cancelled_at = CASE WHEN $2 = 'cancelled' THEN $3 ELSE cancelled_at END
		WHERE session_id = $1 AND status = 'running'
	`
	if _, err := s.db.Exec(ctx, query, sessionID, status, at); err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

// HasActiveSession reports whether the domain has a non-terminal session.
func (s *Store) HasActiveSession(ctx context.Context, domain string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM sessions WHERE domain = $1 AND status = 'running')`

	var active bool
	if err := s.db.QueryRow(ctx, query, domain).Scan(&active); err != nil {
		return false, fmt.Errorf("check active session: %w", err)
	}
	return active, nil
}
