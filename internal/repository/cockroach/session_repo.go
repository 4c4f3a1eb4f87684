package cockroach

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"skillswap-backend/internal/domain"
	"skillswap-backend/pkg/metrics"
)

// SessionRepository keeps the last-message preview of each chat session
type SessionRepository struct {
	pool *pgxpool.Pool
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(pool *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

// UpsertSummary stores summary unless a newer one is already recorded
func (r *SessionRepository) UpsertSummary(ctx context.Context, summary domain.SessionSummary) (err error) {
	defer func() { metrics.RecordDBQuery("upsert", "chat_sessions", err) }()

	query := `
		INSERT INTO chat_sessions (session_id, last_message, last_message_type, last_sender_id, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id) DO UPDATE
		SET last_message = excluded.last_message,
		    last_message_type = excluded.last_message_type,
		    last_sender_id = excluded.last_sender_id,
		    updated_at = excluded.updated_at
		WHERE chat_sessions.updated_at <= excluded.updated_at
	`

	_, err = r.pool.Exec(ctx, query,
		summary.SessionID,
		summary.LastMessage,
		string(summary.LastMessageType),
		summary.LastSenderID,
		summary.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert session summary: %w", err)
	}
	return nil
}

// GetSummary returns the session preview, or nil when the session has none
func (r *SessionRepository) GetSummary(ctx context.Context, sessionID string) (summary *domain.SessionSummary, err error) {
	defer func() { metrics.RecordDBQuery("select", "chat_sessions", err) }()

	query := `
		SELECT session_id, last_message, last_message_type, last_sender_id, updated_at
		FROM chat_sessions
		WHERE session_id = $1
	`

	var (
		s       domain.SessionSummary
		msgType string
	)
	err = r.pool.QueryRow(ctx, query, sessionID).Scan(
		&s.SessionID,
		&s.LastMessage,
		&msgType,
		&s.LastSenderID,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get session summary: %w", err)
	}
	s.LastMessageType = domain.MessageType(msgType)
	return &s, nil
}
