package cockroach

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"skillswap-backend/internal/domain"
	"skillswap-backend/pkg/metrics"
)

// CallRepository persists finished calls to the call_history table
type CallRepository struct {
	pool *pgxpool.Pool
}

// NewCallRepository creates a new call repository
func NewCallRepository(pool *pgxpool.Pool) *CallRepository {
	return &CallRepository{pool: pool}
}

// Record inserts the history row for a call. A second row for the same
// call id is ignored.
func (r *CallRepository) Record(ctx context.Context, entry *domain.CallHistoryEntry) (err error) {
	defer func() { metrics.RecordDBQuery("insert", "call_history", err) }()

	query := `
		INSERT INTO call_history (
			call_id, session_id, caller_id, callee_id, call_type, outcome,
			started_at, answered_at, ended_at, duration, ended_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (call_id) DO NOTHING
	`

	_, err = r.pool.Exec(ctx, query,
		entry.CallID,
		entry.SessionID,
		entry.CallerID,
		entry.CalleeID,
		string(entry.CallType),
		string(entry.Outcome),
		entry.StartedAt,
		entry.AnsweredAt,
		entry.EndedAt,
		entry.Duration,
		entry.EndedBy,
	)
	if err != nil {
		return fmt.Errorf("failed to record call: %w", err)
	}
	return nil
}

// ListForUser retrieves the calls a user placed or received, newest first
func (r *CallRepository) ListForUser(ctx context.Context, userID string, limit, offset int) (entries []*domain.CallHistoryEntry, err error) {
	defer func() { metrics.RecordDBQuery("select", "call_history", err) }()

	query := `
		SELECT call_id, session_id, caller_id, callee_id, call_type, outcome,
		       started_at, answered_at, ended_at, duration, ended_by
		FROM call_history
		WHERE caller_id = $1 OR callee_id = $1
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get user calls: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			entry             domain.CallHistoryEntry
			callType, outcome string
		)
		err := rows.Scan(
			&entry.CallID,
			&entry.SessionID,
			&entry.CallerID,
			&entry.CalleeID,
			&callType,
			&outcome,
			&entry.StartedAt,
			&entry.AnsweredAt,
			&entry.EndedAt,
			&entry.Duration,
			&entry.EndedBy,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call: %w", err)
		}
		entry.CallType = domain.CallType(callType)
		entry.Outcome = domain.CallStatus(outcome)
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate calls: %w", err)
	}
	return entries, nil
}
