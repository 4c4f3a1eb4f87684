package cassandra

import (
	"context"
	"fmt"
	"time"

	"skillswap-backend/internal/database"
	"skillswap-backend/internal/domain"
	"skillswap-backend/pkg/metrics"
)

// Schema:
//
//	CREATE TABLE message_ids (
//	    message_id text PRIMARY KEY,
//	    session_id text
//	);
//	CREATE TABLE messages_by_session (
//	    session_id text, created_at timestamp, message_id text,
//	    sender_id text, sender_name text, content text, message_type text,
//	    file_url text, file_name text,
//	    call_status text, call_duration bigint, call_direction text,
//	    PRIMARY KEY ((session_id), created_at, message_id)
//	) WITH CLUSTERING ORDER BY (created_at ASC, message_id ASC);

// MessageRepository handles the per-session chat log in Cassandra. A
// message id is claimed with a lightweight transaction before the row is
// written, so repeating an append is a no-op.
type MessageRepository struct {
	db *database.CassandraDB
}

// NewMessageRepository creates a new MessageRepository
func NewMessageRepository(db *database.CassandraDB) *MessageRepository {
	return &MessageRepository{db: db}
}

// Append stores msg and reports whether this call stored it
func (r *MessageRepository) Append(ctx context.Context, msg *domain.ChatMessage) (applied bool, err error) {
	start := time.Now()
	defer func() {
		metrics.RecordCassandraQuery("insert", "messages_by_session", time.Since(start).Seconds(), err)
	}()

	claim := r.db.QueryWithContext(ctx,
		`INSERT INTO message_ids (message_id, session_id) VALUES (?, ?) IF NOT EXISTS`,
		msg.ID, msg.SessionID)
	applied, err = claim.MapScanCAS(make(map[string]interface{}))
	if err != nil {
		return false, fmt.Errorf("failed to claim message id: %w", err)
	}
	if !applied {
		return false, nil
	}

	var duration interface{}
	if msg.CallDuration != nil {
		duration = *msg.CallDuration
	}

	err = r.db.ExecWithContext(ctx, `
		INSERT INTO messages_by_session (
			session_id, created_at, message_id, sender_id, sender_name,
			content, message_type, file_url, file_name,
			call_status, call_duration, call_direction
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.SessionID,
		msg.Timestamp,
		msg.ID,
		msg.SenderID,
		msg.SenderName,
		msg.Content,
		string(msg.Type),
		msg.FileURL,
		msg.FileName,
		string(msg.CallStatus),
		duration,
		string(msg.CallDirection),
	)
	if err != nil {
		// Release the claim so a retry can store the row
		if derr := r.db.ExecWithContext(ctx, `DELETE FROM message_ids WHERE message_id = ?`, msg.ID); derr != nil {
			err = fmt.Errorf("%w (release claim: %v)", err, derr)
		}
		return false, fmt.Errorf("failed to save message: %w", err)
	}
	return true, nil
}

// ListBySession returns the latest limit messages of a session, oldest first
func (r *MessageRepository) ListBySession(ctx context.Context, sessionID string, limit int) (messages []domain.ChatMessage, err error) {
	start := time.Now()
	defer func() {
		metrics.RecordCassandraQuery("select", "messages_by_session", time.Since(start).Seconds(), err)
	}()

	iter := r.db.QueryWithContext(ctx, `
		SELECT session_id, created_at, message_id, sender_id, sender_name,
		       content, message_type, file_url, file_name,
		       call_status, call_duration, call_direction
		FROM messages_by_session
		WHERE session_id = ?
		ORDER BY created_at DESC
		LIMIT ?`, sessionID, limit).Iter()

	for {
		var (
			msg                  domain.ChatMessage
			msgType, status, dir string
			duration             *int64
		)
		if !iter.Scan(
			&msg.SessionID,
			&msg.Timestamp,
			&msg.ID,
			&msg.SenderID,
			&msg.SenderName,
			&msg.Content,
			&msgType,
			&msg.FileURL,
			&msg.FileName,
			&status,
			&duration,
			&dir,
		) {
			break
		}
		msg.Type = domain.MessageType(msgType)
		msg.CallStatus = domain.CallStatus(status)
		msg.CallDirection = domain.CallDirection(dir)
		msg.CallDuration = duration
		messages = append(messages, msg)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	reverse(messages)
	return messages, nil
}

func reverse(messages []domain.ChatMessage) {
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
}
