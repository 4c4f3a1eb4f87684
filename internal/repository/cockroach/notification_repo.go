package cockroach

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"skillswap-backend/internal/domain"
	"skillswap-backend/pkg/metrics"
)

// NotificationRepository handles notification data operations
type NotificationRepository struct {
	db *pgxpool.Pool
}

// NewNotificationRepository creates a new notification repository
func NewNotificationRepository(db *pgxpool.Pool) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// Create creates a new notification
func (r *NotificationRepository) Create(ctx context.Context, notification *domain.NotificationCreate) (n *domain.Notification, err error) {
	defer func() { metrics.RecordDBQuery("insert", "notifications", err) }()

	query := `
		INSERT INTO notifications (user_id, type, title, body, data, is_read, is_pushed, created_at)
		VALUES ($1, $2, $3, $4, $5, false, false, NOW())
		RETURNING notification_id, user_id, type, title, body, data, is_read, is_pushed, created_at
	`

	n = &domain.Notification{}
	err = r.db.QueryRow(ctx, query,
		notification.UserID,
		notification.Type,
		notification.Title,
		notification.Body,
		notification.Data,
	).Scan(
		&n.NotificationID,
		&n.UserID,
		&n.Type,
		&n.Title,
		&n.Body,
		&n.Data,
		&n.IsRead,
		&n.IsPushed,
		&n.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create notification: %w", err)
	}
	return n, nil
}

// MarkPushed records that a push was delivered for the notification
func (r *NotificationRepository) MarkPushed(ctx context.Context, notificationID string) (err error) {
	defer func() { metrics.RecordDBQuery("update", "notifications", err) }()

	_, err = r.db.Exec(ctx, `UPDATE notifications SET is_pushed = true WHERE notification_id = $1`, notificationID)
	if err != nil {
		return fmt.Errorf("failed to mark notification pushed: %w", err)
	}
	return nil
}
