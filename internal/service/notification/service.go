package notification

import (
	"context"
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"skillswap-backend/internal/domain"
	"skillswap-backend/internal/service/call"
	"skillswap-backend/pkg/logger"
	"skillswap-backend/pkg/push"
)

// FeedRepository stores notification feed rows
type FeedRepository interface {
	Create(ctx context.Context, notification *domain.NotificationCreate) (*domain.Notification, error)
	MarkPushed(ctx context.Context, notificationID string) error
}

// PushSender delivers call pushes to a user's devices
type PushSender interface {
	SendIncomingCall(ctx context.Context, data *push.CallNotificationData, calleeID string) error
	SendMissedCall(ctx context.Context, data *push.CallNotificationData, calleeID string) error
}

// Service writes call notices to the feed and pushes them to devices
type Service struct {
	feed   FeedRepository
	sender PushSender
	clock  clock.Clock
}

// NewService creates a new notification service. Either collaborator may
// be nil.
func NewService(feed FeedRepository, sender PushSender, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.New()
	}
	return &Service{feed: feed, sender: sender, clock: clk}
}

var _ call.NotificationDispatcher = (*Service)(nil)

// Push records notice in the recipient's feed and sends it to their
// devices. A feed failure does not stop the push.
func (s *Service) Push(ctx context.Context, notice domain.CallNotice) error {
	if notice.RecipientID == "" {
		return fmt.Errorf("notice has no recipient")
	}

	var errs []error
	var row *domain.Notification
	if s.feed != nil {
		var err error
		row, err = s.feed.Create(ctx, feedEntry(notice))
		if err != nil {
			logger.Warn("Failed to store call notification",
				zap.String("call_id", notice.CallID),
				zap.String("recipient_id", notice.RecipientID),
				zap.Error(err))
			errs = append(errs, err)
		}
	}

	if s.sender == nil {
		return errors.Join(errs...)
	}

	data := &push.CallNotificationData{
		CallID:     notice.CallID,
		SessionID:  domain.SessionID(notice.CallerID, notice.RecipientID),
		CallerID:   notice.CallerID,
		CallerName: notice.CallerName,
		CallType:   string(notice.CallType),
		Timestamp:  s.clock.Now().Unix(),
	}

	var err error
	switch notice.Kind {
	case domain.NoticeIncomingCall:
		err = s.sender.SendIncomingCall(ctx, data, notice.RecipientID)
	case domain.NoticeMissedCall:
		err = s.sender.SendMissedCall(ctx, data, notice.RecipientID)
	default:
		err = fmt.Errorf("unknown notice kind %q", notice.Kind)
	}
	if err != nil {
		errs = append(errs, err)
		return errors.Join(errs...)
	}

	if row != nil {
		if err := s.feed.MarkPushed(ctx, row.NotificationID); err != nil {
			logger.Debug("Failed to mark notification pushed",
				zap.String("notification_id", row.NotificationID),
				zap.Error(err))
		}
	}
	return errors.Join(errs...)
}

func feedEntry(notice domain.CallNotice) *domain.NotificationCreate {
	create := &domain.NotificationCreate{
		UserID: notice.RecipientID,
		Type:   string(notice.Kind),
		Data: map[string]interface{}{
			"call_id":     notice.CallID,
			"caller_id":   notice.CallerID,
			"caller_name": notice.CallerName,
			"call_type":   string(notice.CallType),
		},
	}
	switch notice.Kind {
	case domain.NoticeMissedCall:
		create.Title = "Missed Call"
		create.Body = fmt.Sprintf("You missed a call from %s", notice.CallerName)
	default:
		create.Title = "Incoming Call"
		create.Body = fmt.Sprintf("%s is calling you", notice.CallerName)
	}
	return create
}
