package chat

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"skillswap-backend/internal/domain"
	"skillswap-backend/internal/service/call"
	"skillswap-backend/pkg/constants"
	apperrors "skillswap-backend/pkg/errors"
	"skillswap-backend/pkg/logger"
	"skillswap-backend/pkg/metrics"
)

// MessageStore is the ordered per-session message log
type MessageStore interface {
	Append(ctx context.Context, msg *domain.ChatMessage) (bool, error)
	ListBySession(ctx context.Context, sessionID string, limit int) ([]domain.ChatMessage, error)
}

// EventBus announces appends so subscribers can re-read the log
type EventBus interface {
	Publish(ctx context.Context, sessionID, messageID string) error
	Subscribe(ctx context.Context, sessionID string, onEvent func(messageID string)) (func(), error)
}

// SessionStore keeps the last-message preview per session
type SessionStore interface {
	UpsertSummary(ctx context.Context, summary domain.SessionSummary) error
}

// Uploader stores attachments
type Uploader interface {
	Upload(ctx context.Context, sessionID string, file domain.FileUpload) (*domain.FileAttachment, error)
}

// Service handles chat business logic
type Service struct {
	store    MessageStore
	bus      EventBus
	sessions SessionStore
	uploader Uploader
	maxSize  int64
	limit    int
}

// NewService creates a new chat service. uploader may be nil, in which
// case attachments are refused.
func NewService(store MessageStore, bus EventBus, sessions SessionStore, uploader Uploader, maxUploadSize int64) *Service {
	if maxUploadSize <= 0 {
		maxUploadSize = constants.MaxUploadSize
	}
	return &Service{
		store:    store,
		bus:      bus,
		sessions: sessions,
		uploader: uploader,
		maxSize:  maxUploadSize,
		limit:    constants.ChatHistoryLimit,
	}
}

var _ call.ChatSideChannel = (*Service)(nil)

// Append stores msg in the session log and announces it. A message whose
// id is already stored is dropped and reported as not applied.
func (s *Service) Append(ctx context.Context, sessionID string, msg *domain.ChatMessage) (bool, error) {
	if msg == nil || msg.ID == "" {
		return false, apperrors.ValidationError("message id is required")
	}
	msg.SessionID = sessionID

	applied, err := s.store.Append(ctx, msg)
	if err != nil {
		metrics.ChatMessagesAppendedTotal.WithLabelValues(string(msg.Type), "error").Inc()
		return false, fmt.Errorf("failed to save message: %w", err)
	}
	if !applied {
		metrics.ChatMessagesAppendedTotal.WithLabelValues(string(msg.Type), "duplicate").Inc()
		return false, nil
	}
	metrics.ChatMessagesAppendedTotal.WithLabelValues(string(msg.Type), "stored").Inc()

	// Subscribers catch up on their next refresh if the announcement is lost
	if err := s.bus.Publish(ctx, sessionID, msg.ID); err != nil {
		logger.Warn("Failed to announce chat message",
			zap.String("session_id", sessionID),
			zap.String("message_id", msg.ID),
			zap.Error(err))
	}
	return true, nil
}

// History returns the latest messages of a session, oldest first
func (s *Service) History(ctx context.Context, sessionID string) ([]domain.ChatMessage, error) {
	msgs, err := s.store.ListBySession(ctx, sessionID, s.limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	return msgs, nil
}

// subscription serializes deliveries so a stale read never overwrites a
// newer one
type subscription struct {
	svc        *Service
	sessionID  string
	onMessages func([]domain.ChatMessage)

	mu     sync.Mutex
	closed bool
}

func (sub *subscription) refresh(ctx context.Context) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	msgs, err := sub.svc.History(ctx, sub.sessionID)
	if err != nil {
		logger.Warn("Failed to refresh chat log",
			zap.String("session_id", sub.sessionID),
			zap.Error(err))
		return
	}
	sub.onMessages(msgs)
}

func (sub *subscription) close() {
	sub.mu.Lock()
	sub.closed = true
	sub.mu.Unlock()
}

// Subscribe delivers the full ordered log now and after every append
func (s *Service) Subscribe(ctx context.Context, sessionID string, onMessages func([]domain.ChatMessage)) (call.Unsubscribe, error) {
	sub := &subscription{svc: s, sessionID: sessionID, onMessages: onMessages}

	// Listen before the first read so no append falls between them
	unsubBus, err := s.bus.Subscribe(ctx, sessionID, func(string) { sub.refresh(ctx) })
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to chat: %w", err)
	}
	sub.refresh(ctx)

	var once sync.Once
	return func() {
		once.Do(func() {
			unsubBus()
			sub.close()
		})
	}, nil
}

// UpdateSessionSummary records the session's last-message preview
func (s *Service) UpdateSessionSummary(ctx context.Context, sessionID string, summary domain.SessionSummary) error {
	summary.SessionID = sessionID
	if err := s.sessions.UpsertSummary(ctx, summary); err != nil {
		return fmt.Errorf("failed to update session summary: %w", err)
	}
	return nil
}

// AttachFile uploads file for the session. Files over the cap are refused
// without contacting storage.
func (s *Service) AttachFile(ctx context.Context, sessionID string, file domain.FileUpload) (*domain.FileAttachment, error) {
	if file.Size > s.maxSize {
		metrics.ChatUploadsRejectedTotal.WithLabelValues("too_large").Inc()
		return nil, apperrors.UploadTooLargeError(file.Size, s.maxSize)
	}
	if s.uploader == nil {
		metrics.ChatUploadsRejectedTotal.WithLabelValues("unavailable").Inc()
		return nil, apperrors.ServiceUnavailableError("Attachments are not available")
	}

	att, err := s.uploader.Upload(ctx, sessionID, file)
	if err != nil {
		reason := "failed"
		if apperrors.HasCode(err, apperrors.ErrCodeUpload) && apperrors.GetAppError(err).StatusCode == http.StatusRequestEntityTooLarge {
			reason = "too_large"
		}
		metrics.ChatUploadsRejectedTotal.WithLabelValues(reason).Inc()
		return nil, err
	}
	return att, nil
}
