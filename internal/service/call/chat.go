package call

import (
	"context"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"skillswap-backend/internal/domain"
	"skillswap-backend/pkg/constants"
	apperrors "skillswap-backend/pkg/errors"
	"skillswap-backend/pkg/sanitize"
)

// SendChatMessage appends a text message to the session log
func (c *Coordinator) SendChatMessage(ctx context.Context, text string) (*domain.ChatMessage, error) {
	text = sanitize.MessageText(text)
	if text == "" {
		return nil, apperrors.ValidationError("message is empty")
	}
	if utf8.RuneCountInString(text) > constants.MaxMessageLength {
		return nil, apperrors.ValidationError("message is too long")
	}

	msg := c.newMessage(domain.MessageTypeText, text)
	if err := c.appendMessage(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// SendFileMessage uploads file and appends it as an image or file message
// with the optional caption. Oversized files are rejected before upload.
func (c *Coordinator) SendFileMessage(ctx context.Context, file domain.FileUpload, caption string) (*domain.ChatMessage, error) {
	if file.Size > constants.MaxUploadSize {
		err := apperrors.UploadTooLargeError(file.Size, constants.MaxUploadSize)
		c.setChatError(err)
		return nil, err
	}

	att, err := c.chat.AttachFile(ctx, c.sessionID, file)
	if err != nil {
		appErr := apperrors.GetAppError(err)
		if appErr.Code != apperrors.ErrCodeUpload {
			appErr = apperrors.UploadFailedError(err)
		}
		c.log.Warn("Attachment upload failed", zap.String("file_name", file.Name), zap.Error(err))
		c.setChatError(appErr)
		return nil, appErr
	}

	msgType := domain.MessageTypeFile
	if file.IsImage() {
		msgType = domain.MessageTypeImage
	}
	msg := c.newMessage(msgType, sanitize.MessageText(caption))
	msg.FileURL = att.URL
	msg.FileName = att.Name
	if err := c.appendMessage(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// MarkChatRead clears the unread count for messages received so far
func (c *Coordinator) MarkChatRead() {
	c.mu.Lock()
	readAt := c.clock.Now()
	for i := range c.messages {
		if ts := c.messages[i].Timestamp; ts.After(readAt) {
			readAt = ts
		}
	}
	c.lastReadAt = readAt
	c.mu.Unlock()
	c.notify()
}

// ClearChatError dismisses the last chat failure
func (c *Coordinator) ClearChatError() {
	c.setChatError(nil)
}

func (c *Coordinator) newMessage(msgType domain.MessageType, content string) *domain.ChatMessage {
	return &domain.ChatMessage{
		ID:         uuid.NewString(),
		SessionID:  c.sessionID,
		SenderID:   c.cfg.SelfID,
		SenderName: c.cfg.SelfName,
		Content:    content,
		Type:       msgType,
		Timestamp:  c.clock.Now(),
	}
}

func (c *Coordinator) appendMessage(ctx context.Context, msg *domain.ChatMessage) error {
	if _, err := c.chat.Append(ctx, c.sessionID, msg); err != nil {
		appErr := apperrors.Wrap(apperrors.ErrCodeServiceUnavail, "Message could not be sent", err)
		c.setChatError(appErr)
		return appErr
	}
	if err := c.chat.UpdateSessionSummary(ctx, c.sessionID, domain.SummaryOf(msg)); err != nil {
		c.log.Warn("Failed to update session summary", zap.Error(err))
	}
	c.setChatError(nil)
	return nil
}

func (c *Coordinator) setChatError(err *apperrors.AppError) {
	c.mu.Lock()
	c.chatErr = err
	c.mu.Unlock()
	c.notify()
}

// onMessages receives the full ordered log after every change
func (c *Coordinator) onMessages(msgs []domain.ChatMessage) {
	c.mu.Lock()
	c.messages = append(c.messages[:0:0], msgs...)
	c.mu.Unlock()
	c.notify()
}
