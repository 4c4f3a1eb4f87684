package push

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"skillswap-backend/pkg/logger"
)

// Provider defines interface for sending push notifications
type Provider interface {
	Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error)
}

// SendResult contains the result of a push notification send operation
type SendResult struct {
	SuccessCount  int
	FailureCount  int
	InvalidTokens []string
	Errors        []error
}

// Notification represents a push notification
type Notification struct {
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Data        map[string]string `json:"data,omitempty"`
	Priority    string            `json:"priority,omitempty"` // high, normal
	Sound       string            `json:"sound,omitempty"`
	Category    string            `json:"category,omitempty"`
	ClickAction string            `json:"click_action,omitempty"`
}

// CallNotificationData contains data for call-related notifications
type CallNotificationData struct {
	CallID     string `json:"call_id"`
	SessionID  string `json:"session_id"`
	CallerID   string `json:"caller_id"`
	CallerName string `json:"caller_name"`
	CallType   string `json:"call_type"`
	Timestamp  int64  `json:"timestamp"`
}

// TokenType represents the type of push notification token
type TokenType string

const (
	TokenTypeFCM  TokenType = "fcm"  // Firebase Cloud Messaging
	TokenTypeAPNs TokenType = "apns" // Apple Push Notification Service
)

// Token represents a push notification token for a user
type Token struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Token     string    `json:"token"`
	Type      TokenType `json:"type"`
	DeviceID  string    `json:"device_id,omitempty"`
	Platform  string    `json:"platform,omitempty"` // ios, android, web
	Active    bool      `json:"active"`
	CreatedAt int64     `json:"created_at"`
	UpdatedAt int64     `json:"updated_at"`
}

// TokenRepository defines interface for storing and retrieving push tokens
type TokenRepository interface {
	Store(ctx context.Context, token *Token) error
	GetByUserID(ctx context.Context, userID string) ([]*Token, error)
	GetByToken(ctx context.Context, token string) (*Token, error)
	Update(ctx context.Context, token *Token) error
	DeleteByUserID(ctx context.Context, userID string) error
	MarkInactive(ctx context.Context, token string) error
}

// Recorder counts delivered and failed pushes
type Recorder interface {
	RecordPushNotification(notifType, platform string)
	RecordPushNotificationFailure(notifType, platform, reason string)
}

// Service handles push notification operations
type Service struct {
	provider Provider
	repo     TokenRepository
	metrics  Recorder
}

// NewService creates a new push notification service
func NewService(provider Provider, repo TokenRepository) *Service {
	return &Service{
		provider: provider,
		repo:     repo,
	}
}

// WithMetrics records every send attempt per token platform
func (s *Service) WithMetrics(r Recorder) *Service {
	s.metrics = r
	return s
}

// RegisterToken registers a new push notification token for a user
func (s *Service) RegisterToken(ctx context.Context, token *Token) error {
	existing, err := s.repo.GetByToken(ctx, token.Token)
	if err == nil && existing != nil {
		existing.Active = true
		existing.UserID = token.UserID
		existing.DeviceID = token.DeviceID
		existing.Platform = token.Platform
		return s.repo.Update(ctx, existing)
	}
	return s.repo.Store(ctx, token)
}

// UnregisterAllTokens removes all tokens for a user
func (s *Service) UnregisterAllTokens(ctx context.Context, userID string) error {
	return s.repo.DeleteByUserID(ctx, userID)
}

// SendIncomingCall notifies the callee's devices of a ringing call
func (s *Service) SendIncomingCall(ctx context.Context, data *CallNotificationData, calleeID string) error {
	notification := &Notification{
		Title:    "Incoming Call",
		Body:     fmt.Sprintf("%s is calling you", data.CallerName),
		Priority: "high",
		Sound:    "default",
		Category: "INCOMING_CALL",
		Data:     callData("incoming_call", data),
	}
	return s.sendToUser(ctx, notification, calleeID, data.CallID)
}

// SendMissedCall tells the callee about a call nobody answered
func (s *Service) SendMissedCall(ctx context.Context, data *CallNotificationData, calleeID string) error {
	notification := &Notification{
		Title:    "Missed Call",
		Body:     fmt.Sprintf("You missed a call from %s", data.CallerName),
		Priority: "normal",
		Sound:    "default",
		Data:     callData("missed_call", data),
	}
	return s.sendToUser(ctx, notification, calleeID, data.CallID)
}

func callData(kind string, data *CallNotificationData) map[string]string {
	return map[string]string{
		"type":        kind,
		"call_id":     data.CallID,
		"session_id":  data.SessionID,
		"caller_id":   data.CallerID,
		"caller_name": data.CallerName,
		"call_type":   data.CallType,
		"timestamp":   fmt.Sprintf("%d", data.Timestamp),
	}
}

func (s *Service) sendToUser(ctx context.Context, notification *Notification, userID, callID string) error {
	tokens, err := s.repo.GetByUserID(ctx, userID)
	if err != nil {
		logger.Warn("Failed to get push tokens for user",
			zap.String("user_id", userID),
			zap.Error(err))
		return fmt.Errorf("failed to get push tokens: %w", err)
	}

	var active []string
	platforms := make(map[string]string)
	for _, token := range tokens {
		if token.Active {
			active = append(active, token.Token)
			platforms[token.Token] = token.Platform
		}
	}
	if len(active) == 0 {
		logger.Debug("No active push tokens for user", zap.String("user_id", userID))
		return nil
	}

	kind := notification.Data["type"]
	result, err := s.provider.Send(ctx, notification, active)
	if err != nil {
		for _, token := range active {
			s.recordFailure(kind, platforms[token], "send_error")
		}
		logger.Error("Failed to send push notification",
			zap.String("call_id", callID),
			zap.Int("token_count", len(active)),
			zap.Error(err))
		return fmt.Errorf("failed to send push notification: %w", err)
	}

	logger.Info("Push notification sent",
		zap.String("call_id", callID),
		zap.String("type", kind),
		zap.Int("success_count", result.SuccessCount),
		zap.Int("failure_count", result.FailureCount),
		zap.Int("invalid_tokens", len(result.InvalidTokens)))

	if s.metrics != nil {
		invalid := make(map[string]bool, len(result.InvalidTokens))
		for _, token := range result.InvalidTokens {
			invalid[token] = true
		}
		for _, token := range active {
			if invalid[token] {
				s.recordFailure(kind, platforms[token], "invalid_token")
			} else {
				s.metrics.RecordPushNotification(kind, platforms[token])
			}
		}
	}

	if len(result.InvalidTokens) > 0 {
		s.handleInvalidTokens(ctx, result.InvalidTokens)
	}
	return nil
}

func (s *Service) recordFailure(kind, platform, reason string) {
	if s.metrics != nil {
		s.metrics.RecordPushNotificationFailure(kind, platform, reason)
	}
}

// handleInvalidTokens marks invalid tokens as inactive
func (s *Service) handleInvalidTokens(ctx context.Context, invalidTokens []string) {
	for _, tokenStr := range invalidTokens {
		if err := s.repo.MarkInactive(ctx, tokenStr); err != nil {
			logger.Warn("Failed to mark token as inactive",
				zap.String("token", tokenStr),
				zap.Error(err))
		}
	}
}

// MockProvider is a mock implementation for development/testing
type MockProvider struct {
	mu   sync.Mutex
	sent []*Notification
	// Invalid tokens are reported back as unregistered
	Invalid map[string]bool
}

// Send implements Provider interface
func (m *MockProvider) Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, notification)

	logger.Debug("MockProvider: Sending notification",
		zap.String("title", notification.Title),
		zap.String("body", notification.Body),
		zap.Int("token_count", len(tokens)))

	result := &SendResult{}
	for _, token := range tokens {
		if m.Invalid[token] {
			result.FailureCount++
			result.InvalidTokens = append(result.InvalidTokens, token)
			continue
		}
		result.SuccessCount++
	}
	return result, nil
}

// Sent returns the notifications sent so far
func (m *MockProvider) Sent() []*Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Notification(nil), m.sent...)
}
