package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"skillswap-backend/internal/database"
	"skillswap-backend/pkg/constants"
	"skillswap-backend/pkg/logger"
	"skillswap-backend/pkg/push"
)

// PushTokenRepository handles push notification token storage in Redis
type PushTokenRepository struct {
	client *database.RedisClient
}

// NewPushTokenRepository creates a new push token repository
func NewPushTokenRepository(client *database.RedisClient) *PushTokenRepository {
	return &PushTokenRepository{client: client}
}

func pushTokenKey(token string) string {
	return fmt.Sprintf("push:token:%s", token)
}

func userTokensKey(userID string) string {
	return fmt.Sprintf("push:user:%s:tokens", userID)
}

// Store stores a push notification token
func (r *PushTokenRepository) Store(ctx context.Context, token *push.Token) error {
	if token.ID == "" {
		token.ID = uuid.NewString()
	}
	now := time.Now().Unix()
	if token.CreatedAt == 0 {
		token.CreatedAt = now
	}
	token.UpdatedAt = now
	token.Active = true

	if err := r.save(ctx, token); err != nil {
		return err
	}

	key := userTokensKey(token.UserID)
	if err := r.client.SafeSAdd(ctx, key, token.Token).Err(); err != nil {
		return fmt.Errorf("failed to add token to user set: %w", err)
	}
	if err := r.client.SafeExpire(ctx, key, constants.PushTokenExpiry).Err(); err != nil {
		logger.Warn("Failed to set expiration on user tokens set",
			zap.String("user_id", token.UserID),
			zap.Error(err))
	}

	logger.Debug("Push token stored",
		zap.String("token_id", token.ID),
		zap.String("user_id", token.UserID),
		zap.String("token_type", string(token.Type)))
	return nil
}

func (r *PushTokenRepository) save(ctx context.Context, token *push.Token) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}
	if err := r.client.SafeSet(ctx, pushTokenKey(token.Token), data, constants.PushTokenExpiry).Err(); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}
	return nil
}

// GetByToken retrieves a token by its value, or nil when unknown
func (r *PushTokenRepository) GetByToken(ctx context.Context, tokenStr string) (*push.Token, error) {
	data, err := r.client.SafeGet(ctx, pushTokenKey(tokenStr)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}

	var token push.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}
	return &token, nil
}

// GetByUserID retrieves all tokens for a user
func (r *PushTokenRepository) GetByUserID(ctx context.Context, userID string) ([]*push.Token, error) {
	tokens, err := r.client.SafeSMembers(ctx, userTokensKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get user tokens: %w", err)
	}

	var result []*push.Token
	for _, tokenStr := range tokens {
		token, err := r.GetByToken(ctx, tokenStr)
		if err != nil {
			logger.Warn("Failed to get token",
				zap.String("user_id", userID),
				zap.Error(err))
			continue
		}
		if token == nil || token.UserID != userID {
			// Expired or re-registered to another user
			r.client.SafeSRem(ctx, userTokensKey(userID), tokenStr)
			continue
		}
		result = append(result, token)
	}
	return result, nil
}

// Update updates an existing token
func (r *PushTokenRepository) Update(ctx context.Context, token *push.Token) error {
	token.UpdatedAt = time.Now().Unix()
	if err := r.save(ctx, token); err != nil {
		return err
	}
	if err := r.client.SafeSAdd(ctx, userTokensKey(token.UserID), token.Token).Err(); err != nil {
		return fmt.Errorf("failed to add token to user set: %w", err)
	}
	return nil
}

// DeleteByUserID removes all tokens for a user
func (r *PushTokenRepository) DeleteByUserID(ctx context.Context, userID string) error {
	key := userTokensKey(userID)
	tokens, err := r.client.SafeSMembers(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to get user tokens: %w", err)
	}

	for _, tokenStr := range tokens {
		if err := r.client.SafeDel(ctx, pushTokenKey(tokenStr)).Err(); err != nil {
			logger.Warn("Failed to delete token",
				zap.String("user_id", userID),
				zap.Error(err))
		}
	}
	if err := r.client.SafeDel(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete user tokens set: %w", err)
	}

	logger.Debug("All push tokens deleted for user",
		zap.String("user_id", userID),
		zap.Int("count", len(tokens)))
	return nil
}

// MarkInactive marks a token as inactive so it is skipped on send
func (r *PushTokenRepository) MarkInactive(ctx context.Context, tokenStr string) error {
	token, err := r.GetByToken(ctx, tokenStr)
	if err != nil || token == nil {
		return err
	}
	token.Active = false
	token.UpdatedAt = time.Now().Unix()
	return r.save(ctx, token)
}
