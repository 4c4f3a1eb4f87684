package redis

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"skillswap-backend/internal/database"
	"skillswap-backend/pkg/logger"
)

// ChatEventBus announces appends to a session's message log. Payloads carry
// only the message id; subscribers re-read the log.
type ChatEventBus struct {
	client *database.RedisClient
}

// NewChatEventBus creates a new ChatEventBus
func NewChatEventBus(client *database.RedisClient) *ChatEventBus {
	return &ChatEventBus{client: client}
}

func chatChannel(sessionID string) string {
	return fmt.Sprintf("chat:%s", sessionID)
}

// Publish announces that messageID was appended to sessionID
func (b *ChatEventBus) Publish(ctx context.Context, sessionID, messageID string) error {
	if err := b.client.SafePublish(ctx, chatChannel(sessionID), messageID).Err(); err != nil {
		return fmt.Errorf("failed to publish chat event: %w", err)
	}
	return nil
}

// Subscribe calls onEvent for every append announced after it returns
func (b *ChatEventBus) Subscribe(ctx context.Context, sessionID string, onEvent func(messageID string)) (func(), error) {
	pubsub := b.client.SafeSubscribe(ctx, chatChannel(sessionID))
	if pubsub == nil {
		return nil, fmt.Errorf("redis is in degraded mode, subscribe skipped")
	}
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to chat events: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	go func() {
		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if subCtx.Err() != nil {
					return
				}
				onEvent(msg.Payload)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			if err := pubsub.Close(); err != nil {
				logger.Debug("Failed to close chat subscription",
					zap.String("session_id", sessionID),
					zap.Error(err))
			}
		})
	}, nil
}
