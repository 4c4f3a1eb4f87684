package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"skillswap-backend/internal/database"
	"skillswap-backend/pkg/logger"
)

const onlineSetKey = "presence:online"

// PresenceRepository handles user online/offline status in Redis
type PresenceRepository struct {
	client *database.RedisClient
	ttl    time.Duration
}

// NewPresenceRepository creates a new PresenceRepository. A presence key
// expires after ttl unless refreshed.
func NewPresenceRepository(client *database.RedisClient, ttl time.Duration) *PresenceRepository {
	return &PresenceRepository{client: client, ttl: ttl}
}

func presenceKey(userID string) string {
	return fmt.Sprintf("presence:%s", userID)
}

func presenceChannel(userID string) string {
	return fmt.Sprintf("presence:%s:events", userID)
}

// SetUserOnline marks user as online
func (r *PresenceRepository) SetUserOnline(ctx context.Context, userID string) error {
	if err := r.client.SafeSet(ctx, presenceKey(userID), "online", r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set user online: %w", err)
	}
	if err := r.client.SafeSAdd(ctx, onlineSetKey, userID).Err(); err != nil {
		return fmt.Errorf("failed to add to online set: %w", err)
	}
	r.announce(ctx, userID, "online")
	return nil
}

// SetUserOffline marks user as offline
func (r *PresenceRepository) SetUserOffline(ctx context.Context, userID string) error {
	if err := r.client.SafeDel(ctx, presenceKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to delete presence: %w", err)
	}
	if err := r.client.SafeSRem(ctx, onlineSetKey, userID).Err(); err != nil {
		return fmt.Errorf("failed to remove from online set: %w", err)
	}
	r.announce(ctx, userID, "offline")
	return nil
}

// RefreshPresence keeps user online (heartbeat)
func (r *PresenceRepository) RefreshPresence(ctx context.Context, userID string) error {
	ok, err := r.client.SafeExpire(ctx, presenceKey(userID), r.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to refresh presence: %w", err)
	}
	if !ok {
		// Key expired between heartbeats
		return r.SetUserOnline(ctx, userID)
	}
	return nil
}

// IsUserOnline checks if user is currently online
func (r *PresenceRepository) IsUserOnline(ctx context.Context, userID string) (bool, error) {
	exists, err := r.client.SafeExists(ctx, presenceKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check presence: %w", err)
	}
	return exists > 0, nil
}

// GetOnlineUsers retrieves the ids of users marked online. Entries whose
// key has expired are pruned.
func (r *PresenceRepository) GetOnlineUsers(ctx context.Context) ([]string, error) {
	ids, err := r.client.SafeSMembers(ctx, onlineSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get online users: %w", err)
	}

	online := make([]string, 0, len(ids))
	for _, id := range ids {
		ok, err := r.IsUserOnline(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			r.client.SafeSRem(ctx, onlineSetKey, id)
			continue
		}
		online = append(online, id)
	}
	return online, nil
}

// SubscribePresence streams explicit online/offline transitions for userID.
// Expiry is silent, so callers also poll IsUserOnline.
func (r *PresenceRepository) SubscribePresence(ctx context.Context, userID string) (<-chan bool, func(), error) {
	pubsub := r.client.SafeSubscribe(ctx, presenceChannel(userID))
	if pubsub == nil {
		return nil, nil, fmt.Errorf("redis is in degraded mode, subscribe skipped")
	}
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, fmt.Errorf("failed to subscribe to presence: %w", err)
	}

	out := make(chan bool, 8)
	subCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer close(out)
		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload == "online":
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	stop := func() {
		cancel()
		pubsub.Close()
	}
	return out, stop, nil
}

func (r *PresenceRepository) announce(ctx context.Context, userID, state string) {
	if err := r.client.SafePublish(ctx, presenceChannel(userID), state).Err(); err != nil {
		logger.Debug("Failed to publish presence change",
			zap.String("user_id", userID),
			zap.Error(err))
	}
}

// IsDegraded returns true if Redis is in degraded mode
func (r *PresenceRepository) IsDegraded() bool {
	return r.client.IsDegraded()
}
