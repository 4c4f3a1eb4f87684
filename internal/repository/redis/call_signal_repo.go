package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"skillswap-backend/internal/database"
	"skillswap-backend/internal/domain"
	"skillswap-backend/internal/service/call"
	"skillswap-backend/pkg/logger"
	"skillswap-backend/pkg/metrics"
)

const (
	signalingBackend = "redis"
	maxTxRetries     = 5
)

// recordEvent is published on a record's channel after every commit
type recordEvent struct {
	Type   string             `json:"type"` // changed, deleted
	Record *domain.CallRecord `json:"record,omitempty"`
}

// CallSignalRepository stores call records in Redis. Each record is a JSON
// value with a TTL, indexed in a per-callee inbox set, and every commit is
// published so listeners see changes in order.
type CallSignalRepository struct {
	client *database.RedisClient
	ttl    time.Duration
}

// NewCallSignalRepository creates a new CallSignalRepository
func NewCallSignalRepository(client *database.RedisClient, ttl time.Duration) *CallSignalRepository {
	return &CallSignalRepository{client: client, ttl: ttl}
}

func recordKey(id string) string {
	return fmt.Sprintf("call:record:%s", id)
}

func recordChannel(id string) string {
	return fmt.Sprintf("call:record:%s:events", id)
}

func inboxKey(toID string) string {
	return fmt.Sprintf("call:inbox:%s", toID)
}

func inboxChannel(toID string) string {
	return fmt.Sprintf("call:inbox:%s:events", toID)
}

func encodeRecord(rec *domain.CallRecord) ([]byte, error) {
	return json.Marshal(rec)
}

func decodeRecord(data []byte) (*domain.CallRecord, error) {
	var rec domain.CallRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal call record: %w", err)
	}
	return &rec, nil
}

// Create stores a new record and announces it to the callee's inbox
func (r *CallSignalRepository) Create(ctx context.Context, rec *domain.CallRecord) (id string, err error) {
	defer func() { metrics.RecordSignalingOp(signalingBackend, "create", err) }()

	data, err := encodeRecord(rec)
	if err != nil {
		return "", err
	}

	ok, err := r.client.Client.SetNX(ctx, recordKey(rec.ID), data, r.ttl).Result()
	if err != nil {
		return "", fmt.Errorf("failed to store call record: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("call record %s already exists", rec.ID)
	}

	if err := r.client.SafeSAdd(ctx, inboxKey(rec.ToID), rec.ID).Err(); err != nil {
		return "", fmt.Errorf("failed to index call record: %w", err)
	}
	if err := r.client.SafeExpire(ctx, inboxKey(rec.ToID), r.ttl).Err(); err != nil {
		logger.Warn("Failed to set expiration on call inbox",
			zap.String("to_id", rec.ToID),
			zap.Error(err))
	}
	r.publish(ctx, inboxChannel(rec.ToID), recordEvent{Type: "changed", Record: rec})

	logger.Debug("Call record created",
		zap.String("call_id", rec.ID),
		zap.String("from_id", rec.FromID),
		zap.String("to_id", rec.ToID))
	return rec.ID, nil
}

// Get returns the record, or nil when it does not exist
func (r *CallSignalRepository) Get(ctx context.Context, id string) (*domain.CallRecord, error) {
	data, err := r.client.SafeGet(ctx, recordKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get call record: %w", err)
	}
	return decodeRecord(data)
}

// Update applies patch atomically. A missing record is not an error.
func (r *CallSignalRepository) Update(ctx context.Context, id string, patch domain.CallPatch) (err error) {
	defer func() { metrics.RecordSignalingOp(signalingBackend, "update", err) }()

	key := recordKey(id)
	var committed *domain.CallRecord

	txf := func(tx *redis.Tx) error {
		committed = nil
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		rec, err := decodeRecord(data)
		if err != nil {
			return err
		}
		if !patch.Apply(rec) {
			return nil
		}
		out, err := encodeRecord(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SetArgs(ctx, key, out, redis.SetArgs{KeepTTL: true})
			return nil
		})
		if err == nil {
			committed = rec
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err = r.client.Client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		break
	}
	if err != nil {
		return fmt.Errorf("failed to update call record: %w", err)
	}

	if committed != nil {
		r.publish(ctx, recordChannel(id), recordEvent{Type: "changed", Record: committed})
		if committed.Answered || committed.Ended {
			if err := r.client.SafeSRem(ctx, inboxKey(committed.ToID), id).Err(); err != nil {
				logger.Debug("Failed to drop call from inbox", zap.String("call_id", id), zap.Error(err))
			}
		}
	}
	return nil
}

// Delete removes the record. A missing record is not an error.
func (r *CallSignalRepository) Delete(ctx context.Context, id string) (err error) {
	defer func() { metrics.RecordSignalingOp(signalingBackend, "delete", err) }()

	rec, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	if err := r.client.SafeDel(ctx, recordKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete call record: %w", err)
	}
	if err := r.client.SafeSRem(ctx, inboxKey(rec.ToID), id).Err(); err != nil {
		logger.Debug("Failed to drop call from inbox", zap.String("call_id", id), zap.Error(err))
	}
	r.publish(ctx, recordChannel(id), recordEvent{Type: "deleted"})
	return nil
}

func (r *CallSignalRepository) publish(ctx context.Context, channel string, event recordEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		logger.Error("Failed to marshal call record event", zap.Error(err))
		return
	}
	if err := r.client.SafePublish(ctx, channel, data).Err(); err != nil {
		logger.Warn("Failed to publish call record event",
			zap.String("channel", channel),
			zap.Error(err))
	}
}

// listen subscribes to channel and waits for the confirmation, so no
// commit made after it returns can be missed
func (r *CallSignalRepository) listen(ctx context.Context, channel string) (*redis.PubSub, error) {
	pubsub := r.client.SafeSubscribe(ctx, channel)
	if pubsub == nil {
		return nil, fmt.Errorf("redis is in degraded mode, subscribe skipped")
	}
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}
	return pubsub, nil
}

// closer builds an idempotent Unsubscribe for a pubsub and its goroutine
func closer(cancel context.CancelFunc, pubsub *redis.PubSub) call.Unsubscribe {
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			if err := pubsub.Close(); err != nil {
				logger.Debug("Failed to close subscription", zap.Error(err))
			}
		})
	}
}

// Subscribe delivers the current record, then every committed change
func (r *CallSignalRepository) Subscribe(ctx context.Context, id string, onChange func(*domain.CallRecord), onError func(error)) (call.Unsubscribe, error) {
	subCtx, cancel := context.WithCancel(ctx)
	pubsub, err := r.listen(subCtx, recordChannel(id))
	if err != nil {
		cancel()
		return nil, err
	}
	unsub := closer(cancel, pubsub)

	current, err := r.Get(subCtx, id)
	if err != nil {
		unsub()
		return nil, err
	}
	onChange(current)
	if current == nil {
		// Already gone, nothing further will be published
		return unsub, nil
	}

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
				var event recordEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					if onError != nil && subCtx.Err() == nil {
						onError(fmt.Errorf("bad call record event: %w", err))
					}
					return
				}
				if subCtx.Err() != nil {
					return
				}
				if event.Type == "deleted" {
					onChange(nil)
					return
				}
				onChange(event.Record)
			}
		}
	}()

	return unsub, nil
}

// SubscribeQuery reports pending records addressed to filter.ToID, the
// existing ones first
func (r *CallSignalRepository) SubscribeQuery(ctx context.Context, filter domain.CallFilter, onAdded func(*domain.CallRecord)) (call.Unsubscribe, error) {
	subCtx, cancel := context.WithCancel(ctx)
	pubsub, err := r.listen(subCtx, inboxChannel(filter.ToID))
	if err != nil {
		cancel()
		return nil, err
	}
	unsub := closer(cancel, pubsub)

	ids, err := r.client.SafeSMembers(subCtx, inboxKey(filter.ToID)).Result()
	if err != nil {
		unsub()
		return nil, fmt.Errorf("failed to list call inbox: %w", err)
	}

	seen := make(map[string]bool)
	for _, id := range ids {
		rec, err := r.Get(subCtx, id)
		if err != nil {
			logger.Warn("Failed to load inbox call", zap.String("call_id", id), zap.Error(err))
			continue
		}
		if rec == nil {
			// Expired; drop the stale index entry
			r.client.SafeSRem(subCtx, inboxKey(filter.ToID), id)
			continue
		}
		if filter.Matches(rec) && !seen[rec.ID] {
			seen[rec.ID] = true
			onAdded(rec)
		}
	}

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
				var event recordEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil || event.Record == nil {
					continue
				}
				rec := event.Record
				if subCtx.Err() != nil {
					return
				}
				if filter.Matches(rec) && !seen[rec.ID] {
					seen[rec.ID] = true
					onAdded(rec)
				}
			}
		}
	}()

	return unsub, nil
}
