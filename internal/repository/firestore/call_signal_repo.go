package firestore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"cloud.google.com/go/firestore"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"skillswap-backend/internal/domain"
	"skillswap-backend/internal/service/call"
	"skillswap-backend/pkg/logger"
	"skillswap-backend/pkg/metrics"
)

const signalingBackend = "firestore"

// CallSignalRepository stores call records as documents of one collection
type CallSignalRepository struct {
	client     *firestore.Client
	collection string
}

// NewCallSignalRepository creates a new CallSignalRepository
func NewCallSignalRepository(client *firestore.Client, collection string) *CallSignalRepository {
	if collection == "" {
		collection = "calls"
	}
	return &CallSignalRepository{client: client, collection: collection}
}

var _ call.SignalingChannel = (*CallSignalRepository)(nil)

func (r *CallSignalRepository) doc(id string) *firestore.DocumentRef {
	return r.client.Collection(r.collection).Doc(id)
}

func decodeSnapshot(snap *firestore.DocumentSnapshot) (*domain.CallRecord, error) {
	var rec domain.CallRecord
	if err := snap.DataTo(&rec); err != nil {
		return nil, fmt.Errorf("failed to decode call record: %w", err)
	}
	rec.ID = snap.Ref.ID
	return &rec, nil
}

// Create stores a new record; an existing id is an error
func (r *CallSignalRepository) Create(ctx context.Context, rec *domain.CallRecord) (id string, err error) {
	defer func() { metrics.RecordSignalingOp(signalingBackend, "create", err) }()

	ref := r.client.Collection(r.collection).NewDoc()
	if rec.ID != "" {
		ref = r.doc(rec.ID)
	}
	if _, err := ref.Create(ctx, rec); err != nil {
		return "", fmt.Errorf("failed to store call record: %w", err)
	}

	logger.Debug("Call record created",
		zap.String("call_id", ref.ID),
		zap.String("from_id", rec.FromID),
		zap.String("to_id", rec.ToID))
	return ref.ID, nil
}

// Get returns the record, or nil when it does not exist
func (r *CallSignalRepository) Get(ctx context.Context, id string) (*domain.CallRecord, error) {
	snap, err := r.doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get call record: %w", err)
	}
	return decodeSnapshot(snap)
}

// Update merges patch in a transaction. A missing record is not an error.
func (r *CallSignalRepository) Update(ctx context.Context, id string, patch domain.CallPatch) (err error) {
	defer func() { metrics.RecordSignalingOp(signalingBackend, "update", err) }()

	ref := r.doc(id)
	err = r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		rec, err := decodeSnapshot(snap)
		if err != nil {
			return err
		}
		if !patch.Apply(rec) {
			return nil
		}
		return tx.Set(ref, rec)
	})
	if status.Code(err) == codes.NotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to update call record: %w", err)
	}
	return nil
}

// Delete removes the record. Deleting a missing document succeeds.
func (r *CallSignalRepository) Delete(ctx context.Context, id string) (err error) {
	defer func() { metrics.RecordSignalingOp(signalingBackend, "delete", err) }()

	if _, err := r.doc(id).Delete(ctx); err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("failed to delete call record: %w", err)
	}
	return nil
}

func stopper(cancel context.CancelFunc, stop func()) call.Unsubscribe {
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			stop()
		})
	}
}

// Subscribe streams the document: the current record first, then every
// committed change, and nil once it is deleted
func (r *CallSignalRepository) Subscribe(ctx context.Context, id string, onChange func(*domain.CallRecord), onError func(error)) (call.Unsubscribe, error) {
	subCtx, cancel := context.WithCancel(ctx)
	it := r.doc(id).Snapshots(subCtx)

	go func() {
		for {
			snap, err := it.Next()
			if subCtx.Err() != nil {
				return
			}
			if err != nil {
				if status.Code(err) == codes.Canceled || errors.Is(err, context.Canceled) {
					return
				}
				if onError != nil {
					onError(fmt.Errorf("call record stream failed: %w", err))
				}
				return
			}
			if !snap.Exists() {
				onChange(nil)
				continue
			}
			rec, err := decodeSnapshot(snap)
			if err != nil {
				if onError != nil {
					onError(err)
				}
				return
			}
			onChange(rec)
		}
	}()

	return stopper(cancel, it.Stop), nil
}

// SubscribeQuery reports pending records addressed to filter.ToID. Only
// added documents are reported, each at most once.
func (r *CallSignalRepository) SubscribeQuery(ctx context.Context, filter domain.CallFilter, onAdded func(*domain.CallRecord)) (call.Unsubscribe, error) {
	q := r.client.Collection(r.collection).
		Where("toId", "==", filter.ToID).
		Where("answered", "==", false).
		Where("ended", "==", false)
	if filter.FromID != "" {
		q = q.Where("fromId", "==", filter.FromID)
	}

	subCtx, cancel := context.WithCancel(ctx)
	it := q.Snapshots(subCtx)

	go func() {
		seen := make(map[string]bool)
		for {
			qs, err := it.Next()
			if subCtx.Err() != nil {
				return
			}
			if err != nil {
				if status.Code(err) != codes.Canceled {
					logger.Warn("Call inbox stream failed",
						zap.String("to_id", filter.ToID),
						zap.Error(err))
				}
				return
			}
			for _, change := range qs.Changes {
				if change.Kind != firestore.DocumentAdded {
					continue
				}
				rec, err := decodeSnapshot(change.Doc)
				if err != nil {
					logger.Warn("Skipping undecodable call record",
						zap.String("call_id", change.Doc.Ref.ID),
						zap.Error(err))
					continue
				}
				if !filter.Matches(rec) || seen[rec.ID] {
					continue
				}
				seen[rec.ID] = true
				onAdded(rec)
			}
		}
	}()

	return stopper(cancel, it.Stop), nil
}
