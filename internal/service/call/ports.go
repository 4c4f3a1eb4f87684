package call

import (
	"context"

	"skillswap-backend/internal/domain"
)

// Unsubscribe detaches a listener. It is safe to call more than once and
// from inside the listener's own callback.
type Unsubscribe func()

// SignalingChannel stores call records. Update and Delete on a missing
// record succeed without effect, since cleanup writes race with the
// peer's delete. Subscribe delivers the current record first, then every
// committed change in order; a nil record means the record was deleted.
// SubscribeQuery reports every matching record once, existing ones first.
type SignalingChannel interface {
	Create(ctx context.Context, rec *domain.CallRecord) (string, error)
	Get(ctx context.Context, id string) (*domain.CallRecord, error)
	Update(ctx context.Context, id string, patch domain.CallPatch) error
	Delete(ctx context.Context, id string) error
	Subscribe(ctx context.Context, id string, onChange func(*domain.CallRecord), onError func(error)) (Unsubscribe, error)
	SubscribeQuery(ctx context.Context, filter domain.CallFilter, onAdded func(*domain.CallRecord)) (Unsubscribe, error)
}

// MediaEvents receives media room notifications. Disconnected fires only
// when the transport drops, never after a local Disconnect.
type MediaEvents struct {
	ParticipantJoined func(identity string)
	ParticipantLeft   func(identity string)
	TrackSubscribed   func(identity string, kind domain.TrackKind)
	Disconnected      func(err error)
}

// MediaSession joins one media room at a time. Device failures wrap
// domain.ErrPermissionDenied or domain.ErrDeviceUnavailable.
type MediaSession interface {
	Connect(ctx context.Context, room, identity, token string, events MediaEvents) error
	EnableCamera(ctx context.Context, on bool) error
	EnableMicrophone(ctx context.Context, on bool) error
	EnableScreenShare(ctx context.Context, on bool) error
	Disconnect(ctx context.Context) error
}

// PresenceTracker reports whether a user is currently active. The signal
// is advisory and may be stale.
type PresenceTracker interface {
	Watch(ctx context.Context, userID string, onChange func(online bool)) (Unsubscribe, error)
}

// ChatSideChannel is the per-session message log. Append is idempotent on
// message id and reports whether this call stored the message.
type ChatSideChannel interface {
	Append(ctx context.Context, sessionID string, msg *domain.ChatMessage) (bool, error)
	Subscribe(ctx context.Context, sessionID string, onMessages func([]domain.ChatMessage)) (Unsubscribe, error)
	UpdateSessionSummary(ctx context.Context, sessionID string, summary domain.SessionSummary) error
	AttachFile(ctx context.Context, sessionID string, file domain.FileUpload) (*domain.FileAttachment, error)
}

// NotificationDispatcher pushes call notices to a user's feed
type NotificationDispatcher interface {
	Push(ctx context.Context, notice domain.CallNotice) error
}

// TokenIssuer mints media room credentials
type TokenIssuer interface {
	IssueRoomToken(room, identity string) (string, error)
}

// CallHistory persists finished calls
type CallHistory interface {
	Record(ctx context.Context, entry *domain.CallHistoryEntry) error
}
