package call

import (
	"time"

	"skillswap-backend/internal/domain"
	apperrors "skillswap-backend/pkg/errors"
)

// Snapshot is the observable state of a session. Seq increases with
// every change so stream consumers can drop stale frames.
type Snapshot struct {
	Seq           uint64               `json:"seq"`
	SessionID     string               `json:"session_id"`
	PeerID        string               `json:"peer_id"`
	PeerName      string               `json:"peer_name"`
	State         State                `json:"state"`
	Role          domain.Role          `json:"role,omitempty"`
	CallID        string               `json:"call_id,omitempty"`
	CallType      domain.CallType      `json:"call_type"`
	Status        string               `json:"status"`
	Ring          Ring                 `json:"ring,omitempty"`
	Connected     bool                 `json:"connected"`
	Muted         bool                 `json:"muted"`
	VideoEnabled  bool                 `json:"video_enabled"`
	ScreenSharing bool                 `json:"screen_sharing"`
	PeerOnline    bool                 `json:"peer_online"`
	RemoteTracks  []domain.TrackKind   `json:"remote_tracks,omitempty"`
	CanRetry      bool                 `json:"can_retry"`
	Error         *apperrors.AppError  `json:"error,omitempty"`
	ChatError     *apperrors.AppError  `json:"chat_error,omitempty"`
	LastOutcome   domain.CallStatus    `json:"last_outcome,omitempty"`
	Messages      []domain.ChatMessage `json:"messages"`
	UnreadCount   int                  `json:"unread_count"`
}

var trackOrder = []domain.TrackKind{domain.TrackAudio, domain.TrackVideo, domain.TrackScreen}

func (c *Coordinator) snapshotLocked() Snapshot {
	snap := Snapshot{
		Seq:           c.seq,
		SessionID:     c.sessionID,
		PeerID:        c.cfg.PeerID,
		PeerName:      c.cfg.PeerName,
		State:         c.currentLocked(),
		CallType:      c.cfg.CallType,
		Status:        c.status,
		Ring:          c.ring,
		Connected:     c.isConnected.Load(),
		Muted:         c.muted,
		VideoEnabled:  c.videoOn,
		ScreenSharing: c.screenSharing,
		PeerOnline:    c.peerOnline,
		ChatError:     c.chatErr,
		LastOutcome:   c.lastOutcome,
		Messages:      append([]domain.ChatMessage(nil), c.messages...),
		UnreadCount:   unreadCount(c.messages, c.cfg.SelfID, c.lastReadAt),
	}

	if call := c.call; call != nil {
		snap.Role = call.role
		snap.CallID = call.id
		snap.CallType = call.record.CallType
		snap.CanRetry = call.canRetry
		snap.Error = call.lastErr
		for _, kind := range trackOrder {
			if call.remoteTracks[kind] {
				snap.RemoteTracks = append(snap.RemoteTracks, kind)
			}
		}
	}
	return snap
}

func unreadCount(msgs []domain.ChatMessage, selfID string, lastRead time.Time) int {
	n := 0
	for i := range msgs {
		if msgs[i].SenderID != selfID && msgs[i].Timestamp.After(lastRead) {
			n++
		}
	}
	return n
}
