package call

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"skillswap-backend/internal/domain"
	apperrors "skillswap-backend/pkg/errors"
	"skillswap-backend/pkg/metrics"
)

const permissionMessage = "Camera or microphone access was denied"

// joinMedia connects to the call's room in the background. Failures leave
// the call in Connecting with a retry available.
func (c *Coordinator) joinMedia(id string) {
	c.mu.Lock()
	if c.call == nil || c.call.id != id {
		c.mu.Unlock()
		return
	}
	room := c.call.record.RoomName
	c.screenSharing = false
	c.mu.Unlock()

	c.goAsync(func() {
		token := ""
		if c.tokens != nil {
			var err error
			token, err = c.tokens.IssueRoomToken(room, c.cfg.SelfID)
			if err != nil {
				c.onMediaError(id, err)
				return
			}
		}

		events := MediaEvents{
			ParticipantJoined: func(identity string) { c.onParticipantJoined(id, identity) },
			ParticipantLeft:   func(identity string) { c.onParticipantLeft(id, identity) },
			TrackSubscribed: func(identity string, kind domain.TrackKind) {
				c.onTrackSubscribed(id, identity, kind)
			},
			Disconnected: func(err error) { c.onMediaDisconnected(id, err) },
		}
		if err := c.media.Connect(c.ctx, room, c.cfg.SelfID, token, events); err != nil {
			c.onMediaError(id, err)
			return
		}

		c.mu.Lock()
		if c.call == nil || c.call.id != id || c.hasEnded.Load() {
			// The call ended while we were joining
			c.mu.Unlock()
			if err := c.media.Disconnect(context.Background()); err != nil {
				c.log.Debug("Media disconnect after late join failed", zap.Error(err))
			}
			return
		}
		c.call.mediaJoined = true
		muted, videoOn := c.muted, c.videoOn
		c.mu.Unlock()

		if err := c.media.EnableMicrophone(c.ctx, !muted); err != nil {
			c.onMediaError(id, err)
			return
		}
		if err := c.media.EnableCamera(c.ctx, videoOn); err != nil {
			c.onMediaError(id, err)
		}
	})
}

// classifyMediaError maps adapter failures to the recoverable error kinds
func classifyMediaError(err error) (*apperrors.AppError, string) {
	if errors.Is(err, domain.ErrPermissionDenied) || errors.Is(err, domain.ErrDeviceUnavailable) {
		return apperrors.PermissionError(permissionMessage, err), "permission"
	}
	return apperrors.TransportConnectError(err), "transport"
}

func (c *Coordinator) onMediaError(id string, err error) {
	appErr, kind := classifyMediaError(err)

	c.mu.Lock()
	call := c.call
	if call == nil || call.id != id || c.hasEnded.Load() {
		c.mu.Unlock()
		return
	}
	call.lastErr = appErr
	if c.currentLocked() == StateConnecting {
		call.canRetry = true
		c.status = appErr.Message
	}
	c.mu.Unlock()

	metrics.MediaConnectFailuresTotal.WithLabelValues(kind).Inc()
	c.log.Warn("Media join failed",
		zap.String("call_id", id),
		zap.String("kind", kind),
		zap.Error(err))
	c.notify()
}

// Retry re-runs the media join after a permission or connect failure.
// The call record and the pending state are kept.
func (c *Coordinator) Retry(ctx context.Context) error {
	c.mu.Lock()
	call := c.call
	if call == nil || c.currentLocked() != StateConnecting || !call.canRetry {
		c.mu.Unlock()
		return apperrors.InvalidStateError("nothing to retry")
	}
	id := call.id
	call.lastErr = nil
	call.canRetry = false
	call.mediaJoined = false
	c.status = StatusConnecting
	c.armTimerLocked(id)
	c.mu.Unlock()
	c.notify()

	// Drop any half-open join before trying again
	if err := c.media.Disconnect(ctx); err != nil {
		c.log.Debug("Media disconnect before retry failed", zap.Error(err))
	}
	c.log.Info("Retrying media join", zap.String("call_id", id))
	c.joinMedia(id)
	return nil
}

func (c *Coordinator) onParticipantJoined(id, identity string) {
	if identity == c.cfg.SelfID {
		return
	}
	if identity != c.cfg.PeerID {
		c.log.Warn("Unexpected participant in call room",
			zap.String("call_id", id),
			zap.String("identity", identity))
		return
	}

	c.mu.Lock()
	call := c.call
	if call == nil || call.id != id || c.hasEnded.Load() {
		c.mu.Unlock()
		return
	}
	// Later joins, such as reconnects, must not repeat the transition
	if !c.isConnected.CompareAndSwap(false, true) {
		c.mu.Unlock()
		return
	}
	c.stopTimerLocked()
	c.ring = RingNone
	if c.currentLocked().Pending() {
		fire(c.machine, evAnswer, c.log)
	}
	fire(c.machine, evConnect, c.log)
	now := c.clock.Now()
	if call.answeredAt == nil {
		call.answeredAt = &now
	}
	call.lastErr = nil
	call.canRetry = false
	c.status = StatusConnected
	latency := now.Sub(call.startedAt)
	c.mu.Unlock()

	metrics.CallConnectLatency.Observe(latency.Seconds())
	c.log.Info("Call connected", zap.String("call_id", id), zap.Duration("latency", latency))
	c.notify()
}

func (c *Coordinator) onParticipantLeft(id, identity string) {
	if identity != c.cfg.PeerID {
		return
	}
	c.log.Info("Peer left the call room", zap.String("call_id", id))
	c.terminate(id, causeMediaLeft)
}

func (c *Coordinator) onTrackSubscribed(id, identity string, kind domain.TrackKind) {
	c.mu.Lock()
	if c.call == nil || c.call.id != id || identity != c.cfg.PeerID {
		c.mu.Unlock()
		return
	}
	c.call.remoteTracks[kind] = true
	c.mu.Unlock()
	c.notify()
}

func (c *Coordinator) onMediaDisconnected(id string, err error) {
	c.log.Info("Media transport disconnected", zap.String("call_id", id), zap.Error(err))
	c.terminate(id, causeMediaDisconnected)
}

// ToggleMute flips the microphone and returns the new muted state
func (c *Coordinator) ToggleMute(ctx context.Context) (bool, error) {
	c.mu.Lock()
	c.muted = !c.muted
	muted := c.muted
	live := c.mediaLiveLocked()
	c.mu.Unlock()
	c.notify()

	if !live {
		return muted, nil
	}
	if err := c.media.EnableMicrophone(ctx, !muted); err != nil {
		c.mu.Lock()
		c.muted = !muted
		c.mu.Unlock()
		c.notify()
		appErr, _ := classifyMediaError(err)
		return !muted, appErr
	}
	return muted, nil
}

// ToggleVideo flips the camera and returns whether video is now on
func (c *Coordinator) ToggleVideo(ctx context.Context) (bool, error) {
	c.mu.Lock()
	c.videoOn = !c.videoOn
	on := c.videoOn
	live := c.mediaLiveLocked()
	c.mu.Unlock()
	c.notify()

	if !live {
		return on, nil
	}
	if err := c.media.EnableCamera(ctx, on); err != nil {
		c.mu.Lock()
		c.videoOn = !on
		c.mu.Unlock()
		c.notify()
		appErr, _ := classifyMediaError(err)
		return !on, appErr
	}
	return on, nil
}

// ToggleScreenShare flips screen sharing during a joined call
func (c *Coordinator) ToggleScreenShare(ctx context.Context) (bool, error) {
	c.mu.Lock()
	if !c.mediaLiveLocked() {
		c.mu.Unlock()
		return false, apperrors.InvalidStateError("screen sharing needs an active call")
	}
	c.screenSharing = !c.screenSharing
	on := c.screenSharing
	c.mu.Unlock()
	c.notify()

	if err := c.media.EnableScreenShare(ctx, on); err != nil {
		c.mu.Lock()
		c.screenSharing = !on
		c.mu.Unlock()
		c.notify()
		appErr, _ := classifyMediaError(err)
		return !on, appErr
	}
	return on, nil
}

func (c *Coordinator) mediaLiveLocked() bool {
	return c.call != nil && c.call.mediaJoined && !c.hasEnded.Load()
}
