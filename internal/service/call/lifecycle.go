package call

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"skillswap-backend/internal/domain"
	apperrors "skillswap-backend/pkg/errors"
	"skillswap-backend/pkg/metrics"
)

// StartCall places a call to the peer and returns the call id
func (c *Coordinator) StartCall(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", apperrors.InvalidStateError("session is closed")
	}
	if c.call != nil || c.currentLocked() != StateIdle {
		c.mu.Unlock()
		return "", apperrors.InvalidStateError("a call is already in progress")
	}

	now := c.clock.Now()
	id := uuid.NewString()
	rec := &domain.CallRecord{
		ID:        id,
		FromID:    c.cfg.SelfID,
		FromName:  c.cfg.SelfName,
		ToID:      c.cfg.PeerID,
		ToName:    c.cfg.PeerName,
		RoomName:  domain.RoomName(id),
		CallType:  c.cfg.CallType,
		CreatedAt: now,
	}
	c.call = &attempt{
		id:           id,
		role:         domain.RoleCaller,
		record:       rec.Clone(),
		startedAt:    now,
		remoteTracks: make(map[domain.TrackKind]bool),
	}
	c.hasEnded.Store(false)
	c.isConnected.Store(false)
	fire(c.machine, evDial, c.log)
	c.ring = RingOutgoing
	c.status = c.waitingStatusLocked()
	c.lastOutcome = ""
	c.armTimerLocked(id)
	c.mu.Unlock()

	metrics.CallsStartedTotal.WithLabelValues(string(domain.CallDirectionOutgoing)).Inc()
	metrics.CallsActive.Inc()
	c.log.Info("Starting call", zap.String("call_id", id), zap.String("call_type", string(c.cfg.CallType)))
	c.notify()

	if _, err := c.signaling.Create(ctx, rec); err != nil {
		c.log.Warn("Failed to create call record", zap.String("call_id", id), zap.Error(err))
		c.terminate(id, causeCreateFailed)
		return "", apperrors.SignalingWriteError("create", err)
	}

	c.mu.Lock()
	current := c.call != nil && c.call.id == id && !c.hasEnded.Load()
	if current {
		fire(c.machine, evRing, c.log)
	}
	c.mu.Unlock()

	if !current {
		// Ended or yielded while the record was being written
		c.goAsync(func() { c.deleteRecord(id) })
		return id, nil
	}
	c.notify()

	if err := c.watchRecord(id); err != nil {
		return "", apperrors.SignalingWriteError("subscribe", err)
	}

	if c.notifier != nil {
		notice := domain.CallNotice{
			RecipientID: c.cfg.PeerID,
			Kind:        domain.NoticeIncomingCall,
			CallID:      id,
			CallerID:    c.cfg.SelfID,
			CallerName:  c.cfg.SelfName,
			CallType:    c.cfg.CallType,
		}
		c.goAsync(func() {
			if err := c.notifier.Push(c.ctx, notice); err != nil {
				c.log.Warn("Failed to push incoming call notice", zap.String("call_id", id), zap.Error(err))
			}
		})
	}

	return id, nil
}

// AnswerCall accepts the offered inbound call and joins the media room
func (c *Coordinator) AnswerCall(ctx context.Context) error {
	c.mu.Lock()
	call := c.call
	if call == nil || c.currentLocked() != StateIncomingOffered {
		c.mu.Unlock()
		return apperrors.InvalidStateError("no incoming call to answer")
	}
	id := call.id
	now := c.clock.Now()
	call.answeredAt = &now
	call.record.Answered = true
	call.record.AnsweredAt = &now
	fire(c.machine, evAnswer, c.log)
	c.status = StatusConnecting
	c.armTimerLocked(id)
	c.mu.Unlock()
	c.notify()

	err := c.signaling.Update(ctx, id, domain.CallPatch{Answered: true, AnsweredAt: &now})
	if err != nil {
		metrics.SignalingWriteErrorsTotal.WithLabelValues("answer").Inc()
		c.log.Warn("Failed to mark call answered", zap.String("call_id", id), zap.Error(err))
		c.terminate(id, causeAnswerFailed)
		return apperrors.SignalingWriteError("answer", err)
	}

	c.joinMedia(id)
	return nil
}

// DeclineCall rejects the offered inbound call
func (c *Coordinator) DeclineCall(ctx context.Context) error {
	c.mu.Lock()
	if c.call == nil || c.currentLocked() != StateIncomingOffered {
		c.mu.Unlock()
		return apperrors.InvalidStateError("no incoming call to decline")
	}
	id := c.call.id
	c.mu.Unlock()

	c.terminate(id, causeLocalDecline)
	return nil
}

// EndCall hangs up the active call in any state
func (c *Coordinator) EndCall(ctx context.Context) error {
	c.mu.Lock()
	if c.call == nil || !c.currentLocked().Active() {
		c.mu.Unlock()
		return apperrors.InvalidStateError("no active call")
	}
	id := c.call.id
	c.mu.Unlock()

	c.terminate(id, causeLocalEnd)
	return nil
}

// openInbox subscribes to pending records from the peer addressed to us
func (c *Coordinator) openInbox() error {
	filter := domain.CallFilter{ToID: c.cfg.SelfID, FromID: c.cfg.PeerID}
	unsub, err := c.signaling.SubscribeQuery(c.ctx, filter, c.onInboxAdded)
	if err != nil {
		c.log.Error("Failed to watch inbound calls", zap.Error(err))
		return apperrors.SignalingWriteError("subscribe", err)
	}

	c.mu.Lock()
	if c.closed || c.unsubInbox != nil || c.hasEnded.Load() {
		// Closing, already open, or a teardown will reopen it
		c.mu.Unlock()
		unsub()
		return nil
	}
	c.unsubInbox = unsub
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) onInboxAdded(rec *domain.CallRecord) {
	if rec == nil || rec.FromID != c.cfg.PeerID || rec.ToID != c.cfg.SelfID {
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if _, done := c.finished[rec.ID]; done {
		c.mu.Unlock()
		return
	}
	if c.call != nil && c.call.id == rec.ID {
		// Redelivered added event for the bound record
		c.mu.Unlock()
		return
	}

	var yielded *attempt
	state := c.currentLocked()
	switch {
	case state == StateIdle && c.call == nil && !c.hasEnded.Load():
	case (state == StateDialing || state == StateRinging) && c.call != nil && c.call.role == domain.RoleCaller:
		if keepsOutgoing(c.cfg.SelfID, c.cfg.PeerID) {
			c.finished[rec.ID] = struct{}{}
			c.mu.Unlock()
			c.log.Info("Double dial: keeping outgoing call", zap.String("ignored_call_id", rec.ID))
			return
		}
		yielded = c.yieldLocked()
	default:
		c.mu.Unlock()
		c.log.Debug("Ignoring inbound call while busy",
			zap.String("call_id", rec.ID),
			zap.String("state", string(state)))
		return
	}

	now := c.clock.Now()
	c.call = &attempt{
		id:           rec.ID,
		role:         domain.RoleCallee,
		record:       rec.Clone(),
		startedAt:    now,
		remoteTracks: make(map[domain.TrackKind]bool),
	}
	c.hasEnded.Store(false)
	c.isConnected.Store(false)
	fire(c.machine, evOffer, c.log)
	c.ring = RingIncoming
	c.status = StatusIncoming
	c.lastOutcome = ""
	c.armTimerLocked(rec.ID)
	c.mu.Unlock()

	if yielded != nil {
		c.goAsync(func() {
			if yielded.unsubRecord != nil {
				yielded.unsubRecord()
			}
			c.deleteRecord(yielded.id)
		})
	}

	metrics.CallsStartedTotal.WithLabelValues(string(domain.CallDirectionIncoming)).Inc()
	metrics.CallsActive.Inc()
	c.log.Info("Incoming call", zap.String("call_id", rec.ID), zap.String("from", rec.FromID))
	c.notify()

	if err := c.watchRecord(rec.ID); err != nil {
		c.log.Warn("Failed to watch inbound call record", zap.String("call_id", rec.ID), zap.Error(err))
	}
}

// keepsOutgoing decides a simultaneous double dial: the lexicographically
// smaller user id keeps its outgoing call and the other side yields.
func keepsOutgoing(selfID, peerID string) bool {
	return selfID < peerID
}

// yieldLocked abandons the local outgoing attempt without a summary. The
// returned attempt still needs its listener detached and record deleted.
func (c *Coordinator) yieldLocked() *attempt {
	old := c.call
	c.stopTimerLocked()
	fire(c.machine, evYield, c.log)
	c.finished[old.id] = struct{}{}
	c.call = nil
	c.ring = RingNone

	metrics.DoubleDialYieldsTotal.Inc()
	metrics.CallsActive.Dec()
	c.log.Info("Double dial: yielding outgoing call", zap.String("call_id", old.id))
	return old
}

// watchRecord subscribes to the bound record's changes
func (c *Coordinator) watchRecord(id string) error {
	unsub, err := c.signaling.Subscribe(c.ctx, id,
		func(rec *domain.CallRecord) { c.onRecordChange(id, rec) },
		func(err error) { c.onRecordError(id, err) },
	)
	if err != nil {
		c.terminate(id, causeSignalingLost)
		return err
	}

	c.mu.Lock()
	if c.call != nil && c.call.id == id && !c.hasEnded.Load() {
		c.call.unsubRecord = unsub
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	unsub()
	return nil
}

func (c *Coordinator) onRecordChange(id string, rec *domain.CallRecord) {
	if rec == nil {
		c.terminate(id, causeRemoteEnded)
		return
	}

	c.mu.Lock()
	call := c.call
	if call == nil || call.id != id || c.hasEnded.Load() {
		c.mu.Unlock()
		return
	}
	call.record.Merge(rec)

	switch {
	case rec.Declined:
		c.mu.Unlock()
		c.terminate(id, causeRemoteDeclined)
		return
	case rec.Ended:
		c.mu.Unlock()
		c.terminate(id, causeRemoteEnded)
		return
	case rec.Answered && call.role == domain.RoleCaller && c.currentLocked().Pending():
		if call.answeredAt == nil {
			answeredAt := c.clock.Now()
			if rec.AnsweredAt != nil {
				answeredAt = *rec.AnsweredAt
			}
			call.answeredAt = &answeredAt
		}
		fire(c.machine, evAnswer, c.log)
		c.status = StatusConnecting
		c.armTimerLocked(id)
		c.mu.Unlock()

		c.log.Info("Call answered by peer", zap.String("call_id", id))
		c.notify()
		c.joinMedia(id)
		return
	}
	c.mu.Unlock()
}

func (c *Coordinator) onRecordError(id string, err error) {
	c.log.Warn("Call record listener failed", zap.String("call_id", id), zap.Error(err))
	c.terminate(id, causeSignalingLost)
}

func (c *Coordinator) deleteRecord(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := c.signaling.Delete(ctx, id); err != nil {
		metrics.SignalingWriteErrorsTotal.WithLabelValues("delete").Inc()
		c.log.Warn("Failed to delete call record",
			zap.String("call_id", id),
			zap.Error(apperrors.SignalingWriteError("delete", err)))
	}
}

func (c *Coordinator) onPresence(online bool) {
	c.mu.Lock()
	c.peerOnline = online
	if c.currentLocked() == StateDialing || c.currentLocked() == StateRinging {
		c.status = c.waitingStatusLocked()
	}
	c.mu.Unlock()
	c.notify()
}

// waitingStatusLocked picks the caller's status while waiting for an
// answer. Presence only changes the wording.
func (c *Coordinator) waitingStatusLocked() string {
	if c.peerOnline {
		return StatusRinging
	}
	return StatusCalling
}
