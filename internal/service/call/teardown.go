package call

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"skillswap-backend/internal/domain"
	"skillswap-backend/pkg/constants"
	apperrors "skillswap-backend/pkg/errors"
	"skillswap-backend/pkg/metrics"
)

const teardownTimeout = constants.TeardownTimeout

// endCause names the trigger that won the race to end a call
type endCause string

const (
	causeLocalEnd          endCause = "local_end"
	causeLocalDecline      endCause = "local_decline"
	causeRemoteDeclined    endCause = "remote_declined"
	causeRemoteEnded       endCause = "remote_ended"
	causeRingExpired       endCause = "ring_expired"
	causeMediaLeft         endCause = "participant_left"
	causeMediaDisconnected endCause = "disconnected"
	causeTimeout           endCause = "timeout"
	causeCreateFailed      endCause = "create_failed"
	causeAnswerFailed      endCause = "answer_failed"
	causeSignalingLost     endCause = "signaling_lost"
	causeClosed            endCause = "closed"
)

// classify maps the winning trigger to the recorded outcome, the status
// text, and whether the local side declined.
func classify(cause endCause, role domain.Role, state State, connected bool, lastErr *apperrors.AppError) (domain.CallStatus, string, bool) {
	if connected {
		return domain.CallStatusCompleted, StatusEnded, false
	}

	switch cause {
	case causeTimeout:
		if lastErr != nil {
			return domain.CallStatusCancelled, lastErr.Message, false
		}
		return domain.CallStatusMissed, StatusNoAnswer, false
	case causeRingExpired:
		return domain.CallStatusMissed, StatusNoAnswer, false
	case causeRemoteDeclined:
		return domain.CallStatusRejected, StatusDeclined, false
	case causeLocalDecline:
		return domain.CallStatusRejected, StatusDeclined, true
	case causeLocalEnd, causeClosed:
		if role == domain.RoleCallee && state == StateIncomingOffered {
			return domain.CallStatusRejected, StatusDeclined, true
		}
		return domain.CallStatusCancelled, StatusCancelled, false
	case causeRemoteEnded:
		if lastErr != nil {
			return domain.CallStatusCancelled, lastErr.Message, false
		}
		if state == StateConnecting {
			return domain.CallStatusCancelled, StatusEnded, false
		}
		if role == domain.RoleCallee {
			return domain.CallStatusMissed, StatusMissed, false
		}
		return domain.CallStatusMissed, StatusNoAnswer, false
	default:
		return domain.CallStatusCancelled, StatusFailed, false
	}
}

// teardownJob carries everything the background teardown needs, copied
// out of the attempt while the lock was held
type teardownJob struct {
	id          string
	cause       endCause
	role        domain.Role
	outcome     domain.CallStatus
	text        string
	declined    bool
	skipRecord  bool
	record      *domain.CallRecord
	startedAt   time.Time
	answeredAt  *time.Time
	endedAt     time.Time
	summary     *domain.ChatMessage
	unsubRecord Unsubscribe
	unsubInbox  Unsubscribe
}

// terminate moves call id to Ended. Only the first trigger per call gets
// past the hasEnded guard; every later one is a no-op.
func (c *Coordinator) terminate(id string, cause endCause) {
	c.terminateIf(id, cause, nil)
}

// terminateIf is terminate with an extra condition checked under the same
// lock as the hasEnded guard. A false guard leaves the call untouched.
func (c *Coordinator) terminateIf(id string, cause endCause, guard func() bool) {
	c.mu.Lock()
	call := c.call
	if call == nil || call.id != id {
		c.mu.Unlock()
		return
	}
	if guard != nil && !guard() {
		c.mu.Unlock()
		return
	}
	if !c.hasEnded.CompareAndSwap(false, true) {
		c.mu.Unlock()
		return
	}

	state := c.currentLocked()
	if cause == causeRemoteEnded && call.role == domain.RoleCallee &&
		state == StateIncomingOffered && c.ringExpiredLocked(call) {
		// The caller's ring timer ended it; both sides read "No answer"
		cause = causeRingExpired
	}
	connected := c.isConnected.Load()
	outcome, text, declined := classify(cause, call.role, state, connected, call.lastErr)
	endedAt := c.clock.Now()

	c.stopTimerLocked()
	c.ring = RingNone
	fire(c.machine, evEnd, c.log)
	c.status = text
	c.lastOutcome = outcome
	call.canRetry = false
	c.finished[call.id] = struct{}{}

	job := &teardownJob{
		id:          call.id,
		cause:       cause,
		role:        call.role,
		outcome:     outcome,
		text:        text,
		declined:    declined,
		skipRecord:  cause == causeCreateFailed,
		record:      call.record.Clone(),
		startedAt:   call.startedAt,
		answeredAt:  call.answeredAt,
		endedAt:     endedAt,
		unsubRecord: call.unsubRecord,
		unsubInbox:  c.unsubInbox,
	}
	job.summary = c.summaryMessage(job)
	call.unsubRecord = nil
	c.unsubInbox = nil
	c.mu.Unlock()

	metrics.CallOutcomesTotal.WithLabelValues(string(outcome)).Inc()
	if job.summary.CallDuration != nil && outcome == domain.CallStatusCompleted {
		metrics.CallDuration.Observe(float64(*job.summary.CallDuration))
	}
	c.log.Info("Call ended",
		zap.String("call_id", id),
		zap.String("role", string(job.role)),
		zap.String("cause", string(cause)),
		zap.String("outcome", string(outcome)))
	c.notify()

	c.goAsync(func() { c.teardown(job) })
}

// ringExpiredLocked reports whether the ring window of call has elapsed
func (c *Coordinator) ringExpiredLocked(call *attempt) bool {
	start := call.record.CreatedAt
	if start.IsZero() {
		start = call.startedAt
	}
	return !c.clock.Now().Before(start.Add(c.cfg.RingTimeout))
}

func (c *Coordinator) summaryMessage(job *teardownJob) *domain.ChatMessage {
	duration := domain.DurationSeconds(job.answeredAt, &job.endedAt)
	return &domain.ChatMessage{
		ID:            domain.SummaryMessageID(job.id),
		SessionID:     c.sessionID,
		SenderID:      c.cfg.SelfID,
		SenderName:    c.cfg.SelfName,
		Content:       summaryContent(job.record.CallType, job.outcome, duration),
		Type:          domain.MessageTypeVideoCall,
		CallStatus:    job.outcome,
		CallDuration:  duration,
		CallDirection: job.role.Direction(),
		Timestamp:     job.endedAt,
	}
}

func summaryContent(callType domain.CallType, outcome domain.CallStatus, duration *int64) string {
	kind := "Video call"
	if callType == domain.CallTypeAudio {
		kind = "Voice call"
	}
	switch outcome {
	case domain.CallStatusCompleted:
		if duration != nil {
			return fmt.Sprintf("%s (%s)", kind, formatDuration(*duration))
		}
		return kind
	case domain.CallStatusMissed:
		return "Missed " + lowerFirst(kind)
	case domain.CallStatusRejected:
		return kind + " declined"
	default:
		return kind + " cancelled"
	}
}

func formatDuration(secs int64) string {
	if secs >= 3600 {
		return fmt.Sprintf("%d:%02d:%02d", secs/3600, (secs%3600)/60, secs%60)
	}
	return fmt.Sprintf("%d:%02d", secs/60, secs%60)
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]+('a'-'A')) + s[1:]
}

// teardown runs the terminal side effects in order: detach listeners,
// leave the room, record the summary, mark the record ended, and delete
// it after the grace delay.
func (c *Coordinator) teardown(job *teardownJob) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	// Listeners go first so none of them observes the delete
	if job.unsubRecord != nil {
		job.unsubRecord()
	}
	if job.unsubInbox != nil {
		job.unsubInbox()
	}

	if err := c.media.Disconnect(ctx); err != nil {
		c.log.Debug("Media disconnect failed", zap.String("call_id", job.id), zap.Error(err))
	}

	appended, err := c.chat.Append(ctx, c.sessionID, job.summary)
	if err != nil {
		c.log.Error("Failed to append call summary", zap.String("call_id", job.id), zap.Error(err))
	}
	if appended {
		c.afterSummary(ctx, job)
	}

	if !job.skipRecord {
		patch := domain.CallPatch{
			Ended:    true,
			EndedAt:  &job.endedAt,
			EndedBy:  c.cfg.SelfID,
			Declined: job.declined,
		}
		if err := c.signaling.Update(ctx, job.id, patch); err != nil {
			metrics.SignalingWriteErrorsTotal.WithLabelValues("end").Inc()
			c.log.Warn("Failed to mark call ended",
				zap.String("call_id", job.id),
				zap.Error(apperrors.SignalingWriteError("update", err)))
		}
	}

	c.afterGrace(job.id, func() {
		if !job.skipRecord {
			c.deleteRecord(job.id)
		}
		c.finalize(job)
	})
}

// afterSummary runs only on the side whose summary append landed, so each
// call is recorded once across both parties
func (c *Coordinator) afterSummary(ctx context.Context, job *teardownJob) {
	if err := c.chat.UpdateSessionSummary(ctx, c.sessionID, domain.SummaryOf(job.summary)); err != nil {
		c.log.Warn("Failed to update session summary", zap.Error(err))
	}

	if c.history != nil {
		entry := &domain.CallHistoryEntry{
			CallID:     job.id,
			SessionID:  c.sessionID,
			CallerID:   job.record.FromID,
			CalleeID:   job.record.ToID,
			CallType:   job.record.CallType,
			Outcome:    job.outcome,
			StartedAt:  job.record.CreatedAt,
			AnsweredAt: job.answeredAt,
			EndedAt:    job.endedAt,
			Duration:   job.summary.CallDuration,
			EndedBy:    c.cfg.SelfID,
		}
		if entry.StartedAt.IsZero() {
			entry.StartedAt = job.startedAt
		}
		if err := c.history.Record(ctx, entry); err != nil {
			c.log.Warn("Failed to record call history", zap.String("call_id", job.id), zap.Error(err))
		}
	}

	if c.notifier != nil && job.outcome == domain.CallStatusMissed && job.role == domain.RoleCaller {
		notice := domain.CallNotice{
			RecipientID: c.cfg.PeerID,
			Kind:        domain.NoticeMissedCall,
			CallID:      job.id,
			CallerID:    c.cfg.SelfID,
			CallerName:  c.cfg.SelfName,
			CallType:    job.record.CallType,
		}
		if err := c.notifier.Push(ctx, notice); err != nil {
			c.log.Warn("Failed to push missed call notice", zap.String("call_id", job.id), zap.Error(err))
		}
	}
}

// finalize returns the coordinator to Idle and reports the outcome
func (c *Coordinator) finalize(job *teardownJob) {
	c.mu.Lock()
	if c.call != nil && c.call.id == job.id {
		c.call = nil
		c.hasEnded.Store(false)
		c.isConnected.Store(false)
		fire(c.machine, evReset, c.log)
		c.muted = false
		c.videoOn = c.cfg.CallType == domain.CallTypeVideo
		c.screenSharing = false
	}
	delete(c.graceFlush, job.id)
	reopen := c.opened && !c.closed && c.unsubInbox == nil
	c.mu.Unlock()

	metrics.CallsActive.Dec()

	if reopen {
		if err := c.openInbox(); err != nil {
			c.log.Error("Failed to reopen inbound call watch", zap.Error(err))
		}
	}

	if c.onComplete != nil {
		c.onComplete(Outcome{
			CallID:    job.id,
			SessionID: c.sessionID,
			Role:      job.role,
			Status:    job.outcome,
			Text:      job.text,
			Duration:  job.summary.CallDuration,
		})
	}
	c.notify()
}
