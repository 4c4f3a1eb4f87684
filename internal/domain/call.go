package domain

import (
	"sort"
	"strings"
	"time"
)

// CallType is the media kind requested by the caller
type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

// CallStatus is the terminal outcome recorded in the call summary
type CallStatus string

const (
	CallStatusCompleted CallStatus = "completed"
	CallStatusMissed    CallStatus = "missed"
	CallStatusRejected  CallStatus = "rejected"
	CallStatusCancelled CallStatus = "cancelled"
)

// CallDirection is the call as seen by the party writing the summary
type CallDirection string

const (
	CallDirectionIncoming CallDirection = "incoming"
	CallDirectionOutgoing CallDirection = "outgoing"
)

// Role is the local party's part in a call
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// Direction maps a role to the summary direction
func (r Role) Direction() CallDirection {
	if r == RoleCallee {
		return CallDirectionIncoming
	}
	return CallDirectionOutgoing
}

// CallRecord is the signaling document shared by caller and callee.
// Answered, Ended and Declined only ever move from false to true.
type CallRecord struct {
	ID         string     `json:"id" firestore:"-"`
	FromID     string     `json:"from_id" firestore:"fromId"`
	FromName   string     `json:"from_name" firestore:"fromName"`
	ToID       string     `json:"to_id" firestore:"toId"`
	ToName     string     `json:"to_name" firestore:"toName"`
	RoomName   string     `json:"room_name" firestore:"roomName"`
	CallType   CallType   `json:"call_type" firestore:"callType"`
	Answered   bool       `json:"answered" firestore:"answered"`
	Ended      bool       `json:"ended" firestore:"ended"`
	Declined   bool       `json:"declined" firestore:"declined"`
	CreatedAt  time.Time  `json:"created_at" firestore:"createdAt"`
	AnsweredAt *time.Time `json:"answered_at,omitempty" firestore:"answeredAt,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty" firestore:"endedAt,omitempty"`
	EndedBy    string     `json:"ended_by,omitempty" firestore:"endedBy,omitempty"`
}

// Clone returns a deep copy of the record
func (r *CallRecord) Clone() *CallRecord {
	if r == nil {
		return nil
	}
	out := *r
	if r.AnsweredAt != nil {
		t := *r.AnsweredAt
		out.AnsweredAt = &t
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		out.EndedAt = &t
	}
	return &out
}

// Merge folds another observation of the same record into r, keeping
// every flag that is already set and every timestamp already recorded.
func (r *CallRecord) Merge(other *CallRecord) {
	if other == nil {
		return
	}
	other.Patch().Apply(r)
}

// Patch expresses the record's mutable state as a patch
func (r *CallRecord) Patch() CallPatch {
	return CallPatch{
		Answered:   r.Answered,
		AnsweredAt: r.AnsweredAt,
		Ended:      r.Ended,
		EndedAt:    r.EndedAt,
		EndedBy:    r.EndedBy,
		Declined:   r.Declined,
	}
}

// CallPatch is a partial update. Boolean fields can only set a flag,
// never clear it; timestamps and EndedBy are kept from the first writer.
type CallPatch struct {
	Answered   bool       `json:"answered,omitempty"`
	AnsweredAt *time.Time `json:"answered_at,omitempty"`
	Ended      bool       `json:"ended,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	EndedBy    string     `json:"ended_by,omitempty"`
	Declined   bool       `json:"declined,omitempty"`
}

// IsZero reports whether the patch changes nothing
func (p CallPatch) IsZero() bool {
	return !p.Answered && !p.Ended && !p.Declined &&
		p.AnsweredAt == nil && p.EndedAt == nil && p.EndedBy == ""
}

// Apply merges the patch into rec and reports whether rec changed
func (p CallPatch) Apply(rec *CallRecord) bool {
	changed := false
	if p.Answered && !rec.Answered {
		rec.Answered = true
		changed = true
	}
	if p.AnsweredAt != nil && rec.AnsweredAt == nil {
		t := *p.AnsweredAt
		rec.AnsweredAt = &t
		changed = true
	}
	if p.Ended && !rec.Ended {
		rec.Ended = true
		changed = true
	}
	if p.EndedAt != nil && rec.EndedAt == nil {
		t := *p.EndedAt
		rec.EndedAt = &t
		changed = true
	}
	if p.EndedBy != "" && rec.EndedBy == "" {
		rec.EndedBy = p.EndedBy
		changed = true
	}
	if p.Declined && !rec.Declined {
		rec.Declined = true
		changed = true
	}
	return changed
}

// CallFilter selects pending records addressed to ToID. Records that are
// answered or ended never match. FromID narrows the match to one caller.
type CallFilter struct {
	ToID   string
	FromID string
}

// Matches reports whether rec is a pending inbound record for the filter
func (f CallFilter) Matches(rec *CallRecord) bool {
	if rec == nil || rec.ToID != f.ToID || rec.Answered || rec.Ended {
		return false
	}
	return f.FromID == "" || rec.FromID == f.FromID
}

// sessionIDEscaper keeps the separator out of each id so distinct pairs
// never share a key
var sessionIDEscaper = strings.NewReplacer("%", "%25", "_", "%5F")

// SessionID derives the pairing key for two participants. Both sides
// compute the same value without coordinating.
func SessionID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return sessionIDEscaper.Replace(ids[0]) + "_" + sessionIDEscaper.Replace(ids[1])
}

// RoomName is the media room joined by both parties of a call
func RoomName(callID string) string {
	return "call-" + callID
}

// SummaryMessageID is the chat message id of a call's summary. Both
// parties derive it, so only the first append lands.
func SummaryMessageID(callID string) string {
	return "call_" + callID
}

// DurationSeconds returns whole seconds from answeredAt to endedAt, never
// negative, or nil when either timestamp is missing.
func DurationSeconds(answeredAt, endedAt *time.Time) *int64 {
	if answeredAt == nil || endedAt == nil {
		return nil
	}
	secs := int64(endedAt.Sub(*answeredAt) / time.Second)
	if secs < 0 {
		secs = 0
	}
	return &secs
}

// CallHistoryEntry is the persisted record of one finished call
type CallHistoryEntry struct {
	CallID     string     `json:"call_id" db:"call_id"`
	SessionID  string     `json:"session_id" db:"session_id"`
	CallerID   string     `json:"caller_id" db:"caller_id"`
	CalleeID   string     `json:"callee_id" db:"callee_id"`
	CallType   CallType   `json:"call_type" db:"call_type"`
	Outcome    CallStatus `json:"outcome" db:"outcome"`
	StartedAt  time.Time  `json:"started_at" db:"started_at"`
	AnsweredAt *time.Time `json:"answered_at,omitempty" db:"answered_at"`
	EndedAt    time.Time  `json:"ended_at" db:"ended_at"`
	Duration   *int64     `json:"duration,omitempty" db:"duration"` // seconds
	EndedBy    string     `json:"ended_by,omitempty" db:"ended_by"`
}

// TrackKind is a published media track type
type TrackKind string

const (
	TrackAudio  TrackKind = "audio"
	TrackVideo  TrackKind = "video"
	TrackScreen TrackKind = "screen"
)
