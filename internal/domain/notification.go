package domain

import (
	"time"
)

// NoticeKind is the kind of a feed notification
type NoticeKind string

const (
	NoticeIncomingCall NoticeKind = "incoming_call"
	NoticeMissedCall   NoticeKind = "missed_call"
)

// CallNotice is pushed to a user's notification feed
type CallNotice struct {
	RecipientID string     `json:"recipient_id"`
	Kind        NoticeKind `json:"kind"`
	CallID      string     `json:"call_id"`
	CallerID    string     `json:"caller_id"`
	CallerName  string     `json:"caller_name"`
	CallType    CallType   `json:"call_type,omitempty"`
}

// Notification represents a row of the user's notification feed.
// Maps to CockroachDB notifications table.
type Notification struct {
	NotificationID string                 `json:"notification_id" db:"notification_id"`
	UserID         string                 `json:"user_id" db:"user_id"`
	Type           string                 `json:"type" db:"type"`
	Title          string                 `json:"title" db:"title"`
	Body           string                 `json:"body" db:"body"`
	Data           map[string]interface{} `json:"data,omitempty" db:"data"`
	IsRead         bool                   `json:"is_read" db:"is_read"`
	IsPushed       bool                   `json:"is_pushed" db:"is_pushed"`
	CreatedAt      time.Time              `json:"created_at" db:"created_at"`
}

// NotificationCreate represents data needed to create a notification
type NotificationCreate struct {
	UserID string
	Type   string
	Title  string
	Body   string
	Data   map[string]interface{}
}
