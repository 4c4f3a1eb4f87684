package domain

import (
	"io"
	"time"
)

// MessageType classifies chat messages
type MessageType string

const (
	MessageTypeText      MessageType = "text"
	MessageTypeImage     MessageType = "image"
	MessageTypeFile      MessageType = "file"
	MessageTypeVideoCall MessageType = "video-call"
	MessageTypeSystem    MessageType = "system"
)

// ChatMessage is one entry of a session's append-only log.
// Call summary fields are set only when Type is MessageTypeVideoCall.
type ChatMessage struct {
	ID            string        `json:"id"`
	SessionID     string        `json:"session_id"`
	SenderID      string        `json:"sender_id"`
	SenderName    string        `json:"sender_name"`
	Content       string        `json:"content"`
	Type          MessageType   `json:"type"`
	FileURL       string        `json:"file_url,omitempty"`
	FileName      string        `json:"file_name,omitempty"`
	CallStatus    CallStatus    `json:"call_status,omitempty"`
	CallDuration  *int64        `json:"call_duration,omitempty"`
	CallDirection CallDirection `json:"call_direction,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
}

// IsCallSummary reports whether m records a call outcome
func (m *ChatMessage) IsCallSummary() bool {
	return m.Type == MessageTypeVideoCall
}

// Preview renders the short text shown in session lists
func (m *ChatMessage) Preview() string {
	switch m.Type {
	case MessageTypeImage:
		return "Photo"
	case MessageTypeFile:
		if m.FileName != "" {
			return m.FileName
		}
		return "File"
	case MessageTypeVideoCall:
		return m.Content
	default:
		const limit = 120
		runes := []rune(m.Content)
		if len(runes) > limit {
			return string(runes[:limit]) + "..."
		}
		return m.Content
	}
}

// SessionSummary is the last-message preview kept per session
type SessionSummary struct {
	SessionID       string      `json:"session_id" db:"session_id"`
	LastMessage     string      `json:"last_message" db:"last_message"`
	LastMessageType MessageType `json:"last_message_type" db:"last_message_type"`
	LastSenderID    string      `json:"last_sender_id" db:"last_sender_id"`
	UpdatedAt       time.Time   `json:"updated_at" db:"updated_at"`
}

// SummaryOf builds the session preview for msg
func SummaryOf(msg *ChatMessage) SessionSummary {
	return SessionSummary{
		SessionID:       msg.SessionID,
		LastMessage:     msg.Preview(),
		LastMessageType: msg.Type,
		LastSenderID:    msg.SenderID,
		UpdatedAt:       msg.Timestamp,
	}
}

// FileUpload is a local file offered as a chat attachment
type FileUpload struct {
	Name        string
	ContentType string
	Size        int64
	Reader      io.Reader
}

// IsImage reports whether the upload should render inline
func (f FileUpload) IsImage() bool {
	return len(f.ContentType) > 6 && f.ContentType[:6] == "image/"
}

// FileAttachment references an uploaded object
type FileAttachment struct {
	URL         string `json:"url"`
	Name        string `json:"name"`
	ObjectKey   string `json:"-"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}
