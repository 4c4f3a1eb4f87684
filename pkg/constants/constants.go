// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// WebSocketPingInterval is the interval for WebSocket ping/pong
	WebSocketPingInterval = 60 * time.Second

	// WebSocketWriteWait is the deadline for a single WebSocket write
	WebSocketWriteWait = 10 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second
)

// Call lifecycle constants
const (
	// RingTimeout bounds how long a call may stay unanswered or unconnected
	RingTimeout = 30 * time.Second

	// CleanupGrace is the delay between marking a call record ended and deleting it,
	// so listeners still attached can observe the terminal flag
	CleanupGrace = 600 * time.Millisecond

	// TeardownTimeout bounds the signaling and chat writes made during teardown
	TeardownTimeout = 10 * time.Second

	// CallRecordTTL expires signaling records abandoned by both parties
	CallRecordTTL = 10 * time.Minute
)

// Presence constants
const (
	// PresenceHeartbeat is the interval at which a client refreshes its own presence
	PresenceHeartbeat = 60 * time.Second
)

// Chat and file upload constants
const (
	// MaxMessageLength is the maximum length of a chat message in characters
	MaxMessageLength = 10000

	// MaxUploadSize is the attachment size cap, enforced before any network call
	MaxUploadSize = 10 * 1024 * 1024 // 10MB

	// PresignedURLExpiry is the validity period for attachment download URLs
	PresignedURLExpiry = 7 * 24 * time.Hour

	// ChatHistoryLimit caps how many messages a subscriber receives per delivery
	ChatHistoryLimit = 500
)

// Room token constants
const (
	// RoomTokenExpiry is the default lifetime of a media room token
	RoomTokenExpiry = 2 * time.Hour
)

// Push notification constants
const (
	// PushTokenExpiry is the validity period for push notification tokens
	PushTokenExpiry = 30 * 24 * time.Hour // 30 days
)

// Rate limiting constants
const (
	// CallStartRateLimit is how many calls a user may place per minute
	CallStartRateLimit = 20
)

// Pagination constants
const (
	// DefaultPageSize is the default number of items per page
	DefaultPageSize = 20

	// MaxPageSize is the maximum number of items per page
	MaxPageSize = 100
)
