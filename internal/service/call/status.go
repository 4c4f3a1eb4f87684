package call

// Status strings shown to the local user
const (
	StatusIdle       = ""
	StatusCalling    = "Calling…"
	StatusRinging    = "Ringing…"
	StatusIncoming   = "Incoming call…"
	StatusConnecting = "Connecting…"
	StatusConnected  = "Connected"
	StatusEnded      = "Call ended"
	StatusNoAnswer   = "No answer"
	StatusMissed     = "Missed call"
	StatusDeclined   = "Call declined"
	StatusCancelled  = "Call cancelled"
	StatusFailed     = "Failed to connect"
)

// Ring is the tone the client should play
type Ring string

const (
	RingNone     Ring = ""
	RingOutgoing Ring = "outgoing"
	RingIncoming Ring = "incoming"
)
