package call

import (
	"context"
	"errors"

	"github.com/looplab/fsm"
	"go.uber.org/zap"
)

// State is the coordinator's local view of the call lifecycle
type State string

const (
	StateIdle            State = "idle"
	StateDialing         State = "dialing"
	StateRinging         State = "ringing"
	StateIncomingOffered State = "incoming_offered"
	StateConnecting      State = "connecting"
	StateConnected       State = "connected"
	StateEnded           State = "ended"
)

// Active reports whether a call attempt is in progress
func (s State) Active() bool {
	switch s {
	case StateDialing, StateRinging, StateIncomingOffered, StateConnecting, StateConnected:
		return true
	}
	return false
}

// Pending reports whether the call is waiting for an answer
func (s State) Pending() bool {
	return s == StateDialing || s == StateRinging || s == StateIncomingOffered
}

// Machine events
const (
	evDial    = "dial"    // caller starts a call
	evRing    = "ring"    // caller's record is stored
	evOffer   = "offer"   // callee binds an inbound record
	evAnswer  = "answer"  // either side learns of the answer
	evConnect = "connect" // first remote participant joined
	evEnd     = "end"
	evReset   = "reset"
	evYield   = "yield" // caller abandons its attempt for the peer's
)

var activeStates = []string{
	string(StateDialing),
	string(StateRinging),
	string(StateIncomingOffered),
	string(StateConnecting),
	string(StateConnected),
}

// newMachine builds the lifecycle table. onEnter runs synchronously inside
// Event and must not take the coordinator lock.
func newMachine(onEnter func(from, to State, event string)) *fsm.FSM {
	return fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: evDial, Src: []string{string(StateIdle)}, Dst: string(StateDialing)},
			{Name: evRing, Src: []string{string(StateDialing)}, Dst: string(StateRinging)},
			{Name: evOffer, Src: []string{string(StateIdle)}, Dst: string(StateIncomingOffered)},
			{Name: evAnswer, Src: []string{string(StateDialing), string(StateRinging), string(StateIncomingOffered)}, Dst: string(StateConnecting)},
			{Name: evConnect, Src: []string{string(StateConnecting)}, Dst: string(StateConnected)},
			{Name: evEnd, Src: activeStates, Dst: string(StateEnded)},
			{Name: evReset, Src: []string{string(StateEnded)}, Dst: string(StateIdle)},
			{Name: evYield, Src: []string{string(StateDialing), string(StateRinging)}, Dst: string(StateIdle)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				if onEnter != nil {
					onEnter(State(e.Src), State(e.Dst), e.Event)
				}
			},
		},
	)
}

// fire applies event and reports whether the state changed. Rejected
// events are expected when two sources race for the same transition.
func fire(m *fsm.FSM, event string, log *zap.Logger) bool {
	err := m.Event(context.Background(), event)
	if err == nil {
		return true
	}

	var noTransition fsm.NoTransitionError
	var invalid fsm.InvalidEventError
	switch {
	case errors.As(err, &noTransition):
	case errors.As(err, &invalid):
		log.Debug("Ignored call event",
			zap.String("event", event),
			zap.String("state", m.Current()))
	default:
		log.Warn("Call state machine error",
			zap.String("event", event),
			zap.String("state", m.Current()),
			zap.Error(err))
	}
	return false
}
