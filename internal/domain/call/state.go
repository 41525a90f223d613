package call

import (
	"fmt"

	intercom_errors "concierge-intercom/pkg/errors"
)

// State is the lifecycle state of a Session.
type State string

const (
	// StateIdle is the logical zero state observed before any Session exists.
	// No Session is ever in this state.
	StateIdle       State = "idle"
	StateDialing    State = "dialing"
	StateRinging    State = "ringing"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateEnding     State = "ending"
	StateEnded      State = "ended"
	StateDeclined   State = "declined"
	StateFailed     State = "failed"
	StateMissed     State = "missed"
)

// transitions lists the legal next states for every non-terminal state.
// Terminal states have no entry and are absorbing.
var transitions = map[State][]State{
	StateDialing:    {StateRinging, StateDeclined, StateMissed, StateEnding, StateFailed},
	StateRinging:    {StateConnecting, StateDeclined, StateMissed, StateEnding, StateFailed},
	StateConnecting: {StateConnected, StateEnding, StateFailed},
	StateConnected:  {StateEnding, StateFailed},
	StateEnding:     {StateEnded, StateFailed},
}

// IsTerminal reports whether s is one of ended, declined, failed or missed.
func (s State) IsTerminal() bool {
	switch s {
	case StateEnded, StateDeclined, StateFailed, StateMissed:
		return true
	default:
		return false
	}
}

// IsValid reports whether s names a session state (idle excluded).
func (s State) IsValid() bool {
	if s.IsTerminal() {
		return true
	}
	_, ok := transitions[s]
	return ok
}

// IsPreAnswer reports whether s is dialing or ringing.
func (s State) IsPreAnswer() bool {
	return s == StateDialing || s == StateRinging
}

// CanTransition reports whether from -> to is allowed by the state table.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionError is returned when a transition is not in the state table.
type TransitionError struct {
	CallID string
	From   State
	To     State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("call %s: %s -> %s: %v", e.CallID, e.From, e.To, intercom_errors.ErrInvalidTransition)
}

func (e *TransitionError) Unwrap() error {
	return intercom_errors.ErrInvalidTransition
}

// EndReason records why a session reached a terminal state.
type EndReason string

const (
	EndReasonNone           EndReason = ""
	EndReasonHangup         EndReason = "hangup"
	EndReasonDecline        EndReason = "decline"
	EndReasonCanceled       EndReason = "canceled"
	EndReasonRemoteHangup   EndReason = "remote_hangup"
	EndReasonRemoteDecline  EndReason = "remote_decline"
	EndReasonRemoteCanceled EndReason = "remote_canceled"
	EndReasonBusy           EndReason = "busy"
	EndReasonNoAnswer       EndReason = "no_answer"
	EndReasonDrop           EndReason = "drop"
	EndReasonFailed         EndReason = "failed"

	// EndReasonAnsweredElsewhere ends a ringing device after another
	// resident of the same apartment picked up.
	EndReasonAnsweredElsewhere EndReason = "answered_elsewhere"
)

// EndKind is the user intent passed to EndActiveCall.
type EndKind string

const (
	EndKindHangup  EndKind = "hangup"
	EndKindDecline EndKind = "decline"
)

func (k EndKind) Valid() bool {
	return k == EndKindHangup || k == EndKindDecline
}
