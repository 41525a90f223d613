// Package telephony bridges the coordinator and the platform call UI.
package telephony

import (
	"context"
	"time"

	"concierge-intercom/internal/domain/call"
)

// ActionKind is a user action taken in the native call UI.
type ActionKind string

const (
	ActionAnswer  ActionKind = "answer"
	ActionDecline ActionKind = "decline"
	ActionHangup  ActionKind = "hangup"
	ActionMute    ActionKind = "mute"
	ActionUnmute  ActionKind = "unmute"
)

func (k ActionKind) Valid() bool {
	switch k {
	case ActionAnswer, ActionDecline, ActionHangup, ActionMute, ActionUnmute:
		return true
	default:
		return false
	}
}

// Action is delivered by the native layer, possibly before the coordinator
// knows the call.
type Action struct {
	Kind   ActionKind `json:"kind"`
	CallID string     `json:"call_id,omitempty"`
	Reason string     `json:"reason,omitempty"`
	At     time.Time  `json:"at"`
}

// Native is the platform call UI.
type Native interface {
	ReportIncomingCall(ctx context.Context, snap call.Snapshot) error
	ReportOutgoingCall(ctx context.Context, snap call.Snapshot) error
	ReportConnected(ctx context.Context, callID string) error
	ReportEnded(ctx context.Context, callID string, reason call.EndReason) error
	OnAction(handler func(Action)) (unsubscribe func())
}
