package call

import (
	"strings"
	"time"

	intercom_errors "concierge-intercom/pkg/errors"
)

// Source names the path an incoming call event arrived on.
type Source string

const (
	SourceForeground Source = "foreground"
	SourceBackground Source = "background"
	SourceRecovery   Source = "recovery"
	SourceSignal     Source = "signal"
	SourceLocal      Source = "local"
)

// IncomingCallEvent is the normalized shape every transport is reduced to
// before it reaches the coordinator.
type IncomingCallEvent struct {
	CallID             string    `json:"call_id"`
	From               string    `json:"from"`
	CallerName         string    `json:"caller_name,omitempty"`
	ApartmentNumber    string    `json:"apartment_number,omitempty"`
	BuildingID         string    `json:"building_id,omitempty"`
	BuildingName       string    `json:"building_name,omitempty"`
	ChannelName        string    `json:"channel_name,omitempty"`
	Timestamp          time.Time `json:"timestamp"`
	Source             Source    `json:"source"`
	ShouldShowNativeUI bool      `json:"should_show_native_ui"`
}

func (e IncomingCallEvent) Validate() error {
	if strings.TrimSpace(e.CallID) == "" || strings.TrimSpace(e.From) == "" {
		return intercom_errors.ErrInvalidInput
	}
	return nil
}

// ChannelNameFor derives the media channel name for a call id.
func ChannelNameFor(callID string) string {
	return "intercom_" + callID
}
