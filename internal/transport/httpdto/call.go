package httpdto

import (
	"concierge-intercom/internal/domain/call"
)

// SetUserRequest is used for PUT /v1/user
type SetUserRequest struct {
	ID              string `json:"id" binding:"required"`
	UserType        string `json:"user_type" binding:"required"` // resident, doorman, admin, visitor
	DisplayName     string `json:"display_name"`
	BuildingID      string `json:"building_id,omitempty"`
	ApartmentNumber string `json:"apartment_number,omitempty"`
}

func (r SetUserRequest) ToDomain() call.CurrentUser {
	return call.CurrentUser{
		ID:              r.ID,
		UserType:        call.UserType(r.UserType),
		DisplayName:     r.DisplayName,
		BuildingID:      r.BuildingID,
		ApartmentNumber: r.ApartmentNumber,
	}
}

// StartCallRequest is used for POST /v1/calls
type StartCallRequest struct {
	ApartmentNumber string `json:"apartment_number" binding:"required"`
	BuildingID      string `json:"building_id" binding:"required"`
	BuildingName    string `json:"building_name,omitempty"`
	CallerName      string `json:"caller_name,omitempty"`
}

// DeclineCallRequest is used for POST /v1/calls/decline
type DeclineCallRequest struct {
	Reason string `json:"reason,omitempty"`
}

// EndCallRequest is used for POST /v1/calls/end
type EndCallRequest struct {
	Kind string `json:"kind,omitempty"` // hangup (default) or decline
}

// ToggleRequest is used for POST /v1/calls/mute and /v1/calls/speaker
type ToggleRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// ActiveCallResponse is returned by GET /v1/calls/active. Session is null
// when no call is live.
type ActiveCallResponse struct {
	Session *call.Snapshot `json:"session"`
}

// StatusResponse describes the coordinator for GET /health
type StatusResponse struct {
	Ready      bool              `json:"ready"`
	User       *call.CurrentUser `json:"user,omitempty"`
	ActiveCall string            `json:"active_call,omitempty"`
	Shell      bool              `json:"shell_connected"`
	UIClients  int               `json:"ui_clients"`
}
