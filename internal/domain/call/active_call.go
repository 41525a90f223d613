package call

import "time"

// ActiveCallRecord is an open call as reported by an active-calls source.
type ActiveCallRecord struct {
	CallID          string    `json:"call_id"`
	From            string    `json:"from"`
	CallerName      string    `json:"caller_name,omitempty"`
	ApartmentNumber string    `json:"apartment_number,omitempty"`
	BuildingID      string    `json:"building_id,omitempty"`
	BuildingName    string    `json:"building_name,omitempty"`
	ChannelName     string    `json:"channel_name,omitempty"`
	StartedAt       time.Time `json:"started_at"`
}
