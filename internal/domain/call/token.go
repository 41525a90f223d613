package call

import "time"

// TokenBundle carries the credentials needed to join the media channel and
// the realtime messaging channel for one call.
type TokenBundle struct {
	RTCToken    string    `json:"rtc_token"`
	RTMToken    string    `json:"rtm_token"`
	UID         string    `json:"uid"`
	ChannelName string    `json:"channel_name"`
	TTLSeconds  int       `json:"ttl_seconds"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// TokenRequest scopes a bundle to one call and one identity.
type TokenRequest struct {
	CallID      string
	ChannelName string
	Role        Role
	UserID      string
	DisplayName string
}
