package call

// Role of a participant within one call.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// ParticipantStatus moves independently of the session state.
type ParticipantStatus string

const (
	ParticipantInvited  ParticipantStatus = "invited"
	ParticipantRinging  ParticipantStatus = "ringing"
	ParticipantJoined   ParticipantStatus = "joined"
	ParticipantLeft     ParticipantStatus = "left"
	ParticipantDeclined ParticipantStatus = "declined"
)

// Participant is one party to a call.
type Participant struct {
	UserID      string            `json:"user_id"`
	Role        Role              `json:"role"`
	Status      ParticipantStatus `json:"status"`
	DisplayName string            `json:"display_name,omitempty"`
	AvatarURL   string            `json:"avatar_url,omitempty"`
}

// Disconnected reports whether p is no longer part of the media session.
func (p Participant) Disconnected() bool {
	return p.Status == ParticipantLeft || p.Status == ParticipantDeclined
}
