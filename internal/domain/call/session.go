package call

import (
	"time"
)

// StateChange is delivered to session listeners for every applied transition.
type StateChange struct {
	CallID        string    `json:"call_id"`
	PreviousState State     `json:"previous_state"`
	NewState      State     `json:"new_state"`
	At            time.Time `json:"at"`
}

// Params describes a session at creation time.
type Params struct {
	ID              string
	ChannelName     string
	Outgoing        bool
	CallerName      string
	RemoteUserID    string
	ApartmentNumber string
	BuildingID      string
	BuildingName    string
	Source          Source
	Participants    []Participant
	Now             func() time.Time
}

// Session holds one call's state and participants.
//
// A Session performs no I/O and is not safe for concurrent use: the
// coordinator that owns it serializes every call. Other components only ever
// see Snapshot values.
type Session struct {
	id              string
	channelName     string
	isOutgoing      bool
	callerName      string
	remoteUserID    string
	apartmentNumber string
	buildingID      string
	buildingName    string
	source          Source

	participants []Participant

	state            State
	createdAt        time.Time
	lastTransitionAt time.Time
	answeredAt       time.Time
	endedAt          time.Time
	endReason        EndReason

	muted     bool
	speakerOn bool

	handlers      map[int]func(StateChange)
	handlerOrder  []int
	nextHandlerID int

	now func() time.Time
}

// NewSession creates a session in dialing (outgoing) or ringing (incoming).
func NewSession(p Params) *Session {
	now := p.Now
	if now == nil {
		now = time.Now
	}
	channel := p.ChannelName
	if channel == "" {
		channel = ChannelNameFor(p.ID)
	}
	initial := StateRinging
	if p.Outgoing {
		initial = StateDialing
	}
	created := now()
	participants := make([]Participant, len(p.Participants))
	copy(participants, p.Participants)

	return &Session{
		id:               p.ID,
		channelName:      channel,
		isOutgoing:       p.Outgoing,
		callerName:       p.CallerName,
		remoteUserID:     p.RemoteUserID,
		apartmentNumber:  p.ApartmentNumber,
		buildingID:       p.BuildingID,
		buildingName:     p.BuildingName,
		source:           p.Source,
		participants:     participants,
		state:            initial,
		createdAt:        created,
		lastTransitionAt: created,
		handlers:         make(map[int]func(StateChange)),
		now:              now,
	}
}

func (s *Session) ID() string                  { return s.id }
func (s *Session) ChannelName() string         { return s.channelName }
func (s *Session) IsOutgoing() bool            { return s.isOutgoing }
func (s *Session) State() State                { return s.state }
func (s *Session) RemoteUserID() string        { return s.remoteUserID }
func (s *Session) ApartmentNumber() string     { return s.apartmentNumber }
func (s *Session) BuildingID() string          { return s.buildingID }
func (s *Session) CreatedAt() time.Time        { return s.createdAt }
func (s *Session) LastTransitionAt() time.Time { return s.lastTransitionAt }
func (s *Session) EndReason() EndReason        { return s.endReason }
func (s *Session) Muted() bool                 { return s.muted }
func (s *Session) SpeakerOn() bool             { return s.speakerOn }

// IsTerminal reports whether the session reached an absorbing state.
func (s *Session) IsTerminal() bool { return s.state.IsTerminal() }

// TransitionTo applies a transition and notifies listeners in registration
// order. An illegal transition returns a *TransitionError and leaves the
// state unchanged.
func (s *Session) TransitionTo(next State) error {
	prev := s.state
	if !CanTransition(prev, next) {
		return &TransitionError{CallID: s.id, From: prev, To: next}
	}

	at := s.now()
	s.state = next
	s.lastTransitionAt = at
	if next == StateConnecting {
		s.answeredAt = at
	}
	if next.IsTerminal() {
		s.endedAt = at
	}

	change := StateChange{CallID: s.id, PreviousState: prev, NewState: next, At: at}
	for _, id := range s.handlerOrder {
		if fn, ok := s.handlers[id]; ok {
			fn(change)
		}
	}
	return nil
}

// OnStateChanged subscribes fn to transitions and returns its unsubscribe func.
func (s *Session) OnStateChanged(fn func(StateChange)) func() {
	id := s.nextHandlerID
	s.nextHandlerID++
	s.handlers[id] = fn
	s.handlerOrder = append(s.handlerOrder, id)
	return func() {
		delete(s.handlers, id)
	}
}

// ClearHandlers drops every listener. Called on teardown so handlers never
// outlive the call they were registered for.
func (s *Session) ClearHandlers() {
	s.handlers = make(map[int]func(StateChange))
	s.handlerOrder = nil
}

// HandlerCount returns the number of live listeners.
func (s *Session) HandlerCount() int {
	return len(s.handlers)
}

// SetEndReason records why the session is ending. The first reason wins.
func (s *Session) SetEndReason(r EndReason) {
	if s.endReason == EndReasonNone {
		s.endReason = r
	}
}

func (s *Session) SetMuted(muted bool)  { s.muted = muted }
func (s *Session) SetSpeakerOn(on bool) { s.speakerOn = on }
func (s *Session) SetRemoteUserID(id string) {
	if s.remoteUserID == "" {
		s.remoteUserID = id
	}
}

// Participants returns a copy of the participant list.
func (s *Session) Participants() []Participant {
	out := make([]Participant, len(s.participants))
	copy(out, s.participants)
	return out
}

// UpsertParticipant adds p, or updates the status and names of an existing
// participant with the same user id. Order of first appearance is kept.
func (s *Session) UpsertParticipant(p Participant) {
	for i := range s.participants {
		if s.participants[i].UserID == p.UserID {
			s.participants[i].Status = p.Status
			if p.DisplayName != "" {
				s.participants[i].DisplayName = p.DisplayName
			}
			if p.AvatarURL != "" {
				s.participants[i].AvatarURL = p.AvatarURL
			}
			return
		}
	}
	s.participants = append(s.participants, p)
}

// SetParticipantStatus updates one participant. It returns false when the
// user is not part of the call.
func (s *Session) SetParticipantStatus(userID string, status ParticipantStatus) bool {
	for i := range s.participants {
		if s.participants[i].UserID == userID {
			s.participants[i].Status = status
			return true
		}
	}
	return false
}

// AllRemoteDisconnected reports whether at least one participant other than
// localID exists and every one of them has left or declined.
func (s *Session) AllRemoteDisconnected(localID string) bool {
	remote := 0
	for _, p := range s.participants {
		if p.UserID == localID {
			continue
		}
		remote++
		if !p.Disconnected() {
			return false
		}
	}
	return remote > 0
}

// Snapshot is a read-only copy of a session handed to consumers.
type Snapshot struct {
	ID               string        `json:"id"`
	ChannelName      string        `json:"channel_name"`
	IsOutgoing       bool          `json:"is_outgoing"`
	CallerName       string        `json:"caller_name,omitempty"`
	RemoteUserID     string        `json:"remote_user_id,omitempty"`
	ApartmentNumber  string        `json:"apartment_number,omitempty"`
	BuildingID       string        `json:"building_id,omitempty"`
	BuildingName     string        `json:"building_name,omitempty"`
	Source           Source        `json:"source,omitempty"`
	Participants     []Participant `json:"participants"`
	State            State         `json:"state"`
	Muted            bool          `json:"muted"`
	SpeakerOn        bool          `json:"speaker_on"`
	EndReason        EndReason     `json:"end_reason,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	LastTransitionAt time.Time     `json:"last_transition_at"`
	AnsweredAt       *time.Time    `json:"answered_at,omitempty"`
	EndedAt          *time.Time    `json:"ended_at,omitempty"`
}

func (s *Session) Snapshot() Snapshot {
	snap := Snapshot{
		ID:               s.id,
		ChannelName:      s.channelName,
		IsOutgoing:       s.isOutgoing,
		CallerName:       s.callerName,
		RemoteUserID:     s.remoteUserID,
		ApartmentNumber:  s.apartmentNumber,
		BuildingID:       s.buildingID,
		BuildingName:     s.buildingName,
		Source:           s.source,
		Participants:     s.Participants(),
		State:            s.state,
		Muted:            s.muted,
		SpeakerOn:        s.speakerOn,
		EndReason:        s.endReason,
		CreatedAt:        s.createdAt,
		LastTransitionAt: s.lastTransitionAt,
	}
	if !s.answeredAt.IsZero() {
		t := s.answeredAt
		snap.AnsweredAt = &t
	}
	if !s.endedAt.IsZero() {
		t := s.endedAt
		snap.EndedAt = &t
	}
	return snap
}
