package events

import (
	"time"

	"concierge-intercom/internal/domain/call"
)

// Kind names a coordinator event. Values follow the domain.action format.
type Kind string

// Call events
const (
	KindSessionCreated Kind = "call.session_created"
	KindStateChanged   Kind = "call.state_changed"
	KindSessionEnded   Kind = "call.session_ended"
	KindError          Kind = "call.error"
)

// Coordinator lifecycle events
const (
	KindReady       Kind = "coordinator.ready"
	KindUserChanged Kind = "coordinator.user_changed"
)

// KindAll subscribes a handler to every kind.
const KindAll Kind = "*"

// Aggregate type constants
const (
	AggregateTypeCall        = "call"
	AggregateTypeCoordinator = "coordinator"
)

// Event is one entry of the coordinator's observable stream. Session is a
// snapshot taken when the event was raised.
type Event struct {
	Kind       Kind
	CallID     string
	Session    *call.Snapshot
	Change     *call.StateChange
	User       *call.CurrentUser
	Err        error
	OccurredAt time.Time
}

// Observable is implemented by anything that exposes an event stream.
type Observable interface {
	Subscribe(kind Kind, handler Handler) (unsubscribe func())
}
