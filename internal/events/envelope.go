package events

import (
	"encoding/json"
	"time"
)

// Envelope is the JSON shape events take on the UI websocket stream.
type Envelope struct {
	EventType     Kind            `json:"event_type"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Payload       json.RawMessage `json:"payload"`
}

type envelopePayload struct {
	Session any    `json:"session,omitempty"`
	Change  any    `json:"change,omitempty"`
	User    any    `json:"user,omitempty"`
	Error   string `json:"error,omitempty"`
}

// NewEnvelope converts ev for transport.
func NewEnvelope(ev Event) (Envelope, error) {
	p := envelopePayload{}
	if ev.Session != nil {
		p.Session = ev.Session
	}
	if ev.Change != nil {
		p.Change = ev.Change
	}
	if ev.User != nil {
		p.User = ev.User
	}
	if ev.Err != nil {
		p.Error = ev.Err.Error()
	}
	data, err := json.Marshal(p)
	if err != nil {
		return Envelope{}, err
	}

	aggregate := AggregateTypeCall
	if ev.Kind == KindReady || ev.Kind == KindUserChanged {
		aggregate = AggregateTypeCoordinator
	}
	return Envelope{
		EventType:     ev.Kind,
		AggregateType: aggregate,
		AggregateID:   ev.CallID,
		OccurredAt:    ev.OccurredAt,
		Payload:       data,
	}, nil
}
