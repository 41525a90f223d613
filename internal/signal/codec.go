package signal

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMalformedSignal is returned by Decode for payloads that are not a
// well-formed signal. The realtime channel carries other traffic too, so
// callers log and drop these.
var ErrMalformedSignal = errors.New("malformed signal")

type wireSignal struct {
	T               Type   `json:"t"`
	V               int    `json:"v"`
	CallID          string `json:"callId"`
	From            string `json:"from"`
	TS              int64  `json:"ts"`
	Channel         string `json:"channel,omitempty"`
	Reason          string `json:"reason,omitempty"`
	Cause           Cause  `json:"cause,omitempty"`
	CallerName      string `json:"callerName,omitempty"`
	ApartmentNumber string `json:"apartmentNumber,omitempty"`
	BuildingID      string `json:"buildingId,omitempty"`
	BuildingName    string `json:"buildingName,omitempty"`
}

// Encode serializes s to its JSON wire form.
func Encode(s Signal) ([]byte, error) {
	if !s.Type.valid() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedSignal, s.Type)
	}
	if s.CallID == "" || s.From == "" {
		return nil, fmt.Errorf("%w: callId and from are required", ErrMalformedSignal)
	}
	v := s.Version
	if v == 0 {
		v = CurrentVersion
	}
	w := wireSignal{
		T:       s.Type,
		V:       v,
		CallID:  s.CallID,
		From:    s.From,
		TS:      s.Timestamp.UnixMilli(),
		Channel: s.Channel,
		Reason:  s.Reason,
		Cause:   s.Cause,
	}
	if s.Type == TypeInvite {
		w.CallerName = s.CallerName
		w.ApartmentNumber = s.ApartmentNumber
		w.BuildingID = s.BuildingID
		w.BuildingName = s.BuildingName
	}
	return json.Marshal(w)
}

// Decode parses a wire payload. Versions newer than CurrentVersion decode
// successfully; use Signal.Supported to decide whether to act on them.
func Decode(data []byte) (Signal, error) {
	var w wireSignal
	if err := json.Unmarshal(data, &w); err != nil {
		return Signal{}, fmt.Errorf("%w: %v", ErrMalformedSignal, err)
	}
	w.T = Type(strings.ToUpper(string(w.T)))
	if !w.T.valid() {
		return Signal{}, fmt.Errorf("%w: unknown type %q", ErrMalformedSignal, w.T)
	}
	if w.CallID == "" || w.From == "" {
		return Signal{}, fmt.Errorf("%w: callId and from are required", ErrMalformedSignal)
	}
	if w.V <= 0 {
		return Signal{}, fmt.Errorf("%w: missing version", ErrMalformedSignal)
	}

	var ts time.Time
	if w.TS > 0 {
		ts = time.UnixMilli(w.TS).UTC()
	}
	return Signal{
		Type:            w.T,
		Version:         w.V,
		CallID:          w.CallID,
		From:            w.From,
		Timestamp:       ts,
		Channel:         w.Channel,
		Reason:          w.Reason,
		Cause:           w.Cause,
		CallerName:      w.CallerName,
		ApartmentNumber: w.ApartmentNumber,
		BuildingID:      w.BuildingID,
		BuildingName:    w.BuildingName,
	}, nil
}
