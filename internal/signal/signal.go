// Package signal defines the realtime signaling messages exchanged between
// intercom devices and their wire encoding.
package signal

import (
	"fmt"
	"time"
)

// Type discriminates signaling messages.
type Type string

const (
	TypeInvite  Type = "INVITE"
	TypeRinging Type = "RINGING"
	TypeAnswer  Type = "ANSWER"
	TypeDecline Type = "DECLINE"
	TypeEnd     Type = "END"
)

func (t Type) valid() bool {
	switch t {
	case TypeInvite, TypeRinging, TypeAnswer, TypeDecline, TypeEnd:
		return true
	default:
		return false
	}
}

// Cause qualifies an END signal.
type Cause string

const (
	CauseHangup  Cause = "hangup"
	CauseDrop    Cause = "drop"
	CauseTimeout Cause = "timeout"
)

// CurrentVersion is the schema version this build writes and understands.
const CurrentVersion = 1

// Signal is an immutable signaling message addressed by CallID.
type Signal struct {
	Type      Type
	Version   int
	CallID    string
	From      string
	Timestamp time.Time
	Channel   string
	Reason    string
	Cause     Cause

	// INVITE context
	CallerName      string
	ApartmentNumber string
	BuildingID      string
	BuildingName    string
}

// Supported reports whether the signal's schema version is one this build
// can interpret.
func (s Signal) Supported() bool {
	return s.Version >= 1 && s.Version <= CurrentVersion
}

// New builds a signal stamped with the current version.
func New(t Type, callID, from string, at time.Time) Signal {
	return Signal{Type: t, Version: CurrentVersion, CallID: callID, From: from, Timestamp: at}
}

// Redis channel prefixes signaling is routed on.
const (
	TopicPrefixUser      = "channel:user:"
	TopicPrefixApartment = "channel:apartment:"
)

// UserTopic is the channel a single user receives signals on.
func UserTopic(userID string) string {
	return TopicPrefixUser + userID
}

// ApartmentTopic is the channel every resident device of one apartment
// listens on for INVITEs.
func ApartmentTopic(buildingID, apartmentNumber string) string {
	return fmt.Sprintf("%s%s:%s", TopicPrefixApartment, buildingID, apartmentNumber)
}
