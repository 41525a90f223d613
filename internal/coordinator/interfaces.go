package coordinator

import (
	"context"
	"time"

	"concierge-intercom/internal/domain/call"
	"concierge-intercom/internal/events"
	"concierge-intercom/internal/signal"
	"concierge-intercom/internal/telephony"
)

// TokenIssuer mints the credentials for one call.
type TokenIssuer interface {
	IssueTokenBundle(ctx context.Context, req call.TokenRequest) (call.TokenBundle, error)
}

// SignalingChannel carries signals between devices. Subscribe delivers every
// decoded signal on the given topics until the returned func is called.
type SignalingChannel interface {
	Subscribe(ctx context.Context, topics []string, handler func(signal.Signal)) (unsubscribe func(), err error)
	Publish(ctx context.Context, topic string, sig signal.Signal) error
}

// MediaState is reported by the media transport.
type MediaState string

const (
	MediaConnected    MediaState = "connected"
	MediaDisconnected MediaState = "disconnected"
	MediaFailed       MediaState = "failed"
	MediaRemoteJoined MediaState = "remote_joined"
	MediaRemoteLeft   MediaState = "remote_left"
)

// MediaEvent is one transport notification. UID identifies the remote peer
// for join and leave events.
type MediaEvent struct {
	State       MediaState `json:"state"`
	ChannelName string     `json:"channel_name,omitempty"`
	UID         string     `json:"uid,omitempty"`
	Reason      string     `json:"reason,omitempty"`
}

// MediaTransport joins and leaves the audio/video channel.
type MediaTransport interface {
	Join(ctx context.Context, channelName, token, uid string) error
	Leave(ctx context.Context) error
	SetMuted(muted bool) error
	SetSpeakerphoneOn(on bool) error
	Subscribe(handler func(MediaEvent)) (unsubscribe func())
}

// Telephony is the native call UI as the coordinator drives it.
type Telephony interface {
	Attach(cmds telephony.Commands, stream events.Observable)
	ShowIncoming(ctx context.Context, snap call.Snapshot) error
	Adopt(snap call.Snapshot)
	ReportOutgoing(ctx context.Context, snap call.Snapshot) error
	ReportConnected(ctx context.Context, callID string) error
	ReportEnded(ctx context.Context, callID string, reason call.EndReason) error
}

// Timer is a cancellable pending callback.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type noopMedia struct{}

func (noopMedia) Join(context.Context, string, string, string) error { return nil }
func (noopMedia) Leave(context.Context) error                        { return nil }
func (noopMedia) SetMuted(bool) error                                { return nil }
func (noopMedia) SetSpeakerphoneOn(bool) error                       { return nil }
func (noopMedia) Subscribe(func(MediaEvent)) func()                  { return func() {} }

type noopTelephony struct{}

func (noopTelephony) Attach(telephony.Commands, events.Observable)              {}
func (noopTelephony) ShowIncoming(context.Context, call.Snapshot) error         { return nil }
func (noopTelephony) Adopt(call.Snapshot)                                       {}
func (noopTelephony) ReportOutgoing(context.Context, call.Snapshot) error       { return nil }
func (noopTelephony) ReportConnected(context.Context, string) error             { return nil }
func (noopTelephony) ReportEnded(context.Context, string, call.EndReason) error { return nil }
