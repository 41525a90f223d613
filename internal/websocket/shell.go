package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"concierge-intercom/internal/coordinator"
	"concierge-intercom/internal/domain/call"
	"concierge-intercom/internal/telephony"
	intercom_errors "concierge-intercom/pkg/errors"
	"concierge-intercom/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const DefaultAckTimeout = 5 * time.Second

var ErrShellDisconnected = errors.New("native shell disconnected")

// Frame types exchanged with the native shell
const (
	frameCommand = "command"
	frameAck     = "ack"
	frameAction  = "action"
	frameMedia   = "media"
)

// Commands sent to the native shell
const (
	cmdReportIncoming  = "report_incoming"
	cmdReportOutgoing  = "report_outgoing"
	cmdReportConnected = "report_connected"
	cmdReportEnded     = "report_ended"
	cmdMediaJoin       = "media_join"
	cmdMediaLeave      = "media_leave"
	cmdMediaMute       = "media_mute"
	cmdMediaSpeaker    = "media_speaker"
)

// Frame is the JSON message exchanged on the shell link. Commands expect an
// ack carrying the same id; actions and media frames are unsolicited.
type Frame struct {
	Type    string                  `json:"type"`
	ID      string                  `json:"id,omitempty"`
	Command string                  `json:"command,omitempty"`
	Error   string                  `json:"error,omitempty"`
	Call    *call.Snapshot          `json:"call,omitempty"`
	CallID  string                  `json:"call_id,omitempty"`
	Reason  string                  `json:"reason,omitempty"`
	Channel string                  `json:"channel,omitempty"`
	Token   string                  `json:"token,omitempty"`
	URL     string                  `json:"url,omitempty"`
	UID     string                  `json:"uid,omitempty"`
	Enabled *bool                   `json:"enabled,omitempty"`
	Action  *telephony.Action       `json:"action,omitempty"`
	Media   *coordinator.MediaEvent `json:"media,omitempty"`
}

// ShellLink is the connection to the native shell. It implements the
// platform call UI for the telephony bridge and the media transport for the
// coordinator. One shell is connected at a time; a new connection replaces
// the old one.
//
// Inbound actions and media events are delivered on a separate goroutine, in
// order, so handlers may issue commands and wait for their acks.
type ShellLink struct {
	log        *logger.Logger
	ackTimeout time.Duration
	mediaURL   string

	mu      sync.Mutex
	client  *Client
	pending map[string]chan error
	joined  string

	handlerMu      sync.Mutex
	nextHandler    int
	actionHandlers map[int]func(telephony.Action)
	mediaHandlers  map[int]func(coordinator.MediaEvent)

	inboxMu  sync.Mutex
	inbox    []func()
	draining bool
}

func NewShellLink(log *logger.Logger, ackTimeout time.Duration) *ShellLink {
	if ackTimeout <= 0 {
		ackTimeout = DefaultAckTimeout
	}
	return &ShellLink{
		log:            logger.OrNop(log),
		ackTimeout:     ackTimeout,
		pending:        make(map[string]chan error),
		actionHandlers: make(map[int]func(telephony.Action)),
		mediaHandlers:  make(map[int]func(coordinator.MediaEvent)),
	}
}

// SetMediaURL sets the media server URL sent with every join command.
func (s *ShellLink) SetMediaURL(url string) {
	s.mu.Lock()
	s.mediaURL = url
	s.mu.Unlock()
}

// Connect makes client the active shell.
func (s *ShellLink) Connect(client *Client) {
	s.mu.Lock()
	old := s.client
	s.client = client
	pending := s.takePendingLocked()
	s.mu.Unlock()

	failPending(pending)
	if old != nil && old != client {
		old.Close()
		s.log.Logger.Info("native shell replaced", zap.String("old_client_id", old.ID), zap.String("client_id", client.ID))
	} else {
		s.log.Logger.Info("native shell connected", zap.String("client_id", client.ID))
	}
}

// Disconnect drops client if it is still the active shell. A media session
// the shell was running is reported as disconnected.
func (s *ShellLink) Disconnect(client *Client) {
	s.mu.Lock()
	if s.client != client {
		s.mu.Unlock()
		return
	}
	s.client = nil
	pending := s.takePendingLocked()
	joined := s.joined
	s.joined = ""
	s.mu.Unlock()

	failPending(pending)
	s.log.Logger.Warn("native shell disconnected", zap.String("client_id", client.ID))
	if joined != "" {
		ev := coordinator.MediaEvent{State: coordinator.MediaDisconnected, ChannelName: joined, Reason: "shell disconnected"}
		s.enqueue(func() { s.emitMedia(ev) })
	}
}

func (s *ShellLink) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil
}

// HandleMessage processes one frame read from client.
func (s *ShellLink) HandleMessage(client *Client, data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		s.log.Logger.Debug("dropping malformed shell frame", zap.Error(err))
		return
	}

	s.mu.Lock()
	current := s.client == client
	s.mu.Unlock()
	if !current {
		return
	}

	switch f.Type {
	case frameAck:
		s.resolve(f.ID, f.Error)
	case frameAction:
		if f.Action == nil || !f.Action.Kind.Valid() {
			s.log.Logger.Debug("dropping invalid shell action")
			return
		}
		a := *f.Action
		if a.At.IsZero() {
			a.At = time.Now()
		}
		s.enqueue(func() { s.emitAction(a) })
	case frameMedia:
		if f.Media == nil {
			return
		}
		ev := *f.Media
		s.enqueue(func() { s.emitMedia(ev) })
	default:
		s.log.Logger.Debug("dropping unknown shell frame", zap.String("type", f.Type))
	}
}

// telephony.Native

func (s *ShellLink) ReportIncomingCall(ctx context.Context, snap call.Snapshot) error {
	return s.command(ctx, Frame{Command: cmdReportIncoming, Call: &snap, CallID: snap.ID})
}

func (s *ShellLink) ReportOutgoingCall(ctx context.Context, snap call.Snapshot) error {
	return s.command(ctx, Frame{Command: cmdReportOutgoing, Call: &snap, CallID: snap.ID})
}

func (s *ShellLink) ReportConnected(ctx context.Context, callID string) error {
	return s.command(ctx, Frame{Command: cmdReportConnected, CallID: callID})
}

func (s *ShellLink) ReportEnded(ctx context.Context, callID string, reason call.EndReason) error {
	return s.command(ctx, Frame{Command: cmdReportEnded, CallID: callID, Reason: string(reason)})
}

func (s *ShellLink) OnAction(handler func(telephony.Action)) func() {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	id := s.nextHandler
	s.nextHandler++
	s.actionHandlers[id] = handler
	return func() {
		s.handlerMu.Lock()
		delete(s.actionHandlers, id)
		s.handlerMu.Unlock()
	}
}

// coordinator.MediaTransport

func (s *ShellLink) Join(ctx context.Context, channelName, token, uid string) error {
	s.mu.Lock()
	url := s.mediaURL
	s.mu.Unlock()
	if err := s.command(ctx, Frame{Command: cmdMediaJoin, Channel: channelName, Token: token, UID: uid, URL: url}); err != nil {
		return err
	}
	s.mu.Lock()
	s.joined = channelName
	s.mu.Unlock()
	return nil
}

func (s *ShellLink) Leave(ctx context.Context) error {
	s.mu.Lock()
	s.joined = ""
	s.mu.Unlock()
	return s.command(ctx, Frame{Command: cmdMediaLeave})
}

func (s *ShellLink) SetMuted(muted bool) error {
	return s.command(context.Background(), Frame{Command: cmdMediaMute, Enabled: &muted})
}

func (s *ShellLink) SetSpeakerphoneOn(on bool) error {
	return s.command(context.Background(), Frame{Command: cmdMediaSpeaker, Enabled: &on})
}

func (s *ShellLink) Subscribe(handler func(coordinator.MediaEvent)) func() {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	id := s.nextHandler
	s.nextHandler++
	s.mediaHandlers[id] = handler
	return func() {
		s.handlerMu.Lock()
		delete(s.mediaHandlers, id)
		s.handlerMu.Unlock()
	}
}

// command sends f to the shell and waits for its ack.
func (s *ShellLink) command(ctx context.Context, f Frame) error {
	f.Type = frameCommand
	f.ID = uuid.NewString()
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}

	ack := make(chan error, 1)
	s.mu.Lock()
	client := s.client
	if client == nil {
		s.mu.Unlock()
		return fmt.Errorf("%s: %w", f.Command, intercom_errors.ErrServiceUnavailable)
	}
	s.pending[f.ID] = ack
	s.mu.Unlock()

	if !client.SendMessage(data) {
		s.drop(f.ID)
		return fmt.Errorf("%s: %w", f.Command, ErrShellDisconnected)
	}

	timer := time.NewTimer(s.ackTimeout)
	defer timer.Stop()
	select {
	case err := <-ack:
		if err != nil {
			return fmt.Errorf("%s: %w", f.Command, err)
		}
		return nil
	case <-timer.C:
		s.drop(f.ID)
		return fmt.Errorf("%s: no ack within %s", f.Command, s.ackTimeout)
	case <-ctx.Done():
		s.drop(f.ID)
		return fmt.Errorf("%s: %w", f.Command, ctx.Err())
	}
}

func (s *ShellLink) resolve(id, errMsg string) {
	s.mu.Lock()
	ack, ok := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()
	if !ok {
		return
	}
	if errMsg != "" {
		ack <- errors.New(errMsg)
		return
	}
	ack <- nil
}

func (s *ShellLink) drop(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *ShellLink) takePendingLocked() map[string]chan error {
	pending := s.pending
	s.pending = make(map[string]chan error)
	return pending
}

func failPending(pending map[string]chan error) {
	for _, ack := range pending {
		ack <- ErrShellDisconnected
	}
}

// enqueue runs fn on the inbox goroutine, after everything queued before it.
func (s *ShellLink) enqueue(fn func()) {
	s.inboxMu.Lock()
	s.inbox = append(s.inbox, fn)
	if s.draining {
		s.inboxMu.Unlock()
		return
	}
	s.draining = true
	s.inboxMu.Unlock()

	go func() {
		for {
			s.inboxMu.Lock()
			if len(s.inbox) == 0 {
				s.draining = false
				s.inboxMu.Unlock()
				return
			}
			next := s.inbox[0]
			s.inbox = s.inbox[1:]
			s.inboxMu.Unlock()
			next()
		}
	}()
}

func (s *ShellLink) emitAction(a telephony.Action) {
	s.handlerMu.Lock()
	handlers := make([]func(telephony.Action), 0, len(s.actionHandlers))
	for _, h := range s.actionHandlers {
		handlers = append(handlers, h)
	}
	s.handlerMu.Unlock()
	for _, h := range handlers {
		h(a)
	}
}

func (s *ShellLink) emitMedia(ev coordinator.MediaEvent) {
	s.handlerMu.Lock()
	handlers := make([]func(coordinator.MediaEvent), 0, len(s.mediaHandlers))
	for _, h := range s.mediaHandlers {
		handlers = append(handlers, h)
	}
	s.handlerMu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}
