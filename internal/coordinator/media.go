package coordinator

import (
	"context"
	"fmt"

	"concierge-intercom/internal/domain/call"
	"concierge-intercom/internal/signal"
	intercom_errors "concierge-intercom/pkg/errors"

	"go.uber.org/zap"
)

// handleMediaEvent applies transport notifications to the live session.
// Events arriving while no media channel was joined are ignored.
func (c *Coordinator) handleMediaEvent(ev MediaEvent) {
	c.mu.Lock()
	defer c.unlock(c.baseCtx)

	lc := c.live
	if lc == nil || !lc.mediaJoined {
		return
	}
	s := lc.session
	if ev.ChannelName != "" && ev.ChannelName != s.ChannelName() {
		return
	}

	switch ev.State {
	case MediaConnected:
		if s.State() != call.StateConnecting {
			return
		}
		s.SetParticipantStatus(lc.localID, call.ParticipantJoined)
		if err := c.transitionLocked(lc, call.StateConnected); err != nil {
			return
		}
		id := s.ID()
		c.deferLocked(func(ctx context.Context) {
			if err := c.telephony.ReportConnected(ctx, id); err != nil {
				c.log.Logger.Warn("native connected report failed", zap.String("call_id", id), zap.Error(err))
			}
		})

	case MediaRemoteJoined:
		if ev.UID == "" || ev.UID == lc.localID {
			return
		}
		role := call.RoleCaller
		if s.IsOutgoing() {
			role = call.RoleCallee
		}
		s.UpsertParticipant(call.Participant{UserID: ev.UID, Role: role, Status: call.ParticipantJoined})

	case MediaRemoteLeft:
		if ev.UID != "" {
			s.SetParticipantStatus(ev.UID, call.ParticipantLeft)
		}
		if s.State() == call.StateConnected && s.AllRemoteDisconnected(lc.localID) {
			s.SetEndReason(call.EndReasonRemoteHangup)
			_ = c.beginEndingLocked(lc, nil)
		}

	case MediaDisconnected:
		switch s.State() {
		case call.StateConnecting:
			c.failLocked(lc, fmt.Errorf("%w: disconnected before connecting", intercom_errors.ErrMediaJoinFailed))
		case call.StateConnected:
			s.SetEndReason(call.EndReasonDrop)
			end := c.signalLocked(lc, signal.TypeEnd)
			end.Cause = signal.CauseDrop
			_ = c.beginEndingLocked(lc, &end)
		}

	case MediaFailed:
		if s.State() == call.StateEnding {
			return
		}
		c.failLocked(lc, fmt.Errorf("%w: %s", intercom_errors.ErrMediaJoinFailed, ev.Reason))
	}
}

// SetMuted toggles the local microphone of the live call.
func (c *Coordinator) SetMuted(ctx context.Context, muted bool) error {
	c.mu.Lock()
	lc := c.live
	c.mu.Unlock()
	if lc == nil {
		return intercom_errors.ErrNoActiveCall
	}
	if err := c.media.SetMuted(muted); err != nil {
		return fmt.Errorf("set muted: %w", err)
	}
	c.mu.Lock()
	if c.live == lc {
		lc.session.SetMuted(muted)
	}
	c.mu.Unlock()
	c.log.FromContext(ctx).Logger.Debug("mute changed", zap.String("call_id", lc.session.ID()), zap.Bool("muted", muted))
	return nil
}

// SetSpeakerphoneOn routes audio of the live call to the loudspeaker.
func (c *Coordinator) SetSpeakerphoneOn(ctx context.Context, on bool) error {
	c.mu.Lock()
	lc := c.live
	c.mu.Unlock()
	if lc == nil {
		return intercom_errors.ErrNoActiveCall
	}
	if err := c.media.SetSpeakerphoneOn(on); err != nil {
		return fmt.Errorf("set speakerphone: %w", err)
	}
	c.mu.Lock()
	if c.live == lc {
		lc.session.SetSpeakerOn(on)
	}
	c.mu.Unlock()
	c.log.FromContext(ctx).Logger.Debug("speaker changed", zap.String("call_id", lc.session.ID()), zap.Bool("speaker_on", on))
	return nil
}
