package coordinator

import (
	"context"
	"fmt"

	"concierge-intercom/internal/domain/call"
	"concierge-intercom/internal/signal"
	intercom_errors "concierge-intercom/pkg/errors"

	"go.uber.org/zap"
)

// HandleIncomingPush is the one entry point for incoming calls from push,
// recovery and the native layer. Repeats of the live call id, ids that have
// already ended and stale events are ignored without error.
func (c *Coordinator) HandleIncomingPush(ctx context.Context, ev call.IncomingCallEvent) error {
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("%w: call id and caller are required", err)
	}
	if ev.Source == "" {
		ev.Source = call.SourceForeground
	}
	_, err := c.acceptIncoming(ctx, ev)
	return err
}

// acceptIncoming reports whether a new session was created for ev.
func (c *Coordinator) acceptIncoming(ctx context.Context, ev call.IncomingCallEvent) (bool, error) {
	log := c.log.FromContext(ctx).With(
		zap.String("call_id", ev.CallID),
		zap.String("source", string(ev.Source)),
	)

	c.mu.Lock()
	if c.user == nil {
		c.mu.Unlock()
		return false, intercom_errors.ErrNoCurrentUser
	}
	if lc := c.live; lc != nil {
		id := lc.session.ID()
		c.mu.Unlock()
		if id == ev.CallID {
			log.Logger.Debug("incoming call already live")
			return false, nil
		}
		return false, fmt.Errorf("%w: call %s is active", intercom_errors.ErrAlreadyInCall, id)
	}
	if c.endedRecentlyLocked(ev.CallID) {
		c.mu.Unlock()
		log.Logger.Debug("incoming call already ended")
		return false, nil
	}
	if ev.From == c.user.ID {
		c.mu.Unlock()
		return false, nil
	}
	if age := c.opts.Now().Sub(ev.Timestamp); c.opts.MaxIncomingAge > 0 && ev.Source != call.SourceRecovery &&
		!ev.Timestamp.IsZero() && age > c.opts.MaxIncomingAge {
		c.mu.Unlock()
		log.Logger.Info("ignoring stale incoming call", zap.Duration("age", age))
		return false, nil
	}

	user := *c.user
	s := call.NewSession(call.Params{
		ID:              ev.CallID,
		ChannelName:     ev.ChannelName,
		CallerName:      ev.CallerName,
		RemoteUserID:    ev.From,
		ApartmentNumber: ev.ApartmentNumber,
		BuildingID:      ev.BuildingID,
		BuildingName:    ev.BuildingName,
		Source:          ev.Source,
		Participants: []call.Participant{
			{UserID: ev.From, Role: call.RoleCaller, Status: call.ParticipantJoined, DisplayName: ev.CallerName},
			{UserID: user.ID, Role: call.RoleCallee, Status: call.ParticipantRinging, DisplayName: user.DisplayName},
		},
		Now: c.opts.Now,
	})
	lc := c.installLocked(s, user.ID)
	snap := s.Snapshot()
	ringing := c.signalLocked(lc, signal.TypeRinging)
	showNative := ev.ShouldShowNativeUI
	id := snap.ID
	c.deferLocked(func(ctx context.Context) {
		switch live, stillRinging := c.incomingStatus(id); {
		case !live:
		case showNative && stillRinging:
			if err := c.telephony.ShowIncoming(ctx, snap); err != nil {
				log.Logger.Warn("native incoming report failed", zap.Error(err))
			}
		default:
			c.telephony.Adopt(snap)
		}
	})
	c.deferPublishLocked([]string{signal.UserTopic(ev.From)}, ringing)
	c.unlock(ctx)
	return true, nil
}

// incomingStatus reports whether callID is live and whether it is still
// ringing with no answer in flight.
func (c *Coordinator) incomingStatus(callID string) (live, ringing bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	lc := c.liveLocked(callID)
	if lc == nil {
		return false, false
	}
	return true, !lc.answering && lc.session.State() == call.StateRinging
}

// AnswerIncomingCall accepts the ringing incoming call: callee credentials are
// issued, the session moves to connecting, media is joined and ANSWER is sent.
// A second answer while the first is in flight is a no-op.
func (c *Coordinator) AnswerIncomingCall(ctx context.Context) error {
	c.mu.Lock()
	lc := c.live
	if lc == nil || lc.session.IsOutgoing() || lc.session.State() != call.StateRinging {
		c.mu.Unlock()
		return intercom_errors.ErrNoActiveCall
	}
	if lc.answering {
		c.mu.Unlock()
		return nil
	}
	lc.answering = true
	s := lc.session
	id, channel := s.ID(), s.ChannelName()
	var displayName string
	if c.user != nil {
		displayName = c.user.DisplayName
	}
	c.mu.Unlock()

	bundle, err := c.tokens.IssueTokenBundle(ctx, call.TokenRequest{
		CallID:      id,
		ChannelName: channel,
		Role:        call.RoleCallee,
		UserID:      lc.localID,
		DisplayName: displayName,
	})
	if err != nil {
		err = fmt.Errorf("%w: %w", intercom_errors.ErrTokenIssuanceFailed, err)
		c.fail(ctx, id, err)
		return err
	}

	c.mu.Lock()
	if c.live != lc || s.State() != call.StateRinging {
		c.unlock(ctx)
		return intercom_errors.ErrNoActiveCall
	}
	lc.bundle = &bundle
	if err := c.transitionLocked(lc, call.StateConnecting); err != nil {
		c.unlock(ctx)
		return err
	}
	s.SetParticipantStatus(lc.localID, call.ParticipantJoined)
	lc.mediaJoined = true
	answer := c.signalLocked(lc, signal.TypeAnswer)
	answer.Channel = channel
	remote := s.RemoteUserID()
	c.unlock(ctx)

	if err := c.media.Join(ctx, channel, bundle.RTCToken, bundle.UID); err != nil {
		err = fmt.Errorf("%w: %w", intercom_errors.ErrMediaJoinFailed, err)
		c.fail(ctx, id, err)
		return err
	}
	if err := c.publish(ctx, signal.UserTopic(remote), answer); err != nil {
		c.fail(ctx, id, err)
		return err
	}
	return nil
}

// DeclineIncomingCall rejects the ringing incoming call and sends DECLINE.
func (c *Coordinator) DeclineIncomingCall(ctx context.Context, reason string) error {
	c.mu.Lock()
	lc := c.live
	if lc == nil || lc.session.IsOutgoing() || lc.session.State() != call.StateRinging {
		c.mu.Unlock()
		return intercom_errors.ErrNoActiveCall
	}
	if reason == "" {
		reason = "declined"
	}
	err := c.declineLocked(lc, reason)
	c.unlock(ctx)
	return err
}
