package coordinator

import (
	"context"
	"errors"
	"fmt"

	"concierge-intercom/internal/domain/call"
	"concierge-intercom/internal/signal"
	intercom_errors "concierge-intercom/pkg/errors"

	"go.uber.org/zap"
)

// handleSignal routes one decoded signal. Signals for calls that are not live
// are dropped, which makes duplicates and late arrivals harmless.
func (c *Coordinator) handleSignal(sig signal.Signal) {
	ctx, cancel := context.WithTimeout(c.baseCtx, c.opts.OperationTimeout)
	defer cancel()

	if !sig.Supported() {
		c.log.Logger.Warn("dropping signal with unsupported version",
			zap.String("call_id", sig.CallID),
			zap.String("signal", string(sig.Type)),
			zap.Int("version", sig.Version),
		)
		return
	}
	user, ok := c.CurrentUser()
	if !ok || sig.From == user.ID {
		return
	}

	switch sig.Type {
	case signal.TypeInvite:
		c.onInvite(ctx, user, sig)
	case signal.TypeRinging:
		c.onRinging(ctx, sig)
	case signal.TypeAnswer:
		c.onAnswer(ctx, sig)
	case signal.TypeDecline:
		c.onDecline(ctx, sig)
	case signal.TypeEnd:
		c.onEnd(ctx, sig)
	}
}

func (c *Coordinator) onInvite(ctx context.Context, user call.CurrentUser, sig signal.Signal) {
	ev := call.IncomingCallEvent{
		CallID:             sig.CallID,
		From:               sig.From,
		CallerName:         sig.CallerName,
		ApartmentNumber:    sig.ApartmentNumber,
		BuildingID:         sig.BuildingID,
		BuildingName:       sig.BuildingName,
		ChannelName:        sig.Channel,
		Timestamp:          sig.Timestamp,
		Source:             call.SourceSignal,
		ShouldShowNativeUI: true,
	}
	_, err := c.acceptIncoming(ctx, ev)
	switch {
	case err == nil:
	case errors.Is(err, intercom_errors.ErrAlreadyInCall):
		busy := signal.New(signal.TypeDecline, sig.CallID, user.ID, c.opts.Now())
		busy.Reason = string(call.EndReasonBusy)
		if err := c.publish(ctx, signal.UserTopic(sig.From), busy); err != nil {
			c.log.Logger.Warn("busy decline failed", zap.String("call_id", sig.CallID), zap.Error(err))
		}
	default:
		c.log.Logger.Warn("invite rejected", zap.String("call_id", sig.CallID), zap.Error(err))
	}
}

func (c *Coordinator) onRinging(ctx context.Context, sig signal.Signal) {
	c.mu.Lock()
	lc := c.liveLocked(sig.CallID)
	if lc == nil || !lc.session.IsOutgoing() {
		c.unlock(ctx)
		return
	}
	s := lc.session
	if !hasParticipant(s, sig.From) {
		s.UpsertParticipant(call.Participant{UserID: sig.From, Role: call.RoleCallee, Status: call.ParticipantRinging})
	}
	if s.State() == call.StateDialing {
		_ = c.transitionLocked(lc, call.StateRinging)
	}
	c.unlock(ctx)
}

// onAnswer connects the caller to the first callee that answers. Later
// answers from other devices are told the call was answered elsewhere.
func (c *Coordinator) onAnswer(ctx context.Context, sig signal.Signal) {
	c.mu.Lock()
	lc := c.liveLocked(sig.CallID)
	if lc == nil || !lc.session.IsOutgoing() {
		c.unlock(ctx)
		return
	}
	s := lc.session
	elsewhere := c.signalLocked(lc, signal.TypeEnd)
	elsewhere.Cause = signal.CauseHangup
	elsewhere.Reason = string(call.EndReasonAnsweredElsewhere)

	if !s.State().IsPreAnswer() {
		if lc.answeredBy != "" && lc.answeredBy != sig.From {
			c.deferPublishLocked([]string{signal.UserTopic(sig.From)}, elsewhere)
		}
		c.unlock(ctx)
		return
	}
	if s.State() == call.StateDialing {
		if err := c.transitionLocked(lc, call.StateRinging); err != nil {
			c.unlock(ctx)
			return
		}
	}

	lc.answeredBy = sig.From
	s.SetRemoteUserID(sig.From)
	s.UpsertParticipant(call.Participant{UserID: sig.From, Role: call.RoleCallee, Status: call.ParticipantJoined})
	c.notifyRingingLocked(lc, elsewhere, sig.From)
	if err := c.transitionLocked(lc, call.StateConnecting); err != nil {
		c.unlock(ctx)
		return
	}
	bundle := lc.bundle
	lc.mediaJoined = bundle != nil
	id, channel := s.ID(), s.ChannelName()
	c.unlock(ctx)

	if bundle == nil {
		c.fail(ctx, id, fmt.Errorf("%w: answered before caller credentials were issued", intercom_errors.ErrTokenIssuanceFailed))
		return
	}
	if err := c.media.Join(ctx, channel, bundle.RTCToken, bundle.UID); err != nil {
		c.fail(ctx, id, fmt.Errorf("%w: %w", intercom_errors.ErrMediaJoinFailed, err))
	}
}

func (c *Coordinator) onDecline(ctx context.Context, sig signal.Signal) {
	c.mu.Lock()
	lc := c.liveLocked(sig.CallID)
	if lc == nil || !lc.session.State().IsPreAnswer() {
		c.unlock(ctx)
		return
	}
	s := lc.session
	if !s.IsOutgoing() && sig.From != s.RemoteUserID() {
		c.unlock(ctx)
		return
	}

	reason := call.EndReasonRemoteDecline
	if sig.Reason == string(call.EndReasonBusy) {
		reason = call.EndReasonBusy
	}
	s.SetEndReason(reason)
	if s.IsOutgoing() {
		s.UpsertParticipant(call.Participant{UserID: sig.From, Role: call.RoleCallee, Status: call.ParticipantDeclined})
		end := c.signalLocked(lc, signal.TypeEnd)
		end.Cause = signal.CauseHangup
		end.Reason = string(call.EndReasonCanceled)
		c.deferPublishLocked([]string{signal.ApartmentTopic(s.BuildingID(), s.ApartmentNumber())}, end)
	}
	_ = c.transitionLocked(lc, call.StateDeclined)
	c.unlock(ctx)
}

func (c *Coordinator) onEnd(ctx context.Context, sig signal.Signal) {
	c.mu.Lock()
	defer c.unlock(ctx)

	lc := c.liveLocked(sig.CallID)
	if lc == nil {
		return
	}
	s := lc.session
	if r := s.RemoteUserID(); r != "" && sig.From != r {
		return
	}

	switch st := s.State(); {
	case sig.Reason == string(call.EndReasonAnsweredElsewhere) && st != call.StateEnding:
		s.SetEndReason(call.EndReasonAnsweredElsewhere)
		_ = c.beginEndingLocked(lc, nil)
	case st.IsPreAnswer() && !s.IsOutgoing():
		if sig.Cause == signal.CauseTimeout {
			s.SetEndReason(call.EndReasonNoAnswer)
		} else {
			s.SetEndReason(call.EndReasonRemoteCanceled)
		}
		_ = c.transitionLocked(lc, call.StateMissed)
	case st.IsPreAnswer():
		s.SetEndReason(call.EndReasonRemoteDecline)
		_ = c.transitionLocked(lc, call.StateDeclined)
	case st == call.StateConnecting || st == call.StateConnected:
		if sig.Cause == signal.CauseDrop {
			s.SetEndReason(call.EndReasonDrop)
		} else {
			s.SetEndReason(call.EndReasonRemoteHangup)
		}
		_ = c.beginEndingLocked(lc, nil)
	}
}

func hasParticipant(s *call.Session, userID string) bool {
	for _, p := range s.Participants() {
		if p.UserID == userID {
			return true
		}
	}
	return false
}
