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

// EndActiveCall ends the live call. A ringing incoming call is declined; a
// ringing outgoing call is cancelled; an answered call is hung up. Calling it
// again while the call is already ending is a no-op.
func (c *Coordinator) EndActiveCall(ctx context.Context, kind call.EndKind) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown end kind %q", intercom_errors.ErrInvalidInput, kind)
	}

	c.mu.Lock()
	lc := c.live
	if lc == nil {
		c.mu.Unlock()
		return intercom_errors.ErrNoActiveCall
	}
	s := lc.session

	var err error
	switch st := s.State(); {
	case st == call.StateEnding:
	case !s.IsOutgoing() && st == call.StateRinging:
		err = c.declineLocked(lc, "declined")
	case st.IsPreAnswer():
		s.SetEndReason(call.EndReasonCanceled)
		end := c.signalLocked(lc, signal.TypeEnd)
		end.Cause = signal.CauseHangup
		end.Reason = string(call.EndReasonCanceled)
		err = c.beginEndingLocked(lc, &end)
	default:
		s.SetEndReason(call.EndReasonHangup)
		end := c.signalLocked(lc, signal.TypeEnd)
		end.Cause = signal.CauseHangup
		err = c.beginEndingLocked(lc, &end)
	}
	c.unlock(ctx)
	return err
}

// declineLocked moves a ringing incoming session to declined and tells the
// caller.
func (c *Coordinator) declineLocked(lc *liveCall, reason string) error {
	s := lc.session
	s.SetEndReason(call.EndReasonDecline)
	s.SetParticipantStatus(lc.localID, call.ParticipantDeclined)

	dec := c.signalLocked(lc, signal.TypeDecline)
	dec.Reason = reason
	c.deferPublishLocked(c.remoteTopicsLocked(lc), dec)
	return c.transitionLocked(lc, call.StateDeclined)
}

// beginEndingLocked moves lc to ending. Once unlocked, end is sent to the
// remote side (when given), media is released and the session reaches ended.
func (c *Coordinator) beginEndingLocked(lc *liveCall, end *signal.Signal) error {
	var topics []string
	if end != nil {
		topics = c.remoteTopicsLocked(lc)
	}
	if err := c.transitionLocked(lc, call.StateEnding); err != nil {
		return err
	}

	joined := lc.mediaJoined
	lc.mediaJoined = false
	id := lc.session.ID()
	if end != nil {
		c.deferPublishLocked(topics, *end)
	}
	c.deferLocked(func(ctx context.Context) {
		if joined {
			if err := c.media.Leave(ctx); err != nil {
				c.log.Logger.Warn("media leave failed", zap.String("call_id", id), zap.Error(err))
			}
		}
		c.finishEnding(ctx, id)
	})
	return nil
}

func (c *Coordinator) finishEnding(ctx context.Context, callID string) {
	c.mu.Lock()
	if lc := c.liveLocked(callID); lc != nil && lc.session.State() == call.StateEnding {
		_ = c.transitionLocked(lc, call.StateEnded)
	}
	c.unlock(ctx)
}

// notifyRingingLocked sends end to every callee device that reported ringing,
// except skip. Those participants are marked left.
func (c *Coordinator) notifyRingingLocked(lc *liveCall, end signal.Signal, skip string) {
	var topics []string
	for _, p := range lc.session.Participants() {
		if p.UserID == lc.localID || p.UserID == skip || p.Status != call.ParticipantRinging {
			continue
		}
		lc.session.SetParticipantStatus(p.UserID, call.ParticipantLeft)
		topics = append(topics, signal.UserTopic(p.UserID))
	}
	c.deferPublishLocked(topics, end)
}

// fail drives callID to failed because of an infrastructure error. The error
// event is emitted even when the call is no longer live.
func (c *Coordinator) fail(ctx context.Context, callID string, err error) {
	c.mu.Lock()
	c.failCallLocked(callID, err)
	c.unlock(ctx)
}

func (c *Coordinator) failCallLocked(callID string, err error) {
	if lc := c.liveLocked(callID); lc != nil {
		c.failLocked(lc, err)
		return
	}
	c.log.Logger.Warn("call error after session ended", zap.String("call_id", callID), zap.Error(err))
	c.emitLocked(eventError(callID, nil, err))
}

func (c *Coordinator) failLocked(lc *liveCall, err error) {
	s := lc.session
	c.log.Logger.Error("call failed",
		zap.String("call_id", s.ID()),
		zap.String("state", string(s.State())),
		zap.Error(err),
	)

	if !errors.Is(err, intercom_errors.ErrSignalingUnavailable) {
		end := c.signalLocked(lc, signal.TypeEnd)
		end.Cause = signal.CauseDrop
		end.Reason = string(call.EndReasonFailed)
		c.deferPublishLocked(c.remoteTopicsLocked(lc), end)
	}

	s.SetEndReason(call.EndReasonFailed)
	if !s.IsTerminal() {
		_ = c.transitionLocked(lc, call.StateFailed)
	}
	snap := s.Snapshot()
	c.emitLocked(eventError(s.ID(), &snap, err))
}
