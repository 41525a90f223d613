package coordinator

import (
	"context"
	"fmt"
	"strings"

	"concierge-intercom/internal/domain/call"
	"concierge-intercom/internal/signal"
	intercom_errors "concierge-intercom/pkg/errors"

	"go.uber.org/zap"
)

// OutgoingCall addresses a call at one apartment.
type OutgoingCall struct {
	ApartmentNumber string `json:"apartment_number"`
	BuildingID      string `json:"building_id"`
	BuildingName    string `json:"building_name,omitempty"`
	CallerName      string `json:"caller_name,omitempty"`
}

func (o OutgoingCall) Validate() error {
	if strings.TrimSpace(o.ApartmentNumber) == "" || strings.TrimSpace(o.BuildingID) == "" {
		return fmt.Errorf("%w: apartment number and building id are required", intercom_errors.ErrInvalidInput)
	}
	return nil
}

// StartOutgoingCall creates a dialing session, obtains caller credentials and
// sends INVITE to every device of the apartment. The returned snapshot is the
// session as it was once INVITE went out, or as created when it ended first.
func (c *Coordinator) StartOutgoingCall(ctx context.Context, req OutgoingCall) (call.Snapshot, error) {
	if err := req.Validate(); err != nil {
		return call.Snapshot{}, err
	}

	c.mu.Lock()
	if c.user == nil {
		c.mu.Unlock()
		return call.Snapshot{}, intercom_errors.ErrNoCurrentUser
	}
	if c.live != nil {
		id := c.live.session.ID()
		c.mu.Unlock()
		return call.Snapshot{}, fmt.Errorf("%w: call %s is active", intercom_errors.ErrAlreadyInCall, id)
	}
	user := *c.user
	callerName := req.CallerName
	if callerName == "" {
		callerName = user.DisplayName
	}
	s := call.NewSession(call.Params{
		ID:              c.opts.NewCallID(),
		Outgoing:        true,
		CallerName:      callerName,
		ApartmentNumber: req.ApartmentNumber,
		BuildingID:      req.BuildingID,
		BuildingName:    req.BuildingName,
		Source:          call.SourceLocal,
		Participants: []call.Participant{
			{UserID: user.ID, Role: call.RoleCaller, Status: call.ParticipantJoined, DisplayName: user.DisplayName},
		},
		Now: c.opts.Now,
	})
	lc := c.installLocked(s, user.ID)
	id, channel := s.ID(), s.ChannelName()
	snap := s.Snapshot()
	c.deferLocked(func(ctx context.Context) {
		if err := c.telephony.ReportOutgoing(ctx, snap); err != nil {
			c.log.Logger.Warn("native outgoing report failed", zap.String("call_id", id), zap.Error(err))
		}
	})
	c.unlock(ctx)

	bundle, err := c.tokens.IssueTokenBundle(ctx, call.TokenRequest{
		CallID:      id,
		ChannelName: channel,
		Role:        call.RoleCaller,
		UserID:      user.ID,
		DisplayName: user.DisplayName,
	})
	if err != nil {
		err = fmt.Errorf("%w: %w", intercom_errors.ErrTokenIssuanceFailed, err)
		c.fail(ctx, id, err)
		return snap, err
	}

	c.mu.Lock()
	if c.live != lc {
		c.unlock(ctx)
		return snap, nil
	}
	lc.bundle = &bundle
	invite := c.signalLocked(lc, signal.TypeInvite)
	invite.Channel = channel
	invite.CallerName = callerName
	invite.ApartmentNumber = req.ApartmentNumber
	invite.BuildingID = req.BuildingID
	invite.BuildingName = req.BuildingName
	c.inviting[id] = nil
	c.mu.Unlock()

	err = c.publish(ctx, signal.ApartmentTopic(req.BuildingID, req.ApartmentNumber), invite)

	c.mu.Lock()
	c.releaseInviteLocked(id)
	if err != nil {
		c.failCallLocked(id, err)
		c.unlock(ctx)
		return snap, err
	}
	if c.live == lc {
		snap = lc.session.Snapshot()
	}
	c.unlock(ctx)
	return snap, nil
}

// onNoAnswer fires from the no-answer timer. It is the only path to missed
// for a call nobody picked up.
func (c *Coordinator) onNoAnswer(callID string) {
	c.mu.Lock()
	lc := c.liveLocked(callID)
	if lc == nil || lc.answering || !lc.session.State().IsPreAnswer() {
		c.unlock(c.baseCtx)
		return
	}
	s := lc.session
	c.log.Logger.Info("call not answered", zap.String("call_id", callID), zap.Duration("timeout", c.opts.NoAnswerTimeout))

	s.SetEndReason(call.EndReasonNoAnswer)
	if s.IsOutgoing() {
		end := c.signalLocked(lc, signal.TypeEnd)
		end.Cause = signal.CauseTimeout
		c.deferPublishLocked(c.remoteTopicsLocked(lc), end)
	}
	_ = c.transitionLocked(lc, call.StateMissed)
	c.unlock(c.baseCtx)
}
