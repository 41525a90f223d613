// Package coordinator owns the single live intercom call of a device.
//
// Every user intent, push, signal and media notification funnels through one
// Coordinator. Checks and state changes happen under its mutex; blocking work
// (token issuance, signaling, media) runs outside it, and the live session is
// re-checked afterwards so a call that ended meanwhile is never resurrected.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"concierge-intercom/internal/domain/call"
	"concierge-intercom/internal/events"
	"concierge-intercom/internal/signal"
	intercom_errors "concierge-intercom/pkg/errors"
	"concierge-intercom/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultNoAnswerTimeout    = 45 * time.Second
	DefaultMaxIncomingAge     = 2 * time.Minute
	DefaultOperationTimeout   = 10 * time.Second
	DefaultResubscribeBackoff = time.Second
	maxResubscribeBackoff     = 30 * time.Second

	// endedRetention bounds how long a finished call id is remembered so late
	// pushes and signals for it are ignored.
	endedRetention = 10 * time.Minute
)

// Options tunes timing. Zero values take the defaults above.
type Options struct {
	NoAnswerTimeout    time.Duration
	MaxIncomingAge     time.Duration
	OperationTimeout   time.Duration
	ResubscribeBackoff time.Duration

	AfterFunc AfterFunc
	Now       func() time.Time
	NewCallID func() string
}

func (o Options) withDefaults() Options {
	if o.NoAnswerTimeout <= 0 {
		o.NoAnswerTimeout = DefaultNoAnswerTimeout
	}
	if o.MaxIncomingAge == 0 {
		o.MaxIncomingAge = DefaultMaxIncomingAge
	}
	if o.OperationTimeout <= 0 {
		o.OperationTimeout = DefaultOperationTimeout
	}
	if o.ResubscribeBackoff <= 0 {
		o.ResubscribeBackoff = DefaultResubscribeBackoff
	}
	if o.AfterFunc == nil {
		o.AfterFunc = realAfterFunc
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewCallID == nil {
		o.NewCallID = func() string { return uuid.New().String() }
	}
	return o
}

// Deps are the collaborators a Coordinator drives. Media and Telephony may be
// nil on devices without them.
type Deps struct {
	Tokens    TokenIssuer
	Signaling SignalingChannel
	Media     MediaTransport
	Telephony Telephony
	Logger    *logger.Logger
}

type liveCall struct {
	session *call.Session
	localID string
	timer   Timer
	bundle  *call.TokenBundle

	answering   bool
	mediaJoined bool
	answeredBy  string
}

func (lc *liveCall) stopTimer() {
	if lc.timer != nil {
		lc.timer.Stop()
		lc.timer = nil
	}
}

type Coordinator struct {
	tokens    TokenIssuer
	signaling SignalingChannel
	media     MediaTransport
	telephony Telephony
	log       *logger.Logger
	opts      Options
	stream    *events.Stream

	mu       sync.Mutex
	user     *call.CurrentUser
	live     *liveCall
	ended    map[string]time.Time
	deferred []func(context.Context)

	// inviting holds signals for outgoing calls whose INVITE is still being
	// published. They are released in order once it has gone out.
	inviting map[string][]func(context.Context)

	started  bool
	closed   bool
	subGen   int
	sigUnsub func()
	retrying bool

	mediaUnsub func()
	ready      chan struct{}
	readyOnce  sync.Once

	baseCtx context.Context
	cancel  context.CancelFunc
}

func New(deps Deps, opts Options) (*Coordinator, error) {
	if deps.Tokens == nil || deps.Signaling == nil {
		return nil, fmt.Errorf("%w: token issuer and signaling channel are required", intercom_errors.ErrInvalidInput)
	}
	media := deps.Media
	if media == nil {
		media = noopMedia{}
	}
	tel := deps.Telephony
	if tel == nil {
		tel = noopTelephony{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		tokens:    deps.Tokens,
		signaling: deps.Signaling,
		media:     media,
		telephony: tel,
		log:       logger.OrNop(deps.Logger),
		opts:      opts.withDefaults(),
		stream:    events.NewStream(),
		ended:     make(map[string]time.Time),
		inviting:  make(map[string][]func(context.Context)),
		ready:     make(chan struct{}),
		baseCtx:   ctx,
		cancel:    cancel,
	}, nil
}

// Start wires the media transport, the native bridge and the signaling
// subscription, then emits ready. A signaling failure does not block
// readiness; the subscription is retried in the background.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return intercom_errors.ErrServiceUnavailable
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	unsub := c.media.Subscribe(c.handleMediaEvent)
	c.mu.Lock()
	c.mediaUnsub = unsub
	c.mu.Unlock()

	c.telephony.Attach(c, c.stream)
	c.ensureSubscribed()

	c.readyOnce.Do(func() { close(c.ready) })
	c.stream.Publish(events.Event{Kind: events.KindReady, OccurredAt: c.opts.Now()})
	c.log.FromContext(ctx).Logger.Info("coordinator ready")
	return nil
}

// Close ends any live call and releases every subscription.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	live := c.live != nil
	c.mu.Unlock()

	if live {
		if err := c.EndActiveCall(ctx, call.EndKindHangup); err != nil && !errors.Is(err, intercom_errors.ErrNoActiveCall) {
			c.log.Logger.Warn("failed to end call on close", zap.Error(err))
		}
	}

	c.mu.Lock()
	c.closed = true
	c.subGen++
	sigUnsub, mediaUnsub := c.sigUnsub, c.mediaUnsub
	c.sigUnsub, c.mediaUnsub = nil, nil
	c.mu.Unlock()

	c.cancel()
	if sigUnsub != nil {
		sigUnsub()
	}
	if mediaUnsub != nil {
		mediaUnsub()
	}
	return nil
}

// Subscribe registers a handler on the coordinator's event stream.
func (c *Coordinator) Subscribe(kind events.Kind, handler events.Handler) func() {
	return c.stream.Subscribe(kind, handler)
}

// Ready is closed once Start has completed its wiring.
func (c *Coordinator) Ready() <-chan struct{} {
	return c.ready
}

func (c *Coordinator) IsReady() bool {
	select {
	case <-c.ready:
		return true
	default:
		return false
	}
}

// WaitReady blocks until ready or ctx is done.
func (c *Coordinator) WaitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", intercom_errors.ErrNotReady, ctx.Err())
	}
}

// ActiveSession returns a snapshot of the live call, if any.
func (c *Coordinator) ActiveSession() (call.Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.live == nil {
		return call.Snapshot{}, false
	}
	return c.live.session.Snapshot(), true
}

func (c *Coordinator) HasActiveCall() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live != nil
}

func (c *Coordinator) CurrentUser() (call.CurrentUser, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.user == nil {
		return call.CurrentUser{}, false
	}
	return *c.user, true
}

// SetCurrentUser switches the device identity and resubscribes signaling.
// Switching to a different user while a call is live is rejected.
func (c *Coordinator) SetCurrentUser(ctx context.Context, u call.CurrentUser) error {
	if err := u.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.live != nil && c.user != nil && c.user.ID != u.ID {
		id := c.live.session.ID()
		c.mu.Unlock()
		return fmt.Errorf("%w: call %s is active", intercom_errors.ErrAlreadyInCall, id)
	}
	prev := c.user
	if prev != nil && *prev == u {
		c.mu.Unlock()
		return nil
	}
	sameTopics := prev != nil && equalTopics(topicsFor(*prev), topicsFor(u)) && c.sigUnsub != nil
	next := u
	c.user = &next
	c.emitLocked(events.Event{Kind: events.KindUserChanged, User: &u})
	c.unlock(ctx)

	c.log.FromContext(ctx).Logger.Info("current user set",
		zap.String("user_id", u.ID),
		zap.String("user_type", string(u.UserType)),
	)
	if sameTopics {
		return nil
	}
	return c.ensureSubscribed()
}

// ClearCurrentUser drops the identity and its signaling subscription.
func (c *Coordinator) ClearCurrentUser(ctx context.Context) error {
	c.mu.Lock()
	if c.live != nil {
		id := c.live.session.ID()
		c.mu.Unlock()
		return fmt.Errorf("%w: call %s is active", intercom_errors.ErrAlreadyInCall, id)
	}
	if c.user == nil {
		c.mu.Unlock()
		return nil
	}
	c.user = nil
	c.subGen++
	unsub := c.sigUnsub
	c.sigUnsub = nil
	c.emitLocked(events.Event{Kind: events.KindUserChanged})
	c.unlock(ctx)

	if unsub != nil {
		unsub()
	}
	return nil
}

func topicsFor(u call.CurrentUser) []string {
	topics := []string{signal.UserTopic(u.ID)}
	if u.UserType == call.UserTypeResident && u.BuildingID != "" && u.ApartmentNumber != "" {
		topics = append(topics, signal.ApartmentTopic(u.BuildingID, u.ApartmentNumber))
	}
	return topics
}

func equalTopics(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ensureSubscribed replaces the signaling subscription for the current user.
// On failure an error event is emitted and a background retry is started.
func (c *Coordinator) ensureSubscribed() error {
	err := c.resubscribe()
	if err == nil {
		return nil
	}
	c.log.Logger.Warn("signaling subscribe failed", zap.Error(err))
	c.stream.Publish(events.Event{Kind: events.KindError, Err: err, OccurredAt: c.opts.Now()})

	c.mu.Lock()
	if !c.retrying && !c.closed {
		c.retrying = true
		go c.retrySubscribe()
	}
	c.mu.Unlock()
	return err
}

func (c *Coordinator) resubscribe() error {
	c.mu.Lock()
	c.subGen++
	gen := c.subGen
	old := c.sigUnsub
	c.sigUnsub = nil
	var topics []string
	if c.user != nil {
		topics = topicsFor(*c.user)
	}
	active := c.started && !c.closed
	c.mu.Unlock()

	if old != nil {
		old()
	}
	if !active || len(topics) == 0 {
		return nil
	}

	unsub, err := c.signaling.Subscribe(c.baseCtx, topics, c.handleSignal)
	if err != nil {
		return fmt.Errorf("%w: %w", intercom_errors.ErrSignalingUnavailable, err)
	}

	c.mu.Lock()
	if gen != c.subGen || c.closed {
		c.mu.Unlock()
		unsub()
		return nil
	}
	c.sigUnsub = unsub
	c.mu.Unlock()
	c.log.Logger.Debug("signaling subscribed", zap.Strings("topics", topics))
	return nil
}

func (c *Coordinator) retrySubscribe() {
	defer func() {
		c.mu.Lock()
		c.retrying = false
		c.mu.Unlock()
	}()

	backoff := c.opts.ResubscribeBackoff
	for {
		select {
		case <-c.baseCtx.Done():
			return
		case <-time.After(backoff):
		}

		c.mu.Lock()
		done := c.sigUnsub != nil || c.user == nil || c.closed
		c.mu.Unlock()
		if done {
			return
		}
		if err := c.resubscribe(); err == nil {
			c.log.Logger.Info("signaling resubscribed")
			return
		}
		backoff *= 2
		if backoff > maxResubscribeBackoff {
			backoff = maxResubscribeBackoff
		}
	}
}

// emitLocked queues ev in order. Delivery happens in unlock.
func (c *Coordinator) emitLocked(ev events.Event) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = c.opts.Now()
	}
	c.stream.Enqueue(ev)
}

// deferLocked queues blocking side effects to run once the lock is released.
func (c *Coordinator) deferLocked(fn func(context.Context)) {
	c.deferred = append(c.deferred, fn)
}

// unlock releases the mutex, runs deferred side effects and then delivers
// queued events. Subscribers may call back into the coordinator, so the side
// effects of a change reach the wire before anything a subscriber triggers.
// Side effects outlive a cancelled caller context.
func (c *Coordinator) unlock(ctx context.Context) {
	work := c.deferred
	c.deferred = nil
	c.mu.Unlock()

	if len(work) > 0 {
		if ctx == nil {
			ctx = c.baseCtx
		}
		ectx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.OperationTimeout)
		for _, fn := range work {
			fn(ectx)
		}
		cancel()
	}
	c.stream.Drain()
}

func (c *Coordinator) liveLocked(callID string) *liveCall {
	if c.live != nil && c.live.session.ID() == callID {
		return c.live
	}
	return nil
}

// installLocked makes s the live session and starts its no-answer timer.
func (c *Coordinator) installLocked(s *call.Session, localID string) *liveCall {
	lc := &liveCall{session: s, localID: localID}
	s.OnStateChanged(func(ch call.StateChange) {
		snap := s.Snapshot()
		c.emitLocked(events.Event{
			Kind:       events.KindStateChanged,
			CallID:     ch.CallID,
			Session:    &snap,
			Change:     &ch,
			OccurredAt: ch.At,
		})
		if !ch.NewState.IsPreAnswer() {
			lc.stopTimer()
		}
	})

	id := s.ID()
	lc.timer = c.opts.AfterFunc(c.opts.NoAnswerTimeout, func() { c.onNoAnswer(id) })
	c.live = lc

	snap := s.Snapshot()
	c.emitLocked(events.Event{Kind: events.KindSessionCreated, CallID: id, Session: &snap})
	c.log.Logger.Info("call session created",
		zap.String("call_id", id),
		zap.Bool("outgoing", s.IsOutgoing()),
		zap.String("state", string(s.State())),
	)
	return lc
}

// transitionLocked applies next. Illegal transitions are logged and surfaced
// as error events; terminal ones tear the session down.
func (c *Coordinator) transitionLocked(lc *liveCall, next call.State) error {
	s := lc.session
	if err := s.TransitionTo(next); err != nil {
		c.log.Logger.Error("rejected call transition",
			zap.String("call_id", s.ID()),
			zap.String("from", string(s.State())),
			zap.String("to", string(next)),
			zap.Error(err),
		)
		snap := s.Snapshot()
		c.emitLocked(events.Event{Kind: events.KindError, CallID: s.ID(), Session: &snap, Err: err})
		return err
	}
	if next.IsTerminal() {
		c.teardownLocked(lc)
	}
	return nil
}

func (c *Coordinator) teardownLocked(lc *liveCall) {
	lc.stopTimer()
	s := lc.session
	s.ClearHandlers()
	if c.live == lc {
		c.live = nil
	}
	c.rememberEndedLocked(s.ID())

	snap := s.Snapshot()
	c.emitLocked(events.Event{Kind: events.KindSessionEnded, CallID: s.ID(), Session: &snap})
	c.log.Logger.Info("call session ended",
		zap.String("call_id", s.ID()),
		zap.String("state", string(s.State())),
		zap.String("reason", string(s.EndReason())),
	)

	joined := lc.mediaJoined
	lc.mediaJoined = false
	id, reason := s.ID(), s.EndReason()
	c.deferLocked(func(ctx context.Context) {
		if joined {
			if err := c.media.Leave(ctx); err != nil {
				c.log.Logger.Warn("media leave failed", zap.String("call_id", id), zap.Error(err))
			}
		}
		if err := c.telephony.ReportEnded(ctx, id, reason); err != nil {
			c.log.Logger.Warn("native end report failed", zap.String("call_id", id), zap.Error(err))
		}
	})
}

func (c *Coordinator) rememberEndedLocked(id string) {
	now := c.opts.Now()
	for k, at := range c.ended {
		if now.Sub(at) > endedRetention {
			delete(c.ended, k)
		}
	}
	c.ended[id] = now
}

func (c *Coordinator) endedRecentlyLocked(id string) bool {
	at, ok := c.ended[id]
	return ok && c.opts.Now().Sub(at) <= endedRetention
}

func (c *Coordinator) signalLocked(lc *liveCall, t signal.Type) signal.Signal {
	return signal.New(t, lc.session.ID(), lc.localID, c.opts.Now())
}

// remoteTopicsLocked lists where the other side of lc listens.
func (c *Coordinator) remoteTopicsLocked(lc *liveCall) []string {
	s := lc.session
	var topics []string
	if s.IsOutgoing() && s.State().IsPreAnswer() {
		topics = append(topics, signal.ApartmentTopic(s.BuildingID(), s.ApartmentNumber()))
	}
	if r := s.RemoteUserID(); r != "" {
		topics = append(topics, signal.UserTopic(r))
	}
	return topics
}

func (c *Coordinator) publish(ctx context.Context, topic string, sig signal.Signal) error {
	if err := c.signaling.Publish(ctx, topic, sig); err != nil {
		return fmt.Errorf("%w: %w", intercom_errors.ErrSignalingUnavailable, err)
	}
	return nil
}

// deferPublishLocked sends sig to topics after unlock, logging failures. While
// the INVITE of sig's call is in flight the send waits for it.
func (c *Coordinator) deferPublishLocked(topics []string, sig signal.Signal) {
	if len(topics) == 0 {
		return
	}
	send := func(ctx context.Context) {
		for _, topic := range topics {
			if err := c.publish(ctx, topic, sig); err != nil {
				c.log.Logger.Warn("signal publish failed",
					zap.String("call_id", sig.CallID),
					zap.String("signal", string(sig.Type)),
					zap.String("topic", topic),
					zap.Error(err),
				)
			}
		}
	}
	if held, ok := c.inviting[sig.CallID]; ok && sig.Type != signal.TypeInvite {
		c.inviting[sig.CallID] = append(held, send)
		return
	}
	c.deferLocked(send)
}

// releaseInviteLocked ends the INVITE window of callID and queues the signals
// held during it.
func (c *Coordinator) releaseInviteLocked(callID string) {
	held := c.inviting[callID]
	delete(c.inviting, callID)
	for _, fn := range held {
		c.deferLocked(fn)
	}
}

func eventError(callID string, snap *call.Snapshot, err error) events.Event {
	return events.Event{Kind: events.KindError, CallID: callID, Session: snap, Err: err}
}
