package telephony

import (
	"context"
	"errors"
	"sync"
	"time"

	"concierge-intercom/internal/domain/call"
	"concierge-intercom/internal/events"
	intercom_errors "concierge-intercom/pkg/errors"
	"concierge-intercom/pkg/logger"

	"go.uber.org/zap"
)

const (
	DefaultParkTTL       = 60 * time.Second
	defaultActionTimeout = 10 * time.Second
)

type BridgeOption func(*Bridge)

// WithParkTTL bounds how long an action for an unknown call is kept.
func WithParkTTL(d time.Duration) BridgeOption {
	return func(b *Bridge) { b.parkTTL = d }
}

func WithClock(now func() time.Time) BridgeOption {
	return func(b *Bridge) { b.now = now }
}

// Bridge keeps the native call UI and the coordinator in step.
//
// Native actions received before the coordinator is ready are queued, and
// actions for a call id the coordinator has not seen yet are parked until its
// session is created. A call is shown natively at most once.
type Bridge struct {
	native  Native
	log     *logger.Logger
	now     func() time.Time
	parkTTL time.Duration

	mu        sync.Mutex
	cmds      Commands
	ready     bool
	displayed map[string]call.Snapshot
	queued    []Action
	parked    map[string][]Action
	unsubs    []func()
}

func NewBridge(native Native, log *logger.Logger, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		native:    native,
		log:       logger.OrNop(log),
		now:       time.Now,
		parkTTL:   DefaultParkTTL,
		displayed: make(map[string]call.Snapshot),
		parked:    make(map[string][]Action),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Attach binds the bridge to the coordinator. Queued actions are replayed
// once the stream reports ready.
func (b *Bridge) Attach(cmds Commands, stream events.Observable) {
	b.mu.Lock()
	b.cmds = cmds
	b.mu.Unlock()

	unsubs := []func(){
		stream.Subscribe(events.KindReady, func(events.Event) { b.onReady() }),
		stream.Subscribe(events.KindSessionCreated, b.onSessionCreated),
		stream.Subscribe(events.KindSessionEnded, b.onSessionEnded),
		b.native.OnAction(b.HandleAction),
	}
	b.mu.Lock()
	b.unsubs = append(b.unsubs, unsubs...)
	b.mu.Unlock()
}

// Detach drops every subscription made by Attach.
func (b *Bridge) Detach() {
	b.mu.Lock()
	unsubs := b.unsubs
	b.unsubs = nil
	b.ready = false
	b.mu.Unlock()
	for _, fn := range unsubs {
		fn()
	}
}

// ShowIncoming asks the native layer to present an incoming call.
func (b *Bridge) ShowIncoming(ctx context.Context, snap call.Snapshot) error {
	b.mu.Lock()
	if _, ok := b.displayed[snap.ID]; ok {
		b.mu.Unlock()
		return nil
	}
	b.displayed[snap.ID] = snap
	b.mu.Unlock()

	if err := b.native.ReportIncomingCall(ctx, snap); err != nil {
		b.mu.Lock()
		delete(b.displayed, snap.ID)
		b.mu.Unlock()
		return err
	}
	return nil
}

// Adopt records a call the OS is already showing, such as one recovered
// after a cold start, without presenting it again.
func (b *Bridge) Adopt(snap call.Snapshot) {
	b.mu.Lock()
	b.displayed[snap.ID] = snap
	b.mu.Unlock()
	b.log.Logger.Debug("adopted native call", zap.String("call_id", snap.ID))
}

func (b *Bridge) ReportOutgoing(ctx context.Context, snap call.Snapshot) error {
	b.mu.Lock()
	b.displayed[snap.ID] = snap
	b.mu.Unlock()
	return b.native.ReportOutgoingCall(ctx, snap)
}

func (b *Bridge) ReportConnected(ctx context.Context, callID string) error {
	if !b.isDisplayed(callID) {
		return nil
	}
	return b.native.ReportConnected(ctx, callID)
}

func (b *Bridge) ReportEnded(ctx context.Context, callID string, reason call.EndReason) error {
	b.mu.Lock()
	_, ok := b.displayed[callID]
	delete(b.displayed, callID)
	delete(b.parked, callID)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	return b.native.ReportEnded(ctx, callID, reason)
}

func (b *Bridge) isDisplayed(callID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.displayed[callID]
	return ok
}

// Displayed lists the call ids currently known to the native layer.
func (b *Bridge) Displayed() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.displayed))
	for id := range b.displayed {
		ids = append(ids, id)
	}
	return ids
}

// HandleAction accepts an action from the native layer.
func (b *Bridge) HandleAction(a Action) {
	if !a.Kind.Valid() {
		b.log.Logger.Warn("ignoring unknown native action", zap.String("kind", string(a.Kind)))
		return
	}
	if a.At.IsZero() {
		a.At = b.now()
	}

	b.mu.Lock()
	if !b.ready || b.cmds == nil {
		b.queued = append(b.queued, a)
		b.mu.Unlock()
		b.log.Logger.Debug("queued native action until ready", zap.String("kind", string(a.Kind)), zap.String("call_id", a.CallID))
		return
	}
	b.mu.Unlock()
	b.dispatch(a)
}

func (b *Bridge) onReady() {
	b.mu.Lock()
	b.ready = true
	queued := b.queued
	b.queued = nil
	b.mu.Unlock()

	for _, a := range queued {
		b.dispatch(a)
	}
}

func (b *Bridge) onSessionCreated(ev events.Event) {
	b.mu.Lock()
	actions := b.parked[ev.CallID]
	delete(b.parked, ev.CallID)
	b.mu.Unlock()

	for _, a := range actions {
		if b.expired(a) {
			continue
		}
		b.log.Logger.Info("replaying parked native action", zap.String("kind", string(a.Kind)), zap.String("call_id", a.CallID))
		b.dispatch(a)
	}
}

func (b *Bridge) onSessionEnded(ev events.Event) {
	b.mu.Lock()
	delete(b.parked, ev.CallID)
	b.mu.Unlock()
}

func (b *Bridge) expired(a Action) bool {
	return b.now().Sub(a.At) > b.parkTTL
}

// dispatch forwards a to the coordinator, or parks it when it names a call
// that is not live. Must be called without b.mu held.
func (b *Bridge) dispatch(a Action) {
	b.mu.Lock()
	cmds := b.cmds
	b.mu.Unlock()
	if cmds == nil {
		return
	}

	snap, live := cmds.ActiveSession()
	if a.CallID != "" && (!live || snap.ID != a.CallID) {
		b.park(a)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultActionTimeout)
	defer cancel()

	var err error
	switch a.Kind {
	case ActionAnswer:
		err = cmds.AnswerIncomingCall(ctx)
	case ActionDecline:
		err = cmds.DeclineIncomingCall(ctx, a.Reason)
		if errors.Is(err, intercom_errors.ErrNoActiveCall) && live {
			err = cmds.EndActiveCall(ctx, call.EndKindDecline)
		}
	case ActionHangup:
		err = cmds.EndActiveCall(ctx, call.EndKindHangup)
	case ActionMute:
		err = cmds.SetMuted(ctx, true)
	case ActionUnmute:
		err = cmds.SetMuted(ctx, false)
	}
	if err != nil {
		b.log.Logger.Warn("native action failed",
			zap.String("kind", string(a.Kind)),
			zap.String("call_id", a.CallID),
			zap.Error(err),
		)
	}
}

func (b *Bridge) park(a Action) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, actions := range b.parked {
		kept := actions[:0]
		for _, p := range actions {
			if !b.expired(p) {
				kept = append(kept, p)
			}
		}
		if len(kept) == 0 {
			delete(b.parked, id)
		} else {
			b.parked[id] = kept
		}
	}
	b.parked[a.CallID] = append(b.parked[a.CallID], a)
	b.log.Logger.Debug("parked native action for unknown call", zap.String("kind", string(a.Kind)), zap.String("call_id", a.CallID))
}

// Parked returns how many actions wait for callID.
func (b *Bridge) Parked(callID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.parked[callID])
}
