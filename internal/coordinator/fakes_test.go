package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"concierge-intercom/internal/domain/call"
	"concierge-intercom/internal/events"
	"concierge-intercom/internal/signal"
	"concierge-intercom/internal/telephony"
)

type fakeTokens struct {
	mu    sync.Mutex
	err   error
	calls []call.TokenRequest
}

func (f *fakeTokens) IssueTokenBundle(_ context.Context, req call.TokenRequest) (call.TokenBundle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.err != nil {
		return call.TokenBundle{}, f.err
	}
	return call.TokenBundle{
		RTCToken:    "rtc-" + req.CallID + "-" + req.UserID,
		RTMToken:    "rtm-" + req.UserID,
		UID:         req.UserID,
		ChannelName: req.ChannelName,
		TTLSeconds:  3600,
	}, nil
}

type published struct {
	topic string
	sig   signal.Signal
}

type fakeSignaling struct {
	mu         sync.Mutex
	handler    func(signal.Signal)
	topics     []string
	published  []published
	publishErr error
	subErr     error
	unsubs     int

	// beforePublish runs ahead of each publish, outside the fake's lock.
	beforePublish func(signal.Signal)
}

func (f *fakeSignaling) Subscribe(_ context.Context, topics []string, handler func(signal.Signal)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subErr != nil {
		return nil, f.subErr
	}
	f.handler = handler
	f.topics = append([]string(nil), topics...)
	return func() {
		f.mu.Lock()
		f.unsubs++
		f.mu.Unlock()
	}, nil
}

func (f *fakeSignaling) Publish(_ context.Context, topic string, sig signal.Signal) error {
	f.mu.Lock()
	hook := f.beforePublish
	f.mu.Unlock()
	if hook != nil {
		hook(sig)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, published{topic: topic, sig: sig})
	return nil
}

func (f *fakeSignaling) types() []signal.Type {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]signal.Type, 0, len(f.published))
	for _, p := range f.published {
		out = append(out, p.sig.Type)
	}
	return out
}

func (f *fakeSignaling) deliver(t *testing.T, sig signal.Signal) {
	t.Helper()
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h == nil {
		t.Fatalf("no signaling subscription")
	}
	if sig.Version == 0 {
		sig.Version = signal.CurrentVersion
	}
	h(sig)
}

func (f *fakeSignaling) sent(typ signal.Type) []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []published
	for _, p := range f.published {
		if p.sig.Type == typ {
			out = append(out, p)
		}
	}
	return out
}

type fakeMedia struct {
	mu      sync.Mutex
	joinErr error
	joins   []string
	leaves  int
	muted   bool
	speaker bool
	handler func(MediaEvent)
}

func (f *fakeMedia) Join(_ context.Context, channel, token, uid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.joinErr != nil {
		return f.joinErr
	}
	f.joins = append(f.joins, channel+"|"+token+"|"+uid)
	return nil
}

func (f *fakeMedia) Leave(context.Context) error {
	f.mu.Lock()
	f.leaves++
	f.mu.Unlock()
	return nil
}

func (f *fakeMedia) SetMuted(m bool) error {
	f.mu.Lock()
	f.muted = m
	f.mu.Unlock()
	return nil
}

func (f *fakeMedia) SetSpeakerphoneOn(on bool) error {
	f.mu.Lock()
	f.speaker = on
	f.mu.Unlock()
	return nil
}

func (f *fakeMedia) Subscribe(h func(MediaEvent)) func() {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
	return func() {}
}

func (f *fakeMedia) emit(ev MediaEvent) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h(ev)
}

type fakeTelephony struct {
	mu        sync.Mutex
	attached  telephony.Commands
	shown     []string
	adopted   []string
	outgoing  []string
	connected []string
	ended     map[string]call.EndReason
}

func (f *fakeTelephony) Attach(cmds telephony.Commands, _ events.Observable) {
	f.mu.Lock()
	f.attached = cmds
	f.mu.Unlock()
}

func (f *fakeTelephony) ShowIncoming(_ context.Context, snap call.Snapshot) error {
	f.mu.Lock()
	f.shown = append(f.shown, snap.ID)
	f.mu.Unlock()
	return nil
}

func (f *fakeTelephony) Adopt(snap call.Snapshot) {
	f.mu.Lock()
	f.adopted = append(f.adopted, snap.ID)
	f.mu.Unlock()
}

func (f *fakeTelephony) ReportOutgoing(_ context.Context, snap call.Snapshot) error {
	f.mu.Lock()
	f.outgoing = append(f.outgoing, snap.ID)
	f.mu.Unlock()
	return nil
}

func (f *fakeTelephony) ReportConnected(_ context.Context, id string) error {
	f.mu.Lock()
	f.connected = append(f.connected, id)
	f.mu.Unlock()
	return nil
}

func (f *fakeTelephony) ReportEnded(_ context.Context, id string, reason call.EndReason) error {
	f.mu.Lock()
	if f.ended == nil {
		f.ended = make(map[string]call.EndReason)
	}
	f.ended[id] = reason
	f.mu.Unlock()
	return nil
}

// nativeLog is a platform call UI that records what it was asked to show.
type nativeLog struct {
	mu      sync.Mutex
	entries []string
	handler func(telephony.Action)
}

func (n *nativeLog) add(entry string) {
	n.mu.Lock()
	n.entries = append(n.entries, entry)
	n.mu.Unlock()
}

func (n *nativeLog) ReportIncomingCall(_ context.Context, snap call.Snapshot) error {
	n.add("incoming:" + string(snap.State))
	return nil
}

func (n *nativeLog) ReportOutgoingCall(_ context.Context, snap call.Snapshot) error {
	n.add("outgoing:" + snap.ID)
	return nil
}

func (n *nativeLog) ReportConnected(_ context.Context, id string) error {
	n.add("connected:" + id)
	return nil
}

func (n *nativeLog) ReportEnded(_ context.Context, id string, _ call.EndReason) error {
	n.add("ended:" + id)
	return nil
}

func (n *nativeLog) OnAction(h func(telephony.Action)) func() {
	n.mu.Lock()
	n.handler = h
	n.mu.Unlock()
	return func() {}
}

func (n *nativeLog) act(a telephony.Action) {
	n.mu.Lock()
	h := n.handler
	n.mu.Unlock()
	h(a)
}

func (n *nativeLog) log() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.entries...)
}

type manualTimer struct {
	mu      sync.Mutex
	f       func()
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

func (t *manualTimer) fire() {
	t.mu.Lock()
	if t.stopped || t.fired {
		t.mu.Unlock()
		return
	}
	t.fired = true
	t.mu.Unlock()
	t.f()
}

type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (m *manualClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *manualClock) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

func (m *manualClock) AfterFunc(_ time.Duration, f func()) Timer {
	t := &manualTimer{f: f}
	m.mu.Lock()
	m.timers = append(m.timers, t)
	m.mu.Unlock()
	return t
}

func (m *manualClock) last() *manualTimer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.timers) == 0 {
		return nil
	}
	return m.timers[len(m.timers)-1]
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) handle(ev events.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) kinds(kind events.Kind) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) transitions() []call.StateChange {
	var out []call.StateChange
	for _, ev := range r.kinds(events.KindStateChanged) {
		out = append(out, *ev.Change)
	}
	return out
}

type harness struct {
	c     *Coordinator
	tok   *fakeTokens
	sig   *fakeSignaling
	media *fakeMedia
	tel   *fakeTelephony
	clock *manualClock
	rec   *recorder
}

var (
	resident = call.CurrentUser{ID: "resident-1", UserType: call.UserTypeResident, DisplayName: "Ana", BuildingID: "b1", ApartmentNumber: "4B"}
	doorman  = call.CurrentUser{ID: "doorman-1", UserType: call.UserTypeDoorman, DisplayName: "Front Desk", BuildingID: "b1"}
)

func newHarness(t *testing.T, user call.CurrentUser) *harness {
	t.Helper()
	return newHarnessWith(t, user, nil)
}

// newHarnessWith builds a harness whose coordinator reports to tel instead of
// the recording fake when tel is non-nil.
func newHarnessWith(t *testing.T, user call.CurrentUser, tel Telephony) *harness {
	t.Helper()
	h := &harness{
		tok:   &fakeTokens{},
		sig:   &fakeSignaling{},
		media: &fakeMedia{},
		tel:   &fakeTelephony{},
		clock: newManualClock(),
		rec:   &recorder{},
	}
	ids := 0
	if tel == nil {
		tel = h.tel
	}
	c, err := New(Deps{Tokens: h.tok, Signaling: h.sig, Media: h.media, Telephony: tel}, Options{
		AfterFunc: h.clock.AfterFunc,
		Now:       h.clock.Now,
		NewCallID: func() string {
			ids++
			return "out-" + string(rune('0'+ids))
		},
	})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	h.c = c
	c.Subscribe(events.KindAll, h.rec.handle)

	ctx := context.Background()
	if err := c.SetCurrentUser(ctx, user); err != nil {
		t.Fatalf("set user: %v", err)
	}
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return h
}

func (h *harness) push(callID string) call.IncomingCallEvent {
	return call.IncomingCallEvent{
		CallID:             callID,
		From:               doorman.ID,
		CallerName:         "Front Desk",
		ApartmentNumber:    "4B",
		BuildingID:         "b1",
		Timestamp:          h.clock.Now(),
		Source:             call.SourceForeground,
		ShouldShowNativeUI: true,
	}
}

func (h *harness) newSig(typ signal.Type, callID, from string) signal.Signal {
	return signal.New(typ, callID, from, h.clock.Now())
}

func (h *harness) state(t *testing.T) call.State {
	t.Helper()
	snap, ok := h.c.ActiveSession()
	if !ok {
		t.Fatalf("expected a live session")
	}
	return snap.State
}

var errBoom = errors.New("boom")
