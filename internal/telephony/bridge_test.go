package telephony

import (
	"context"
	"sync"
	"testing"
	"time"

	"concierge-intercom/internal/domain/call"
	"concierge-intercom/internal/events"
	intercom_errors "concierge-intercom/pkg/errors"
)

type fakeNative struct {
	mu        sync.Mutex
	incoming  []string
	outgoing  []string
	connected []string
	ended     []string
	handler   func(Action)
}

func (f *fakeNative) ReportIncomingCall(_ context.Context, snap call.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.incoming = append(f.incoming, snap.ID)
	return nil
}

func (f *fakeNative) ReportOutgoingCall(_ context.Context, snap call.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outgoing = append(f.outgoing, snap.ID)
	return nil
}

func (f *fakeNative) ReportConnected(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = append(f.connected, id)
	return nil
}

func (f *fakeNative) ReportEnded(_ context.Context, id string, _ call.EndReason) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, id)
	return nil
}

func (f *fakeNative) OnAction(h func(Action)) func() {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.handler = nil
		f.mu.Unlock()
	}
}

func (f *fakeNative) act(a Action) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(a)
	}
}

type fakeCommands struct {
	mu       sync.Mutex
	active   *call.Snapshot
	received []string
}

func (f *fakeCommands) record(s string) {
	f.mu.Lock()
	f.received = append(f.received, s)
	f.mu.Unlock()
}

func (f *fakeCommands) AnswerIncomingCall(context.Context) error {
	f.record("answer")
	return nil
}

func (f *fakeCommands) DeclineIncomingCall(_ context.Context, reason string) error {
	f.mu.Lock()
	outgoing := f.active != nil && f.active.IsOutgoing
	f.mu.Unlock()
	if outgoing {
		return intercom_errors.ErrNoActiveCall
	}
	f.record("decline:" + reason)
	return nil
}

func (f *fakeCommands) EndActiveCall(_ context.Context, kind call.EndKind) error {
	f.record("end:" + string(kind))
	return nil
}

func (f *fakeCommands) SetMuted(_ context.Context, muted bool) error {
	if muted {
		f.record("mute")
	} else {
		f.record("unmute")
	}
	return nil
}

func (f *fakeCommands) ActiveSession() (call.Snapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active == nil {
		return call.Snapshot{}, false
	}
	return *f.active, true
}

func (f *fakeCommands) setActive(snap *call.Snapshot) {
	f.mu.Lock()
	f.active = snap
	f.mu.Unlock()
}

func (f *fakeCommands) got() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.received...)
}

func newTestBridge(opts ...BridgeOption) (*Bridge, *fakeNative, *fakeCommands, *events.Stream) {
	native := &fakeNative{}
	cmds := &fakeCommands{}
	stream := events.NewStream()
	b := NewBridge(native, nil, opts...)
	b.Attach(cmds, stream)
	return b, native, cmds, stream
}

func TestShowIncomingOnce(t *testing.T) {
	b, native, _, _ := newTestBridge()
	snap := call.Snapshot{ID: "c1"}

	for i := 0; i < 2; i++ {
		if err := b.ShowIncoming(context.Background(), snap); err != nil {
			t.Fatalf("show: %v", err)
		}
	}
	if len(native.incoming) != 1 {
		t.Fatalf("expected native UI once, got %v", native.incoming)
	}
}

func TestAdoptSuppressesNativeUI(t *testing.T) {
	b, native, _, _ := newTestBridge()
	b.Adopt(call.Snapshot{ID: "c1"})

	if err := b.ShowIncoming(context.Background(), call.Snapshot{ID: "c1"}); err != nil {
		t.Fatalf("show: %v", err)
	}
	if len(native.incoming) != 0 {
		t.Fatalf("adopted call must not be presented again")
	}
	if ids := b.Displayed(); len(ids) != 1 || ids[0] != "c1" {
		t.Fatalf("expected c1 displayed, got %v", ids)
	}
}

func TestActionsQueuedUntilReady(t *testing.T) {
	_, native, cmds, stream := newTestBridge()
	cmds.setActive(&call.Snapshot{ID: "c1"})

	native.act(Action{Kind: ActionAnswer, CallID: "c1"})
	native.act(Action{Kind: ActionMute})
	if got := cmds.got(); len(got) != 0 {
		t.Fatalf("actions must wait for ready, got %v", got)
	}

	stream.Publish(events.Event{Kind: events.KindReady})

	got := cmds.got()
	if len(got) != 2 || got[0] != "answer" || got[1] != "mute" {
		t.Fatalf("expected queued actions in order, got %v", got)
	}
}

func TestActionForUnknownCallIsParkedAndReplayed(t *testing.T) {
	b, native, cmds, stream := newTestBridge()
	stream.Publish(events.Event{Kind: events.KindReady})

	native.act(Action{Kind: ActionAnswer, CallID: "c7"})
	if b.Parked("c7") != 1 || len(cmds.got()) != 0 {
		t.Fatalf("expected action parked, got %d parked and %v", b.Parked("c7"), cmds.got())
	}

	cmds.setActive(&call.Snapshot{ID: "c7"})
	stream.Publish(events.Event{Kind: events.KindSessionCreated, CallID: "c7"})

	if got := cmds.got(); len(got) != 1 || got[0] != "answer" {
		t.Fatalf("expected parked answer replayed, got %v", got)
	}
	if b.Parked("c7") != 0 {
		t.Fatalf("expected parked actions drained")
	}
}

func TestExpiredParkedActionDropped(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	b, native, cmds, stream := newTestBridge(WithClock(clock), WithParkTTL(time.Minute))
	stream.Publish(events.Event{Kind: events.KindReady})

	native.act(Action{Kind: ActionAnswer, CallID: "c7"})
	now = now.Add(2 * time.Minute)

	cmds.setActive(&call.Snapshot{ID: "c7"})
	stream.Publish(events.Event{Kind: events.KindSessionCreated, CallID: "c7"})

	if got := cmds.got(); len(got) != 0 {
		t.Fatalf("expired action must not replay, got %v", got)
	}
	if b.Parked("c7") != 0 {
		t.Fatalf("expected parked entry removed")
	}
}

func TestSessionEndedDropsParkedActions(t *testing.T) {
	b, native, _, stream := newTestBridge()
	stream.Publish(events.Event{Kind: events.KindReady})
	native.act(Action{Kind: ActionHangup, CallID: "c3"})

	stream.Publish(events.Event{Kind: events.KindSessionEnded, CallID: "c3"})
	if b.Parked("c3") != 0 {
		t.Fatalf("expected parked actions dropped on end")
	}
}

func TestDeclineOutgoingFallsBackToEnd(t *testing.T) {
	_, native, cmds, stream := newTestBridge()
	stream.Publish(events.Event{Kind: events.KindReady})
	cmds.setActive(&call.Snapshot{ID: "o1", IsOutgoing: true})

	native.act(Action{Kind: ActionDecline, CallID: "o1"})

	if got := cmds.got(); len(got) != 1 || got[0] != "end:decline" {
		t.Fatalf("expected decline to end the outgoing call, got %v", got)
	}
}

func TestReportEndedOnlyForDisplayedCalls(t *testing.T) {
	b, native, _, _ := newTestBridge()
	ctx := context.Background()

	if err := b.ReportEnded(ctx, "ghost", call.EndReasonHangup); err != nil {
		t.Fatalf("report ended: %v", err)
	}
	if err := b.ReportOutgoing(ctx, call.Snapshot{ID: "o1", IsOutgoing: true}); err != nil {
		t.Fatalf("report outgoing: %v", err)
	}
	if err := b.ReportConnected(ctx, "o1"); err != nil {
		t.Fatalf("report connected: %v", err)
	}
	if err := b.ReportEnded(ctx, "o1", call.EndReasonHangup); err != nil {
		t.Fatalf("report ended: %v", err)
	}

	if len(native.ended) != 1 || native.ended[0] != "o1" {
		t.Fatalf("expected only displayed call ended natively, got %v", native.ended)
	}
	if len(native.connected) != 1 {
		t.Fatalf("expected connected report, got %v", native.connected)
	}
	if len(b.Displayed()) != 0 {
		t.Fatalf("expected no displayed calls after end")
	}
}

func TestUnknownActionIgnored(t *testing.T) {
	_, native, cmds, stream := newTestBridge()
	stream.Publish(events.Event{Kind: events.KindReady})
	native.act(Action{Kind: "teleport"})
	if len(cmds.got()) != 0 {
		t.Fatalf("unknown action must be ignored")
	}
}

func TestDetachStopsActions(t *testing.T) {
	b, native, cmds, stream := newTestBridge()
	stream.Publish(events.Event{Kind: events.KindReady})
	b.Detach()
	native.act(Action{Kind: ActionMute})
	if len(cmds.got()) != 0 {
		t.Fatalf("detached bridge must not forward actions")
	}
}
