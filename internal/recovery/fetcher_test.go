package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"concierge-intercom/internal/domain/call"
	"concierge-intercom/internal/events"
	intercom_errors "concierge-intercom/pkg/errors"
)

var now = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

type fakeCoordinator struct {
	*events.Stream

	mu        sync.Mutex
	ready     bool
	user      *call.CurrentUser
	delivered []call.IncomingCallEvent
	pushErr   error
}

func newFakeCoordinator(u *call.CurrentUser) *fakeCoordinator {
	return &fakeCoordinator{Stream: events.NewStream(), ready: true, user: u}
}

func (f *fakeCoordinator) IsReady() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeCoordinator) CurrentUser() (call.CurrentUser, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.user == nil {
		return call.CurrentUser{}, false
	}
	return *f.user, true
}

func (f *fakeCoordinator) HandleIncomingPush(_ context.Context, ev call.IncomingCallEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, ev)
	return f.pushErr
}

func (f *fakeCoordinator) deliveries() []call.IncomingCallEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call.IncomingCallEvent(nil), f.delivered...)
}

type fakeSource struct {
	mu      sync.Mutex
	records []call.ActiveCallRecord
	err     error
	calls   []string
}

func (s *fakeSource) ActiveCalls(_ context.Context, buildingID string) ([]call.ActiveCallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, buildingID)
	return s.records, s.err
}

func (s *fakeSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type fakeDirectory struct {
	building string
	err      error
}

func (d fakeDirectory) BuildingForApartment(context.Context, call.CurrentUser) (string, error) {
	return d.building, d.err
}

func resident() *call.CurrentUser {
	return &call.CurrentUser{ID: "resident-1", UserType: call.UserTypeResident, BuildingID: "b1", ApartmentNumber: "4B"}
}

func ringing(id string) call.ActiveCallRecord {
	return call.ActiveCallRecord{
		CallID:          id,
		From:            "doorman-1",
		CallerName:      "Front Desk",
		ApartmentNumber: "4B",
		ChannelName:     call.ChannelNameFor(id),
		StartedAt:       now.Add(-30 * time.Second),
	}
}

func newTestFetcher(coord Coordinator, src ActiveCallSource, opts Options) *Fetcher {
	opts.Now = func() time.Time { return now }
	return NewFetcher(coord, src, nil, opts)
}

func TestRecoverDeliversWithoutNativeUI(t *testing.T) {
	coord := newFakeCoordinator(resident())
	src := &fakeSource{records: []call.ActiveCallRecord{ringing("c1")}}
	f := newTestFetcher(coord, src, Options{})

	rep, err := f.Recover(context.Background())
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if rep.Status != StatusSucceeded || rep.Delivered != 1 || rep.BuildingID != "b1" {
		t.Fatalf("unexpected report %+v", rep)
	}
	got := coord.deliveries()
	if len(got) != 1 {
		t.Fatalf("expected one delivery, got %d", len(got))
	}
	ev := got[0]
	if ev.Source != call.SourceRecovery || ev.ShouldShowNativeUI {
		t.Fatalf("recovered call must be quiet, got %+v", ev)
	}
	if ev.BuildingID != "b1" || ev.ChannelName != "intercom_c1" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestRecoverRunsOncePerUser(t *testing.T) {
	coord := newFakeCoordinator(resident())
	src := &fakeSource{records: []call.ActiveCallRecord{ringing("c1")}}
	f := newTestFetcher(coord, src, Options{})

	if _, err := f.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}
	rep, err := f.Recover(context.Background())
	if err != nil {
		t.Fatalf("second recover: %v", err)
	}
	if rep.Reason != reasonAlreadySucceeded {
		t.Fatalf("expected second run to be skipped, got %+v", rep)
	}
	if src.callCount() != 1 {
		t.Fatalf("source queried %d times", src.callCount())
	}
}

func TestRecoverFailureIsRetryEligible(t *testing.T) {
	coord := newFakeCoordinator(resident())
	src := &fakeSource{err: errors.New("backend down")}
	f := newTestFetcher(coord, src, Options{})

	rep, err := f.Recover(context.Background())
	if err == nil {
		t.Fatalf("expected error")
	}
	if rep.Status != StatusFailedRetryEligible || f.Status("resident-1") != StatusFailedRetryEligible {
		t.Fatalf("expected retry eligible, got %+v", rep)
	}

	src.mu.Lock()
	src.err = nil
	src.records = []call.ActiveCallRecord{ringing("c1")}
	src.mu.Unlock()

	rep, err = f.Recover(context.Background())
	if err != nil || rep.Status != StatusSucceeded || rep.Delivered != 1 {
		t.Fatalf("expected retry to succeed, got %+v %v", rep, err)
	}
}

func TestRecoverWithoutBuildingIsSkip(t *testing.T) {
	u := &call.CurrentUser{ID: "resident-1", UserType: call.UserTypeResident}
	coord := newFakeCoordinator(u)
	src := &fakeSource{}
	f := newTestFetcher(coord, src, Options{})

	rep, err := f.Recover(context.Background())
	if err != nil {
		t.Fatalf("missing building must not be an error: %v", err)
	}
	if rep.Reason != reasonNoBuilding || f.Status("resident-1") != StatusNotAttempted {
		t.Fatalf("unexpected report %+v", rep)
	}
	if src.callCount() != 0 {
		t.Fatalf("source must not be queried without a building")
	}
}

func TestRecoverResolvesBuildingThroughDirectory(t *testing.T) {
	u := &call.CurrentUser{ID: "resident-1", UserType: call.UserTypeResident, ApartmentNumber: "4B"}
	coord := newFakeCoordinator(u)
	src := &fakeSource{records: []call.ActiveCallRecord{ringing("c1")}}
	f := newTestFetcher(coord, src, Options{Directory: fakeDirectory{building: "b9"}})

	rep, err := f.Recover(context.Background())
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if rep.BuildingID != "b9" || src.calls[0] != "b9" {
		t.Fatalf("expected directory building, got %+v", rep)
	}
	if coord.deliveries()[0].BuildingID != "b9" {
		t.Fatalf("expected building filled in from lookup")
	}

	failing := newTestFetcher(newFakeCoordinator(u), &fakeSource{}, Options{Directory: fakeDirectory{err: errors.New("lookup")}})
	if rep, err := failing.Recover(context.Background()); err == nil || rep.Status != StatusFailedRetryEligible {
		t.Fatalf("directory failure must be retry eligible, got %+v %v", rep, err)
	}
}

func TestRecoverSkipsIrrelevantRecords(t *testing.T) {
	coord := newFakeCoordinator(resident())
	old := ringing("old")
	old.StartedAt = now.Add(-5 * time.Minute)
	own := ringing("own")
	own.From = "resident-1"
	other := ringing("other")
	other.ApartmentNumber = "7A"
	src := &fakeSource{records: []call.ActiveCallRecord{old, own, other, {CallID: "x"}, ringing("c1")}}
	f := newTestFetcher(coord, src, Options{})

	rep, err := f.Recover(context.Background())
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if rep.Found != 5 || rep.Skipped != 4 || rep.Delivered != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if coord.deliveries()[0].CallID != "c1" {
		t.Fatalf("wrong call delivered")
	}
}

func TestRecoverAbsorbsCoordinatorRejection(t *testing.T) {
	coord := newFakeCoordinator(resident())
	coord.pushErr = intercom_errors.ErrAlreadyInCall
	src := &fakeSource{records: []call.ActiveCallRecord{ringing("c1")}}
	f := newTestFetcher(coord, src, Options{})

	rep, err := f.Recover(context.Background())
	if err != nil {
		t.Fatalf("rejection must not fail recovery: %v", err)
	}
	if rep.Status != StatusSucceeded || rep.Skipped != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
}

func TestRecoverPreconditions(t *testing.T) {
	coord := newFakeCoordinator(nil)
	f := newTestFetcher(coord, &fakeSource{}, Options{})
	if _, err := f.Recover(context.Background()); !errors.Is(err, intercom_errors.ErrNoCurrentUser) {
		t.Fatalf("expected ErrNoCurrentUser, got %v", err)
	}

	coord = newFakeCoordinator(resident())
	coord.ready = false
	f = newTestFetcher(coord, &fakeSource{}, Options{})
	if _, err := f.Recover(context.Background()); !errors.Is(err, intercom_errors.ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
}

func TestAttachTriggersOnReadyAndUserChange(t *testing.T) {
	coord := newFakeCoordinator(resident())
	src := &fakeSource{records: []call.ActiveCallRecord{ringing("c1")}}
	f := newTestFetcher(coord, src, Options{})
	f.Attach()
	defer f.Detach()

	coord.Publish(events.Event{Kind: events.KindReady})
	f.Wait()
	if src.callCount() != 1 || f.Status("resident-1") != StatusSucceeded {
		t.Fatalf("expected recovery on ready, got %d calls", src.callCount())
	}

	f.Foreground()
	f.Wait()
	if src.callCount() != 1 {
		t.Fatalf("foreground after success must not query again")
	}

	u := resident()
	coord.Publish(events.Event{Kind: events.KindUserChanged, User: u})
	f.Wait()
	if src.callCount() != 2 {
		t.Fatalf("user change must reset and rerun recovery, got %d calls", src.callCount())
	}
}
