package recovery

import (
	"context"
	"sync"
	"time"

	"concierge-intercom/internal/domain/call"
	"concierge-intercom/internal/events"
	"concierge-intercom/pkg/logger"

	"go.uber.org/zap"
)

// Registry is the write side of an active-call directory.
type Registry interface {
	Register(ctx context.Context, rec call.ActiveCallRecord) error
	Remove(ctx context.Context, buildingID, callID string) error
}

// Announcer keeps a Registry current with this device's outgoing calls so
// that receiving devices can recover them. Updates are applied in event order
// by a single worker.
type Announcer struct {
	registry Registry
	log      *logger.Logger
	timeout  time.Duration

	mu      sync.Mutex
	unsubs  []func()
	pending []directoryOp
	running bool
	idle    *sync.Cond
}

type directoryOp struct {
	name   string
	callID string
	fn     func(context.Context) error
}

func NewAnnouncer(registry Registry, log *logger.Logger, timeout time.Duration) *Announcer {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	a := &Announcer{registry: registry, log: logger.OrNop(log), timeout: timeout}
	a.idle = sync.NewCond(&a.mu)
	return a
}

func (a *Announcer) Attach(stream events.Observable) {
	created := stream.Subscribe(events.KindSessionCreated, a.onCreated)
	ended := stream.Subscribe(events.KindSessionEnded, a.onEnded)
	a.mu.Lock()
	a.unsubs = append(a.unsubs, created, ended)
	a.mu.Unlock()
}

// Detach stops listening and waits for queued updates to be applied.
func (a *Announcer) Detach() {
	a.mu.Lock()
	unsubs := a.unsubs
	a.unsubs = nil
	a.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
	a.Flush()
}

// Flush blocks until the update queue is empty.
func (a *Announcer) Flush() {
	a.mu.Lock()
	for a.running {
		a.idle.Wait()
	}
	a.mu.Unlock()
}

func (a *Announcer) onCreated(ev events.Event) {
	snap := ev.Session
	if snap == nil || !snap.IsOutgoing || snap.BuildingID == "" {
		return
	}
	rec := call.ActiveCallRecord{
		CallID:          snap.ID,
		From:            callerOf(*snap),
		CallerName:      snap.CallerName,
		ApartmentNumber: snap.ApartmentNumber,
		BuildingID:      snap.BuildingID,
		BuildingName:    snap.BuildingName,
		ChannelName:     snap.ChannelName,
		StartedAt:       snap.CreatedAt,
	}
	a.run("register", snap.ID, func(ctx context.Context) error {
		return a.registry.Register(ctx, rec)
	})
}

func (a *Announcer) onEnded(ev events.Event) {
	snap := ev.Session
	if snap == nil || !snap.IsOutgoing || snap.BuildingID == "" {
		return
	}
	building, id := snap.BuildingID, snap.ID
	a.run("remove", id, func(ctx context.Context) error {
		return a.registry.Remove(ctx, building, id)
	})
}

func (a *Announcer) run(name, callID string, fn func(context.Context) error) {
	a.mu.Lock()
	a.pending = append(a.pending, directoryOp{name: name, callID: callID, fn: fn})
	if a.running {
		a.mu.Unlock()
		return
	}
	a.running = true
	a.mu.Unlock()
	go a.work()
}

func (a *Announcer) work() {
	for {
		a.mu.Lock()
		if len(a.pending) == 0 {
			a.running = false
			a.idle.Broadcast()
			a.mu.Unlock()
			return
		}
		op := a.pending[0]
		a.pending = a.pending[1:]
		a.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		err := op.fn(ctx)
		cancel()
		if err != nil {
			a.log.Logger.Warn("call directory update failed",
				zap.String("op", op.name),
				zap.String("call_id", op.callID),
				zap.Error(err),
			)
		}
	}
}

func callerOf(s call.Snapshot) string {
	for _, p := range s.Participants {
		if p.Role == call.RoleCaller {
			return p.UserID
		}
	}
	return ""
}
