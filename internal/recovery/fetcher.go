package recovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"concierge-intercom/internal/domain/call"
	"concierge-intercom/internal/events"
	intercom_errors "concierge-intercom/pkg/errors"
	"concierge-intercom/pkg/logger"

	"go.uber.org/zap"
)

const (
	DefaultMaxCallAge = 2 * time.Minute
	DefaultTimeout    = 10 * time.Second
)

// Coordinator is the part of the call coordinator recovery drives.
type Coordinator interface {
	events.Observable
	IsReady() bool
	CurrentUser() (call.CurrentUser, bool)
	HandleIncomingPush(ctx context.Context, ev call.IncomingCallEvent) error
}

type Options struct {
	MaxCallAge time.Duration
	Timeout    time.Duration
	Directory  ApartmentDirectory
	Now        func() time.Time
}

// Fetcher runs recovery at most once per user until it fails or the user
// changes. Recovered calls are delivered without a native alert.
type Fetcher struct {
	coord     Coordinator
	source    ActiveCallSource
	directory ApartmentDirectory
	log       *logger.Logger
	maxAge    time.Duration
	timeout   time.Duration
	now       func() time.Time

	mu       sync.Mutex
	status   map[string]Status
	inFlight map[string]bool
	gen      int
	unsubs   []func()
	wg       sync.WaitGroup
}

func NewFetcher(coord Coordinator, source ActiveCallSource, log *logger.Logger, opts Options) *Fetcher {
	if opts.MaxCallAge <= 0 {
		opts.MaxCallAge = DefaultMaxCallAge
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Fetcher{
		coord:     coord,
		source:    source,
		directory: opts.Directory,
		log:       logger.OrNop(log),
		maxAge:    opts.MaxCallAge,
		timeout:   opts.Timeout,
		now:       opts.Now,
		status:    make(map[string]Status),
		inFlight:  make(map[string]bool),
	}
}

// Attach triggers recovery on ready and on every user change.
func (f *Fetcher) Attach() {
	onReady := f.coord.Subscribe(events.KindReady, func(events.Event) {
		f.trigger("ready")
	})
	onUser := f.coord.Subscribe(events.KindUserChanged, func(ev events.Event) {
		f.reset()
		if ev.User != nil {
			f.trigger("user_changed")
		}
	})
	f.mu.Lock()
	f.unsubs = append(f.unsubs, onReady, onUser)
	f.mu.Unlock()
}

// Detach stops listening and waits for running recoveries.
func (f *Fetcher) Detach() {
	f.mu.Lock()
	unsubs := f.unsubs
	f.unsubs = nil
	f.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
	f.Wait()
}

// Foreground is called when the app returns to the foreground.
func (f *Fetcher) Foreground() {
	f.trigger("foreground")
}

// Wait blocks until every triggered recovery has finished.
func (f *Fetcher) Wait() {
	f.wg.Wait()
}

func (f *Fetcher) Status(userID string) Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.status[userID]; ok {
		return s
	}
	return StatusNotAttempted
}

func (f *Fetcher) reset() {
	f.mu.Lock()
	f.gen++
	f.status = make(map[string]Status)
	f.mu.Unlock()
}

func (f *Fetcher) trigger(cause string) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		rep, err := f.Recover(context.Background())
		log := f.log.With(zap.String("trigger", cause), zap.String("user_id", rep.UserID))
		switch {
		case errors.Is(err, intercom_errors.ErrNotReady), errors.Is(err, intercom_errors.ErrNoCurrentUser):
			log.Logger.Debug("recovery skipped", zap.Error(err))
		case err != nil:
			log.Logger.Warn("recovery failed", zap.Error(err))
		case rep.Reason != "":
			log.Logger.Debug("recovery not run", zap.String("reason", rep.Reason))
		default:
			log.Logger.Info("recovery finished",
				zap.String("building_id", rep.BuildingID),
				zap.Int("found", rep.Found),
				zap.Int("delivered", rep.Delivered),
				zap.Int("skipped", rep.Skipped),
			)
		}
	}()
}

// Recover runs one recovery for the current user. Failures leave the user
// eligible for another attempt; a user without a building is skipped and
// stays not attempted.
func (f *Fetcher) Recover(ctx context.Context) (Report, error) {
	if !f.coord.IsReady() {
		return Report{}, intercom_errors.ErrNotReady
	}
	user, ok := f.coord.CurrentUser()
	if !ok {
		return Report{}, intercom_errors.ErrNoCurrentUser
	}
	rep := Report{UserID: user.ID}

	f.mu.Lock()
	if st, ok := f.status[user.ID]; ok && !st.Retryable() {
		f.mu.Unlock()
		rep.Status, rep.Reason = st, reasonAlreadySucceeded
		return rep, nil
	}
	if f.inFlight[user.ID] {
		f.mu.Unlock()
		rep.Status, rep.Reason = f.statusLocked(user.ID), reasonInFlight
		return rep, nil
	}
	f.inFlight[user.ID] = true
	gen := f.gen
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		delete(f.inFlight, user.ID)
		f.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	building, err := f.resolveBuilding(ctx, user)
	if err != nil {
		rep.Status = f.record(gen, user.ID, StatusFailedRetryEligible)
		return rep, fmt.Errorf("resolve building: %w", err)
	}
	if building == "" {
		rep.Status, rep.Reason = f.Status(user.ID), reasonNoBuilding
		return rep, nil
	}
	rep.BuildingID = building

	records, err := f.source.ActiveCalls(ctx, building)
	if err != nil {
		rep.Status = f.record(gen, user.ID, StatusFailedRetryEligible)
		return rep, fmt.Errorf("list active calls: %w", err)
	}
	rep.Found = len(records)

	for _, rec := range records {
		if reason := f.skipReason(user, rec); reason != "" {
			rep.Skipped++
			f.log.Logger.Debug("recovery skipped record", zap.String("call_id", rec.CallID), zap.String("reason", reason))
			continue
		}
		if err := f.coord.HandleIncomingPush(ctx, toEvent(rec, building)); err != nil {
			rep.Skipped++
			f.log.Logger.Info("recovered call not adopted", zap.String("call_id", rec.CallID), zap.Error(err))
			continue
		}
		rep.Delivered++
	}

	rep.Status = f.record(gen, user.ID, StatusSucceeded)
	return rep, nil
}

func (f *Fetcher) statusLocked(userID string) Status {
	if s, ok := f.status[userID]; ok {
		return s
	}
	return StatusNotAttempted
}

// record stores st unless the user changed while the run was in flight.
func (f *Fetcher) record(gen int, userID string, st Status) Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if gen != f.gen {
		return f.statusLocked(userID)
	}
	f.status[userID] = st
	return st
}

func (f *Fetcher) resolveBuilding(ctx context.Context, user call.CurrentUser) (string, error) {
	if user.BuildingID != "" {
		return user.BuildingID, nil
	}
	if f.directory == nil || user.ApartmentNumber == "" {
		return "", nil
	}
	return f.directory.BuildingForApartment(ctx, user)
}

func (f *Fetcher) skipReason(user call.CurrentUser, rec call.ActiveCallRecord) string {
	switch {
	case rec.CallID == "" || rec.From == "":
		return "incomplete record"
	case rec.From == user.ID:
		return "own call"
	case user.ApartmentNumber != "" && rec.ApartmentNumber != "" &&
		!strings.EqualFold(user.ApartmentNumber, rec.ApartmentNumber):
		return "other apartment"
	case !rec.StartedAt.IsZero() && f.now().Sub(rec.StartedAt) > f.maxAge:
		return "too old"
	default:
		return ""
	}
}

func toEvent(rec call.ActiveCallRecord, building string) call.IncomingCallEvent {
	if rec.BuildingID == "" {
		rec.BuildingID = building
	}
	return call.IncomingCallEvent{
		CallID:             rec.CallID,
		From:               rec.From,
		CallerName:         rec.CallerName,
		ApartmentNumber:    rec.ApartmentNumber,
		BuildingID:         rec.BuildingID,
		BuildingName:       rec.BuildingName,
		ChannelName:        rec.ChannelName,
		Timestamp:          rec.StartedAt,
		Source:             call.SourceRecovery,
		ShouldShowNativeUI: false,
	}
}
