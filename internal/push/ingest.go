package push

import (
	"context"
	"errors"
	"time"

	"concierge-intercom/internal/domain/call"
	intercom_errors "concierge-intercom/pkg/errors"
	"concierge-intercom/pkg/logger"

	"go.uber.org/zap"
)

const DefaultReadyTimeout = 5 * time.Second

// AppState is the application state a push arrived in.
type AppState string

const (
	AppStateForeground AppState = "foreground"
	AppStateBackground AppState = "background"
)

// ParseAppState defaults to background for anything unrecognized.
func ParseAppState(s string) AppState {
	if AppState(s) == AppStateForeground {
		return AppStateForeground
	}
	return AppStateBackground
}

func (s AppState) source() call.Source {
	if s == AppStateForeground {
		return call.SourceForeground
	}
	return call.SourceBackground
}

// Coordinator is the part of the call coordinator the ingestor needs.
type Coordinator interface {
	WaitReady(ctx context.Context) error
	HandleIncomingPush(ctx context.Context, ev call.IncomingCallEvent) error
}

// Outcome summarizes what happened to one payload.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeRejected  Outcome = "rejected"
	OutcomeNotReady  Outcome = "not_ready"
)

type Result struct {
	Outcome Outcome `json:"outcome"`
	CallID  string  `json:"call_id,omitempty"`
	Reason  string  `json:"reason,omitempty"`
}

// Ingestor is the only adapter between push delivery and the coordinator.
// It validates shape only; deduplication belongs to the coordinator.
type Ingestor struct {
	coord        Coordinator
	log          *logger.Logger
	readyTimeout time.Duration
	onResult     func(Result)
}

func NewIngestor(coord Coordinator, log *logger.Logger, readyTimeout time.Duration) *Ingestor {
	if readyTimeout <= 0 {
		readyTimeout = DefaultReadyTimeout
	}
	return &Ingestor{coord: coord, log: logger.OrNop(log), readyTimeout: readyTimeout}
}

// Ingest parses raw and hands a recognized call to the coordinator. Errors
// are absorbed into the Result; nothing here is fatal to the caller.
func (i *Ingestor) Ingest(ctx context.Context, raw []byte, state AppState) Result {
	return i.IngestPayload(ctx, Parse(raw), state)
}

// OnResult registers fn to observe every result. Call it before ingesting.
func (i *Ingestor) OnResult(fn func(Result)) {
	i.onResult = fn
}

func (i *Ingestor) IngestPayload(ctx context.Context, p Payload, state AppState) Result {
	res := i.ingest(ctx, p, state)
	if i.onResult != nil {
		i.onResult(res)
	}
	return res
}

func (i *Ingestor) ingest(ctx context.Context, p Payload, state AppState) Result {
	log := i.log.FromContext(ctx)

	known, ok := p.(KnownIntercomCall)
	if !ok {
		reason := "unrecognized"
		if u, isU := p.(Unrecognized); isU {
			reason = u.Reason
		}
		log.Logger.Debug("ignoring push payload", zap.String("reason", reason))
		return Result{Outcome: OutcomeIgnored, Reason: reason}
	}

	ev := known.Event
	ev.Source = state.source()
	ev.ShouldShowNativeUI = true

	waitCtx, cancel := context.WithTimeout(ctx, i.readyTimeout)
	defer cancel()
	if err := i.coord.WaitReady(waitCtx); err != nil {
		log.Logger.Warn("coordinator not ready for push", zap.String("call_id", ev.CallID), zap.Error(err))
		return Result{Outcome: OutcomeNotReady, CallID: ev.CallID, Reason: err.Error()}
	}

	if err := i.coord.HandleIncomingPush(ctx, ev); err != nil {
		level := log.Logger.Warn
		if errors.Is(err, intercom_errors.ErrAlreadyInCall) {
			level = log.Logger.Info
		}
		level("push rejected by coordinator", zap.String("call_id", ev.CallID), zap.Error(err))
		return Result{Outcome: OutcomeRejected, CallID: ev.CallID, Reason: err.Error()}
	}

	log.Logger.Info("push delivered",
		zap.String("call_id", ev.CallID),
		zap.String("source", string(ev.Source)),
	)
	return Result{Outcome: OutcomeDelivered, CallID: ev.CallID}
}
