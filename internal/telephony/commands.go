package telephony

import (
	"context"

	"concierge-intercom/internal/domain/call"
)

// Commands is the coordinator surface the bridge forwards native actions to.
type Commands interface {
	AnswerIncomingCall(ctx context.Context) error
	DeclineIncomingCall(ctx context.Context, reason string) error
	EndActiveCall(ctx context.Context, kind call.EndKind) error
	SetMuted(ctx context.Context, muted bool) error
	ActiveSession() (call.Snapshot, bool)
}
