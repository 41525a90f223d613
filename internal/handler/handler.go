// Package handler provides the HTTP handlers of the local control API.
package handler

import (
	"context"
	"net/http"

	"concierge-intercom/internal/coordinator"
	"concierge-intercom/internal/domain/call"
	"concierge-intercom/internal/push"
	"concierge-intercom/internal/transport/httpdto"

	"github.com/gin-gonic/gin"
)

// Coordinator is the part of the call coordinator the control API drives.
type Coordinator interface {
	IsReady() bool
	ActiveSession() (call.Snapshot, bool)
	CurrentUser() (call.CurrentUser, bool)
	SetCurrentUser(ctx context.Context, u call.CurrentUser) error
	ClearCurrentUser(ctx context.Context) error

	StartOutgoingCall(ctx context.Context, req coordinator.OutgoingCall) (call.Snapshot, error)
	AnswerIncomingCall(ctx context.Context) error
	DeclineIncomingCall(ctx context.Context, reason string) error
	EndActiveCall(ctx context.Context, kind call.EndKind) error
	SetMuted(ctx context.Context, muted bool) error
	SetSpeakerphoneOn(ctx context.Context, on bool) error
}

// Ingestor accepts raw push payloads.
type Ingestor interface {
	Ingest(ctx context.Context, raw []byte, state push.AppState) push.Result
}

// Recoverer runs active-call recovery when the app returns to the foreground.
type Recoverer interface {
	Foreground()
}

// writeError records err for the error middleware and renders it.
func writeError(c *gin.Context, err error) {
	_ = c.Error(err)
	status, body := httpdto.NewErrorResponseFor(err)
	c.JSON(status, body)
}

func invalidRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, httpdto.NewErrorResponse(message, httpdto.CodeInvalidRequest))
}
