package handler

import (
	"io"
	"net/http"

	"concierge-intercom/internal/push"
	"concierge-intercom/internal/transport/httpdto"

	"github.com/gin-gonic/gin"
)

const (
	// AppStateHeader carries foreground or background from the forwarding shell
	AppStateHeader = "X-App-State"

	maxPushBody = 64 << 10
)

// PushHandler receives push payloads the native shell forwards and app
// lifecycle notifications.
type PushHandler struct {
	ingestor  Ingestor
	recoverer Recoverer
}

func NewPushHandler(ingestor Ingestor, recoverer Recoverer) *PushHandler {
	return &PushHandler{ingestor: ingestor, recoverer: recoverer}
}

// Push answers 503 only when the coordinator never became ready, so the
// shell can retry. Ignored and rejected payloads are not retried.
func (h *PushHandler) Push(c *gin.Context) {
	raw, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxPushBody))
	if err != nil || len(raw) == 0 {
		invalidRequest(c, "push payload is required")
		return
	}

	res := h.ingestor.Ingest(c.Request.Context(), raw, push.ParseAppState(c.GetHeader(AppStateHeader)))
	if res.Outcome == push.OutcomeNotReady {
		c.JSON(http.StatusServiceUnavailable, httpdto.NewFailureResponse(res, "coordinator not ready", httpdto.CodeNotReady))
		return
	}
	c.JSON(http.StatusAccepted, httpdto.NewSuccessResponse(res))
}

// Foreground triggers recovery of calls that rang while the app was away.
func (h *PushHandler) Foreground(c *gin.Context) {
	if h.recoverer != nil {
		h.recoverer.Foreground()
	}
	c.JSON(http.StatusAccepted, httpdto.NewSuccessResponse(gin.H{"recovery": "scheduled"}))
}
