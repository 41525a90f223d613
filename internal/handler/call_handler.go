package handler

import (
	"context"
	"net/http"

	"concierge-intercom/internal/coordinator"
	"concierge-intercom/internal/domain/call"
	"concierge-intercom/internal/transport/httpdto"

	"github.com/gin-gonic/gin"
)

type CallHandler struct {
	coord Coordinator
}

func NewCallHandler(coord Coordinator) *CallHandler {
	return &CallHandler{coord: coord}
}

// Start places an outgoing call to an apartment.
func (h *CallHandler) Start(c *gin.Context) {
	var req httpdto.StartCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c, "invalid request")
		return
	}
	snap, err := h.coord.StartOutgoingCall(c.Request.Context(), coordinator.OutgoingCall{
		ApartmentNumber: req.ApartmentNumber,
		BuildingID:      req.BuildingID,
		BuildingName:    req.BuildingName,
		CallerName:      req.CallerName,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, httpdto.NewSuccessResponse(snap))
}

func (h *CallHandler) Answer(c *gin.Context) {
	if err := h.coord.AnswerIncomingCall(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	h.respondActive(c)
}

// Decline accepts an empty body.
func (h *CallHandler) Decline(c *gin.Context) {
	var req httpdto.DeclineCallRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			invalidRequest(c, "invalid request")
			return
		}
	}
	if err := h.coord.DeclineIncomingCall(c.Request.Context(), req.Reason); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"declined": true}))
}

// End hangs up by default; {"kind":"decline"} declines a ringing call.
func (h *CallHandler) End(c *gin.Context) {
	var req httpdto.EndCallRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			invalidRequest(c, "invalid request")
			return
		}
	}
	kind := call.EndKind(req.Kind)
	if kind == "" {
		kind = call.EndKindHangup
	}
	if err := h.coord.EndActiveCall(c.Request.Context(), kind); err != nil {
		writeError(c, err)
		return
	}
	h.respondActive(c)
}

func (h *CallHandler) Mute(c *gin.Context) {
	h.toggle(c, h.coord.SetMuted)
}

func (h *CallHandler) Speaker(c *gin.Context) {
	h.toggle(c, h.coord.SetSpeakerphoneOn)
}

// Active returns the live session or a null session.
func (h *CallHandler) Active(c *gin.Context) {
	h.respondActive(c)
}

func (h *CallHandler) toggle(c *gin.Context, apply func(ctx context.Context, on bool) error) {
	var req httpdto.ToggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c, "enabled is required")
		return
	}
	if err := apply(c.Request.Context(), *req.Enabled); err != nil {
		writeError(c, err)
		return
	}
	h.respondActive(c)
}

func (h *CallHandler) respondActive(c *gin.Context) {
	var res httpdto.ActiveCallResponse
	if snap, ok := h.coord.ActiveSession(); ok {
		res.Session = &snap
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(res))
}
