package handler

import (
	"net/http"

	"concierge-intercom/internal/transport/httpdto"

	"github.com/gin-gonic/gin"
)

// UserHandler manages the identity the device is signed in as.
type UserHandler struct {
	coord Coordinator
}

func NewUserHandler(coord Coordinator) *UserHandler {
	return &UserHandler{coord: coord}
}

func (h *UserHandler) Get(c *gin.Context) {
	u, ok := h.coord.CurrentUser()
	if !ok {
		c.JSON(http.StatusOK, httpdto.NewSuccessResponse[any](nil))
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(u))
}

// Set replaces the current user. Switching identity during a live call is
// refused by the coordinator.
func (h *UserHandler) Set(c *gin.Context) {
	var req httpdto.SetUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c, "invalid request")
		return
	}
	u := req.ToDomain()
	if err := h.coord.SetCurrentUser(c.Request.Context(), u); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(u))
}

// Clear signs the device out.
func (h *UserHandler) Clear(c *gin.Context) {
	if err := h.coord.ClearCurrentUser(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
