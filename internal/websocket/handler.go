package websocket

import (
	"context"
	"net/http"
	"strings"

	"concierge-intercom/internal/events"
	"concierge-intercom/internal/transport/httpdto"
	"concierge-intercom/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// TokenVerifier authenticates the token a websocket client presents and
// returns its subject.
type TokenVerifier interface {
	Verify(token string) (subject string, err error)
}

type Handler struct {
	hub      *Hub
	shell    *ShellLink
	verifier TokenVerifier
	log      *logger.Logger
	upgrader websocket.Upgrader
}

// NewHandler serves the UI event stream and the shell link. A nil verifier
// accepts every connection. checkOrigin may be nil to allow any origin.
func NewHandler(hub *Hub, shell *ShellLink, verifier TokenVerifier, checkOrigin func(*http.Request) bool, log *logger.Logger) *Handler {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Handler{
		hub:      hub,
		shell:    shell,
		verifier: verifier,
		log:      logger.OrNop(log),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
	}
}

// Events upgrades to the event stream. ?kinds=a,b limits the event kinds.
func (h *Handler) Events(c *gin.Context) {
	subject, ok := h.authenticate(c)
	if !ok {
		return
	}
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Logger.Warn("websocket upgrade failed", zap.String("endpoint", "events"), zap.Error(err))
		return
	}

	client := NewClient(conn, subject)
	var kinds []events.Kind
	for _, k := range strings.Split(c.Query("kinds"), ",") {
		if k = strings.TrimSpace(k); k != "" {
			kinds = append(kinds, events.Kind(k))
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.hub.Register(client, kinds...)
	go client.WriteLoop(ctx)
	h.log.Logger.Info("event client connected", zap.String("client_id", client.ID), zap.String("subject", subject))

	// clients only read; inbound frames are ignored
	err = client.ReadLoop(nil)
	h.hub.Unregister(client)
	h.log.Logger.Info("event client disconnected", zap.String("client_id", client.ID), zap.Error(err))
}

// Shell upgrades to the native shell link.
func (h *Handler) Shell(c *gin.Context) {
	subject, ok := h.authenticate(c)
	if !ok {
		return
	}
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Logger.Warn("websocket upgrade failed", zap.String("endpoint", "shell"), zap.Error(err))
		return
	}

	client := NewClient(conn, subject)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.shell.Connect(client)
	go client.WriteLoop(ctx)

	err = client.ReadLoop(func(data []byte) {
		h.shell.HandleMessage(client, data)
	})
	h.shell.Disconnect(client)
	client.Close()
	h.log.Logger.Info("shell link closed", zap.String("client_id", client.ID), zap.Error(err))
}

func (h *Handler) authenticate(c *gin.Context) (string, bool) {
	if h.verifier == nil {
		return "", true
	}
	token := c.Query("token")
	if token == "" {
		token = bearer(c.GetHeader("Authorization"))
	}
	subject, err := h.verifier.Verify(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, httpdto.NewErrorResponse("unauthorized", "UNAUTHORIZED"))
		return "", false
	}
	return subject, true
}

func bearer(value string) string {
	parts := strings.SplitN(value, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
