package middleware

import (
	"concierge-intercom/internal/transport/httpdto"
	"concierge-intercom/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorHandler renders errors attached with c.Error when the handler did not
// write a response itself.
func ErrorHandler(l *logger.Logger) gin.HandlerFunc {
	log := logger.OrNop(l)
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		err := c.Errors.Last().Err
		status, body := httpdto.NewErrorResponseFor(err)
		log.FromContext(c.Request.Context()).Logger.Warn("request error",
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Error(err),
		)
		if !c.Writer.Written() {
			c.JSON(status, body)
		}
	}
}
