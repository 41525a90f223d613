package middleware

import (
	"context"
	"net/http"
	"strconv"

	"concierge-intercom/internal/redis"
	"concierge-intercom/internal/transport/httpdto"
	"concierge-intercom/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RateLimiter is implemented by redis.RateLimiter.
type RateLimiter interface {
	AllowCall(ctx context.Context, userID string) (*redis.RateLimitResult, error)
	AllowPush(ctx context.Context, ip string) (*redis.RateLimitResult, error)
}

// CallRateLimitMiddleware limits outgoing calls per current user. userID
// returns the identity to count against; requests without one pass.
func CallRateLimitMiddleware(limiter RateLimiter, userID func() string, l *logger.Logger) gin.HandlerFunc {
	return limit(l, "call rate limit exceeded", func(c *gin.Context) (*redis.RateLimitResult, error) {
		id := userID()
		if id == "" {
			return nil, nil
		}
		return limiter.AllowCall(c.Request.Context(), id)
	})
}

// PushRateLimitMiddleware limits forwarded push payloads per client address.
func PushRateLimitMiddleware(limiter RateLimiter, l *logger.Logger) gin.HandlerFunc {
	return limit(l, "push rate limit exceeded", func(c *gin.Context) (*redis.RateLimitResult, error) {
		return limiter.AllowPush(c.Request.Context(), c.ClientIP())
	})
}

// limit fails open: a limiter error is logged and the request proceeds.
func limit(l *logger.Logger, message string, check func(*gin.Context) (*redis.RateLimitResult, error)) gin.HandlerFunc {
	log := logger.OrNop(l)
	return func(c *gin.Context) {
		result, err := check(c)
		if err != nil {
			log.FromContext(c.Request.Context()).Logger.Warn("rate limit check failed", zap.Error(err))
			c.Next()
			return
		}
		if result == nil {
			c.Next()
			return
		}

		setRateLimitHeaders(c, result)
		if !result.Allowed {
			c.JSON(http.StatusTooManyRequests, httpdto.NewErrorResponse(message, httpdto.CodeRateLimited))
			c.Abort()
			return
		}
		c.Next()
	}
}

// setRateLimitHeaders sets standard rate limit response headers
func setRateLimitHeaders(c *gin.Context, result *redis.RateLimitResult) {
	c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(int64(result.ResetIn.Seconds()), 10))
}
