package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"concierge-intercom/internal/transport/httpdto"
	intercom_errors "concierge-intercom/pkg/errors"
	"concierge-intercom/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// ControlClaims authorize a caller of the control API, normally the native
// shell or the UI embedded in it.
type ControlClaims struct {
	Scope string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// TokenAuth verifies HS256 bearer tokens signed with the control secret. An
// empty secret disables authentication.
type TokenAuth struct {
	secret []byte
	now    func() time.Time
}

func NewTokenAuth(secret string) *TokenAuth {
	return &TokenAuth{secret: []byte(secret), now: time.Now}
}

func (a *TokenAuth) Enabled() bool {
	return len(a.secret) > 0
}

// Verify returns the token subject.
func (a *TokenAuth) Verify(token string) (string, error) {
	if !a.Enabled() {
		return "", nil
	}
	if token == "" {
		return "", intercom_errors.ErrUnauthorized
	}
	parsed, err := jwt.ParseWithClaims(token, &ControlClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, intercom_errors.ErrUnauthorized
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(a.now))
	if err != nil {
		return "", fmt.Errorf("%w: %w", intercom_errors.ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(*ControlClaims)
	if !ok {
		return "", intercom_errors.ErrUnauthorized
	}
	return claims.Subject, nil
}

// Issue signs a control token, used by tooling that provisions the shell.
func (a *TokenAuth) Issue(subject string, ttl time.Duration) (string, error) {
	now := a.now()
	claims := ControlClaims{
		Scope: "control",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func AuthMiddleware(auth *TokenAuth) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !auth.Enabled() {
			c.Next()
			return
		}
		subject, err := auth.Verify(extractBearer(c))
		if err != nil {
			c.JSON(http.StatusUnauthorized, httpdto.NewErrorResponse("unauthorized", httpdto.CodeUnauthorized))
			c.Abort()
			return
		}
		ctx := context.WithValue(c.Request.Context(), logger.UserIdKey, subject)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func extractBearer(c *gin.Context) string {
	value := c.GetHeader("Authorization")
	parts := strings.SplitN(value, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
