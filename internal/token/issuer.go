// Package token issues the per-call credentials a device needs to join the
// media room and the realtime messaging channel.
package token

import (
	"context"
	"fmt"
	"time"

	"concierge-intercom/internal/domain/call"
	intercom_errors "concierge-intercom/pkg/errors"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/livekit/protocol/auth"
)

const (
	DefaultTTL = time.Hour

	rtmAudience = "intercom-rtm"
)

type Config struct {
	APIKey    string
	APISecret string
	RTMSecret string
	Issuer    string
	TTL       time.Duration
}

// Issuer signs LiveKit room tokens for media and HS256 tokens for the
// messaging channel. Both are scoped to one call and one identity.
type Issuer struct {
	cfg Config
	now func() time.Time
}

// RTMClaims are the claims of a messaging channel token.
type RTMClaims struct {
	CallID      string `json:"call_id"`
	ChannelName string `json:"channel"`
	Role        string `json:"role"`
	jwt.RegisteredClaims
}

func NewIssuer(cfg Config) (*Issuer, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("%w: livekit api key and secret are required", intercom_errors.ErrInvalidInput)
	}
	if cfg.RTMSecret == "" {
		cfg.RTMSecret = cfg.APISecret
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "intercomd"
	}
	return &Issuer{cfg: cfg, now: time.Now}, nil
}

func (i *Issuer) IssueTokenBundle(ctx context.Context, req call.TokenRequest) (call.TokenBundle, error) {
	if err := ctx.Err(); err != nil {
		return call.TokenBundle{}, fmt.Errorf("%w: %w", intercom_errors.ErrTokenIssuanceFailed, err)
	}
	if req.UserID == "" || req.CallID == "" {
		return call.TokenBundle{}, fmt.Errorf("%w: call id and user id are required", intercom_errors.ErrTokenIssuanceFailed)
	}
	channel := req.ChannelName
	if channel == "" {
		channel = call.ChannelNameFor(req.CallID)
	}
	now := i.now()
	expires := now.Add(i.cfg.TTL)

	at := auth.NewAccessToken(i.cfg.APIKey, i.cfg.APISecret)
	at.AddGrant(&auth.VideoGrant{
		RoomJoin: true,
		Room:     channel,
	}).
		SetIdentity(req.UserID).
		SetName(req.DisplayName).
		SetValidFor(i.cfg.TTL)
	rtc, err := at.ToJWT()
	if err != nil {
		return call.TokenBundle{}, fmt.Errorf("%w: rtc token: %w", intercom_errors.ErrTokenIssuanceFailed, err)
	}

	claims := RTMClaims{
		CallID:      req.CallID,
		ChannelName: channel,
		Role:        string(req.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   req.UserID,
			Issuer:    i.cfg.Issuer,
			Audience:  jwt.ClaimStrings{rtmAudience},
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	}
	rtm, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(i.cfg.RTMSecret))
	if err != nil {
		return call.TokenBundle{}, fmt.Errorf("%w: rtm token: %w", intercom_errors.ErrTokenIssuanceFailed, err)
	}

	return call.TokenBundle{
		RTCToken:    rtc,
		RTMToken:    rtm,
		UID:         req.UserID,
		ChannelName: channel,
		TTLSeconds:  int(i.cfg.TTL / time.Second),
		ExpiresAt:   expires,
	}, nil
}
