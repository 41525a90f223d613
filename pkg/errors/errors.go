package intercom_errors

import "errors"

// Call coordination errors
var (
	ErrAlreadyInCall     = errors.New("already in call")
	ErrNoActiveCall      = errors.New("no active call")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNoCurrentUser     = errors.New("current user not set")
	ErrNotReady          = errors.New("coordinator not ready")
)

// Infrastructure errors. A session hitting one of these is driven to failed.
var (
	ErrTokenIssuanceFailed  = errors.New("token issuance failed")
	ErrSignalingUnavailable = errors.New("signaling unavailable")
	ErrMediaJoinFailed      = errors.New("media join failed")
)

// Common errors
var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrNotFound           = errors.New("not found")
	ErrServiceUnavailable = errors.New("service unavailable")
)

// IsInfrastructure reports whether err is one of the transport failures that
// map a session to failed.
func IsInfrastructure(err error) bool {
	return errors.Is(err, ErrTokenIssuanceFailed) ||
		errors.Is(err, ErrSignalingUnavailable) ||
		errors.Is(err, ErrMediaJoinFailed)
}
