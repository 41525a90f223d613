package httpdto

import (
	"errors"
	"net/http"

	intercom_errors "concierge-intercom/pkg/errors"
)

// Error codes returned in the response envelope
const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeAlreadyInCall  = "ALREADY_IN_CALL"
	CodeNoActiveCall   = "NO_ACTIVE_CALL"
	CodeNoCurrentUser  = "NO_CURRENT_USER"
	CodeNotReady       = "NOT_READY"
	CodeInvalidState   = "INVALID_STATE"
	CodeUpstream       = "UPSTREAM_FAILED"
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeRateLimited    = "RATE_LIMITED"
	CodeInternal       = "INTERNAL_ERROR"
)

// ErrorStatus maps an error to its HTTP status and envelope code.
func ErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, intercom_errors.ErrInvalidInput):
		return http.StatusBadRequest, CodeInvalidRequest
	case errors.Is(err, intercom_errors.ErrAlreadyInCall):
		return http.StatusConflict, CodeAlreadyInCall
	case errors.Is(err, intercom_errors.ErrNoActiveCall):
		return http.StatusNotFound, CodeNoActiveCall
	case errors.Is(err, intercom_errors.ErrNoCurrentUser):
		return http.StatusPreconditionFailed, CodeNoCurrentUser
	case errors.Is(err, intercom_errors.ErrNotReady), errors.Is(err, intercom_errors.ErrServiceUnavailable):
		return http.StatusServiceUnavailable, CodeNotReady
	case errors.Is(err, intercom_errors.ErrInvalidTransition):
		return http.StatusConflict, CodeInvalidState
	case intercom_errors.IsInfrastructure(err):
		return http.StatusBadGateway, CodeUpstream
	case errors.Is(err, intercom_errors.ErrUnauthorized):
		return http.StatusUnauthorized, CodeUnauthorized
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// NewErrorResponseFor builds the envelope for err.
func NewErrorResponseFor(err error) (int, Response[any]) {
	status, code := ErrorStatus(err)
	return status, NewErrorResponse(err.Error(), code)
}
