package recovery

// Status is the recovery outcome recorded per user.
type Status string

const (
	StatusNotAttempted        Status = "not_attempted"
	StatusSucceeded           Status = "succeeded"
	StatusFailedRetryEligible Status = "failed_retry_eligible"
)

// Retryable reports whether a trigger should attempt recovery again.
func (s Status) Retryable() bool {
	return s != StatusSucceeded
}

// Report describes one recovery run.
type Report struct {
	UserID     string `json:"user_id"`
	BuildingID string `json:"building_id,omitempty"`
	Status     Status `json:"status"`
	Found      int    `json:"found"`
	Delivered  int    `json:"delivered"`
	Skipped    int    `json:"skipped"`

	// Reason is set when the run did nothing: already done, in flight, or no
	// building to query.
	Reason string `json:"reason,omitempty"`
}

const (
	reasonAlreadySucceeded = "already succeeded"
	reasonInFlight         = "in flight"
	reasonNoBuilding       = "no building"
)
