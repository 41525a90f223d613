// Package recovery restores an intercom call that was already ringing when the
// app (re)started, by asking an active-calls source for the user's building.
package recovery

import (
	"context"

	"concierge-intercom/internal/domain/call"
)

// ActiveCallSource lists the calls currently open in a building.
type ActiveCallSource interface {
	ActiveCalls(ctx context.Context, buildingID string) ([]call.ActiveCallRecord, error)
}

// ApartmentDirectory resolves a building from the user's apartment when the
// profile carries none. An empty id with a nil error means unknown.
type ApartmentDirectory interface {
	BuildingForApartment(ctx context.Context, user call.CurrentUser) (string, error)
}
