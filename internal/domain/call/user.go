package call

import (
	"strings"

	intercom_errors "concierge-intercom/pkg/errors"
)

// UserType is the role of the signed-in user in the building.
type UserType string

const (
	UserTypeResident UserType = "resident"
	UserTypeDoorman  UserType = "doorman"
	UserTypeAdmin    UserType = "admin"
	UserTypeVisitor  UserType = "visitor"
)

// CurrentUser is the identity all signaling and token requests are scoped to.
type CurrentUser struct {
	ID              string   `json:"id"`
	UserType        UserType `json:"user_type"`
	DisplayName     string   `json:"display_name"`
	BuildingID      string   `json:"building_id,omitempty"`
	ApartmentNumber string   `json:"apartment_number,omitempty"`
}

func (u CurrentUser) Validate() error {
	if strings.TrimSpace(u.ID) == "" {
		return intercom_errors.ErrInvalidInput
	}
	switch u.UserType {
	case UserTypeResident, UserTypeDoorman, UserTypeAdmin, UserTypeVisitor:
		return nil
	default:
		return intercom_errors.ErrInvalidInput
	}
}
