package entity

import (
	"time"

	"github.com/google/uuid"
)

// Account is the billing/ownership unit. ID is the surrogate key used for
// foreign keys; GUID is the public identifier handed to clients.
type Account struct {
	ID          int64
	GUID        uuid.UUID
	Enabled     bool
	Password    string
	Email       string
	IsTrial     bool
	ExpDate     *time.Time
	Notes       string
	GroupID     *int64
	PlanID      *int64
	Credit      int64
	CreatedByID *int64
	DateCreated time.Time
}

// Expired reports whether the account has an expiration date in the past.
func (a *Account) Expired(now time.Time) bool {
	return a.ExpDate != nil && a.ExpDate.Before(now)
}
