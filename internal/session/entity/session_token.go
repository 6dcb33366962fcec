package entity

import (
	"time"

	"github.com/google/uuid"
)

// SessionToken is an issued bearer credential bound to a user (or account)
// and the device it was issued to.
type SessionToken struct {
	Token string `json:"token"`
	// UserID is the public identifier of the owning user, or of the account
	// for account sessions.
	UserID       uuid.UUID `json:"user_id"`
	UserName     string    `json:"user_name"`
	AppName      string    `json:"app_name"`
	AppVersion   string    `json:"app_version"`
	DeviceName   string    `json:"device_name"`
	DeviceID     string    `json:"device_id"`
	LastActivity time.Time `json:"last_activity"`
	DateCreated  time.Time `json:"date_created"`
}

// Clone returns a copy safe to mutate independently.
func (t *SessionToken) Clone() *SessionToken {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
