package entity

import (
	"encoding/json"

	"github.com/google/uuid"
)

// User is an end-user profile owned by one Account. Only InternalID, ID and
// AccountID live in their own columns; Name, Password and Profile travel in
// the serialized data blob.
type User struct {
	InternalID int64
	ID         uuid.UUID
	AccountID  *int64

	Name string
	// Password holds a digest envelope, or "" for passwordless profiles.
	Password string
	// Profile is display/policy/configuration state this service never
	// interprets.
	Profile json.RawMessage
}

// HasPassword reports whether the profile requires a secret to log in.
func (u *User) HasPassword() bool { return u.Password != "" }
