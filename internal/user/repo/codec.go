package repo

import (
	"encoding/json"
	"fmt"

	"github.com/ovaphlow/pitchfork/service-auth-core/internal/user/entity"
)

// Codec turns the blob-resident part of a User into bytes and back. Column
// backed fields (InternalID, ID, AccountID) are never touched.
type Codec interface {
	Marshal(u *entity.User) ([]byte, error)
	Unmarshal(data []byte, u *entity.User) error
}

const codecVersion = 1

// JSONCodec stores the payload as a small versioned JSON document. Rows
// written before the version field existed decode as version 0.
type JSONCodec struct{}

type userPayload struct {
	Version  int             `json:"v,omitempty"`
	Name     string          `json:"Name"`
	Password string          `json:"Password,omitempty"`
	Profile  json.RawMessage `json:"Profile,omitempty"`
}

func (JSONCodec) Marshal(u *entity.User) ([]byte, error) {
	return json.Marshal(userPayload{
		Version:  codecVersion,
		Name:     u.Name,
		Password: u.Password,
		Profile:  u.Profile,
	})
}

func (JSONCodec) Unmarshal(data []byte, u *entity.User) error {
	var p userPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode user payload: %w", err)
	}
	if p.Version > codecVersion {
		return fmt.Errorf("decode user payload: unknown version %d", p.Version)
	}
	u.Name = p.Name
	u.Password = p.Password
	u.Profile = p.Profile
	return nil
}
