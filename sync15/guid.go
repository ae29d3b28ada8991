package sync15

import (
	"encoding/base64"

	"github.com/gofrs/uuid/v5"
)

// Guid is a sync record identifier. Server-assigned IDs are 12 urlsafe
// base64 characters, but anything the server accepts round-trips unchanged.
type Guid string

// NewGuid returns a fresh random Guid: nine random bytes, urlsafe-base64
// encoded to the conventional 12 characters.
func NewGuid() Guid {
	u := uuid.Must(uuid.NewV4())
	return Guid(base64.URLEncoding.EncodeToString(u.Bytes()[:9]))
}

func (g Guid) String() string { return string(g) }
