package tunnel

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns an opaque, unpredictable short string suitable for use as a
// session_id or request_id. Collisions are not checked for; callers that
// need uniqueness (the Pending Table, the port map) enforce it themselves.
func NewID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b[:])
}
