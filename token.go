package userdata

import (
	"crypto/rand"
	"encoding/base64"
)

// Session tokens (gcid, dcid) must be unguessable; 24 random bytes
// matches the size the data services mint.
const tokenBytes = 24

// newToken returns an opaque, URL-safe session token. Collision checks
// against live tables are the caller's job.
func newToken() string {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		panic("crypto/rand failure: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
