package util

import (
	"crypto/rand"
	"encoding/base64"
)

// RandomToken returns 32 random bytes, URL-safe encoded. It is used for
// CSRF cookies.
func RandomToken() string {
	buf := make([]byte, 32)
	_, _ = rand.Read(buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}
