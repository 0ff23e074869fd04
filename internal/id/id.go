package id

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// New generates a random 32-character hex ID using crypto/rand.
func New() (string, error) {
	b := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", b), nil
}

// Token generates a URL-safe random token with n bytes of entropy.
// Used for access and refresh credentials, which travel in headers,
// query parameters and WebSocket subprotocol names.
func Token(n int) string {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		// crypto/rand only fails if the platform entropy source is broken,
		// at which point minting credentials is unsafe anyway.
		panic(fmt.Sprintf("id: reading random bytes: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
