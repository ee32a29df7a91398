// Package auth generates and checks the bearer token that guards the
// fetch and shutdown endpoints.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
)

// TokenBytes is the amount of entropy in a generated token.
const TokenBytes = 32

// QueryParam is the query string key that carries the token.
const QueryParam = "token"

// NewToken returns a URL-safe random token without padding.
func NewToken() (string, error) {
	buf := make([]byte, TokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Matches reports whether got equals expected in constant time. An empty
// expected token never matches.
func Matches(expected, got string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1
}

// FromRequest extracts the presented token from the query string, falling
// back to an "Authorization: Bearer" header.
func FromRequest(r *http.Request) string {
	if token := r.URL.Query().Get(QueryParam); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
