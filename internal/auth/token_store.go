package auth

import (
	"strings"
	"sync/atomic"
)

// TokenStore holds the current upstream API access token. Blank or
// whitespace-only values are sanitized to "absent" so callers only ever see
// a usable token or an empty string.
type TokenStore struct {
	token atomic.Value
}

// NewTokenStore creates a token store seeded with an initial token
func NewTokenStore(initial string) *TokenStore {
	s := &TokenStore{}
	s.token.Store(sanitize(initial))
	return s
}

// Get returns the current token, or "" when none is set
func (s *TokenStore) Get() string {
	v, _ := s.token.Load().(string)
	return v
}

// Set replaces the current token
func (s *TokenStore) Set(token string) {
	s.token.Store(sanitize(token))
}

func sanitize(token string) string {
	return strings.TrimSpace(token)
}
