package server

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// ErrUnauthenticated is returned by an Authenticator that rejects a request.
var ErrUnauthenticated = errors.New("unauthenticated")

// Authenticator decides whether a request may use the API. Cache entries
// are shared across callers, so it only gates access.
type Authenticator interface {
	Authenticate(r *http.Request) error
}

// KeyAuthenticator accepts requests carrying one of a fixed set of keys.
type KeyAuthenticator struct {
	keys [][]byte
}

// NewKeyAuthenticator accepts the given keys. With no keys every request
// is accepted.
func NewKeyAuthenticator(keys []string) *KeyAuthenticator {
	a := &KeyAuthenticator{}
	for _, k := range keys {
		if k != "" {
			a.keys = append(a.keys, []byte(k))
		}
	}
	return a
}

// Authenticate implements Authenticator.
func (a *KeyAuthenticator) Authenticate(r *http.Request) error {
	if len(a.keys) == 0 {
		return nil
	}
	got := []byte(extractAPIKey(r))
	if len(got) == 0 {
		return ErrUnauthenticated
	}
	for _, k := range a.keys {
		if subtle.ConstantTimeCompare(got, k) == 1 {
			return nil
		}
	}
	return ErrUnauthenticated
}

func extractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("x-api-key"); key != "" {
		return key
	}
	return ""
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.deps.Auth.Authenticate(r); err != nil {
			writeJSONError(w, http.StatusUnauthorized, "missing or invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}
