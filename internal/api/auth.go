// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// Identity is what the token verifier hands back for a caller.
type Identity struct {
	UID  string
	Plan string
}

// TokenVerifier validates bearer tokens. The gateway stays ignorant of
// the identity provider behind it.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// StaticVerifier is a fixed token→identity table for development and tests.
type StaticVerifier map[string]Identity

func (v StaticVerifier) Verify(_ context.Context, token string) (Identity, error) {
	identity, ok := v[token]
	if !ok {
		return Identity{}, fmt.Errorf("unknown token")
	}
	return identity, nil
}

type identityKey struct{}

// authenticate resolves the bearer token, when present, into an Identity
// on the request context. Missing or invalid tokens pass through; the
// handlers that need an identity reject anonymously.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.verifier != nil {
			header := r.Header.Get("Authorization")
			if token, ok := strings.CutPrefix(header, "Bearer "); ok {
				if identity, err := s.verifier.Verify(r.Context(), strings.TrimSpace(token)); err == nil {
					r = r.WithContext(context.WithValue(r.Context(), identityKey{}, identity))
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

// callerIdentity extracts the authenticated identity, if any.
func callerIdentity(r *http.Request) (Identity, bool) {
	identity, ok := r.Context().Value(identityKey{}).(Identity)
	return identity, ok
}

// requireIdentity writes a 401 and returns false when the caller is
// anonymous.
func requireIdentity(w http.ResponseWriter, r *http.Request) (Identity, bool) {
	identity, ok := callerIdentity(r)
	if !ok {
		writeDetail(w, http.StatusUnauthorized, "Not authenticated")
		return Identity{}, false
	}
	return identity, true
}

// adminCredentials reads the ops headers used for guardian authorization.
func adminCredentials(r *http.Request) (uid, token string) {
	return r.Header.Get("x-vf-admin-uid"), r.Header.Get("x-vf-admin-token")
}
