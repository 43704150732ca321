// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package auth provides authentication and rate limiting middleware for
// the daemon API.
package auth

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/llmspan/llmspan/internal/daemon/httputil"
)

// BearerAuthenticator provides Bearer token authentication for API endpoints.
type BearerAuthenticator struct {
	secret string
}

// NewBearerAuthenticator creates an authenticator for the given secret.
// An empty secret disables authentication.
func NewBearerAuthenticator(secret string) *BearerAuthenticator {
	return &BearerAuthenticator{secret: secret}
}

// Enabled reports whether a secret is configured.
func (a *BearerAuthenticator) Enabled() bool {
	return a.secret != ""
}

// ExtractBearerToken extracts the Bearer token from the Authorization header.
// Returns the token value (without "Bearer " prefix) and an error if invalid.
func (a *BearerAuthenticator) ExtractBearerToken(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", fmt.Errorf("missing Authorization header")
	}

	// Check Bearer prefix (case-insensitive per RFC 6750)
	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(auth, bearerPrefix) && !strings.HasPrefix(auth, "bearer ") {
		return "", fmt.Errorf("invalid Authorization header format, expected 'Bearer <token>'")
	}

	token := strings.TrimSpace(auth[len(bearerPrefix):])
	if token == "" {
		return "", fmt.Errorf("empty Bearer token")
	}

	return token, nil
}

// VerifyToken compares the provided token with the configured secret using
// constant-time comparison to prevent timing attacks.
func (a *BearerAuthenticator) VerifyToken(token string) bool {
	return subtle.ConstantTimeCompare([]byte(token), []byte(a.secret)) == 1
}

// Authenticate verifies the Bearer token from the request.
// Returns an error if authentication fails.
func (a *BearerAuthenticator) Authenticate(r *http.Request) error {
	token, err := a.ExtractBearerToken(r)
	if err != nil {
		return err
	}

	if !a.VerifyToken(token) {
		return fmt.Errorf("invalid Bearer token")
	}

	return nil
}

// Middleware wraps a handler with Bearer token authentication. The
// health endpoint stays reachable without credentials so probes keep
// working when a token is rotated.
func (a *BearerAuthenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		if r.URL.Path == "/v1/health" {
			next.ServeHTTP(w, r)
			return
		}

		if err := a.Authenticate(r); err != nil {
			w.Header().Set("WWW-Authenticate", "Bearer")
			httputil.WriteError(w, http.StatusUnauthorized, "auth", err.Error())
			return
		}

		next.ServeHTTP(w, r)
	})
}
