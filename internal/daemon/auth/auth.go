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

// Package auth authenticates API requests with static API keys or
// HS256 bearer tokens. With neither configured the middleware passes
// everything through, which is the expected posture for a loopback
// daemon.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Header carrying a static API key.
const HeaderAPIKey = "X-API-Key"

// Config holds the accepted credentials.
type Config struct {
	// APIKeys are accepted via X-API-Key or as bearer tokens.
	APIKeys []string

	// JWTSecret verifies HS256 bearer tokens when set.
	JWTSecret string

	// ExemptPaths bypass authentication (health and metrics probes).
	ExemptPaths []string
}

// Enabled reports whether any credential is configured.
func (c Config) Enabled() bool {
	return len(c.APIKeys) > 0 || c.JWTSecret != ""
}

// Principal identifies how a request authenticated.
type Principal struct {
	// Method is api_key or jwt.
	Method string

	// Subject is the JWT sub claim, empty for API keys.
	Subject string
}

type principalKey struct{}

// PrincipalFromContext returns the authenticated principal, if any.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Middleware enforces the config. Unauthenticated requests get a 401
// problem document.
func Middleware(cfg Config) func(http.Handler) http.Handler {
	exempt := make(map[string]bool, len(cfg.ExemptPaths))
	for _, p := range cfg.ExemptPaths {
		exempt[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.Enabled() || exempt[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			principal, ok := authenticate(cfg, r)
			if !ok {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]any{
					"title":  "Unauthorized",
					"status": http.StatusUnauthorized,
					"detail": "missing or invalid credentials",
				})
				return
			}
			next.ServeHTTP(w, r.WithContext(
				context.WithValue(r.Context(), principalKey{}, principal)))
		})
	}
}

func authenticate(cfg Config, r *http.Request) (Principal, bool) {
	if key := r.Header.Get(HeaderAPIKey); key != "" && matchesKey(cfg.APIKeys, key) {
		return Principal{Method: "api_key"}, true
	}

	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return Principal{}, false
	}

	// A bearer token may be a raw API key or a signed JWT.
	if matchesKey(cfg.APIKeys, token) {
		return Principal{Method: "api_key"}, true
	}
	if cfg.JWTSecret != "" {
		if subject, ok := verifyJWT(token, cfg.JWTSecret); ok {
			return Principal{Method: "jwt", Subject: subject}, true
		}
	}
	return Principal{}, false
}

func matchesKey(keys []string, candidate string) bool {
	for _, key := range keys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(candidate)) == 1 {
			return true
		}
	}
	return false
}

func verifyJWT(token, secret string) (string, bool) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid {
		return "", false
	}
	subject, _ := parsed.Claims.GetSubject()
	return subject, true
}
